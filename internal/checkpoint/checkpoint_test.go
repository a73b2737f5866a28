package checkpoint_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/checkpoint"
	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/signature"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

var ctx = context.Background()

type fixture struct {
	store *trustledger.MemoryStore
	chain *trustledger.Chain
	svc   *checkpoint.Service
	key   *signature.NodeKey
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := signature.NewKeystore(t.TempDir()+"/node.key", "").Create()
	require.NoError(t, err)
	store := trustledger.NewMemoryStore(time.Second)
	f := &fixture{
		store: store,
		chain: trustledger.NewChain(store, trustledger.DefaultConfig(), zap.NewNop()),
		svc:   checkpoint.NewService(store, "node-a", key, zap.NewNop()),
		key:   key,
	}
	f.chain.SetClock(func() time.Time { return f.clock })
	return f
}

// appendAt commits one attestation stamped at ts.
func (f *fixture) appendAt(t *testing.T, ts time.Time) *model.AuditEntry {
	t.Helper()
	f.clock = ts
	var entry *model.AuditEntry
	err := f.chain.Write(ctx, func(ctx context.Context, tx trustledger.Tx) error {
		rec := &model.Attestation{
			ID:          uuid.New(),
			SubjectType: model.SubjectTypeInvoice,
			SubjectID:   uuid.NewString(),
			AttestorOrg: "urn:coop:valley-food",
			Weight:      1,
		}
		e, err := f.chain.Append(ctx, tx, rec, model.OpCreate, "sig")
		entry = e
		return err
	})
	require.NoError(t, err)
	return entry
}

func day(d int, h, m, s, us int) time.Time {
	return time.Date(2025, 3, d, h, m, s, us*1000, time.UTC)
}

func TestParseDate(t *testing.T) {
	d, err := checkpoint.ParseDate("2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), d)

	for _, bad := range []string{"", "2025-3-1", "2025/03/01", "2025-02-30", "yesterday", "2025-03-01T00:00:00Z"} {
		_, err := checkpoint.ParseDate(bad)
		assert.ErrorIs(t, err, checkpoint.ErrInvalidDateFormat, bad)
	}
}

func TestGenerate_coversWholeDay(t *testing.T) {
	f := newFixture(t)
	f.appendAt(t, day(1, 23, 0, 0, 0))
	first := f.appendAt(t, day(2, 0, 0, 0, 0))
	last := f.appendAt(t, day(2, 23, 59, 59, 999999))
	f.appendAt(t, day(3, 0, 0, 0, 0))

	cp, created, err := f.svc.Generate(ctx, "2025-03-02")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, cp.OperationsCount)
	assert.Equal(t, checkpoint.MerkleRoot([]string{checkpoint.LeafHash(first), checkpoint.LeafHash(last)}), cp.MerkleRoot)
	assert.Equal(t, "node-a", cp.NodeID)
}

func TestGenerate_emptyDay(t *testing.T) {
	f := newFixture(t)
	cp, created, err := f.svc.Generate(ctx, "2025-03-05")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 0, cp.OperationsCount)
	assert.Equal(t, "", cp.MerkleRoot)
}

func TestGenerate_idempotent(t *testing.T) {
	f := newFixture(t)
	f.appendAt(t, day(1, 10, 0, 0, 0))

	first, created, err := f.svc.Generate(ctx, "2025-03-01")
	require.NoError(t, err)
	require.True(t, created)

	// Later entries for the same day do not change an existing checkpoint.
	f.appendAt(t, day(1, 11, 0, 0, 0))
	again, created, err := f.svc.Generate(ctx, "2025-03-01")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.MerkleRoot, again.MerkleRoot)

	list, err := f.svc.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGenerate_linksPreviousCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.appendAt(t, day(1, 10, 0, 0, 0))
	f.appendAt(t, day(2, 10, 0, 0, 0))

	first, _, err := f.svc.Generate(ctx, "2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, "", first.PrevCheckpointHash)

	second, _, err := f.svc.Generate(ctx, "2025-03-02")
	require.NoError(t, err)
	assert.Equal(t, first.MerkleRoot, second.PrevCheckpointHash)
}

func TestGenerate_invalidDate(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Generate(ctx, "03/01/2025")
	assert.ErrorIs(t, err, checkpoint.ErrInvalidDateFormat)
}

func TestGenerate_rejectsDaysThatHaveNotEnded(t *testing.T) {
	f := newFixture(t)
	f.svc.SetClock(func() time.Time { return day(2, 12, 0, 0, 0) })
	f.appendAt(t, day(2, 9, 0, 0, 0))

	for _, date := range []string{"2025-03-02", "2025-03-03"} {
		cp, created, err := f.svc.Generate(ctx, date)
		assert.ErrorIs(t, err, checkpoint.ErrDayNotClosed, date)
		assert.Nil(t, cp, date)
		assert.False(t, created, date)
	}
	_, err := f.svc.Get(ctx, "2025-03-02")
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointNotFound, "rejected day must not be stored")

	_, created, err := f.svc.Generate(ctx, "2025-03-01")
	require.NoError(t, err)
	assert.True(t, created)

	// Exactly at the next midnight the day is closed.
	f.svc.SetClock(func() time.Time { return day(3, 0, 0, 0, 0) })
	cp, created, err := f.svc.Generate(ctx, "2025-03-02")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, cp.OperationsCount)
}

func TestVerify_roundTrip(t *testing.T) {
	f := newFixture(t)
	for h := 0; h < 5; h++ {
		f.appendAt(t, day(1, h, 0, 0, 0))
	}
	cp, _, err := f.svc.Generate(ctx, "2025-03-01")
	require.NoError(t, err)

	res, err := f.svc.Verify(ctx, "2025-03-01")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.SignatureOK)
	assert.Equal(t, 5, res.Count)
	assert.Equal(t, cp.MerkleRoot, res.MerkleRoot)
	assert.Equal(t, cp.MerkleRoot, res.ComputedRoot)
}

func TestVerify_detectsLateEntry(t *testing.T) {
	f := newFixture(t)
	f.appendAt(t, day(1, 10, 0, 0, 0))
	_, _, err := f.svc.Generate(ctx, "2025-03-01")
	require.NoError(t, err)

	// The clock is clamped forward, so an entry can only land in a past
	// day if the checkpoint was generated before the day ended.
	f.appendAt(t, day(1, 11, 0, 0, 0))

	res, err := f.svc.Verify(ctx, "2025-03-01")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 2, res.Count)
	assert.NotEqual(t, res.MerkleRoot, res.ComputedRoot)
}

func TestVerify_notFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Verify(ctx, "2025-03-01")
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointNotFound)
}

func TestProve(t *testing.T) {
	f := newFixture(t)
	var entries []*model.AuditEntry
	for h := 0; h < 3; h++ {
		entries = append(entries, f.appendAt(t, day(1, h, 0, 0, 0)))
	}
	cp, _, err := f.svc.Generate(ctx, "2025-03-01")
	require.NoError(t, err)

	p, err := f.svc.Prove(ctx, "2025-03-01", entries[2].Seq)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Index)
	assert.True(t, checkpoint.VerifyProof(p.Leaf, p.Proof, cp.MerkleRoot))

	_, err = f.svc.Prove(ctx, "2025-03-01", 999)
	assert.ErrorIs(t, err, checkpoint.ErrEntryNotInCheckpoint)
}

func TestArtifact_receiptVerifies(t *testing.T) {
	f := newFixture(t)
	f.appendAt(t, day(1, 10, 0, 0, 0))
	_, _, err := f.svc.Generate(ctx, "2025-03-01")
	require.NoError(t, err)

	art, err := f.svc.Artifact(ctx, "2025-03-01")
	require.NoError(t, err)
	assert.Equal(t, f.key.PublicKeyBase64(), art.NodePublicKey)
	require.NoError(t, art.Check(f.key.Public))

	claims, err := checkpoint.VerifyReceipt(art.Receipt, f.key.Public)
	require.NoError(t, err)
	assert.Equal(t, "node-a", claims.Issuer)
	assert.Equal(t, art.MerkleRoot, claims.MerkleRoot)

	other, err := signature.NewKeystore(t.TempDir()+"/other.key", "").Create()
	require.NoError(t, err)
	assert.Error(t, art.Check(other.Public))

	art.MerkleRoot = "tampered"
	assert.Error(t, art.Check(f.key.Public))
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (p *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if p.err != nil {
		return nil, p.err
	}
	body, _ := io.ReadAll(in.Body)
	p.inputs = append(p.inputs, in)
	p.bodies = append(p.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestGenerate_publishesArtifact(t *testing.T) {
	f := newFixture(t)
	putter := &fakePutter{}
	f.svc.SetPublisher(checkpoint.NewS3PublisherWithClient(putter, "icn-checkpoints", "node-a"))
	f.appendAt(t, day(1, 10, 0, 0, 0))

	cp, _, err := f.svc.Generate(ctx, "2025-03-01")
	require.NoError(t, err)

	require.Len(t, putter.inputs, 1)
	assert.Equal(t, "icn-checkpoints", *putter.inputs[0].Bucket)
	assert.Equal(t, "node-a/2025-03-01.json", *putter.inputs[0].Key)

	var art checkpoint.Artifact
	require.NoError(t, json.Unmarshal(putter.bodies[0], &art))
	assert.Equal(t, cp.MerkleRoot, art.MerkleRoot)

	// Regenerating does not publish again.
	_, _, err = f.svc.Generate(ctx, "2025-03-01")
	require.NoError(t, err)
	assert.Len(t, putter.inputs, 1)
}

func TestGenerate_publishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.svc.SetPublisher(checkpoint.NewS3PublisherWithClient(&fakePutter{err: errors.New("bucket gone")}, "b", ""))

	_, created, err := f.svc.Generate(ctx, "2025-03-01")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestPublishers_triesEveryPublisher(t *testing.T) {
	failing := &fakePutter{err: errors.New("down")}
	ok := &fakePutter{}
	ps := checkpoint.Publishers{
		checkpoint.NewS3PublisherWithClient(failing, "a", ""),
		checkpoint.NewS3PublisherWithClient(ok, "b", ""),
	}
	err := ps.Publish(ctx, &checkpoint.Artifact{Date: "2025-03-01"})
	assert.Error(t, err)
	assert.Len(t, ok.inputs, 1)
}
