package checkpoint_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/icn-node/internal/checkpoint"
	"github.com/jmerrifield20/icn-node/internal/model"
)

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestMerkleRoot_empty(t *testing.T) {
	assert.Equal(t, "", checkpoint.MerkleRoot(nil))
}

func TestMerkleRoot_singleLeafIsItself(t *testing.T) {
	assert.Equal(t, sum("a"), checkpoint.MerkleRoot([]string{sum("a")}))
}

func TestMerkleRoot_oddLeafCarriedUp(t *testing.T) {
	a, b, c := sum("a"), sum("b"), sum("c")
	want := sum(sum(a+b) + c)
	assert.Equal(t, want, checkpoint.MerkleRoot([]string{a, b, c}))
}

func TestMerkleRoot_fourLeaves(t *testing.T) {
	a, b, c, d := sum("a"), sum("b"), sum("c"), sum("d")
	want := sum(sum(a+b) + sum(c+d))
	assert.Equal(t, want, checkpoint.MerkleRoot([]string{a, b, c, d}))
}

func TestMerkleRoot_orderMatters(t *testing.T) {
	a, b := sum("a"), sum("b")
	assert.NotEqual(t,
		checkpoint.MerkleRoot([]string{a, b}),
		checkpoint.MerkleRoot([]string{b, a}),
	)
}

func TestMerkleRoot_deterministic(t *testing.T) {
	leaves := []string{sum("1"), sum("2"), sum("3"), sum("4"), sum("5")}
	assert.Equal(t, checkpoint.MerkleRoot(leaves), checkpoint.MerkleRoot(leaves))
}

func TestLeafHash_layout(t *testing.T) {
	e := &model.AuditEntry{
		PrevHash:    "p",
		RowHash:     "r",
		OpType:      model.OpCreate,
		EntityType:  model.EntityInvoice,
		EntityID:    "id-1",
		PayloadHash: "h",
		Timestamp:   time.Date(2025, 3, 1, 12, 30, 0, 123456000, time.UTC),
	}
	want := sum("p|r|create|invoice|id-1|h|2025-03-01T12:30:00.123456+00:00")
	assert.Equal(t, want, checkpoint.LeafHash(e))
}

func TestLeafHash_genesisHasEmptyPrev(t *testing.T) {
	e := &model.AuditEntry{
		RowHash:   "r",
		OpType:    model.OpCreate,
		Timestamp: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	want := sum("|r|create||||2025-03-01T00:00:00.000000+00:00")
	assert.Equal(t, want, checkpoint.LeafHash(e))
}

func TestProof_everyLeafVerifies(t *testing.T) {
	for n := 1; n <= 9; n++ {
		leaves := make([]string, n)
		for i := range leaves {
			leaves[i] = sum(string(rune('a' + i)))
		}
		root := checkpoint.MerkleRoot(leaves)
		for i := range leaves {
			proof, err := checkpoint.Proof(leaves, i)
			require.NoError(t, err)
			assert.True(t, checkpoint.VerifyProof(leaves[i], proof, root), "n=%d i=%d", n, i)
		}
	}
}

func TestProof_rejectsWrongLeaf(t *testing.T) {
	leaves := []string{sum("a"), sum("b"), sum("c")}
	root := checkpoint.MerkleRoot(leaves)
	proof, err := checkpoint.Proof(leaves, 1)
	require.NoError(t, err)
	assert.False(t, checkpoint.VerifyProof(sum("x"), proof, root))
}

func TestProof_outOfRange(t *testing.T) {
	_, err := checkpoint.Proof([]string{sum("a")}, 1)
	assert.Error(t, err)
}
