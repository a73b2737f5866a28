//go:build integration

package trustledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
	"github.com/jmerrifield20/icn-node/migrations"
)

func setupPostgres(t *testing.T, ctx context.Context) (*trustledger.PostgresStore, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "icn",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/icn?sslmode=disable", host, port.Port())

	db, err := migrations.Open(dsn)
	require.NoError(t, err)
	require.NoError(t, migrations.Up(ctx, db))
	require.NoError(t, db.Close())

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	store := trustledger.NewPostgresStore(pool, zap.NewNop(), 2*time.Second)
	return store, func() {
		store.Close()
		_ = container.Terminate(ctx)
	}
}

func TestIntegration_PostgresChain(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupPostgres(t, ctx)
	defer cleanup()

	for _, urn := range []string{"urn:coop:a", "urn:coop:b"} {
		require.NoError(t, store.CreateOrg(ctx, &model.Organization{URN: urn, Name: urn, PublicKey: "AAAA"}))
	}
	chain := trustledger.NewChain(store, trustledger.DefaultConfig(), zap.NewNop())

	t.Run("concurrent invoice appends stay linear", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				inv := &model.Invoice{
					ID:             uuid.New(),
					IdempotencyKey: fmt.Sprintf("key-%d", i),
					FromOrg:        "urn:coop:a",
					ToOrg:          "urn:coop:b",
					Lines:          []map[string]any{{"qty": i}},
					Total:          float64(100 + i),
					Terms:          map[string]any{},
					Status:         model.InvoiceStatusProposed,
					StatusHistory:  []model.StatusChange{{Status: model.InvoiceStatusProposed, By: "urn:coop:a"}},
					Signatures:     []map[string]any{},
				}
				err := chain.Write(ctx, func(ctx context.Context, tx trustledger.Tx) error {
					_, err := chain.Append(ctx, tx, inv, model.OpCreate, "")
					return err
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		report, err := chain.Verify(ctx)
		require.NoError(t, err)
		require.True(t, report.OK, report.Summary())
		require.Equal(t, 20, report.Length)
	})

	t.Run("duplicate idempotency key is rejected", func(t *testing.T) {
		err := chain.Write(ctx, func(ctx context.Context, tx trustledger.Tx) error {
			_, err := chain.Append(ctx, tx, &model.Invoice{
				ID: uuid.New(), IdempotencyKey: "key-0", FromOrg: "urn:coop:a", ToOrg: "urn:coop:b",
				Terms: map[string]any{}, Status: model.InvoiceStatusProposed,
			}, model.OpCreate, "")
			return err
		})
		require.ErrorIs(t, err, trustledger.ErrDuplicate)

		n, err := store.Count(ctx)
		require.NoError(t, err)
		require.EqualValues(t, 20, n)
	})

	t.Run("records decode with exact numbers", func(t *testing.T) {
		invs, err := store.InvoicesBetween(ctx, "urn:coop:a", "urn:coop:b")
		require.NoError(t, err)
		require.Len(t, invs, 20)
		for _, inv := range invs {
			payloadHash, _, err := trustledger.ComputeHash(inv.CanonicalPayload(), inv.PrevHash)
			require.NoError(t, err)
			entries, err := store.Entries(ctx)
			require.NoError(t, err)
			found := false
			for _, e := range entries {
				if e.EntityID == inv.ID.String() {
					require.Equal(t, e.PayloadHash, payloadHash)
					found = true
				}
			}
			require.True(t, found)
		}
	})

	t.Run("checkpoint uniqueness per date and node", func(t *testing.T) {
		cp := &model.Checkpoint{Date: "2026-01-02", NodeID: "node-a", MerkleRoot: "abc"}
		require.NoError(t, store.WithCheckpointLock(ctx, func(ctx context.Context, tx trustledger.CheckpointTx) error {
			return tx.InsertCheckpoint(ctx, cp)
		}))
		err := store.WithCheckpointLock(ctx, func(ctx context.Context, tx trustledger.CheckpointTx) error {
			return tx.InsertCheckpoint(ctx, &model.Checkpoint{Date: "2026-01-02", NodeID: "node-a"})
		})
		require.ErrorIs(t, err, trustledger.ErrDuplicate)

		got, err := store.CheckpointByDate(ctx, "2026-01-02", "node-a")
		require.NoError(t, err)
		require.Equal(t, "abc", got.MerkleRoot)
	})
}
