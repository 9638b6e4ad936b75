package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"live-recorder/constant"
	"live-recorder/entities"
)

// setupPostgres starts PostgreSQL in a container. Needs Docker, so it only runs
// with TEST_INTEGRATION set.
func setupPostgres(t *testing.T) ChunkStore {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("recorder_test"),
		postgres.WithUsername("recorder"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)

	store, err := NewRepo(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRepo_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupPostgres(t)

	for _, seq := range []int64{2, 0, 1} {
		_, err := store.Append(ctx, constant.TableTemps, rec("s1", seq, 100, base.Add(time.Duration(seq)*time.Second)))
		require.NoError(t, err)
	}

	records, err := store.GetBySession(ctx, constant.TableTemps, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, seqsOf(records))

	size, err := store.TotalSize(ctx, constant.TableTemps)
	require.NoError(t, err)
	assert.Equal(t, int64(300), size)

	latest, err := store.GetLatest(ctx, constant.TableTemps, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, seqsOf(latest))

	older, err := store.GetOlder(ctx, constant.TableTemps, latest[0].CreatedAt, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, seqsOf(older))

	require.NoError(t, store.DeleteByKeys(ctx, constant.TableTemps, []entities.Key{{SessionID: "s1", Seq: 1}}))
	meta, err := store.ListMeta(ctx, constant.TableTemps)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 2}, seqsOf(meta))

	require.NoError(t, store.DeleteAll(ctx, constant.TableTemps))
	count, err := store.Count(ctx, constant.TableTemps)
	require.NoError(t, err)
	assert.Zero(t, count)
}
