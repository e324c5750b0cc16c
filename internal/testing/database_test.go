package testing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Concurrent goroutines must all see the migrated schema, not a fresh
// empty database per pooled connection.
func TestCreateTestDB_ConcurrentAccess(t *testing.T) {
	conn := CreateTestDB(t)
	now := time.Now().UTC().Format(time.RFC3339)

	var group errgroup.Group
	for i := 0; i < 16; i++ {
		i := i
		group.Go(func() error {
			_, err := conn.ExecContext(context.Background(),
				`INSERT INTO jobs (id, tenant_id, name, initial_message, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				uuid.NewString(), "tenant-1", fmt.Sprintf("job-%d", i), "hello", now, now)
			return err
		})
	}
	require.NoError(t, group.Wait())

	var count int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count))
	assert.Equal(t, 16, count)
}

// Each call returns an isolated database.
func TestCreateTestDB_Isolated(t *testing.T) {
	first := CreateTestDB(t)
	second := CreateTestDB(t)

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := first.Exec(
		`INSERT INTO jobs (id, tenant_id, name, initial_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), "tenant-1", "only-here", "hello", now, now)
	require.NoError(t, err)

	var count int
	require.NoError(t, second.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count))
	assert.Equal(t, 0, count)
}
