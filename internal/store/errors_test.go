package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"modernc.org/sqlite"
)

func TestIsConflictOnDriverBusy(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "busy.db")

	holder, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })
	_, err = holder.ExecContext(ctx, "CREATE TABLE t (v INTEGER)")
	require.NoError(t, err)

	conn, err := holder.Conn(ctx)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		_ = conn.Close()
	})

	other, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(0)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	_, err = other.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)")
	require.Error(t, err)

	var sqliteErr *sqlite.Error
	require.ErrorAs(t, err, &sqliteErr)
	assert.True(t, isConflict(err))
	assert.True(t, isConflict(fmt.Errorf("save transcript: %w", err)))
}

func TestIsConflictOnDriverConstraint(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, "CREATE TABLE t (v INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)")
	require.Error(t, err)
	assert.False(t, isConflict(err))
}

func TestIsConflictFallsBackToMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy text", errors.New("sqlite: step: SQLITE_BUSY"), true},
		{"locked text", fmt.Errorf("exec: %v", errors.New("database is locked (5)")), true},
		{"other", errors.New("no such table: users"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isConflict(tt.err))
		})
	}
}
