package dbconn_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/internal/dbconn"
	"github.com/sqlbus/sqlbus/internal/dbtest"
	"github.com/sqlbus/sqlbus/internal/txscope"
)

func TestOpenScopedWithoutEnlistmentIsPerOperation(t *testing.T) {
	table := createScratchTable(t)
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)

	scope := txscope.New()
	c1, err := provider.OpenScoped(ctx, scope)
	require.NoError(t, err)
	c2, err := provider.OpenScoped(ctx, scope)
	require.NoError(t, err)

	// Separate transactions: each commits on its own.
	_, err = c1.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id) VALUES (1)", table.Qualified()))
	require.NoError(t, err)
	require.NoError(t, c1.Complete(ctx))
	_, err = c2.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id) VALUES (2)", table.Qualified()))
	require.NoError(t, err)
	require.NoError(t, c2.Complete(ctx))

	require.NoError(t, scope.Dispose(ctx))

	conn, err := provider.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()
	var count int
	require.NoError(t, conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table.Qualified()).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestAmbientEnlistmentSharesOneTransaction(t *testing.T) {
	table := createScratchTable(t)
	ctx := dbtest.Context(t)

	provider := ambientProvider(t)

	scope := txscope.New()
	c1, err := provider.OpenScoped(ctx, scope)
	require.NoError(t, err)
	c2, err := provider.OpenScoped(ctx, scope)
	require.NoError(t, err)

	_, err = c1.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id) VALUES (1)", table.Qualified()))
	require.NoError(t, err)
	_, err = c2.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id) VALUES (2)", table.Qualified()))
	require.NoError(t, err)

	// Complete on an enlisted view is a no-op; nothing is visible yet.
	require.NoError(t, c1.Complete(ctx))
	assert.Zero(t, countRows(t, table), "ambient work published before scope completion")

	// Scope completion commits the shared transaction.
	require.NoError(t, scope.Complete(ctx))
	require.NoError(t, scope.Dispose(ctx))
	assert.Equal(t, 2, countRows(t, table))
}

func TestAmbientEnlistmentRollsBackOnAbort(t *testing.T) {
	table := createScratchTable(t)
	ctx := dbtest.Context(t)

	provider := ambientProvider(t)

	scope := txscope.New()
	c, err := provider.OpenScoped(ctx, scope)
	require.NoError(t, err)
	_, err = c.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (id) VALUES (1)", table.Qualified()))
	require.NoError(t, err)

	require.NoError(t, scope.Abort(ctx))
	require.NoError(t, scope.Dispose(ctx))
	assert.Zero(t, countRows(t, table))
}

func ambientProvider(t *testing.T) *dbconn.Provider {
	t.Helper()
	ctx := dbtest.Context(t)

	provider, err := dbconn.NewProvider(ctx, dbconn.Options{
		DSN:                        dbtest.DSN(t),
		EnlistInAmbientTransaction: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })
	return provider
}

func countRows(t *testing.T, table dbconn.TableName) int {
	t.Helper()
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)
	conn, err := provider.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()
	var count int
	require.NoError(t, conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table.Qualified()).Scan(&count))
	require.NoError(t, conn.Complete(ctx))
	return count
}
