package dbconn_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlbus/sqlbus/internal/dbconn"
	"github.com/sqlbus/sqlbus/internal/dbtest"
)

func createScratchTable(t *testing.T) dbconn.TableName {
	t.Helper()
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)

	name := dbtest.UniqueName(t, "scratch")
	table, err := dbconn.ParseTableName(name)
	require.NoError(t, err)

	conn, err := provider.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE %s (id BIGINT PRIMARY KEY, name VARCHAR(50))", table.Qualified()))
	require.NoError(t, err)
	require.NoError(t, conn.Complete(ctx))
	return table
}

func TestGetTableNamesAndColumns(t *testing.T) {
	table := createScratchTable(t)
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)

	conn, err := provider.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()

	found, err := conn.HasTable(ctx, table)
	require.NoError(t, err)
	assert.True(t, found)

	cols, err := conn.GetColumns(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, "bigint", cols["id"])
	assert.Equal(t, "varchar", cols["name"])
}

func TestCreateColumnIfNotExistsIsIdempotent(t *testing.T) {
	table := createScratchTable(t)
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)

	addColumn := func() {
		conn, err := provider.Open(ctx)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.CreateColumnIfNotExists(ctx, table, "extra", "INT NULL"))
		require.NoError(t, conn.Complete(ctx))
	}
	// Twice: the second run must find the column and do nothing.
	addColumn()
	addColumn()

	conn, err := provider.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()
	cols, err := conn.GetColumns(ctx, table)
	require.NoError(t, err)
	assert.Contains(t, cols, "extra")
}

func TestDropColumnIfExistsIsIdempotent(t *testing.T) {
	table := createScratchTable(t)
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)

	dropColumn := func() {
		conn, err := provider.Open(ctx)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.DropColumnIfExists(ctx, table, "name"))
		require.NoError(t, conn.Complete(ctx))
	}
	dropColumn()
	dropColumn()

	conn, err := provider.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()
	cols, err := conn.GetColumns(ctx, table)
	require.NoError(t, err)
	assert.NotContains(t, cols, "name")
}

func TestCreateAndDropIndexIfNotExists(t *testing.T) {
	table := createScratchTable(t)
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)

	run := func(f func(*dbconn.Connection) error) {
		conn, err := provider.Open(ctx)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, f(conn))
		require.NoError(t, conn.Complete(ctx))
	}

	create := func(conn *dbconn.Connection) error {
		return conn.CreateIndexIfNotExists(ctx, table, "idx_name", "(`name`)")
	}
	run(create)
	run(create)

	conn, err := provider.Open(ctx)
	require.NoError(t, err)
	indexes, err := conn.GetIndexes(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, "name", indexes["idx_name"])
	conn.Close()

	drop := func(conn *dbconn.Connection) error {
		return conn.DropIndexIfExists(ctx, table, "idx_name")
	}
	run(drop)
	run(drop)
}

func TestGetIndexesOrdersCompoundColumns(t *testing.T) {
	table := createScratchTable(t)
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)

	conn, err := provider.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateIndexIfNotExists(ctx, table, "idx_compound", "(`name`, `id`)"))
	require.NoError(t, conn.Complete(ctx))

	conn2, err := provider.Open(ctx)
	require.NoError(t, err)
	defer conn2.Close()
	indexes, err := conn2.GetIndexes(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, "name, id", indexes["idx_compound"])
}

func TestCloseWithoutCompleteRollsBack(t *testing.T) {
	table := createScratchTable(t)
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)

	conn, err := provider.Open(ctx)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, name) VALUES (1, 'ghost')", table.Qualified()))
	require.NoError(t, err)
	conn.Close() // no Complete: rollback

	conn2, err := provider.Open(ctx)
	require.NoError(t, err)
	defer conn2.Close()
	var count int
	require.NoError(t, conn2.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s", table.Qualified())).Scan(&count))
	assert.Zero(t, count)
}

func TestExecMulti(t *testing.T) {
	ctx := dbtest.Context(t)
	provider := dbtest.Provider(t)

	name := dbtest.UniqueName(t, "multi")
	table, err := dbconn.ParseTableName(name)
	require.NoError(t, err)

	conn, err := provider.Open(ctx)
	require.NoError(t, err)
	defer conn.Close()

	script := fmt.Sprintf("CREATE TABLE %[1]s (id INT PRIMARY KEY)\n----\nINSERT INTO %[1]s (id) VALUES (1)\n----\nINSERT INTO %[1]s (id) VALUES (2)", table.Qualified())
	require.NoError(t, conn.ExecMulti(ctx, script))
	require.NoError(t, conn.Complete(ctx))

	conn2, err := provider.Open(ctx)
	require.NoError(t, err)
	defer conn2.Close()
	var count int
	require.NoError(t, conn2.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+table.Qualified()).Scan(&count))
	assert.Equal(t, 2, count)
}
