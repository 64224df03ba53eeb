package dbconn

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// GetTableNames lists the tables of the connection's current schema.
func (c *Connection) GetTableNames(ctx context.Context) ([]TableName, error) {
	rows, err := c.QueryContext(ctx, `
		SELECT TABLE_SCHEMA, TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = DATABASE()`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []TableName
	for rows.Next() {
		var t TableName
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, t)
	}
	return names, rows.Err()
}

// HasTable reports whether the given table exists, comparing
// case-insensitively. An unqualified name is looked up in the
// connection's current schema.
func (c *Connection) HasTable(ctx context.Context, table TableName) (bool, error) {
	var count int
	err := c.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM INFORMATION_SCHEMA.TABLES
		WHERE LOWER(TABLE_SCHEMA) = LOWER(COALESCE(NULLIF(?, ''), DATABASE()))
		  AND LOWER(TABLE_NAME) = LOWER(?)`,
		table.Schema, table.Name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return count > 0, nil
}

// GetColumns maps column name to SQL data type for the given table. Keys
// preserve the server's casing; look up with EqualFold or lowercase both
// sides.
func (c *Connection) GetColumns(ctx context.Context, table TableName) (map[string]string, error) {
	rows, err := c.QueryContext(ctx, `
		SELECT COLUMN_NAME, DATA_TYPE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
		  AND TABLE_NAME = ?`,
		table.Schema, table.Name)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols[name] = typ
	}
	return cols, rows.Err()
}

// GetIndexes maps index name to its comma-joined column list, ordered by
// SEQ_IN_INDEX.
func (c *Connection) GetIndexes(ctx context.Context, table TableName) (map[string]string, error) {
	rows, err := c.QueryContext(ctx, `
		SELECT INDEX_NAME, COLUMN_NAME, SEQ_IN_INDEX
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
		  AND TABLE_NAME = ?`,
		table.Schema, table.Name)
	if err != nil {
		return nil, fmt.Errorf("list indexes of %s: %w", table, err)
	}
	defer rows.Close()

	type indexCol struct {
		seq  int
		name string
	}
	byIndex := make(map[string][]indexCol)
	for rows.Next() {
		var index, column string
		var seq int
		if err := rows.Scan(&index, &column, &seq); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		byIndex[index] = append(byIndex[index], indexCol{seq: seq, name: column})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(byIndex))
	for name, cols := range byIndex {
		sort.Slice(cols, func(i, j int) bool { return cols[i].seq < cols[j].seq })
		parts := make([]string, len(cols))
		for i, col := range cols {
			parts[i] = col.name
		}
		out[name] = strings.Join(parts, ", ")
	}
	return out, nil
}

// The conditional DDL helpers below implement "IF NOT EXISTS" semantics
// MySQL lacks for columns and secondary indexes. Existence is counted in
// INFORMATION_SCHEMA first; when the object is already in the desired
// state nothing else runs. Otherwise the DDL string is stored in the
// session variable @sqlbus_ddl, then PREPAREd and EXECUTEd. Session
// variables are per connection, and every Connection pins one, so
// concurrent callers cannot trample each other's @sqlbus_ddl.
//
// DDL in MySQL commits implicitly; callers must not rely on rolling these
// back.

// execConditionalDDL brings an object to the desired existence state by
// running ddl when the current state differs from wantExists.
func (c *Connection) execConditionalDDL(ctx context.Context, existsQuery string, existsArgs []any, ddl string, wantExists bool) error {
	row := c.QueryRowContext(ctx, existsQuery, existsArgs...)
	var count int
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("check existence: %w", err)
	}
	exists := count > 0
	if exists == wantExists {
		// Already in the desired state.
		return nil
	}
	if _, err := c.ExecContext(ctx, "SET @sqlbus_ddl = ?", ddl); err != nil {
		return fmt.Errorf("set ddl variable: %w", err)
	}
	if _, err := c.ExecContext(ctx, "PREPARE sqlbus_stmt FROM @sqlbus_ddl"); err != nil {
		return fmt.Errorf("prepare ddl: %w", err)
	}
	defer func() {
		_, _ = c.ExecContext(ctx, "DEALLOCATE PREPARE sqlbus_stmt")
	}()
	if _, err := c.ExecContext(ctx, "EXECUTE sqlbus_stmt"); err != nil {
		return fmt.Errorf("execute ddl: %w", err)
	}
	return nil
}

const columnExistsQuery = `
	SELECT COUNT(*)
	FROM INFORMATION_SCHEMA.COLUMNS
	WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
	  AND TABLE_NAME = ?
	  AND COLUMN_NAME = ?`

const indexExistsQuery = `
	SELECT COUNT(DISTINCT INDEX_NAME)
	FROM INFORMATION_SCHEMA.STATISTICS
	WHERE TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
	  AND TABLE_NAME = ?
	  AND INDEX_NAME = ?`

// CreateColumnIfNotExists adds a column unless it is already present.
func (c *Connection) CreateColumnIfNotExists(ctx context.Context, table TableName, column, definition string) error {
	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN `%s` %s", table.Qualified(), column, definition)
	return c.execConditionalDDL(ctx,
		columnExistsQuery, []any{table.Schema, table.Name, column},
		ddl, true)
}

// DropColumnIfExists drops a column if present.
func (c *Connection) DropColumnIfExists(ctx context.Context, table TableName, column string) error {
	ddl := fmt.Sprintf("ALTER TABLE %s DROP COLUMN `%s`", table.Qualified(), column)
	return c.execConditionalDDL(ctx,
		columnExistsQuery, []any{table.Schema, table.Name, column},
		ddl, false)
}

// CreateIndexIfNotExists creates a secondary index unless one with the
// same name exists. columns is the parenthesized column list, e.g.
// "(`priority` DESC, `visible`)".
func (c *Connection) CreateIndexIfNotExists(ctx context.Context, table TableName, index, columns string) error {
	ddl := fmt.Sprintf("CREATE INDEX `%s` ON %s %s", index, table.Qualified(), columns)
	return c.execConditionalDDL(ctx,
		indexExistsQuery, []any{table.Schema, table.Name, index},
		ddl, true)
}

// DropIndexIfExists drops an index if present.
func (c *Connection) DropIndexIfExists(ctx context.Context, table TableName, index string) error {
	ddl := fmt.Sprintf("DROP INDEX `%s` ON %s", index, table.Qualified())
	return c.execConditionalDDL(ctx,
		indexExistsQuery, []any{table.Schema, table.Name, index},
		ddl, false)
}
