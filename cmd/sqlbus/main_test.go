package main

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIsolation(t *testing.T) {
	tests := []struct {
		input   string
		want    sql.IsolationLevel
		wantErr bool
	}{
		{input: "", want: sql.LevelRepeatableRead},
		{input: "repeatable-read", want: sql.LevelRepeatableRead},
		{input: "Read-Committed", want: sql.LevelReadCommitted},
		{input: "read-uncommitted", want: sql.LevelReadUncommitted},
		{input: "serializable", want: sql.LevelSerializable},
		{input: "snapshot", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseIsolation(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestRootCommandWiring(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"queue", "send", "receive", "lock"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}
