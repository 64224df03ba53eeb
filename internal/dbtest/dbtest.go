// Package dbtest provides the shared MySQL fixture for integration tests.
// Tests get a real MySQL via testcontainers, or whatever SQLBUS_TEST_DSN
// points at; without either, they skip.
package dbtest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"sync"
	"testing"
	"time"

	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/sqlbus/sqlbus/internal/dbconn"
)

const containerImage = "mysql:8.4"

var (
	setupOnce sync.Once
	sharedDSN string
	setupErr  error
)

// DSN resolves the test database, starting one MySQL container for the
// whole test binary on first use. Tests that need provider options beyond
// the default call this directly.
func DSN(t *testing.T) string {
	t.Helper()

	if env := os.Getenv("SQLBUS_TEST_DSN"); env != "" {
		return env
	}

	setupOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		container, err := tcmysql.Run(ctx, containerImage,
			tcmysql.WithDatabase("sqlbus_test"),
			tcmysql.WithUsername("sqlbus"),
			tcmysql.WithPassword("sqlbus"),
		)
		if err != nil {
			setupErr = err
			return
		}
		// The container lives for the whole test binary; the reaper shuts
		// it down once the test session ends.
		sharedDSN, setupErr = container.ConnectionString(ctx)
	})
	if setupErr != nil {
		t.Skipf("MySQL unavailable (set SQLBUS_TEST_DSN or install docker): %v", setupErr)
	}
	return sharedDSN
}

// Provider opens a connection provider on the test database and closes it
// with the test.
func Provider(t *testing.T) *dbconn.Provider {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	provider, err := dbconn.NewProvider(ctx, dbconn.Options{DSN: DSN(t)})
	if err != nil {
		t.Fatalf("open provider: %v", err)
	}
	t.Cleanup(func() { _ = provider.Close() })
	return provider
}

// UniqueName returns a random table name with the given prefix, so every
// test works on its own tables and cannot interfere with parallel runs.
func UniqueName(t *testing.T, prefix string) string {
	t.Helper()
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("generate random name: %v", err)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}

// Context returns a context bounded to a generous per-test timeout.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)
	return ctx
}
