// Package testutil holds helpers shared by database-backed tests.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"os"
	"testing"

	"github.com/onnwee/chatrelay/crypto"
	"github.com/onnwee/chatrelay/db"
)

// SetupTestDB connects to TEST_PG_DSN, runs migrations and empties the given tables.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T, truncate ...string) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(context.Background(), dsn, 1)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	if err := db.Migrate(database); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	for _, table := range truncate {
		//nolint:gosec // G202: table names come from test code
		if _, err := database.Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("failed to clear %s: %v", table, err)
		}
	}
	return database
}

// NewKeyring returns a keyring with one random key under id "test".
func NewKeyring(t *testing.T) *crypto.Keyring {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("random key: %v", err)
	}
	kr, err := crypto.NewKeyring("test", map[string]string{"test": base64.StdEncoding.EncodeToString(key)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return kr
}
