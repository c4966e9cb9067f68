// Package persistencetest opens throwaway stores for tests.
package persistencetest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/wfunc/partysync/persistence"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var seq atomic.Int64

// NewSQLiteStore returns a migrated store backed by a private in-memory sqlite
// database. The connection pool is pinned to one connection so concurrent
// writers queue instead of failing with "database is locked".
func NewSQLiteStore(t testing.TB) *persistence.GormStore {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))

	db, err := gorm.Open(sqlite.Open(dsn), persistence.GormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store, err := persistence.NewGormStore(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
