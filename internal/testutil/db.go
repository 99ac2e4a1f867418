package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/suPer8Hu/convcache/internal/db"
)

// OpenSQLite opens a private in-memory database and migrates models into it.
// Each call gets its own database, so tests never see each other's rows.
func OpenSQLite(t *testing.T, models ...any) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := db.Open(dsn, db.Options{MaxOpenConns: 1, LogLevel: logger.Silent})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })

	if err := db.Migrate(gdb, models...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return gdb
}
