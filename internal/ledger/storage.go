package ledger

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"healthcore/internal/infra/persistence/memory"
	"healthcore/internal/infra/persistence/postgres"
	"healthcore/internal/infra/persistence/sqlite"
	"healthcore/pkg/domain"
)

// Storage driver names accepted by OpenPersistentStore.
const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// OpenPersistentStore selects a store implementation from the environment.
//
//	HEALTHCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	HEALTHCORE_SQLITE_PATH: database file when driver=sqlite
//	HEALTHCORE_POSTGRES_DSN: connection string when driver=postgres
func OpenPersistentStore() (domain.PersistentStore, error) {
	driver := os.Getenv("HEALTHCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(os.Getenv("HEALTHCORE_SQLITE_PATH"))
	case StoragePostgres:
		return postgres.NewStore(os.Getenv("HEALTHCORE_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// ReceiptWindowFromEnv reads the batching window from
// HEALTHCORE_RECEIPT_WINDOW, accepting a duration string or a plain number of
// seconds. Unset or unparseable values fall back to the default.
func ReceiptWindowFromEnv() time.Duration {
	raw := os.Getenv("HEALTHCORE_RECEIPT_WINDOW")
	if raw == "" {
		return DefaultReceiptWindow
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return DefaultReceiptWindow
}
