package core

import (
	"fmt"
	"os"

	"tagsync/internal/infra/persistence/memory"
	"tagsync/internal/infra/persistence/postgres"
	"tagsync/internal/infra/persistence/sqlite"
	"tagsync/pkg/domain"
)

// StorageDriver identifies a concrete persistence implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenStore selects a persistence backend using environment variables.
// Defaults to sqlite when unset.
//
//	TAGSYNC_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	TAGSYNC_SQLITE_PATH: path to sqlite file (default ./tagsync.db)
//	TAGSYNC_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenStore() (domain.Store, error) {
	driver := os.Getenv("TAGSYNC_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.New(), nil
	case StorageSQLite:
		return sqlite.New(os.Getenv("TAGSYNC_SQLITE_PATH"))
	case StoragePostgres:
		return postgres.New(os.Getenv("TAGSYNC_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
