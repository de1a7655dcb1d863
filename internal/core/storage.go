package core

import (
	"fmt"
	"os"

	"forestmc/internal/infra/persistence/memory"
	"forestmc/internal/infra/persistence/postgres"
	"forestmc/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete registry implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenRegistry selects a registry backend using environment variables.
// Defaults to sqlite when unset.
//
//	FORESTMC_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	FORESTMC_SQLITE_PATH: path to the sqlite file (default ./forestmc.db)
//	FORESTMC_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenRegistry() (Registry, error) {
	driver := os.Getenv("FORESTMC_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(os.Getenv("FORESTMC_SQLITE_PATH"))
	case StoragePostgres:
		return postgres.NewStore(os.Getenv("FORESTMC_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
