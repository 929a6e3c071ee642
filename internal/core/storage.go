package core

import (
	"context"
	"fmt"

	"agritrace/internal/infra/persistence/memory"
	"agritrace/internal/infra/persistence/mongo"
	"agritrace/internal/infra/persistence/postgres"
	"agritrace/internal/infra/persistence/sqlite"
	"agritrace/pkg/domain"
)

// StorageDriver identifies a batch store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageMongo    StorageDriver = "mongo"    // MongoDB replica set or standalone
)

// StorageConfig selects and parameterises the batch store.
type StorageConfig struct {
	Driver        StorageDriver
	SQLitePath    string
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string
}

// OpenPersistentStore opens the configured store guarded by engine. An empty
// driver selects sqlite.
func OpenPersistentStore(ctx context.Context, cfg StorageConfig, engine *RulesEngine) (domain.BatchStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath, engine)
	case StoragePostgres:
		return postgres.NewStore(cfg.PostgresDSN, engine)
	case StorageMongo:
		return mongo.NewStore(ctx, cfg.MongoURI, cfg.MongoDatabase, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
