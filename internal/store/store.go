package store

import (
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
)

// Supported storage engines.
const (
	EnginePebble  = "pebble"
	EngineLevelDB = "leveldb"
	EngineMemory  = "memory"
)

// Config selects and sizes the key-value engine.
type Config struct {
	Engine  string
	DataDir string
	Cache   int // MB
	Handles int
}

// Open opens or creates the bundler database. An empty DataDir or the memory
// engine yields an in-memory database.
func Open(cfg Config) (ethdb.Database, error) {
	logger := log.New("module", "store")

	if cfg.Engine == EngineMemory || cfg.DataDir == "" {
		logger.Info("Using in-memory bundler database")
		return rawdb.NewMemoryDatabase(), nil
	}

	cache, handles := cfg.Cache, cfg.Handles
	if cache <= 0 {
		cache = 64
	}
	if handles <= 0 {
		handles = 128
	}
	path := filepath.Join(cfg.DataDir, "bundlerdata")

	var (
		db  ethdb.Database
		err error
	)
	switch cfg.Engine {
	case EnginePebble, "":
		db, err = rawdb.NewPebbleDBDatabase(path, cache, handles, "bundler/db/", false, false)
		if err != nil {
			return nil, fmt.Errorf("open pebble db: %w", err)
		}
	case EngineLevelDB:
		db, err = rawdb.NewLevelDBDatabase(path, cache, handles, "bundler/db/", false)
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}

	logger.Info("Bundler database opened", "engine", cfg.Engine, "path", path, "cache", cache, "handles", handles)
	return db, nil
}
