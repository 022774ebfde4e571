// Package test holds helpers shared by package tests.
package test

import (
	"path"
	"testing"

	"github.com/flow-hydraulics/blaze-client/configs"
	"github.com/flow-hydraulics/blaze-client/datastore/gorm"
	upstreamgorm "gorm.io/gorm"
)

// LoadConfig parses the default configuration with the database pointed to
// a fresh sqlite file in the test's temp dir.
//
// DatabaseType is always `sqlite`.
func LoadConfig(t *testing.T) *configs.Config {
	t.Helper()

	cfg, err := configs.ParseConfig(&configs.Options{Prefix: "BLAZE_TEST_"})
	if err != nil {
		t.Fatal(err)
	}

	cfg.DatabaseDSN = path.Join(t.TempDir(), "test.db")
	cfg.DatabaseType = "sqlite"
	cfg.LocalName = "alice"
	cfg.LocalDeviceID = 1

	return cfg
}

// GetDatabase opens (and migrates) the configured database and closes it
// when the test ends.
func GetDatabase(t *testing.T, cfg *configs.Config) *upstreamgorm.DB {
	t.Helper()

	db, err := gorm.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { gorm.Close(db) })

	return db
}
