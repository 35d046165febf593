package migrate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/orderflow/pkg/config"
)

func TestEmbeddedMigrationsAreValid(t *testing.T) {
	require.NoError(t, ValidateEmbedded())
	require.NoError(t, ValidateDir("migrations"))
}

func TestOutboxMigrationContainsIndexes(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_outbox_records.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	content := string(data)

	for _, sub := range []string{
		"CREATE TABLE IF NOT EXISTS outbox_records",
		"CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox_records (status, created_at)",
		"CHECK (status IN ('pending', 'processing', 'completed', 'failed'))",
		"DROP TABLE IF EXISTS outbox_records",
	} {
		assert.True(t, strings.Contains(content, sub), "missing %q", sub)
	}
}

func TestRunAppliesEmbeddedMigrationsOnSQLite(t *testing.T) {
	gdb, err := gorm.Open(sqlite.Open("file:migrate_up?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ctx := context.Background()
	require.NoError(t, Run(ctx, sqlDB, Dialect(config.DBDriverSQLite), "", "up"))

	for _, table := range []string{"orders", "shipments", "outbox_records"} {
		assert.True(t, gdb.Migrator().HasTable(table), table)
	}
	assert.True(t, gdb.Migrator().HasIndex("shipments", "uq_shipments_order_id"))

	require.NoError(t, MigrateToVersion(ctx, sqlDB, "sqlite3", "", "20250101000001"))
	assert.False(t, gdb.Migrator().HasTable("outbox_records"))
	assert.True(t, gdb.Migrator().HasTable("orders"))
}

func TestDialect(t *testing.T) {
	assert.Equal(t, "sqlite3", Dialect(config.DBDriverSQLite))
	assert.Equal(t, "postgres", Dialect(config.DBDriverPostgres))
}

func TestCreateSQLMigration(t *testing.T) {
	dir := t.TempDir()
	path, err := CreateSQLMigration(dir, "Add Shipment Carrier")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "_add_shipment_carrier.sql"))
	require.NoError(t, ValidateDir(dir))

	_, err = CreateSQLMigration(dir, "add shipment carrier")
	assert.ErrorContains(t, err, "already exists")

	_, err = CreateSQLMigration(dir, "!!!")
	assert.Error(t, err)
}
