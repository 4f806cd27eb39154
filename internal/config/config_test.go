package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davefmurray/tm-fastapi-backend/internal/config"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "REDIS_ADDR", "TM_SHOP_IDS", "TM_SHOP_ID", "SYNC_WORKERS",
		"TM_TIMEOUT", "RO_SYNC_INTERVAL_MINUTES", "EMPLOYEE_SYNC_HOUR", "SYNC_BOARDS",
		"VARIANCE_THRESHOLD", "DEFAULT_TECH_RATE_CENTS", "SHOP_TIMEZONE", "SYNC_ENABLED",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.False(t, cfg.UsesPostgres())
	assert.Equal(t, 30*time.Second, cfg.TMTimeout)
	assert.Equal(t, 10*time.Minute, cfg.ROInterval)
	assert.Equal(t, 6, cfg.EmployeeHour)
	assert.Equal(t, []string{"ACTIVE", "POSTED", "COMPLETE"}, cfg.SyncBoards)
	assert.Equal(t, int64(2500), cfg.DefaultTechRateCents)
	assert.Equal(t, 0.5, cfg.VarianceThreshold)
	assert.True(t, cfg.SyncEnabled)
	assert.Empty(t, cfg.ShopIDs)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://tm@localhost:5432/tm")
	t.Setenv("TM_SHOP_IDS", "238, 6212")
	t.Setenv("SYNC_WORKERS", "8")
	t.Setenv("TM_TIMEOUT", "45s")
	t.Setenv("SYNC_BOARDS", "POSTED")
	t.Setenv("SYNC_ENABLED", "false")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.UsesPostgres())
	assert.Equal(t, []int64{238, 6212}, cfg.ShopIDs)
	assert.Equal(t, 8, cfg.SyncWorkers)
	assert.Equal(t, 45*time.Second, cfg.TMTimeout)
	assert.Equal(t, []string{"POSTED"}, cfg.SyncBoards)
	assert.False(t, cfg.SyncEnabled)
}

func TestLoadLegacyShopVariable(t *testing.T) {
	clearEnv(t)
	t.Setenv("TM_SHOP_ID", "238")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, []int64{238}, cfg.ShopIDs)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYNC_WORKERS", "many")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_WORKERS")

	clearEnv(t)
	t.Setenv("EMPLOYEE_SYNC_HOUR", "25")
	_, err = config.Load()
	require.Error(t, err)

	clearEnv(t)
	t.Setenv("TM_SHOP_IDS", "abc")
	_, err = config.Load()
	require.Error(t, err)
}
