package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, "development", config.Environment)
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, 2000, config.Orchestration.CmrMaxPageSize)
	assert.Equal(t, 3, config.Orchestration.WorkItemRetryLimit)
	assert.NotEmpty(t, config.UpdateQueue.QueueName)
	assert.NoError(t, config.Validate())
}

func TestLoadFromFiles_MergesAndOverrides(t *testing.T) {
	dir := t.TempDir()

	base := filepath.Join(dir, "base.toml")
	require.NoError(t, os.WriteFile(base, []byte(`
environment = "production"

[server]
port = 9090

[orchestration]
cmr_max_page_size = 500
work_item_retry_limit = 5
`), 0644))

	override := filepath.Join(dir, "override.toml")
	require.NoError(t, os.WriteFile(override, []byte(`
[server]
port = 9091
`), 0644))

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, 9091, config.Server.Port) // later file wins
	assert.Equal(t, 500, config.Orchestration.CmrMaxPageSize)
	assert.Equal(t, 5, config.Orchestration.WorkItemRetryLimit)
	// Untouched settings keep their defaults
	assert.Equal(t, 100, config.Orchestration.InsertBatchSize)
	assert.Equal(t, "production", config.Database.Environment)
}

func TestLoadFromFiles_EnvOverrides(t *testing.T) {
	t.Setenv("HARMONY_SERVER_PORT", "7070")
	t.Setenv("HARMONY_CMR_MAX_PAGE_SIZE", "123")
	t.Setenv("HARMONY_MAX_ERRORS_FOR_JOB", "7")

	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, 7070, config.Server.Port)
	assert.Equal(t, 123, config.Orchestration.CmrMaxPageSize)
	assert.Equal(t, 7, config.Orchestration.MaxErrorsForJob)
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	config := NewDefaultConfig()
	config.Orchestration.CmrMaxPageSize = 0
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.Orchestration.StatusCacheTTL = "not-a-duration"
	assert.Error(t, config.Validate())

	config = NewDefaultConfig()
	config.Server.Port = 0
	assert.Error(t, config.Validate())
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration("5s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("garbage", time.Minute))
}
