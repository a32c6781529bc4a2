package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "/var/lib/mash/", config.JobDirectoryBase)
	assert.Equal(t, "/var/lib/mash/broker.db", config.BrokerDatabase)
	assert.Equal(t, "HS256", config.JWTAlgorithm)
	assert.Equal(t, 25, config.SMTPPort)
	assert.Equal(t, 10, config.BaseThreadPoolCount)
	assert.Equal(t, 50, config.PublishThreadPoolCount)
	assert.Equal(t, 100, config.MaxOCIAttempts)
	assert.Equal(t, "[MASH] Job Status Update", config.NotificationSubject)
}

func TestLoadConfigMissingFile(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().SMTPHost, config.SMTPHost)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mash_config.yaml")
	data := `
log_dir: /tmp/logs
smtp_port: 587
email_allowlist:
  - ops@example.com
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/logs", config.LogDir)
	assert.Equal(t, 587, config.SMTPPort)
	assert.Equal(t, []string{"ops@example.com"}, config.EmailAllowlist)
	// Untouched keys keep defaults.
	assert.Equal(t, "localhost", config.SMTPHost)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_dir: [unclosed"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestThreadPoolCount(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 50, config.ThreadPoolCount("publish"))
	assert.Equal(t, 10, config.ThreadPoolCount("test"))
}

func TestJobDirectory(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "/var/lib/mash/create_jobs", config.JobDirectory("create"))
	assert.Equal(t, "/var/log/mash/obs_service.log", config.LogFile("obs"))
}
