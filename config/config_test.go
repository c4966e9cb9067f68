package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "pgnotify", cfg.Broadcast.Driver)
	assert.Equal(t, 3, cfg.Guard.RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Guard.RetryBackoff)
	assert.Equal(t, 3*time.Second, cfg.Guard.ReadCacheTTL)
	assert.Equal(t, 45*time.Second, cfg.Sync.LivenessWindow)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	yaml := `
database:
  postgres:
    host: db
    port: 6543
    user: party
    password: secret
    dbname: rooms
broadcast:
  driver: relay
  relay_url: ws://relay:8080/ws
guard:
  retry_attempts: 5
  retry_backoff: 100ms
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "relay", cfg.Broadcast.Driver)
	assert.Equal(t, "ws://relay:8080/ws", cfg.Broadcast.RelayURL)
	assert.Equal(t, 5, cfg.Guard.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Guard.RetryBackoff)
	assert.Equal(t, "host=db port=6543 user=party password=secret dbname=rooms sslmode=disable", cfg.Database.Postgres.DSN())
}

func TestLoadConfig_RelayWithoutURL(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("broadcast:\n  driver: relay\n"), 0o600))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}
