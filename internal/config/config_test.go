package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaultConfig(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, resolved, err := Load(nil, path)
	req.NoError(err)
	req.Equal(path, resolved)
	req.Equal(Default(), cfg)

	_, err = os.Stat(path)
	req.NoError(err, "default config file should be created")
}

func TestLoadPrecedence(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	req.NoError(os.WriteFile(path, []byte("addr: \":9000\"\nmessage_log: badger\npublish_timeout: 2s\nhistory_limit: 10\n"), 0o600))

	t.Setenv("BREEDCHAT_HISTORY_LIMIT", "25")
	t.Setenv("BREEDCHAT_REDIS_ADDR", "localhost:6379")

	cfg, _, err := Load(nil, path)
	req.NoError(err)
	req.Equal(":9000", cfg.Addr)
	req.Equal(MessageLogBadger, cfg.MessageLog)
	req.Equal(2*time.Second, cfg.PublishTimeout)
	req.Equal(25, cfg.HistoryLimit, "env overrides file")
	req.Equal("localhost:6379", cfg.RedisAddr)
	req.Equal(Default().JoinTimeout, cfg.JoinTimeout, "unset keys keep defaults")
}

func TestUpdateFromKeepsZeroValues(t *testing.T) {
	cfg := Default()
	cfg.UpdateFrom(Config{Addr: ":7000", HistoryLimit: 5})

	require.Equal(t, ":7000", cfg.Addr)
	require.Equal(t, 5, cfg.HistoryLimit)
	require.Equal(t, Default().PublishTimeout, cfg.PublishTimeout)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	cfg := Default()
	cfg.MessageLog = "postgres"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxFrameBytes = 100
	require.Error(t, cfg.Validate())
}
