package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"ADDR", "ORIGIN_RE", "LISTEN_DEADLINE", "PIPE_DEADLINE", "MAX_MESSAGE_SIZE", "MAX_MESSAGES", "REDIS_ADDR", "REDIS_PREFIX"} {
		t.Setenv(k, "")
	}
	cfg := RelayFromEnv()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 60*time.Second, cfg.ListenDeadline)
	assert.Equal(t, 10*time.Second, cfg.PipeDeadline)
	assert.Equal(t, int64(1024), cfg.MaxMessageSize)
	assert.Equal(t, 8, cfg.MaxMessages)
	assert.Equal(t, "", cfg.RedisAddr)
	assert.Equal(t, "signaller", cfg.RedisPrefix)
	assert.NoError(t, cfg.Validate())
}

func TestRelayFromEnv_Overrides(t *testing.T) {
	t.Setenv("ADDR", ":9000")
	t.Setenv("LISTEN_DEADLINE", "120")
	t.Setenv("PIPE_DEADLINE", "30s")
	t.Setenv("MAX_MESSAGES", "nope")
	cfg := RelayFromEnv()
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 120*time.Second, cfg.ListenDeadline)
	assert.Equal(t, 30*time.Second, cfg.PipeDeadline)
	assert.Equal(t, 8, cfg.MaxMessages)
}

func TestRelay_Validate(t *testing.T) {
	base := Relay{ListenDeadline: time.Minute, PipeDeadline: 10 * time.Second, MaxMessageSize: 1024, MaxMessages: 8}
	require.NoError(t, base.Validate())

	short := base
	short.ListenDeadline = 5 * time.Second
	assert.Error(t, short.Validate())

	pipe := base
	pipe.PipeDeadline = time.Second
	assert.Error(t, pipe.Validate())

	size := base
	size.MaxMessageSize = 0
	assert.Error(t, size.Validate())

	origin := base
	origin.OriginRE = "("
	assert.Error(t, origin.Validate())
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\n\nSIGNALLER_TEST_A=one\nSIGNALLER_TEST_B = \"two\"\nbroken line\nSIGNALLER_TEST_C=keep\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("SIGNALLER_TEST_C", "existing")
	t.Setenv("SIGNALLER_TEST_A", "")
	require.NoError(t, os.Unsetenv("SIGNALLER_TEST_A"))
	t.Setenv("SIGNALLER_TEST_B", "")
	require.NoError(t, os.Unsetenv("SIGNALLER_TEST_B"))

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "one", os.Getenv("SIGNALLER_TEST_A"))
	assert.Equal(t, "two", os.Getenv("SIGNALLER_TEST_B"))
	assert.Equal(t, "existing", os.Getenv("SIGNALLER_TEST_C"))

	assert.ErrorIs(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing")), os.ErrNotExist)
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.InfoLevel)
	require.NoError(t, SetupLogging("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.Error(t, SetupLogging("loud", "text"))
	assert.Error(t, SetupLogging("info", "xml"))
	require.NoError(t, SetupLogging("info", "text"))
}
