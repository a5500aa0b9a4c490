package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.Equal(t, "playbooks", cfg.Namespace)
	require.Equal(t, 5*time.Second, cfg.AgentWaitTimeout)
	require.Equal(t, time.Second, cfg.RollingTimeout)
	require.Equal(t, 5*time.Second, cfg.MaxBatchWait)
	require.Equal(t, 3, cfg.Retry.MaxAttempts)
	require.Equal(t, "localhost:6379", cfg.Stream.RedisAddr)
	require.False(t, cfg.Stream.Enabled)
	require.NoError(t, cfg.validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(`
namespace: staging
agent_wait_timeout: 2s
rolling_timeout: 250ms
max_batch_wait: 3s
inbox_cap: 128
retry:
  max_attempts: 5
  initial_backoff: 50ms
stream:
  enabled: true
  redis_addr: redis.internal:6379
  max_len: 10000
`))
	require.NoError(t, err)
	require.Equal(t, "staging", cfg.Namespace)
	require.Equal(t, 2*time.Second, cfg.AgentWaitTimeout)
	require.Equal(t, 250*time.Millisecond, cfg.RollingTimeout)
	require.Equal(t, 128, cfg.InboxCap)
	require.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Equal(t, 50*time.Millisecond, cfg.Retry.InitialBackoff)
	// Untouched keys keep their defaults.
	require.Equal(t, 10*time.Second, cfg.ShutdownGrace)
	require.True(t, cfg.Stream.Enabled)
	require.Equal(t, "redis.internal:6379", cfg.Stream.RedisAddr)
	require.Equal(t, 10000, cfg.Stream.MaxLen)
}

func TestParseEmptyDocument(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
	}{
		{"empty namespace", `namespace: ""`},
		{"negative wait", `agent_wait_timeout: -1s`},
		{"zero rolling", `rolling_timeout: 0s`},
		{"max wait below rolling", "rolling_timeout: 2s\nmax_batch_wait: 1s"},
		{"negative inbox cap", `inbox_cap: -1`},
		{"stream without redis", "stream:\n  enabled: true\n  redis_addr: \"\""},
		{"malformed yaml", `namespace: [`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadReadsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "playbooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("namespace: filetest\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "filetest", cfg.Namespace)
}

func TestRetryPolicyConversion(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Retry.MaxAttempts = 7
	cfg.Retry.Jitter = 0.25

	rc := cfg.RetryPolicy()
	require.Equal(t, 7, rc.MaxAttempts)
	require.Equal(t, 0.25, rc.Jitter)
	require.Equal(t, cfg.Retry.InitialBackoff, rc.InitialBackoff)
}
