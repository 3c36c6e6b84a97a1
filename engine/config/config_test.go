package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linepulse/linepulse/engine/andon"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("LINEPULSE_SECRET_KEY", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []byte("test-secret"), cfg.SecretKey)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "linepulse", cfg.MongoDatabase)
	require.Empty(t, cfg.MongoURL)
	require.Empty(t, cfg.RedisURL)
	require.Equal(t, time.Second, cfg.PollInterval)
	require.Equal(t, time.Hour, cfg.OEEWindow)
	require.Equal(t, 5*time.Second, cfg.DriverTimeout)
	require.Equal(t, 3, cfg.DriverFailureLimit)
	require.Equal(t, 1000, cfg.SendQueue)
	require.Equal(t, 30*time.Second, cfg.Heartbeat)
	require.Equal(t, andon.DefaultTimeouts().Acknowledge, cfg.AckTimeouts)
	require.Equal(t, andon.DefaultTimeouts().Resolve, cfg.ResolveTimeouts)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("LINEPULSE_SECRET_KEY", "")

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "SECRET_KEY")
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LINEPULSE_MONGO_URL", "mongodb://db:27017")
	t.Setenv("LINEPULSE_MONGO_DB", "factory")
	t.Setenv("LINEPULSE_REDIS_URL", "redis://cache:6379")
	t.Setenv("LINEPULSE_LISTEN_ADDR", ":9090")
	t.Setenv("LINEPULSE_POLL_INTERVAL", "250ms")
	t.Setenv("LINEPULSE_OEE_WINDOW", "30m")
	t.Setenv("LINEPULSE_DRIVER_FAILURE_LIMIT", "5")
	t.Setenv("LINEPULSE_ACK_TIMEOUT_CRITICAL", "90s")
	t.Setenv("LINEPULSE_RESOLVE_TIMEOUT_LOW", "2h")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "mongodb://db:27017", cfg.MongoURL)
	require.Equal(t, "factory", cfg.MongoDatabase)
	require.Equal(t, "redis://cache:6379", cfg.RedisURL)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	require.Equal(t, 30*time.Minute, cfg.OEEWindow)
	require.Equal(t, 5, cfg.DriverFailureLimit)
	require.Equal(t, 90*time.Second, cfg.AckTimeouts[andon.PriorityCritical])
	require.Equal(t, 2*time.Hour, cfg.ResolveTimeouts[andon.PriorityLow])
	// Unset priorities keep their defaults.
	require.Equal(t, andon.DefaultTimeouts().Acknowledge[andon.PriorityLow], cfg.AckTimeouts[andon.PriorityLow])
}

func TestLoadBareSecondsDuration(t *testing.T) {
	setRequired(t)
	t.Setenv("LINEPULSE_POLL_INTERVAL", "2")
	t.Setenv("LINEPULSE_HEARTBEAT", "0.5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.PollInterval)
	require.Equal(t, 500*time.Millisecond, cfg.Heartbeat)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	setRequired(t)
	t.Setenv("LINEPULSE_POLL_INTERVAL", "soon")

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "POLL_INTERVAL")
}

func TestLoadRejectsNonPositive(t *testing.T) {
	setRequired(t)
	t.Setenv("LINEPULSE_POLL_INTERVAL", "-1s")

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadLines(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []Line{{ID: "line-1", Equipment: []string{"PKG-01", "PKG-02"}}}, cfg.Lines)

	t.Setenv("LINEPULSE_LINES", "line-1:PKG-01 ; line-2: ASM-01, ASM-02")
	cfg, err = Load()
	require.NoError(t, err)
	require.Equal(t, []Line{
		{ID: "line-1", Equipment: []string{"PKG-01"}},
		{ID: "line-2", Equipment: []string{"ASM-01", "ASM-02"}},
	}, cfg.Lines)

	t.Setenv("LINEPULSE_LINES", "no-equipment")
	_, err = Load()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTimeouts(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	to := cfg.Timeouts()
	require.Equal(t, cfg.AckTimeouts, to.Acknowledge)
	require.Equal(t, cfg.ResolveTimeouts, to.Resolve)
}
