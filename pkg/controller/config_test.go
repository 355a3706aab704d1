package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overmesh/merang/pkg/models"
)

func TestConfigValidateDefaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, models.Duration(5*time.Second), cfg.KeepAliveInterval)
	assert.Equal(t, 4, cfg.MaxKeepAliveLost)
	assert.Equal(t, 4789, cfg.VXLANPort)
	assert.Equal(t, "default", cfg.DefaultTenant)
	assert.Equal(t, 20*time.Second, cfg.KeepAliveThreshold())
	assert.NotNil(t, cfg.Logging)
}

func TestConfigValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "vxlan port out of range",
			cfg:  Config{VXLANPort: 70000},
		},
		{
			name: "nats without url",
			cfg:  Config{NATS: &models.NATSConfig{}},
		},
		{
			name: "events without nats",
			cfg:  Config{Events: models.EventsConfig{Enabled: true}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := tc.cfg
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"MERANG_NATS_URL":  "nats://broker:4222",
		"MERANG_LOG_LEVEL": "debug",
	}

	cfg := &Config{}
	cfg.ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})

	require.NotNil(t, cfg.NATS)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	require.NotNil(t, cfg.Logging)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
