package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
project:
  name: support-line
dispatch:
  invite_timeout_sec: 15
  reset_step_on_move: false
queues:
  - name: support
    max_wait_sec: 300
    on_busy:
      - type: wait
        policy: goto
      - type: move
        queue: overflow
        policy: leave
  - name: overflow
    on_busy:
      - type: reject
operators:
  - id: alice
    phones: ["101"]
    queues: [support]
    active: true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleConfig)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "support-line", cfg.Project.Name)
	assert.Len(t, cfg.Queues, 2)
	assert.Equal(t, "overflow", cfg.Queues[0].OnBusy[1].Queue)
	assert.Equal(t, 15*time.Second, cfg.Dispatch.InviteTimeout())
	assert.Equal(t, 5*time.Second, cfg.Dispatch.EndpointTimeout())
	assert.False(t, cfg.Dispatch.ResetsStepOnMove())
	assert.Equal(t, "@every 5s", cfg.Dispatch.SweepSchedule)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleConfig)
	t.Setenv("ACD_LOG_LEVEL", "debug")
	t.Setenv("ACD_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Sinks.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Sinks.Kafka.Brokers)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"duplicate queue", Config{Queues: []QueueConfig{{Name: "a"}, {Name: "a"}}}},
		{"empty queue name", Config{Queues: []QueueConfig{{Name: " "}}}},
		{"unknown move target", Config{Queues: []QueueConfig{{Name: "a", OnBusy: []OnBusyConfig{{Type: "move", Queue: "b"}}}}}},
		{"unknown operator queue", Config{
			Queues:    []QueueConfig{{Name: "a"}},
			Operators: []OperatorConfig{{ID: "x", Queues: []string{"b"}}},
		}},
		{"duplicate operator", Config{Operators: []OperatorConfig{{ID: "x"}, {ID: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}

func TestDispatchConfigDefaults(t *testing.T) {
	var c DispatchConfig
	assert.Equal(t, 30*time.Second, c.InviteTimeout())
	assert.Equal(t, 20*time.Second, c.BusyTimeout())
	assert.True(t, c.ResetsStepOnMove())
}

func TestLoadRoster(t *testing.T) {
	path := writeFile(t, "operators.yaml", "operators:\n  alice: true\n  bob: false\n")

	r, err := LoadRoster(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"alice": true, "bob": false}, r.Operators)
}
