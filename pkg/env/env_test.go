package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/m2mlink/pkg/sleep"
)

func TestDefaults(t *testing.T) {
	conf := defaultConfig
	conf.ConfigFile = ""
	require.NoError(t, conf.Validate())
	require.NotEmpty(t, conf.AgentID)
	mode, err := conf.DeepSleepMode()
	require.NoError(t, err)
	require.Equal(t, sleep.Disabled, mode)
}

func TestLoadJSON(t *testing.T) {
	testCases := []struct {
		name  string
		json  string
		check func(*testing.T, *Config)
		err   bool
	}{
		{
			name: "fields",
			json: `{"port": "tcp://agent:9000", "crc": true, "timeout": "250ms", "deep_sleep": "one-shot", "command_rate": 5}`,
			check: func(t *testing.T, c *Config) {
				require.Equal(t, "tcp://agent:9000", c.Port)
				require.True(t, c.CRC)
				require.Equal(t, 250*time.Millisecond, c.Timeout)
				require.Equal(t, "one-shot", c.DeepSleep)
				require.Equal(t, 5.0, c.CommandRate)
				require.Equal(t, "mqtt://localhost:1883/m2m/", c.MQTTBrokerURL)
			},
		},
		{
			name: "weak types",
			json: `{"max_packet_size": "512", "crc": "true"}`,
			check: func(t *testing.T, c *Config) {
				require.Equal(t, 512, c.MaxPacketSize)
				require.True(t, c.CRC)
			},
		},
		{name: "unknown key", json: `{"prot": "x"}`, err: true},
		{name: "bad json", json: `{`, err: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conf := defaultConfig
			conf.MQTTBrokerURL = "mqtt://localhost:1883/m2m/"
			err := conf.LoadJSON([]byte(tc.json))
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, &conf)
		})
	}
}

func TestNewConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m2m.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"deep_sleep": "sideways"}`), 0644))
	saved := defaultConfig
	defer func() { defaultConfig = saved }()

	defaultConfig.ConfigFile = path
	_, err := NewConfig()
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"max_packet_size": 256}`), 0644))
	conf, err := NewConfig()
	require.NoError(t, err)
	require.Equal(t, 256, conf.MaxPacketSize)
	require.Equal(t, path, conf.ConfigFile)

	defaultConfig.ConfigFile = filepath.Join(t.TempDir(), "missing.json")
	_, err = NewConfig()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	conf := defaultConfig
	conf.MaxPacketSize = 0
	require.Error(t, conf.Validate())
	conf = defaultConfig
	conf.CommandRate = -1
	require.Error(t, conf.Validate())
	conf = defaultConfig
	conf.DeepSleep = "hibernate"
	require.Error(t, conf.Validate())
	_, err := conf.DeepSleepMode()
	require.EqualError(t, err, `unknown deep sleep mode "hibernate"`)
}
