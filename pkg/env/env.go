// Package env collects the configuration shared by the binaries from
// defaults, M2M_* environment variables, an optional JSON file and flags.
package env

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/robotalks/m2mlink/pkg/datalink/uart"
	"github.com/robotalks/m2mlink/pkg/llc"
	"github.com/robotalks/m2mlink/pkg/sleep"
)

// AppName protects the machine id.
const AppName = "m2mlink"

// Config provides the common options.
type Config struct {
	// AgentID names the agent on MQTT topics.
	AgentID string `mapstructure:"agent_id"`
	// Port is the URL of the byte stream carrying the UART data-link.
	Port string `mapstructure:"port"`
	// Listen accepts controller connections instead of dialing Port.
	Listen string `mapstructure:"listen"`
	// CRC protects frames with CRC-16.
	CRC           bool `mapstructure:"crc"`
	MaxPacketSize int  `mapstructure:"max_packet_size"`
	QueueDepth    int  `mapstructure:"queue_depth"`
	// DeepSleep is the initial deep sleep mode of the agent data-link.
	DeepSleep string        `mapstructure:"deep_sleep"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// MQTTBrokerURL e.g. mqtt://host:port/topic-prefix
	MQTTBrokerURL string `mapstructure:"mqtt"`
	// CommandRate limits commands per second accepted from MQTT, 0 is
	// unlimited.
	CommandRate  float64 `mapstructure:"command_rate"`
	CommandBurst int     `mapstructure:"command_burst"`
	MetricsAddr  string  `mapstructure:"metrics"`

	ConfigFile string `mapstructure:"-"`
}

var defaultConfig = Config{
	Port:          "serial:///dev/ttyUSB0?baud=115200",
	MaxPacketSize: llc.MaxPacketSize,
	QueueDepth:    llc.DefaultQueueDepth,
	DeepSleep:     sleep.Disabled.String(),
	Timeout:       time.Second,
	MQTTBrokerURL: "mqtt://localhost:1883/m2m/",
	CommandBurst:  1,
}

func init() {
	if val := os.Getenv("M2M_PORT"); val != "" {
		defaultConfig.Port = val
	}
	if val := os.Getenv("M2M_LISTEN"); val != "" {
		defaultConfig.Listen = val
	}
	if val, err := strconv.ParseBool(os.Getenv("M2M_CRC")); err == nil {
		defaultConfig.CRC = val
	}
	if val := os.Getenv("M2M_MQTT_URL"); val != "" {
		defaultConfig.MQTTBrokerURL = val
	}
	if val := os.Getenv("M2M_METRICS_ADDR"); val != "" {
		defaultConfig.MetricsAddr = val
	}
	if val := os.Getenv("M2M_AGENT_ID"); val != "" {
		defaultConfig.AgentID = val
	} else {
		defaultConfig.AgentID = MachineID(AppName)
	}
	defaultConfig.ConfigFile = os.Getenv("M2M_CONFIG")
}

// SetupFlags sets command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.ConfigFile, "config", defaultConfig.ConfigFile, "JSON config file")
	flag.StringVar(&defaultConfig.AgentID, "id", defaultConfig.AgentID, "Agent ID")
	flag.StringVar(&defaultConfig.Port, "port", defaultConfig.Port, "Port URL: serial://, tcp://, ws://")
	flag.StringVar(&defaultConfig.Listen, "listen", defaultConfig.Listen, "Accept connections on tcp:// or ws:// URL")
	flag.BoolVar(&defaultConfig.CRC, "crc", defaultConfig.CRC, "Protect frames with CRC-16")
	flag.IntVar(&defaultConfig.MaxPacketSize, "max-packet-size", defaultConfig.MaxPacketSize, "Maximum LLC payload size")
	flag.IntVar(&defaultConfig.QueueDepth, "queue-depth", defaultConfig.QueueDepth, "Responses queued per stream")
	flag.StringVar(&defaultConfig.DeepSleep, "deep-sleep", defaultConfig.DeepSleep, "Deep sleep mode: disabled, one-shot, hardware")
	flag.DurationVar(&defaultConfig.Timeout, "timeout", defaultConfig.Timeout, "Command timeout")
	flag.StringVar(&defaultConfig.MQTTBrokerURL, "mqtt", defaultConfig.MQTTBrokerURL, "MQTT broker URL")
	flag.Float64Var(&defaultConfig.CommandRate, "command-rate", defaultConfig.CommandRate, "Commands per second accepted from MQTT, 0 for unlimited")
	flag.IntVar(&defaultConfig.CommandBurst, "command-burst", defaultConfig.CommandBurst, "Command burst accepted from MQTT")
	flag.StringVar(&defaultConfig.MetricsAddr, "metrics", defaultConfig.MetricsAddr, "Serve Prometheus metrics on address")
}

// Default gets default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config from the defaults and the config file if any.
func NewConfig() (*Config, error) {
	conf := defaultConfig
	if conf.ConfigFile != "" {
		if err := conf.LoadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// MustNewConfig creates Config and fails on error.
func MustNewConfig() *Config {
	conf, err := NewConfig()
	if err != nil {
		log.Fatalln(err)
	}
	return conf
}

// LoadFile overrides fields with those present in a JSON file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.LoadJSON(data)
}

// LoadJSON overrides fields with those present in data. Durations are
// accepted as strings like "500ms".
func (c *Config) LoadJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           c,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate checks the values.
func (c *Config) Validate() error {
	if c.MaxPacketSize <= 0 || c.MaxPacketSize > llc.MaxPacketSize {
		return fmt.Errorf("max packet size must be in (0, %d]", llc.MaxPacketSize)
	}
	if c.CommandRate < 0 {
		return fmt.Errorf("command rate must not be negative")
	}
	if _, err := c.DeepSleepMode(); err != nil {
		return err
	}
	return nil
}

// LinkConfig returns the UART data-link configuration over rw. The
// data-link carries the LLC header on top of MaxPacketSize.
func (c *Config) LinkConfig(rw io.ReadWriter) uart.Config {
	return uart.Config{
		ReadWriter:    rw,
		MaxPacketSize: c.MaxPacketSize + llc.HeaderSize,
		CRC:           c.CRC,
	}
}

// DeepSleepMode parses DeepSleep.
func (c *Config) DeepSleepMode() (sleep.Mode, error) {
	return sleep.ParseMode(c.DeepSleep)
}
