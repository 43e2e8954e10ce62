// Package config loads the YAML configuration shared by the ECU simulator and
// the tester.
package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LoveWonYoung/microuds/driver"
	"github.com/LoveWonYoung/microuds/isotp"
	"github.com/LoveWonYoung/microuds/uds"
)

// Config holds all configuration.
type Config struct {
	Bus      BusConfig      `yaml:"bus"`
	Engine   EngineConfig   `yaml:"engine"`
	Services ServicesConfig `yaml:"services"`
	Logging  LoggingConfig  `yaml:"logging"`
	Monitor  MonitorConfig  `yaml:"monitor"`

	path string // file path for save/load
}

type BusConfig struct {
	Driver     string `yaml:"driver"` // "virtual", "slcan" or "socketcan"
	Port       string `yaml:"port"`   // slcan serial port
	BaudRate   int    `yaml:"baud_rate"`
	Bitrate    int    `yaml:"bitrate"`   // CAN bit rate
	Interface  string `yaml:"interface"` // socketcan interface
	RequestID  uint32 `yaml:"request_id"`
	ResponseID uint32 `yaml:"response_id"`
}

type EngineConfig struct {
	Buckets          int    `yaml:"buckets"`
	KeyBits          int    `yaml:"key_bits"`
	MaxServices      int    `yaml:"max_services"`
	TickRate         int    `yaml:"tick_rate"` // Hz
	SessionTimeoutMs int    `yaml:"session_timeout_ms"`
	NCsTimeoutMs     int    `yaml:"ncs_timeout_ms"`
	BufferSize       int    `yaml:"buffer_size"`
	BitOrder         string `yaml:"bit_order"` // "lsb" or "msb"
}

type ServicesConfig struct {
	Sessions       []int  `yaml:"sessions"`
	Secret         string `yaml:"secret"`         // AES key, hex
	SecurityLevel  byte   `yaml:"security_level"` // required by RequestDownload, 0 = none
	MaxBlockLength uint16 `yaml:"max_block_length"`
	ResetDelayMs   int    `yaml:"reset_delay_ms"`
}

type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Name    string `yaml:"name"`  // file prefix
	Trace   bool   `yaml:"trace"` // CBOR frame trace next to the log
}

type MonitorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Driver:     "virtual",
			Port:       "/dev/ttyACM0",
			BaudRate:   115200,
			Bitrate:    500000,
			Interface:  "can0",
			RequestID:  0x7E0,
			ResponseID: 0x7E8,
		},
		Engine: EngineConfig{
			Buckets:          32,
			KeyBits:          8,
			MaxServices:      32,
			TickRate:         1000,
			SessionTimeoutMs: 5000,
			NCsTimeoutMs:     150,
			BufferSize:       4096,
			BitOrder:         "lsb",
		},
		Services: ServicesConfig{
			Sessions:       []int{0x01, 0x02, 0x03},
			Secret:         "2b7e151628aed2a6abf7158809cf4f3c",
			SecurityLevel:  1,
			MaxBlockLength: 0x0FFF,
			ResetDelayMs:   20,
		},
		Logging: LoggingConfig{
			Enabled: false,
			Dir:     ".",
			Name:    "udsecu_",
		},
		Monitor: MonitorConfig{
			Enabled:    false,
			ListenAddr: ":8080",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		log.Printf("[config] no config at %s, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		log.Printf("[config] loaded from %s", path)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("UDS_BUS_DRIVER"); v != "" {
		c.Bus.Driver = v
	}
	if v := os.Getenv("UDS_BUS_PORT"); v != "" {
		c.Bus.Port = v
	}
	if v := os.Getenv("UDS_BUS_INTERFACE"); v != "" {
		c.Bus.Interface = v
	}
	if v := os.Getenv("UDS_BUS_BITRATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.Bitrate = n
		}
	}
	if v := os.Getenv("UDS_SECRET"); v != "" {
		c.Services.Secret = v
	}
	if v := os.Getenv("UDS_MONITOR_ADDR"); v != "" {
		c.Monitor.ListenAddr = v
		c.Monitor.Enabled = true
	}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config back to the file it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no path")
	}
	return c.SaveAs(c.path)
}

func (c *Config) SaveAs(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	c.path = path
	return nil
}

// Validate checks values that would only fail later, at startup of a component.
func (c *Config) Validate() error {
	switch c.Bus.Driver {
	case "virtual", "slcan", "socketcan":
	default:
		return fmt.Errorf("bus.driver %q: want virtual, slcan or socketcan", c.Bus.Driver)
	}
	if c.Bus.RequestID == c.Bus.ResponseID {
		return fmt.Errorf("bus.request_id and bus.response_id are both 0x%X", c.Bus.RequestID)
	}
	if _, err := c.EngineConfig(); err != nil {
		return err
	}
	if _, err := c.Secret(); err != nil {
		return err
	}
	if _, err := c.SessionIDs(); err != nil {
		return err
	}
	return nil
}

// SessionIDs returns the supported diagnostic sessions.
func (c *Config) SessionIDs() ([]byte, error) {
	ids := make([]byte, 0, len(c.Services.Sessions))
	for _, s := range c.Services.Sessions {
		if s < 1 || s > 0x7F {
			return nil, fmt.Errorf("services.sessions: 0x%X out of range", s)
		}
		ids = append(ids, byte(s))
	}
	return ids, nil
}

// EngineConfig converts the engine section.
func (c *Config) EngineConfig() (uds.Config, error) {
	order, err := isotp.ParseBitOrder(c.Engine.BitOrder)
	if err != nil {
		return uds.Config{}, fmt.Errorf("engine.bit_order: %w", err)
	}
	ec := uds.Config{
		Buckets:        c.Engine.Buckets,
		KeyBits:        c.Engine.KeyBits,
		MaxServices:    c.Engine.MaxServices,
		TickRate:       c.Engine.TickRate,
		SessionTimeout: time.Duration(c.Engine.SessionTimeoutMs) * time.Millisecond,
		NCsTimeout:     time.Duration(c.Engine.NCsTimeoutMs) * time.Millisecond,
		BufferSize:     c.Engine.BufferSize,
		BitOrder:       order,
	}
	if err := ec.Validate(); err != nil {
		return uds.Config{}, fmt.Errorf("engine: %w", err)
	}
	return ec, nil
}

// Secret decodes the SecurityAccess key.
func (c *Config) Secret() ([]byte, error) {
	key, err := hex.DecodeString(c.Services.Secret)
	if err != nil {
		return nil, fmt.Errorf("services.secret: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	}
	return nil, fmt.Errorf("services.secret: %d bytes, want 16, 24 or 32", len(key))
}

// OpenDriver creates the configured CAN driver. vbus and node are used by
// the virtual driver only. rxID is the ID the caller listens on.
func (b BusConfig) OpenDriver(vbus *driver.VirtualBus, node string, rxID uint32) (driver.CANDriver, error) {
	switch b.Driver {
	case "virtual":
		if vbus == nil {
			vbus = driver.NewVirtualBus()
		}
		return vbus.Node(node), nil
	case "slcan":
		return driver.NewSLCAN(driver.SLCANConfig{Port: b.Port, BaudRate: b.BaudRate, Bitrate: b.Bitrate}), nil
	case "socketcan":
		return driver.OpenSocketCAN(b.Interface, rxID)
	}
	return nil, fmt.Errorf("unknown bus driver %q", b.Driver)
}
