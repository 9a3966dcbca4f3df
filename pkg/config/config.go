package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the node and host configuration.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Transport TransportConfig `yaml:"transport"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Log       LogConfig       `yaml:"log"`
	Sensors   SensorsConfig   `yaml:"sensors"`
	Mock      MockConfig      `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"` // Per-read timeout, the transport retries on expiry
}

// TransportConfig contains configuration protocol parameters.
type TransportConfig struct {
	BufferSize     int           `yaml:"buffer_size"`     // Maximum payload size, excess is dropped
	ChunkSize      int           `yaml:"chunk_size"`      // Bytes requested per read
	ReceiveTimeout time.Duration `yaml:"receive_timeout"` // 0 waits forever
	ReplyTimeout   time.Duration `yaml:"reply_timeout"`   // Host side wait for READY / TASKS_CREATED
}

// SamplingConfig contains per sensor kind averaging plans.
type SamplingConfig struct {
	DHT11      PlanConfig `yaml:"dht11"`
	Ultrasonic PlanConfig `yaml:"ultrasonic"`
	MPU6050    PlanConfig `yaml:"mpu6050"`
}

// PlanConfig describes how many samples are averaged and the delay between them.
type PlanConfig struct {
	Samples int           `yaml:"samples"`
	Delay   time.Duration `yaml:"delay"`
}

// LogConfig contains log sink parameters.
type LogConfig struct {
	MaxLineLength int `yaml:"max_line_length"`
}

// SensorsConfig contains sensor bring-up parameters.
type SensorsConfig struct {
	Warmup time.Duration `yaml:"warmup"` // Settling time after initialization (DHT stabilization)
}

// MockConfig contains simulated sensor configuration.
type MockConfig struct {
	Humidity     float32       `yaml:"humidity"`      // Base relative humidity (%)
	Temperature  float32       `yaml:"temperature"`   // Base temperature (C)
	Distance     int           `yaml:"distance"`      // Base distance (cm)
	NoiseLevel   float32       `yaml:"noise_level"`   // Noise amplitude applied to every value
	FailEvery    int           `yaml:"fail_every"`    // Every Nth read fails (0 = never)
	ReadDuration time.Duration `yaml:"read_duration"` // Simulated duration of one read
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:        "/dev/ttyUSB0",
			BaudRate:    115200,
			ReadTimeout: 100 * time.Millisecond,
		},
		Transport: TransportConfig{
			BufferSize:     4096,
			ChunkSize:      128,
			ReceiveTimeout: 0,
			ReplyTimeout:   5 * time.Second,
		},
		Sampling: SamplingConfig{
			DHT11:      PlanConfig{Samples: 10, Delay: 100 * time.Millisecond},
			Ultrasonic: PlanConfig{Samples: 10, Delay: 50 * time.Millisecond},
			MPU6050:    PlanConfig{Samples: 10, Delay: 10 * time.Millisecond},
		},
		Log: LogConfig{
			MaxLineLength: 256,
		},
		Sensors: SensorsConfig{
			Warmup: 2 * time.Second,
		},
		Mock: MockConfig{
			Humidity:     45.0,
			Temperature:  22.5,
			Distance:     120,
			NoiseLevel:   0.5,
			FailEvery:    0,
			ReadDuration: 2 * time.Millisecond,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}

	if c.Transport.BufferSize <= 0 {
		c.Transport.BufferSize = def.Transport.BufferSize
	}
	if c.Transport.ChunkSize <= 0 {
		c.Transport.ChunkSize = def.Transport.ChunkSize
	}
	if c.Transport.ReplyTimeout == 0 {
		c.Transport.ReplyTimeout = def.Transport.ReplyTimeout
	}

	ensurePlan(&c.Sampling.DHT11, def.Sampling.DHT11)
	ensurePlan(&c.Sampling.Ultrasonic, def.Sampling.Ultrasonic)
	ensurePlan(&c.Sampling.MPU6050, def.Sampling.MPU6050)

	if c.Log.MaxLineLength <= 0 {
		c.Log.MaxLineLength = def.Log.MaxLineLength
	}
}

// ensurePlan fills a sampling plan with defaults. A zero delay is valid.
func ensurePlan(p *PlanConfig, def PlanConfig) {
	if p.Samples <= 0 {
		p.Samples = def.Samples
	}
	if p.Delay < 0 {
		p.Delay = def.Delay
	}
}
