// Package machine assembles the PC/XT chipset on the memory and I/O
// dispatchers.
package machine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DiskConfig describes one drive on the XTIDE channel.
type DiskConfig struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

// EMSConfig configures the Above Board.
type EMSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    uint16 `yaml:"port"`
	// Memory is the fitted expanded memory in KiB.
	Memory int `yaml:"memory_kib"`
}

// Config describes the machine to build.
type Config struct {
	// BIOS is a 48 KiB ROM image mapped at 0xF4000. Empty leaves the area
	// reading as 0xFF.
	BIOS string `yaml:"bios,omitempty"`
	// Master and Slave are the XTIDE drives. An empty path leaves the
	// position unpopulated.
	Master DiskConfig `yaml:"master"`
	Slave  DiskConfig `yaml:"slave,omitempty"`
	// Switches is the motherboard DIP switch block read through PPI port C.
	Switches      uint8     `yaml:"switches"`
	EMS           EMSConfig `yaml:"ems"`
	ScancodeDelay Duration  `yaml:"scancode_delay"`
}

const (
	defaultSwitches      = 0x3c
	defaultEMSPort       = 0x258
	defaultEMSMemoryKiB  = 8 * 1024
	defaultScancodeDelay = Duration(time.Millisecond)
)

// DefaultConfig returns a diskless machine with EMS fitted.
func DefaultConfig() Config {
	return Config{
		Switches:      defaultSwitches,
		EMS:           EMSConfig{Enabled: true, Port: defaultEMSPort, Memory: defaultEMSMemoryKiB},
		ScancodeDelay: defaultScancodeDelay,
	}
}

// LoadConfig reads a YAML machine description. Fields missing from the file
// keep their DefaultConfig values; environment variables in paths are
// expanded.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("machine: reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML machine description on top of DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("machine: parsing config: %w", err)
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) expand() {
	c.BIOS = os.ExpandEnv(c.BIOS)
	c.Master.Path = os.ExpandEnv(c.Master.Path)
	c.Slave.Path = os.ExpandEnv(c.Slave.Path)
}

// Validate checks the configuration for values the hardware cannot take.
func (c *Config) Validate() error {
	var errs []error
	if c.Slave.Path != "" && c.Master.Path == "" {
		errs = append(errs, errors.New("slave drive without a master"))
	}
	if c.EMS.Enabled {
		if c.EMS.Memory <= 0 || c.EMS.Memory%16 != 0 || c.EMS.Memory > 8*1024 {
			errs = append(errs, fmt.Errorf("ems memory %d KiB is not a multiple of 16 KiB up to 8 MiB", c.EMS.Memory))
		}
		if c.EMS.Port < 8 || c.EMS.Port&0xf000 != 0 {
			errs = append(errs, fmt.Errorf("ems port 0x%x is outside the first port group", c.EMS.Port))
		}
	}
	if c.ScancodeDelay < 0 {
		errs = append(errs, fmt.Errorf("negative scancode delay %s", c.ScancodeDelay.Duration()))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("machine: invalid config: %w", err)
	}
	return nil
}

// YAML renders the configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
