package taptimer

import (
	"fmt"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// Config carries the tunable timeouts of the session core.
type Config struct {
	// ConnectTimeout bounds the Connecting state; on expiry the session
	// is forced back to Disconnected with a timeout failure.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"15s"`

	// DisconnectTimeout bounds the Disconnecting state.
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"10s"`

	// CommandTimeout bounds an outstanding command write; on expiry the
	// command slot is cleared so later commands are not blocked.
	CommandTimeout time.Duration `yaml:"command_timeout" default:"5s"`

	// EventQueueSize is the capacity of the event-loop task queue.
	EventQueueSize int `yaml:"event_queue_size" default:"256"`
}

// DefaultConfig returns a Config populated from the default tags.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// UnmarshalYAML accepts Go duration strings such as "15s" for the
// timeout fields. Fields absent from the document keep their current
// values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ConnectTimeout    string `yaml:"connect_timeout"`
		DisconnectTimeout string `yaml:"disconnect_timeout"`
		CommandTimeout    string `yaml:"command_timeout"`
		EventQueueSize    *int   `yaml:"event_queue_size"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	set := func(dst *time.Duration, s, field string) error {
		if s == "" {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*dst = d
		return nil
	}
	if err := set(&c.ConnectTimeout, raw.ConnectTimeout, "connect_timeout"); err != nil {
		return err
	}
	if err := set(&c.DisconnectTimeout, raw.DisconnectTimeout, "disconnect_timeout"); err != nil {
		return err
	}
	if err := set(&c.CommandTimeout, raw.CommandTimeout, "command_timeout"); err != nil {
		return err
	}
	if raw.EventQueueSize != nil {
		c.EventQueueSize = *raw.EventQueueSize
	}
	return nil
}
