// Package config loads the settings of the PSA client stack from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/wallera-computer/nsipc/tee/mailbox"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Transport selects how requests reach the secure partition.
type Transport string

const (
	// TransportNSLock serializes every request under the ns lock.
	TransportNSLock Transport = "nslock"
	// TransportMailbox queues requests in the multi-core mailbox.
	TransportMailbox Transport = "mailbox"
)

// ReplyWait selects how mailbox callers wait for replies.
type ReplyWait string

const (
	ReplyWaitPoll  ReplyWait = "poll"
	ReplyWaitSleep ReplyWait = "sleep"
)

// Veneer selects how the ns lock transport enters the secure partition.
type Veneer string

const (
	// VeneerDirect calls the partition in process.
	VeneerDirect Veneer = "direct"
	// VeneerRPC marshals every call through net/rpc, as supervisor calls do.
	VeneerRPC Veneer = "rpc"
)

// Service is a secure service exposed by the simulated partition.
type Service struct {
	SID     uint32 `mapstructure:"sid"`
	Version uint32 `mapstructure:"version"`
	Policy  string `mapstructure:"policy"`
}

type Config struct {
	Transport   Transport     `mapstructure:"transport"`
	Veneer      Veneer        `mapstructure:"veneer"`
	Slots       int           `mapstructure:"slots"`
	ReplyWait   ReplyWait     `mapstructure:"reply_wait"`
	Pool        bool          `mapstructure:"pool"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	ClientID    int32         `mapstructure:"client_id"`
	Debug       bool          `mapstructure:"debug"`
	Services    []Service     `mapstructure:"services"`
}

// Default returns the configuration used for settings a file leaves out.
func Default() Config {
	return Config{
		Transport: TransportNSLock,
		Veneer:    VeneerDirect,
		Slots:     mailbox.DefaultSlots,
		ReplyWait: ReplyWaitSleep,
		Pool:      true,
		ClientID:  mailbox.DefaultClientID,
		Services: []Service{
			{SID: 0x1234, Version: 1, Policy: "relaxed"},
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read configuration, %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML configuration. Unknown keys are
// rejected.
func Parse(data []byte) (Config, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	c := Default()
	c.Services = nil

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      &c,
	})
	if err != nil {
		return Config{}, err
	}

	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if len(c.Services) == 0 {
		c.Services = Default().Services
	}

	return c, c.Validate()
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportNSLock, TransportMailbox:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}

	switch c.Veneer {
	case VeneerDirect, VeneerRPC:
	default:
		return fmt.Errorf("%w: unknown veneer %q", ErrInvalidConfig, c.Veneer)
	}

	switch c.ReplyWait {
	case ReplyWaitPoll, ReplyWaitSleep:
	default:
		return fmt.Errorf("%w: unknown reply wait %q", ErrInvalidConfig, c.ReplyWait)
	}

	if c.Slots < 1 || c.Slots > mailbox.MaxSlots {
		return fmt.Errorf("%w: slots must be within 1..%d, got %d", ErrInvalidConfig, mailbox.MaxSlots, c.Slots)
	}

	if c.CallTimeout < 0 {
		return fmt.Errorf("%w: negative call timeout", ErrInvalidConfig)
	}

	if c.ClientID >= 0 {
		return fmt.Errorf("%w: non-secure client id must be negative, got %d", ErrInvalidConfig, c.ClientID)
	}

	seen := map[uint32]bool{}
	for _, s := range c.Services {
		if seen[s.SID] {
			return fmt.Errorf("%w: duplicated service %#x", ErrInvalidConfig, s.SID)
		}
		seen[s.SID] = true

		if s.Policy != "strict" && s.Policy != "relaxed" {
			return fmt.Errorf("%w: service %#x has unknown policy %q", ErrInvalidConfig, s.SID, s.Policy)
		}
	}

	return nil
}
