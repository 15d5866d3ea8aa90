// Package config holds the tunables shared by channels, servers and clients.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"

	"chanrpc/codec"
)

// Config is used to tune a channel and the server or client hosting it.
type Config struct {
	// MaxFrameSize is the largest frame body sent on transports without a
	// limit of their own. Larger packets are chunked.
	MaxFrameSize int `mapstructure:"max_frame_size" json:"max_frame_size"`

	// MaxPacketSize bounds a reassembled packet. A peer exceeding it is
	// disconnected.
	MaxPacketSize int `mapstructure:"max_packet_size" json:"max_packet_size"`

	// HeartbeatInterval is how often a channel sends a heartbeat frame. A
	// negative interval disables heartbeats.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`

	// CallTimeout bounds outgoing calls made without a context deadline.
	// Zero means no bound.
	CallTimeout time.Duration `mapstructure:"call_timeout" json:"call_timeout"`

	// HandlerTimeout bounds each inbound call on a server.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" json:"handler_timeout"`

	// RateLimit and RateBurst configure the inbound token bucket on a
	// server. A zero RateLimit disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" json:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" json:"rate_burst"`

	// MaxRetries is how many times a client retries a call that failed
	// because its channel went away. Zero disables retries.
	MaxRetries     int           `mapstructure:"max_retries" json:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" json:"retry_max_delay"`

	// ShutdownTimeout bounds how long a server waits for in-flight calls.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Codec names the serializer for structured payloads: "json" or
	// "msgpack".
	Codec string `mapstructure:"codec" json:"codec"`

	// Logger is the logger used by everything built from this config.
	Logger hclog.Logger `mapstructure:"-" json:"-"`

	// Metrics receives channel and call metrics. Nil uses the global
	// metrics instance.
	Metrics *metrics.Metrics `mapstructure:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxFrameSize:      1 << 20,
		MaxPacketSize:     64 << 20,
		HeartbeatInterval: 30 * time.Second,
		HandlerTimeout:    time.Minute,
		RateBurst:         100,
		RetryBaseDelay:    100 * time.Millisecond,
		RetryMaxDelay:     5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Codec:             "json",
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "chanrpc",
			Level: hclog.Info,
		}),
	}
}

// Copy returns a shallow copy; the logger and metrics sink are shared.
func (c *Config) Copy() *Config {
	if c == nil {
		return nil
	}
	nc := *c
	return &nc
}

// Merge returns a new config with the non-zero fields of b applied over c.
func (c *Config) Merge(b *Config) *Config {
	result := c.Copy()
	if b == nil {
		return result
	}
	if b.MaxFrameSize != 0 {
		result.MaxFrameSize = b.MaxFrameSize
	}
	if b.MaxPacketSize != 0 {
		result.MaxPacketSize = b.MaxPacketSize
	}
	if b.HeartbeatInterval != 0 {
		result.HeartbeatInterval = b.HeartbeatInterval
	}
	if b.CallTimeout != 0 {
		result.CallTimeout = b.CallTimeout
	}
	if b.HandlerTimeout != 0 {
		result.HandlerTimeout = b.HandlerTimeout
	}
	if b.RateLimit != 0 {
		result.RateLimit = b.RateLimit
	}
	if b.RateBurst != 0 {
		result.RateBurst = b.RateBurst
	}
	if b.MaxRetries != 0 {
		result.MaxRetries = b.MaxRetries
	}
	if b.RetryBaseDelay != 0 {
		result.RetryBaseDelay = b.RetryBaseDelay
	}
	if b.RetryMaxDelay != 0 {
		result.RetryMaxDelay = b.RetryMaxDelay
	}
	if b.ShutdownTimeout != 0 {
		result.ShutdownTimeout = b.ShutdownTimeout
	}
	if b.Codec != "" {
		result.Codec = b.Codec
	}
	if b.Logger != nil {
		result.Logger = b.Logger
	}
	if b.Metrics != nil {
		result.Metrics = b.Metrics
	}
	return result
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be positive, got %d", c.MaxFrameSize)
	}
	if c.MaxPacketSize < c.MaxFrameSize {
		return fmt.Errorf("max_packet_size (%d) must be at least max_frame_size (%d)", c.MaxPacketSize, c.MaxFrameSize)
	}
	if c.RateLimit < 0 || (c.RateLimit > 0 && c.RateBurst <= 0) {
		return fmt.Errorf("rate_limit requires a positive rate_burst")
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		return err
	}
	return nil
}

// CodecImpl resolves the configured codec, falling back to JSON.
func (c *Config) CodecImpl() codec.Codec {
	cd, err := codec.ByName(c.Codec)
	if err != nil {
		return &codec.JSONCodec{}
	}
	return cd
}

// Decode builds a config from raw key/value settings layered over the
// defaults. Durations may be given as strings such as "30s".
func Decode(raw map[string]interface{}) (*Config, error) {
	var overlay Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &overlay,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	conf := DefaultConfig().Merge(&overlay)
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadFile reads a JSON config file and decodes it with Decode.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return Decode(raw)
}
