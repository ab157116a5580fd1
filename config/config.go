package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	proto "github.com/ystepanoff/apol/protocol"
	"github.com/ystepanoff/apol/repeater"
)

// Config is the top-level simulator configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Console   ConsoleConfig   `yaml:"console"`
	Messaging MessagingConfig `yaml:"messaging"`
	Air       AirConfig       `yaml:"air"`
	Nodes     []NodeConfig    `yaml:"nodes"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ConsoleConfig defines the HTTP console.
type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

func (c ConsoleConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// MessagingConfig defines the MQTT event publisher.
type MessagingConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	Port           int           `yaml:"port"`
	ClientID       string        `yaml:"client_id"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	ConnectRetries int           `yaml:"connect_retries"`
	BreakerFails   int           `yaml:"breaker_fails"`
	BreakerOpen    time.Duration `yaml:"breaker_open"`
}

// AirConfig shapes the simulated radio medium.
type AirConfig struct {
	// LossPercent drops that share of frames at random.
	LossPercent float64 `yaml:"loss_percent"`
	Seed        int64   `yaml:"seed"`
}

// NodeConfig configures one node. Fields left out of a config file keep the
// defaults for the node's role.
type NodeConfig struct {
	Role      string         `yaml:"role"`
	LoopDelay time.Duration  `yaml:"loop_delay"`
	Radio     RadioConfig    `yaml:"radio"`
	Protocol  ProtocolConfig `yaml:"protocol"`
	Idle      IdleConfig     `yaml:"idle"`
	Override  OverrideConfig `yaml:"override"`
	Light     LightConfig    `yaml:"light"`
	Routing   RoutingConfig  `yaml:"routing"`
	Repeater  RepeaterConfig `yaml:"repeater"`
}

type RadioConfig struct {
	PowerDBm         uint8         `yaml:"power_dbm"`
	ListenBeforeTalk time.Duration `yaml:"listen_before_talk"`
	Channel          uint8         `yaml:"channel"`
}

type ProtocolConfig struct {
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type IdleConfig struct {
	Enabled bool          `yaml:"enabled"`
	Start   time.Duration `yaml:"start"`
	// MaxSleep bounds a sleep when the radio cannot raise ready interrupts.
	MaxSleep time.Duration `yaml:"max_sleep"`
}

type OverrideConfig struct {
	Min     uint32        `yaml:"min"`
	Max     uint32        `yaml:"max"`
	Step    uint32        `yaml:"step"`
	Default uint32        `yaml:"default"`
	Unit    time.Duration `yaml:"unit"`
}

type LightConfig struct {
	PulseDelay time.Duration `yaml:"pulse_delay"`
}

// RoutingConfig chooses whether commands go straight to their destination or
// through the Repeater.
type RoutingConfig struct {
	ViaRepeater bool `yaml:"via_repeater"`
}

type RepeaterConfig struct {
	QueueCapacity int               `yaml:"queue_capacity"`
	Routes        map[string]string `yaml:"routes"`
}

// Defaults returns a Config running all four nodes with role defaults.
func Defaults() *Config {
	cfg := &Config{
		Log: LogConfig{Level: "info"},
		Console: ConsoleConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
		},
		Messaging: MessagingConfig{
			Broker:         "localhost",
			Port:           1883,
			ClientID:       "apolsim",
			TopicPrefix:    "apol",
			ConnectRetries: 5,
			BreakerFails:   3,
			BreakerOpen:    30 * time.Second,
		},
	}
	for _, s := range proto.Subsystems() {
		cfg.Nodes = append(cfg.Nodes, NodeDefaults(s))
	}
	return cfg
}

// NodeDefaults returns the configuration a node of the given role boots with.
func NodeDefaults(role proto.Subsystem) NodeConfig {
	n := NodeConfig{
		Role:      role.String(),
		LoopDelay: proto.LoopDelay,
		Radio: RadioConfig{
			PowerDBm:         proto.DefaultTxPowerDBm,
			ListenBeforeTalk: 5 * time.Millisecond,
		},
		Protocol: ProtocolConfig{
			PingTimeout: proto.PingTimeout,
			MaxAttempts: proto.MaxTransmitAttempts,
		},
		Idle: IdleConfig{
			Enabled:  true,
			Start:    proto.IdleStartTime,
			MaxSleep: time.Second,
		},
		Override: OverrideConfig{
			Min:  proto.DurationMin,
			Max:  proto.DurationMax,
			Step: 1,
			Unit: time.Minute,
		},
		Light: LightConfig{PulseDelay: proto.PulseDelay},
		Repeater: RepeaterConfig{
			QueueCapacity: proto.MaxQueuedRequests,
		},
	}
	switch role {
	case proto.Handheld:
		n.Idle.Start = 30 * time.Second
		// the detector clamps into DurationMax, so the mirror cannot go higher
		n.Override = OverrideConfig{Min: 1, Max: proto.DurationMax, Step: 5, Default: 1, Unit: time.Minute}
	case proto.PitOutLight:
		n.Idle.Start = 5 * time.Second
	}
	return n
}

// UnmarshalYAML applies the role's defaults before decoding, so a node entry
// only needs the fields it changes.
func (n *NodeConfig) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Role string `yaml:"role"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}
	role, err := proto.ParseSubsystem(head.Role)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*n = NodeDefaults(role)
	type plain NodeConfig
	return value.Decode((*plain)(n))
}

// Subsystem parses the node's role.
func (n NodeConfig) Subsystem() (proto.Subsystem, error) {
	return proto.ParseSubsystem(n.Role)
}

// Routes builds the Repeater's routing table.
func (n NodeConfig) Routes() (repeater.Routes, error) {
	return repeater.ParseRoutes(n.Repeater.Routes)
}

// Validate enforces the ranges the node runtime relies on.
func (n NodeConfig) Validate() error {
	role, err := n.Subsystem()
	if err != nil {
		return err
	}
	var errs []error
	if n.Radio.PowerDBm < proto.MinTxPowerDBm || n.Radio.PowerDBm > proto.MaxTxPowerDBm {
		errs = append(errs, fmt.Errorf("radio.power_dbm %d: %w", n.Radio.PowerDBm, proto.ErrInvalidPower))
	}
	if n.LoopDelay <= 0 {
		errs = append(errs, errors.New("loop_delay must be positive"))
	}
	if n.Protocol.PingTimeout <= 0 {
		errs = append(errs, errors.New("protocol.ping_timeout must be positive"))
	}
	if n.Protocol.MaxAttempts < 1 {
		errs = append(errs, errors.New("protocol.max_attempts must be at least 1"))
	}
	if m := n.Protocol.BackoffMultiplier; m != 0 && m < 1 {
		errs = append(errs, fmt.Errorf("protocol.backoff_multiplier %.2f is below 1", m))
	}
	if n.Idle.Start <= 0 {
		errs = append(errs, errors.New("idle.start must be positive"))
	}
	if n.Override.Min > n.Override.Max {
		errs = append(errs, fmt.Errorf("override.min %d exceeds override.max %d", n.Override.Min, n.Override.Max))
	}
	if n.Override.Unit <= 0 {
		errs = append(errs, errors.New("override.unit must be positive"))
	}
	if n.Light.PulseDelay <= 0 {
		errs = append(errs, errors.New("light.pulse_delay must be positive"))
	}
	if role == proto.Repeater {
		if n.Repeater.QueueCapacity < 1 {
			errs = append(errs, errors.New("repeater.queue_capacity must be at least 1"))
		}
		if _, err := n.Routes(); err != nil {
			errs = append(errs, fmt.Errorf("repeater.routes: %w", err))
		}
		if n.Routing.ViaRepeater {
			errs = append(errs, errors.New("routing.via_repeater makes no sense on the repeater"))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("node %s: %w", role, err)
	}
	return nil
}

// Validate checks every node and the shared settings.
func (c *Config) Validate() error {
	var errs []error
	if hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("log.level %q is not a level", c.Log.Level))
	}
	if c.Air.LossPercent < 0 || c.Air.LossPercent > 100 {
		errs = append(errs, fmt.Errorf("air.loss_percent %.1f out of range", c.Air.LossPercent))
	}
	seen := map[proto.Subsystem]bool{}
	for _, n := range c.Nodes {
		if err := n.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		role, _ := n.Subsystem()
		if seen[role] {
			errs = append(errs, fmt.Errorf("node %s configured twice", role))
		}
		seen[role] = true
	}
	if err := c.validateOverrideMirror(); err != nil {
		errs = append(errs, err)
	}
	if c.Messaging.Enabled && c.Messaging.Broker == "" {
		errs = append(errs, errors.New("messaging.broker is required when messaging is enabled"))
	}
	return errors.Join(errs...)
}

// validateOverrideMirror keeps the handheld's override bounds and unit inside
// the detector's, so a duration the handheld arms for is the one the detector
// runs.
func (c *Config) validateOverrideMirror() error {
	hhd, ok := c.Node(proto.Handheld)
	if !ok {
		return nil
	}
	vdd, ok := c.Node(proto.VehicleDetection)
	if !ok {
		return nil
	}
	h, v := hhd.Override, vdd.Override
	switch {
	case h.Max > v.Max || h.Min < v.Min:
		return fmt.Errorf("node HHD: override range %d..%d exceeds the detector's %d..%d", h.Min, h.Max, v.Min, v.Max)
	case h.Unit != v.Unit:
		return fmt.Errorf("node HHD: override.unit %v differs from the detector's %v", h.Unit, v.Unit)
	}
	return nil
}

// Node returns the configuration for role.
func (c *Config) Node(role proto.Subsystem) (NodeConfig, bool) {
	for _, n := range c.Nodes {
		if s, err := n.Subsystem(); err == nil && s == role {
			return n, true
		}
	}
	return NodeConfig{}, false
}

// Load reads a YAML config file. If the file doesn't exist, defaults are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
