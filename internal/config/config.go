package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fraglink/internal/link"
	"github.com/danmuck/fraglink/internal/logging"
	"github.com/danmuck/fraglink/internal/protocol/fragment"
	"github.com/danmuck/fraglink/internal/protocol/frame"
	gotoml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalid       = errors.New("config: invalid")
	ErrUnknownFormat = errors.New("config: unknown format")
)

const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

type Serial struct {
	Device string
	Baud   int
}

type TCP struct {
	Address string
	// DialAttempts bounds connection attempts before serve gives up.
	DialAttempts int
}

type Admin struct {
	// Listen is empty when the admin server is disabled.
	Listen       string
	AllowOrigins []string
}

// Config is the effective runtime configuration of one fraglinkctl process.
type Config struct {
	LogLevel string
	Link     link.Config
	Frame    frame.Limits
	Serial   Serial
	TCP      TCP
	Admin    Admin
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Link:     link.DefaultConfig(),
		Frame:    frame.DefaultLimits(),
		Serial:   Serial{Baud: 115200},
		TCP:      TCP{DialAttempts: 5},
		Admin:    Admin{AllowOrigins: []string{"*"}},
	}
}

// fraglink.toml key mapping to runtime settings.
type fileConfig struct {
	Name              string        `toml:"name" yaml:"name"`
	LogLevel          string        `toml:"log_level" yaml:"log_level"`
	FragmentSize      int           `toml:"fragment_size" yaml:"fragment_size"`
	MaxFragments      int           `toml:"max_fragments" yaml:"max_fragments"`
	RetryBudget       int           `toml:"retry_budget" yaml:"retry_budget"`
	AckTimeout        string        `toml:"ack_timeout" yaml:"ack_timeout"`
	AckTimeoutMS      int           `toml:"ack_timeout_ms,omitempty" yaml:"ack_timeout_ms,omitempty"`
	PipelineDepth     int           `toml:"pipeline_depth" yaml:"pipeline_depth"`
	ReassemblyTimeout string        `toml:"reassembly_timeout" yaml:"reassembly_timeout"`
	IDQuarantine      string        `toml:"id_quarantine" yaml:"id_quarantine"`
	QueueDepth        int           `toml:"queue_depth" yaml:"queue_depth"`
	Frame             frameSection  `toml:"frame" yaml:"frame"`
	Serial            serialSection `toml:"serial" yaml:"serial"`
	TCP               tcpSection    `toml:"tcp" yaml:"tcp"`
	Admin             adminSection  `toml:"admin" yaml:"admin"`
}

type frameSection struct {
	MaxFrameBytes int `toml:"max_frame_bytes" yaml:"max_frame_bytes"`
	MaxTextBytes  int `toml:"max_text_bytes" yaml:"max_text_bytes"`
}

type serialSection struct {
	Device string `toml:"device" yaml:"device"`
	Baud   int    `toml:"baud" yaml:"baud"`
}

type tcpSection struct {
	Address      string `toml:"address" yaml:"address"`
	DialAttempts int    `toml:"dial_attempts" yaml:"dial_attempts"`
}

type adminSection struct {
	Listen       string   `toml:"listen" yaml:"listen"`
	AllowOrigins []string `toml:"allow_origins" yaml:"allow_origins"`
}

// Load overlays the TOML file at path on Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Link.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}
	if meta.IsDefined("fragment_size") {
		cfg.Link.FragmentSize = raw.FragmentSize
	}
	if meta.IsDefined("max_fragments") {
		cfg.Link.MaxFragments = raw.MaxFragments
	}
	if meta.IsDefined("retry_budget") {
		cfg.Link.RetryBudget = raw.RetryBudget
	}
	if meta.IsDefined("ack_timeout") && meta.IsDefined("ack_timeout_ms") {
		return Config{}, fmt.Errorf("%w: ack_timeout and ack_timeout_ms are exclusive", ErrInvalid)
	}
	if meta.IsDefined("ack_timeout") {
		d, err := parseDuration("ack_timeout", raw.AckTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Link.AckTimeout = d
	}
	if meta.IsDefined("ack_timeout_ms") {
		cfg.Link.AckTimeout = time.Duration(raw.AckTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("pipeline_depth") {
		cfg.Link.PipelineDepth = raw.PipelineDepth
	}
	if meta.IsDefined("reassembly_timeout") {
		d, err := parseDuration("reassembly_timeout", raw.ReassemblyTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Link.ReassemblyTimeout = d
	}
	if meta.IsDefined("id_quarantine") {
		d, err := parseDuration("id_quarantine", raw.IDQuarantine)
		if err != nil {
			return Config{}, err
		}
		cfg.Link.IDQuarantine = d
	}
	if meta.IsDefined("queue_depth") {
		cfg.Link.OutputQueue = raw.QueueDepth
	}

	if meta.IsDefined("frame", "max_frame_bytes") {
		cfg.Frame.MaxFrameBytes = raw.Frame.MaxFrameBytes
	}
	if meta.IsDefined("frame", "max_text_bytes") {
		cfg.Frame.MaxTextBytes = raw.Frame.MaxTextBytes
	}
	if meta.IsDefined("serial", "device") {
		cfg.Serial.Device = strings.TrimSpace(raw.Serial.Device)
	}
	if meta.IsDefined("serial", "baud") {
		cfg.Serial.Baud = raw.Serial.Baud
	}
	if meta.IsDefined("tcp", "address") {
		cfg.TCP.Address = strings.TrimSpace(raw.TCP.Address)
	}
	if meta.IsDefined("tcp", "dial_attempts") {
		cfg.TCP.DialAttempts = raw.TCP.DialAttempts
	}
	if meta.IsDefined("admin", "listen") {
		cfg.Admin.Listen = strings.TrimSpace(raw.Admin.Listen)
	}
	if meta.IsDefined("admin", "allow_origins") {
		cfg.Admin.AllowOrigins = raw.Admin.AllowOrigins
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, raw, err)
	}
	return d, nil
}

func (c Config) Validate() error {
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("%w: log_level=%q", ErrInvalid, c.LogLevel)
	}
	if err := c.Link.Validate(); err != nil {
		return err
	}
	if c.Frame.MaxFrameBytes < c.Link.FragmentSize+fragment.TrailerLen {
		return fmt.Errorf("%w: frame.max_frame_bytes=%d cannot carry fragment_size=%d",
			ErrInvalid, c.Frame.MaxFrameBytes, c.Link.FragmentSize)
	}
	if c.Frame.MaxTextBytes < 1 {
		return fmt.Errorf("%w: frame.max_text_bytes=%d", ErrInvalid, c.Frame.MaxTextBytes)
	}
	if c.Serial.Device != "" && c.TCP.Address != "" {
		return fmt.Errorf("%w: serial.device and tcp.address are exclusive", ErrInvalid)
	}
	if c.TCP.DialAttempts < 1 {
		return fmt.Errorf("%w: tcp.dial_attempts=%d", ErrInvalid, c.TCP.DialAttempts)
	}
	if c.Serial.Device != "" && c.Serial.Baud <= 0 {
		return fmt.Errorf("%w: serial.baud=%d", ErrInvalid, c.Serial.Baud)
	}
	return nil
}

// Encode renders cfg in the same key layout Load reads.
func Encode(w io.Writer, cfg Config, format string) error {
	raw := fileConfig{
		Name:              cfg.Link.Name,
		LogLevel:          cfg.LogLevel,
		FragmentSize:      cfg.Link.FragmentSize,
		MaxFragments:      cfg.Link.MaxFragments,
		RetryBudget:       cfg.Link.RetryBudget,
		AckTimeout:        cfg.Link.AckTimeout.String(),
		PipelineDepth:     cfg.Link.PipelineDepth,
		ReassemblyTimeout: cfg.Link.ReassemblyTimeout.String(),
		IDQuarantine:      cfg.Link.IDQuarantine.String(),
		QueueDepth:        cfg.Link.OutputQueue,
		Frame: frameSection{
			MaxFrameBytes: cfg.Frame.MaxFrameBytes,
			MaxTextBytes:  cfg.Frame.MaxTextBytes,
		},
		Serial: serialSection{Device: cfg.Serial.Device, Baud: cfg.Serial.Baud},
		TCP:    tcpSection{Address: cfg.TCP.Address, DialAttempts: cfg.TCP.DialAttempts},
		Admin:  adminSection{Listen: cfg.Admin.Listen, AllowOrigins: cfg.Admin.AllowOrigins},
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatTOML:
		enc := gotoml.NewEncoder(w)
		if err := enc.Encode(raw); err != nil {
			return fmt.Errorf("encode toml: %w", err)
		}
		return nil
	case FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(raw); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}
