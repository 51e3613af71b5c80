// Package config decodes wasmflow's YAML configuration file (spec §6.1)
// into the concrete Source/Sink/Processor shapes the composition root
// wires up. Sources and Sinks are externally-tagged unions — a YAML map
// with exactly one key naming the active variant — mirroring how the
// original Rust config serialized Source/Sink/SaslConfig as serde enums
// (`_examples/original_source/src/conf/mod.rs`). gopkg.in/yaml.v3 (the
// pack's YAML library) has no native sum type, so each union decodes
// itself through a custom UnmarshalYAML that inspects the single key.
package config

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wasmflow/wasmflow/internal/wasmerrors"
)

// EnvVar is the environment variable read by Load.
const EnvVar = "WASMFLOW_CONFIG"

// SASLPlain carries SASL/PLAIN broker credentials.
type SASLPlain struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler, redacting Password.
func (s SASLPlain) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("username", s.Username)
	enc.AddString("password", "**redacted**")
	return nil
}

// SASL is the tagged union `none: {}` | `plain: {username, password}` from
// spec §6.1. A zero-value SASL (Plain == nil) decodes "none" or an absent
// key identically.
type SASL struct {
	Plain *SASLPlain
}

// UnmarshalYAML decodes the single-key "none"/"plain" variant map.
func (s *SASL) UnmarshalYAML(value *yaml.Node) error {
	var variants map[string]yaml.Node
	if err := value.Decode(&variants); err != nil {
		return fmt.Errorf("sasl: %w", err)
	}
	if len(variants) == 0 {
		return nil
	}
	if len(variants) > 1 {
		return fmt.Errorf("sasl: exactly one variant key required, got %d", len(variants))
	}
	if node, ok := variants["none"]; ok {
		_ = node
		return nil
	}
	node, ok := variants["plain"]
	if !ok {
		return fmt.Errorf("sasl: unknown variant (want \"none\" or \"plain\")")
	}
	var p SASLPlain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("sasl.plain: %w", err)
	}
	s.Plain = &p
	return nil
}

// KafkaSource is the body of the `kafka:` Source variant from spec §6.1.
type KafkaSource struct {
	Brokers        []string `yaml:"brokers"`
	GroupID        string   `yaml:"group_id"`
	Topic          string   `yaml:"topic"`
	BatchSizeBytes int32    `yaml:"batch_size"`
	Offset         string   `yaml:"offset"`
	SASL           SASL     `yaml:"sasl"`
}

// MarshalLogObject implements zapcore.ObjectMarshaler, redacting SASL.
func (s KafkaSource) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("topic", s.Topic)
	enc.AddString("group_id", s.GroupID)
	enc.AddInt32("batch_size", s.BatchSizeBytes)
	enc.AddString("offset", s.Offset)
	if s.SASL.Plain != nil {
		return enc.AddObject("sasl", *s.SASL.Plain)
	}
	return nil
}

// Source is spec §6.1's Source union. Kafka is the only variant; additional
// variants would add sibling pointer fields the way SASL does.
type Source struct {
	Kafka *KafkaSource
}

// UnmarshalYAML decodes the single-key "kafka" variant map.
func (s *Source) UnmarshalYAML(value *yaml.Node) error {
	var variants map[string]yaml.Node
	if err := value.Decode(&variants); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if len(variants) != 1 {
		return fmt.Errorf("source: exactly one variant key required, got %d", len(variants))
	}
	node, ok := variants["kafka"]
	if !ok {
		return fmt.Errorf("source: unknown variant (want \"kafka\")")
	}
	var k KafkaSource
	if err := node.Decode(&k); err != nil {
		return fmt.Errorf("source.kafka: %w", err)
	}
	s.Kafka = &k
	return nil
}

// S3Sink is the body of the `s3:` Sink variant from spec §6.1.
type S3Sink struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	KeyPrefix       string `yaml:"key_prefix"`
	FileSizeBytes   int    `yaml:"file_size"`
	FlushOnShutdown bool   `yaml:"flush_on_shutdown"`
}

// Sink is spec §6.1's Sink union: `s3: {...}` or `none: {}`.
type Sink struct {
	S3 *S3Sink
}

// UnmarshalYAML decodes the single-key "s3"/"none" variant map.
func (s *Sink) UnmarshalYAML(value *yaml.Node) error {
	var variants map[string]yaml.Node
	if err := value.Decode(&variants); err != nil {
		return fmt.Errorf("sink: %w", err)
	}
	if len(variants) != 1 {
		return fmt.Errorf("sink: exactly one variant key required, got %d", len(variants))
	}
	if node, ok := variants["none"]; ok {
		_ = node
		return nil
	}
	node, ok := variants["s3"]
	if !ok {
		return fmt.Errorf("sink: unknown variant (want \"s3\" or \"none\")")
	}
	var s3 S3Sink
	if err := node.Decode(&s3); err != nil {
		return fmt.Errorf("sink.s3: %w", err)
	}
	s.S3 = &s3
	return nil
}

// Processor is spec §6.1's Processor entry: the compiled guest module path.
type Processor struct {
	ModulePath string `yaml:"module_path"`
}

// FlowConfig is the top-level decoded document (spec §6.1: plural
// `sources`/`sinks`/`processors` lists), plus the ambient logging knobs
// SPEC_FULL §9 adds. wasmflow runs exactly one pipeline, so validate
// requires each list to carry exactly one entry; the plural shape is kept
// because it is the wire format a reader of this config actually writes.
type FlowConfig struct {
	Sources    []Source    `yaml:"sources"`
	Sinks      []Sink      `yaml:"sinks"`
	Processors []Processor `yaml:"processors"`
	LogLevel   string      `yaml:"log_level"`
	LogFormat  string      `yaml:"log_format"`

	// Source, Sink, and Processor are the validated singular views of the
	// Sources/Sinks/Processors lists above, populated by validate() once
	// each list's sole entry has been checked. cmd/wasmflow and the rest
	// of the composition root read these instead of indexing the lists.
	Source    KafkaSource `yaml:"-"`
	Sink      S3OrNone    `yaml:"-"`
	Processor Processor   `yaml:"-"`
}

// S3OrNone is FlowConfig.Sink's validated singular view: either an S3 sink
// configuration or the "none" variant (S3 == nil).
type S3OrNone struct {
	S3              *S3Sink
	FlushOnShutdown bool
}

// MarshalLogObject implements zapcore.ObjectMarshaler for zap.Object(...).
func (c FlowConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if err := enc.AddObject("source", c.Source); err != nil {
		return err
	}
	if c.Sink.S3 != nil {
		enc.AddString("sink_type", "s3")
		enc.AddString("sink_bucket", c.Sink.S3.Bucket)
	} else {
		enc.AddString("sink_type", "none")
	}
	enc.AddString("processor_module_path", c.Processor.ModulePath)
	return nil
}

// Load reads the path named by the WASMFLOW_CONFIG environment variable
// and parses it. It is the production entry point used by cmd/wasmflow.
func Load() (*FlowConfig, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%w: %s is not set", wasmerrors.ErrConfigInvalid, EnvVar)
	}
	return LoadFile(path)
}

// LoadFile parses the YAML configuration document at path.
func LoadFile(path string) (*FlowConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", wasmerrors.ErrConfigInvalid, path, err)
	}

	var cfg FlowConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", wasmerrors.ErrConfigInvalid, path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *FlowConfig) validate() error {
	if len(c.Sources) != 1 || c.Sources[0].Kafka == nil {
		return fmt.Errorf("%w: sources must contain exactly one \"kafka\" entry", wasmerrors.ErrConfigInvalid)
	}
	src := *c.Sources[0].Kafka

	if len(src.Brokers) == 0 {
		return fmt.Errorf("%w: sources[0].kafka.brokers must be non-empty", wasmerrors.ErrConfigInvalid)
	}
	if src.Topic == "" {
		return fmt.Errorf("%w: sources[0].kafka.topic is required", wasmerrors.ErrConfigInvalid)
	}
	switch src.Offset {
	case "", "earliest", "latest":
	default:
		return fmt.Errorf("%w: sources[0].kafka.offset must be \"earliest\" or \"latest\", got %q", wasmerrors.ErrConfigInvalid, src.Offset)
	}

	if len(c.Sinks) != 1 {
		return fmt.Errorf("%w: sinks must contain exactly one entry", wasmerrors.ErrConfigInvalid)
	}
	snk := c.Sinks[0]
	if snk.S3 != nil {
		if snk.S3.Bucket == "" {
			return fmt.Errorf("%w: sinks[0].s3.bucket is required", wasmerrors.ErrConfigInvalid)
		}
		if snk.S3.FileSizeBytes <= 0 {
			return fmt.Errorf("%w: sinks[0].s3.file_size must be positive", wasmerrors.ErrConfigInvalid)
		}
	}

	if len(c.Processors) != 1 || c.Processors[0].ModulePath == "" {
		return fmt.Errorf("%w: processors must contain exactly one entry with a module_path", wasmerrors.ErrConfigInvalid)
	}

	c.Source = src
	c.Sink = S3OrNone{S3: snk.S3, FlushOnShutdown: snk.S3 != nil && snk.S3.FlushOnShutdown}
	c.Processor = c.Processors[0]
	return nil
}
