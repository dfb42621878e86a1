// Package config provides configuration management for ptlbench.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (PTLBENCH_* prefix, dots become underscores)
//  3. Configuration file (ptlbench.yaml)
//  4. Default values (lowest priority)
//
// Each harness has its own section. String-valued enums (operation, type,
// discipline, memory mode, page states) are parsed during validation so a
// bad value is reported before any transport resource exists.
//
// Example usage:
//
//	cfg, err := config.Load("ptlbench.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal().Err(err).Msg("Failed to load configuration")
//	}
//	benchCfg, err := cfg.Bench.Resolve()
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/ptlbench/internal/bench"
	"github.com/piwi3910/ptlbench/internal/completion"
	"github.com/piwi3910/ptlbench/internal/components"
	"github.com/piwi3910/ptlbench/internal/endpoint"
	"github.com/piwi3910/ptlbench/internal/mem"
	"github.com/piwi3910/ptlbench/internal/memeffect"
	"github.com/piwi3910/ptlbench/internal/mewindow"
	"github.com/piwi3910/ptlbench/internal/pingpong"
	"github.com/piwi3910/ptlbench/internal/ptlerr"
	"github.com/piwi3910/ptlbench/internal/region"
	"github.com/piwi3910/ptlbench/internal/report"
)

// Config holds all configuration for ptlbench
type Config struct {
	// Logging
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Fabric  FabricConfig  `mapstructure:"fabric" yaml:"fabric"`

	Bench      BenchConfig      `mapstructure:"bench" yaml:"bench"`
	Memory     MemoryConfig     `mapstructure:"memory" yaml:"memory"`
	MEWindow   MEWindowConfig   `mapstructure:"mewindow" yaml:"mewindow"`
	Components ComponentsConfig `mapstructure:"components" yaml:"components"`
	PingPong   PingPongConfig   `mapstructure:"pingpong" yaml:"pingpong"`
}

// OutputConfig selects where result rows go
type OutputConfig struct {
	// Path is the result file. Empty writes to stdout.
	Path string `mapstructure:"path" yaml:"path"`

	// Format is tsv or csv
	Format string `mapstructure:"format" yaml:"format"`

	// Compression is none, zstd or lz4. Empty infers it from the path.
	Compression string `mapstructure:"compression" yaml:"compression"`

	// Precision is the number of decimals for float columns
	Precision int `mapstructure:"precision" yaml:"precision"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// Addr enables the endpoint when non-empty, e.g. ":9464"
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// FabricConfig shapes the simulated fabric and the address spaces
type FabricConfig struct {
	// EQDepth is the depth of each endpoint's default event queue
	EQDepth int `mapstructure:"eq_depth" yaml:"eq_depth"`

	// StrictPinning turns a failed mlock into an error
	StrictPinning bool `mapstructure:"strict_pinning" yaml:"strict_pinning"`

	// FaultPenalty is charged per non-resident page the fabric touches
	FaultPenalty time.Duration `mapstructure:"fault_penalty" yaml:"fault_penalty"`

	// TranslationPenalty is charged per access to an unpinned buffer
	TranslationPenalty time.Duration `mapstructure:"translation_penalty" yaml:"translation_penalty"`
}

// BenchConfig is the put/get benchmark loop
type BenchConfig struct {
	Operation    string `mapstructure:"operation" yaml:"operation"`
	Type         string `mapstructure:"type" yaml:"type"`
	Discipline   string `mapstructure:"discipline" yaml:"discipline"`
	Matching     bool   `mapstructure:"matching" yaml:"matching"`
	Iterations   int    `mapstructure:"iterations" yaml:"iterations"`
	Warmup       int    `mapstructure:"warmup" yaml:"warmup"`
	Window       int    `mapstructure:"window" yaml:"window"`
	MsgSize      uint64 `mapstructure:"msg_size" yaml:"msg_size"`
	MinMsgSize   uint64 `mapstructure:"min_msg_size" yaml:"min_msg_size"`
	MaxMsgSize   uint64 `mapstructure:"max_msg_size" yaml:"max_msg_size"`
	MemoryMode   string `mapstructure:"memory_mode" yaml:"memory_mode"`
	Iovecs       int    `mapstructure:"iovecs" yaml:"iovecs"`
	Registration string `mapstructure:"registration" yaml:"registration"`
	MatchKey     uint64 `mapstructure:"match_key" yaml:"match_key"`
}

// MemoryConfig is the page and cache residency experiment
type MemoryConfig struct {
	Operation  string `mapstructure:"operation" yaml:"operation"`
	Discipline string `mapstructure:"discipline" yaml:"discipline"`
	Matching   bool   `mapstructure:"matching" yaml:"matching"`
	Iterations int    `mapstructure:"iterations" yaml:"iterations"`
	MsgSize    int    `mapstructure:"msg_size" yaml:"msg_size"`
	CacheSize  int    `mapstructure:"cache_size" yaml:"cache_size"`
	Local      string `mapstructure:"local" yaml:"local"`
	Remote     string `mapstructure:"remote" yaml:"remote"`
	Cache      string `mapstructure:"cache" yaml:"cache"`
	Seed       uint64 `mapstructure:"seed" yaml:"seed"`
}

// MEWindowConfig is the match entry window stress test
type MEWindowConfig struct {
	Operation  string `mapstructure:"operation" yaml:"operation"`
	Discipline string `mapstructure:"discipline" yaml:"discipline"`
	Mode       string `mapstructure:"mode" yaml:"mode"`
	Iterations int    `mapstructure:"iterations" yaml:"iterations"`
	Warmup     int    `mapstructure:"warmup" yaml:"warmup"`
	Window     int    `mapstructure:"window" yaml:"window"`
	MinMsgSize uint64 `mapstructure:"min_msg_size" yaml:"min_msg_size"`
	MaxMsgSize uint64 `mapstructure:"max_msg_size" yaml:"max_msg_size"`

	// Keys is "slot" for one key per window slot or "fixed" for a shared key
	Keys    string `mapstructure:"keys" yaml:"keys"`
	KeyBase uint64 `mapstructure:"key_base" yaml:"key_base"`
}

// ComponentsConfig is the single-process setup latency suite
type ComponentsConfig struct {
	Matching   bool     `mapstructure:"matching" yaml:"matching"`
	Iterations int      `mapstructure:"iterations" yaml:"iterations"`
	Warmup     int      `mapstructure:"warmup" yaml:"warmup"`
	BufferSize int      `mapstructure:"buffer_size" yaml:"buffer_size"`
	Only       []string `mapstructure:"only" yaml:"only"`
}

// PingPongConfig is the counter-signalled round trip test
type PingPongConfig struct {
	Matching   bool `mapstructure:"matching" yaml:"matching"`
	Iterations int  `mapstructure:"iterations" yaml:"iterations"`
	Warmup     int  `mapstructure:"warmup" yaml:"warmup"`
	MsgSize    int  `mapstructure:"msg_size" yaml:"msg_size"`
	Triggered  bool `mapstructure:"triggered" yaml:"triggered"`
}

// Options are command line overrides
type Options struct {
	LogLevel    string
	MetricsAddr string
	Output      string

	// Set holds explicit overrides keyed by dotted configuration key, e.g.
	// "bench.window". Typically filled from the flags the user changed.
	Set map[string]interface{}
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("ptlbench")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ptlbench")

		// A missing file is fine; a broken one is not
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file %s: %w", v.ConfigFileUsed(), err)
			}
		}
	}

	// Environment variables override
	v.SetEnvPrefix("PTLBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}
	if opts.MetricsAddr != "" {
		v.Set("metrics.addr", opts.MetricsAddr)
	}
	if opts.Output != "" {
		v.Set("output.path", opts.Output)
	}
	for key, value := range opts.Set {
		v.Set(key, value)
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	// Output defaults
	v.SetDefault("output.path", "")
	v.SetDefault("output.format", string(report.FormatTSV))
	v.SetDefault("output.compression", "")
	v.SetDefault("output.precision", 3)

	v.SetDefault("metrics.addr", "")

	// Fabric defaults
	v.SetDefault("fabric.eq_depth", endpoint.DefaultEQDepth)
	v.SetDefault("fabric.strict_pinning", false)
	v.SetDefault("fabric.fault_penalty", time.Duration(0))
	v.SetDefault("fabric.translation_penalty", time.Duration(0))

	// Benchmark loop defaults
	b := bench.DefaultConfig()
	v.SetDefault("bench.operation", b.Operation.String())
	v.SetDefault("bench.type", b.Type.String())
	v.SetDefault("bench.discipline", b.Discipline.String())
	v.SetDefault("bench.matching", b.Matching)
	v.SetDefault("bench.iterations", b.Iterations)
	v.SetDefault("bench.warmup", b.Warmup)
	v.SetDefault("bench.window", b.Window)
	v.SetDefault("bench.msg_size", b.MsgSize)
	v.SetDefault("bench.min_msg_size", uint64(1))
	v.SetDefault("bench.max_msg_size", uint64(4<<20))
	v.SetDefault("bench.memory_mode", b.Memory.String())
	v.SetDefault("bench.iovecs", b.Iovecs)
	v.SetDefault("bench.registration", b.Registration.String())
	v.SetDefault("bench.match_key", b.MatchKey)

	// Memory residency defaults
	m := memeffect.DefaultConfig()
	v.SetDefault("memory.operation", m.Operation.String())
	v.SetDefault("memory.discipline", m.Discipline.String())
	v.SetDefault("memory.matching", false)
	v.SetDefault("memory.iterations", m.Iterations)
	v.SetDefault("memory.msg_size", m.MsgSize)
	v.SetDefault("memory.cache_size", m.CacheSize)
	v.SetDefault("memory.local", m.Local.String())
	v.SetDefault("memory.remote", m.Remote.String())
	v.SetDefault("memory.cache", m.Cache.String())
	v.SetDefault("memory.seed", m.Seed)

	// ME window defaults
	w := mewindow.DefaultConfig()
	v.SetDefault("mewindow.operation", w.Operation.String())
	v.SetDefault("mewindow.discipline", w.Discipline.String())
	v.SetDefault("mewindow.mode", w.Mode.String())
	v.SetDefault("mewindow.iterations", w.Iterations)
	v.SetDefault("mewindow.warmup", w.Warmup)
	v.SetDefault("mewindow.window", w.Window)
	v.SetDefault("mewindow.min_msg_size", w.MinMsgSize)
	v.SetDefault("mewindow.max_msg_size", w.MaxMsgSize)
	v.SetDefault("mewindow.keys", keysSlot)
	v.SetDefault("mewindow.key_base", uint64(1))

	// Component timing defaults
	c := components.DefaultConfig()
	v.SetDefault("components.matching", false)
	v.SetDefault("components.iterations", c.Iterations)
	v.SetDefault("components.warmup", c.Warmup)
	v.SetDefault("components.buffer_size", c.BufferSize)
	v.SetDefault("components.only", []string{})

	// Ping-pong defaults
	p := pingpong.DefaultConfig()
	v.SetDefault("pingpong.matching", false)
	v.SetDefault("pingpong.iterations", p.Iterations)
	v.SetDefault("pingpong.warmup", p.Warmup)
	v.SetDefault("pingpong.msg_size", p.MsgSize)
	v.SetDefault("pingpong.triggered", p.Triggered)
}

const (
	keysSlot  = "slot"
	keysFixed = "fixed"
)

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true, "disabled": true,
}

func (c *Config) validate() error {
	if !logLevels[strings.ToLower(c.LogLevel)] {
		return ptlerr.Config("log_level", "unknown level %q", c.LogLevel)
	}

	if _, err := report.ParseFormat(c.Output.Format); err != nil {
		return ptlerr.Config("output.format", "%v", err)
	}

	if _, err := c.Output.ResolveCompression(); err != nil {
		return ptlerr.Config("output.compression", "%v", err)
	}

	if c.Output.Precision < 0 {
		return ptlerr.Config("output.precision", "must not be negative, got %d", c.Output.Precision)
	}

	if c.Fabric.EQDepth <= 0 {
		return ptlerr.Config("fabric.eq_depth", "must be positive, got %d", c.Fabric.EQDepth)
	}

	if c.Fabric.FaultPenalty < 0 || c.Fabric.TranslationPenalty < 0 {
		return ptlerr.Config("fabric", "penalties must not be negative")
	}

	if _, err := c.Bench.Resolve(); err != nil {
		return section("bench", err)
	}

	mc, err := c.Memory.Resolve()
	if err != nil {
		return section("memory", err)
	}

	if err := mc.Validate(os.Getpagesize()); err != nil {
		return section("memory", err)
	}

	if _, err := c.MEWindow.Resolve(); err != nil {
		return section("mewindow", err)
	}

	if _, err := c.Components.Resolve(); err != nil {
		return section("components", err)
	}

	if _, err := c.PingPong.Resolve(); err != nil {
		return section("pingpong", err)
	}

	return nil
}

// section qualifies a ConfigurationError's field with the section name.
func section(name string, err error) error {
	var ce *ptlerr.ConfigurationError
	if errors.As(err, &ce) {
		return &ptlerr.ConfigurationError{Field: name + "." + ce.Field, Reason: ce.Reason}
	}

	return fmt.Errorf("%s: %w", name, err)
}

// ResolveCompression returns the configured compression, inferring it from
// the path extension when unset.
func (o OutputConfig) ResolveCompression() (report.Compression, error) {
	if o.Compression == "" {
		return report.CompressionFor(o.Path), nil
	}

	return report.ParseCompression(o.Compression)
}

// MemOptions returns the address space options for each participant.
func (f FabricConfig) MemOptions() mem.Options {
	return mem.Options{
		StrictPinning:      f.StrictPinning,
		FaultPenalty:       f.FaultPenalty,
		TranslationPenalty: f.TranslationPenalty,
	}
}

// Resolve parses and validates the benchmark loop settings.
func (b BenchConfig) Resolve() (bench.Config, error) {
	op, err := bench.ParseOperation(b.Operation)
	if err != nil {
		return bench.Config{}, err
	}

	typ, err := bench.ParseType(b.Type)
	if err != nil {
		return bench.Config{}, err
	}

	disc, err := completion.ParseDiscipline(b.Discipline)
	if err != nil {
		return bench.Config{}, err
	}

	memory, err := bench.ParseMemoryMode(b.MemoryMode)
	if err != nil {
		return bench.Config{}, err
	}

	reg, err := bench.ParseRegistration(b.Registration)
	if err != nil {
		return bench.Config{}, err
	}

	cfg := bench.Config{
		Operation:    op,
		Type:         typ,
		Discipline:   disc,
		Matching:     b.Matching,
		Iterations:   b.Iterations,
		Warmup:       b.Warmup,
		Window:       b.Window,
		MsgSize:      b.MsgSize,
		MinMsgSize:   b.MinMsgSize,
		MaxMsgSize:   b.MaxMsgSize,
		Memory:       memory,
		Iovecs:       b.Iovecs,
		Registration: reg,
		MatchKey:     b.MatchKey,
	}

	return cfg, cfg.Validate()
}

// Resolve parses the residency experiment settings. Size limits that depend
// on the page size are checked by the caller.
func (m MemoryConfig) Resolve() (memeffect.Config, error) {
	op, err := bench.ParseOperation(m.Operation)
	if err != nil {
		return memeffect.Config{}, err
	}

	disc, err := completion.ParseDiscipline(m.Discipline)
	if err != nil {
		return memeffect.Config{}, err
	}

	local, err := memeffect.ParseState("local", m.Local)
	if err != nil {
		return memeffect.Config{}, err
	}

	remote, err := memeffect.ParseState("remote", m.Remote)
	if err != nil {
		return memeffect.Config{}, err
	}

	cache, err := memeffect.ParseState("cache", m.Cache)
	if err != nil {
		return memeffect.Config{}, err
	}

	return memeffect.Config{
		Operation:  op,
		Discipline: disc,
		Iterations: m.Iterations,
		MsgSize:    m.MsgSize,
		CacheSize:  m.CacheSize,
		Local:      local,
		Remote:     remote,
		Cache:      cache,
		Seed:       m.Seed,
	}, nil
}

// Resolve parses and validates the window stress settings.
func (w MEWindowConfig) Resolve() (mewindow.Config, error) {
	op, err := bench.ParseOperation(w.Operation)
	if err != nil {
		return mewindow.Config{}, err
	}

	disc, err := completion.ParseDiscipline(w.Discipline)
	if err != nil {
		return mewindow.Config{}, err
	}

	mode, err := mewindow.ParseMode(w.Mode)
	if err != nil {
		return mewindow.Config{}, err
	}

	var keys region.KeyFunc

	switch strings.ToLower(w.Keys) {
	case keysSlot, "":
		keys = region.SlotKey(w.KeyBase)
	case keysFixed:
		keys = region.FixedKey(w.KeyBase)
	default:
		return mewindow.Config{}, ptlerr.Config("keys", "unknown key derivation %q", w.Keys)
	}

	cfg := mewindow.Config{
		Operation:  op,
		Discipline: disc,
		Mode:       mode,
		Iterations: w.Iterations,
		Warmup:     w.Warmup,
		Window:     w.Window,
		MinMsgSize: w.MinMsgSize,
		MaxMsgSize: w.MaxMsgSize,
		Keys:       keys,
	}

	return cfg, cfg.Validate()
}

// Resolve validates the component timing settings.
func (c ComponentsConfig) Resolve() (components.Config, error) {
	cfg := components.Config{
		Iterations: c.Iterations,
		Warmup:     c.Warmup,
		BufferSize: c.BufferSize,
		Only:       c.Only,
	}

	return cfg, cfg.Validate()
}

// Resolve validates the ping-pong settings.
func (p PingPongConfig) Resolve() (pingpong.Config, error) {
	cfg := pingpong.Config{
		Iterations: p.Iterations,
		Warmup:     p.Warmup,
		MsgSize:    p.MsgSize,
		Triggered:  p.Triggered,
	}

	return cfg, cfg.Validate()
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
