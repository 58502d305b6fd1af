package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Output modes.
const (
	OutputPrint = "print"
	OutputJSON  = "json"
	OutputWS    = "ws"
	OutputOTLP  = "otlp"
)

// Config holds instance-level configuration for the timing pipeline and the demo driver.
type Config struct {
	MaxCaptureSlots int    `yaml:"max_capture_slots"`
	MaxCounterSlots int    `yaml:"max_counter_slots"`
	ResetAt         uint64 `yaml:"reset_at"`
	TopN            int    `yaml:"top_n"`

	Output       string `yaml:"output"`
	OutputFile   string `yaml:"output_file"`
	WSURL        string `yaml:"ws_url"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	LogLevel        string        `yaml:"log_level"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`

	Producers  int `yaml:"producers"`
	Iterations int `yaml:"iterations"`
}

// DefaultConfig returns the defaults used when neither a file nor flags set a value.
func DefaultConfig() Config {
	return Config{
		MaxCaptureSlots: 10,
		MaxCounterSlots: 10,
		ResetAt:         100,
		TopN:            10,
		Output:          OutputPrint,
		OutputFile:      "log.json",
		OTLPEndpoint:    "localhost:4317",
		LogLevel:        "info",
		GracefulTimeout: 10 * time.Second,
		Producers:       1,
		Iterations:      5,
	}
}

// Load reads a yaml file over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Validate reports configuration that would make the pipeline unusable.
func (c Config) Validate() error {
	var err error

	if c.MaxCaptureSlots < 0 {
		err = errors.Join(err, fmt.Errorf("maxCaptureSlots must not be negative, got %d", c.MaxCaptureSlots))
	}

	if c.MaxCounterSlots < 0 {
		err = errors.Join(err, fmt.Errorf("maxCounterSlots must not be negative, got %d", c.MaxCounterSlots))
	}

	if c.TopN <= 0 {
		err = errors.Join(err, fmt.Errorf("topN must be positive, got %d", c.TopN))
	}

	outs := c.Outputs()
	if len(outs) == 0 {
		err = errors.Join(err, errors.New("output must name at least one mode"))
	}

	for _, o := range outs {
		switch o {
		case OutputPrint, OutputOTLP:
		case OutputJSON:
			if c.OutputFile == "" {
				err = errors.Join(err, errors.New("output json requires outputFile"))
			}
		case OutputWS:
			if c.WSURL == "" {
				err = errors.Join(err, errors.New("output ws requires wsURL"))
			}
		default:
			err = errors.Join(err, fmt.Errorf("unknown output %q", o))
		}
	}

	return err
}

// Outputs splits Output into its comma-separated modes, e.g. "json,ws".
// Blank entries are skipped.
func (c Config) Outputs() []string {
	var outs []string
	for _, o := range strings.Split(c.Output, ",") {
		if o = strings.TrimSpace(o); o != "" {
			outs = append(outs, o)
		}
	}

	return outs
}

// RegisterFlags registers CLI flags and returns a reader that captures them after flag.Parse().
// Values come from the defaults, then the -config file, then flags set on the command line.
func RegisterFlags() func() (Config, error) {
	def := DefaultConfig()
	var fl Config

	path := flag.String("config", "", "Optional yaml config file")

	flag.IntVar(&fl.MaxCaptureSlots, "maxCaptureSlots", def.MaxCaptureSlots, "Checkpoints per cycle")
	flag.IntVar(&fl.MaxCounterSlots, "maxCounterSlots", def.MaxCounterSlots, "Counters per cycle")
	flag.Uint64Var(&fl.ResetAt, "resetAt", def.ResetAt, "Readings between top-N resets and flushes")
	flag.IntVar(&fl.TopN, "topN", def.TopN, "Slowest durations kept per label")
	flag.StringVar(&fl.Output, "output", def.Output, "Output: print|json|ws|otlp, comma-separated to fan out (e.g. json,ws)")
	flag.StringVar(&fl.OutputFile, "outputFile", def.OutputFile, "File for json output")
	flag.StringVar(&fl.WSURL, "wsURL", def.WSURL, "Websocket endpoint for ws output")
	flag.StringVar(&fl.OTLPEndpoint, "otlpEndpoint", def.OTLPEndpoint, "OTLP/gRPC endpoint for otlp output")
	flag.StringVar(&fl.LogLevel, "logLevel", def.LogLevel, "Log level: debug|info|warn|error")
	flag.DurationVar(&fl.GracefulTimeout, "gracefulTimeout", def.GracefulTimeout, "Graceful shutdown timeout")
	flag.IntVar(&fl.Producers, "producers", def.Producers, "Concurrent demo producers")
	flag.IntVar(&fl.Iterations, "iterations", def.Iterations, "Cycles per demo producer")

	overrides := map[string]func(*Config){
		"maxCaptureSlots": func(c *Config) { c.MaxCaptureSlots = fl.MaxCaptureSlots },
		"maxCounterSlots": func(c *Config) { c.MaxCounterSlots = fl.MaxCounterSlots },
		"resetAt":         func(c *Config) { c.ResetAt = fl.ResetAt },
		"topN":            func(c *Config) { c.TopN = fl.TopN },
		"output":          func(c *Config) { c.Output = fl.Output },
		"outputFile":      func(c *Config) { c.OutputFile = fl.OutputFile },
		"wsURL":           func(c *Config) { c.WSURL = fl.WSURL },
		"otlpEndpoint":    func(c *Config) { c.OTLPEndpoint = fl.OTLPEndpoint },
		"logLevel":        func(c *Config) { c.LogLevel = fl.LogLevel },
		"gracefulTimeout": func(c *Config) { c.GracefulTimeout = fl.GracefulTimeout },
		"producers":       func(c *Config) { c.Producers = fl.Producers },
		"iterations":      func(c *Config) { c.Iterations = fl.Iterations },
	}

	return func() (Config, error) {
		cfg, err := Load(*path)
		if err != nil {
			return Config{}, err
		}

		flag.Visit(func(f *flag.Flag) {
			if apply, ok := overrides[f.Name]; ok {
				apply(&cfg)
			}
		})

		return cfg, cfg.Validate()
	}
}
