package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/joeycumines/framesync/internal/gpu"
)

// Settings is the typed, fully resolved configuration of one command.
type Settings struct {
	Width             uint32
	Height            uint32
	TextureFormat     gputypes.TextureFormat
	SyncTimeout       time.Duration
	ExportWaitTimeout time.Duration
	FrameInterval     time.Duration
	GPULatency        time.Duration
	LogLevel          slog.Level
	MetricsAddr       string

	// [run] only
	Frames      int
	Script      string
	ExportEvery int
}

// TextureDescriptor returns the default shared texture descriptor.
func (s Settings) TextureDescriptor() gpu.TextureDescriptor {
	return gpu.DefaultTextureDescriptor(s.Width, s.Height, s.TextureFormat)
}

// Settings resolves every option for section against c (which may be nil),
// the environment and the schema defaults. Unlike loading, a value that
// cannot be parsed is an error here.
func (s *ConfigSchema) Settings(c *Config, section string) (Settings, error) {
	r := resolver{schema: s, config: c, section: section}
	out := Settings{
		Width:             r.dimension("width"),
		Height:            r.dimension("height"),
		SyncTimeout:       r.duration("sync-timeout"),
		ExportWaitTimeout: r.duration("export-wait-timeout"),
		FrameInterval:     r.duration("frame-interval"),
		GPULatency:        r.duration("gpu-latency"),
		MetricsAddr:       r.value("metrics-addr"),
		Frames:            r.count("frames"),
		Script:            r.value("script"),
		ExportEvery:       r.count("export-every"),
	}

	format, err := gpu.ParseFormat(r.value("texture-format"))
	if err != nil {
		r.fail("texture-format", err)
	}
	out.TextureFormat = format

	level, err := ParseLogLevel(r.value("log-level"))
	if err != nil {
		r.fail("log-level", err)
	}
	out.LogLevel = level

	if err := errors.Join(r.errs...); err != nil {
		return Settings{}, err
	}
	return out, nil
}

// ParseLogLevel parses debug, info, warn or error, case-insensitively.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

type resolver struct {
	schema  *ConfigSchema
	config  *Config
	section string
	errs    []error
}

func (r *resolver) value(key string) string {
	return r.schema.Resolve(r.config, r.section, key)
}

func (r *resolver) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("config: option %s: %w", key, err))
}

func (r *resolver) duration(key string) time.Duration {
	d, err := time.ParseDuration(r.value(key))
	if err != nil {
		r.fail(key, err)
		return 0
	}
	if d < 0 {
		r.fail(key, fmt.Errorf("must not be negative: %v", d))
		return 0
	}
	return d
}

func (r *resolver) count(key string) int {
	v := r.value(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, err)
		return 0
	}
	if n < 0 {
		r.fail(key, fmt.Errorf("must not be negative: %d", n))
		return 0
	}
	return n
}

func (r *resolver) dimension(key string) uint32 {
	before := len(r.errs)
	n := r.count(key)
	if len(r.errs) > before {
		return 0
	}
	if n == 0 || n > gpu.MaxTextureDimension {
		r.fail(key, fmt.Errorf("must be between 1 and %d", gpu.MaxTextureDimension))
		return 0
	}
	return uint32(n)
}
