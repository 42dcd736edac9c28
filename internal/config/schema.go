package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OptionType represents the expected type of a configuration option value.
type OptionType string

const (
	TypeString   OptionType = "string"
	TypeBool     OptionType = "bool"
	TypeInt      OptionType = "int"
	TypeDuration OptionType = "duration"
)

// ConfigOption declares a single configuration option with its type, default,
// documentation, and environment variable override.
type ConfigOption struct {
	// Key is the option name as it appears in the config file (kebab-case).
	Key string
	// Type is the expected value type for validation.
	Type OptionType
	// Default is the default value as a string, or "" for no default.
	Default string
	// Description is a human-readable description of the option.
	Description string
	// Section is "" for global options, or a command name.
	Section string
	// EnvVar is the environment variable that overrides this option, or "".
	EnvVar string
}

// ConfigSchema declares the known configuration options. It drives
// validation, help output and value resolution.
type ConfigSchema struct {
	options   []*ConfigOption
	byKey     map[string]*ConfigOption
	bySection map[string]map[string]*ConfigOption
}

// NewSchema creates a new empty ConfigSchema.
func NewSchema() *ConfigSchema {
	return &ConfigSchema{
		byKey:     make(map[string]*ConfigOption),
		bySection: make(map[string]map[string]*ConfigOption),
	}
}

// Register adds a ConfigOption to the schema. The last registration of a key
// within a section wins.
func (s *ConfigSchema) Register(opt ConfigOption) {
	ref := new(ConfigOption)
	*ref = opt
	s.options = append(s.options, ref)
	if opt.Section == "" {
		s.byKey[opt.Key] = ref
		return
	}
	if s.bySection[opt.Section] == nil {
		s.bySection[opt.Section] = make(map[string]*ConfigOption)
	}
	s.bySection[opt.Section][opt.Key] = ref
}

func (s *ConfigSchema) RegisterAll(opts []ConfigOption) {
	for _, opt := range opts {
		s.Register(opt)
	}
}

// Options returns every registered option in registration order.
func (s *ConfigSchema) Options() []ConfigOption {
	out := make([]ConfigOption, 0, len(s.options))
	for _, o := range s.options {
		out = append(out, *o)
	}
	return out
}

// Lookup returns the ConfigOption for a key in a given section ("" for
// global), or nil.
func (s *ConfigSchema) Lookup(section, key string) *ConfigOption {
	if section == "" {
		return s.byKey[key]
	}
	return s.bySection[section][key]
}

// IsKnown reports whether key is registered in section. Global keys are
// known in every section, where they override the global value.
func (s *ConfigSchema) IsKnown(section, key string) bool {
	if section != "" && s.bySection[section][key] != nil {
		return true
	}
	return s.byKey[key] != nil
}

// GlobalOptions returns all registered global options.
func (s *ConfigSchema) GlobalOptions() []ConfigOption {
	return s.SectionOptions("")
}

// SectionOptions returns all registered options for a specific section.
func (s *ConfigSchema) SectionOptions(section string) []ConfigOption {
	var out []ConfigOption
	for _, o := range s.options {
		if o.Section == section {
			out = append(out, *o)
		}
	}
	return out
}

// Sections returns the sorted non-empty section names.
func (s *ConfigSchema) Sections() []string {
	out := make([]string, 0, len(s.bySection))
	for sec := range s.bySection {
		out = append(out, sec)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the effective value of key for a command section, checking
// in order the option's environment variable, the section value, the global
// value and the schema default. Pass "" as section for global resolution.
func (s *ConfigSchema) Resolve(c *Config, section, key string) string {
	opt := s.Lookup(section, key)
	if opt == nil {
		opt = s.Lookup("", key)
	}
	if opt != nil && opt.EnvVar != "" {
		if v, ok := os.LookupEnv(opt.EnvVar); ok {
			return v
		}
	}
	if c != nil {
		if v, ok := c.GetCommandOption(section, key); ok {
			return v
		}
	}
	if opt != nil {
		return opt.Default
	}
	return ""
}

// ValidateConfig checks a loaded Config against the schema and returns
// sorted, human-readable issues: unknown options and type mismatches.
func ValidateConfig(c *Config, s *ConfigSchema) []string {
	var issues []string

	for key, value := range c.Global {
		opt := s.Lookup("", key)
		if opt == nil {
			issues = append(issues, fmt.Sprintf("unknown global option: %q (value: %q)", key, value))
			continue
		}
		if err := validateType(opt.Type, value); err != nil {
			issues = append(issues, fmt.Sprintf("global option %q: %v", key, err))
		}
	}

	for section, opts := range c.Commands {
		for key, value := range opts {
			if !s.IsKnown(section, key) {
				issues = append(issues, fmt.Sprintf("unknown option for command %q: %q (value: %q)", section, key, value))
				continue
			}
			opt := s.Lookup(section, key)
			if opt == nil {
				opt = s.Lookup("", key)
			}
			if err := validateType(opt.Type, value); err != nil {
				issues = append(issues, fmt.Sprintf("option %q in [%s]: %v", key, section, err))
			}
		}
	}

	sort.Strings(issues)
	return issues
}

func validateType(t OptionType, value string) error {
	switch t {
	case TypeString, "":
		return nil
	case TypeBool:
		if _, err := parseBool(value); err != nil {
			return fmt.Errorf("expected bool, got %q", value)
		}
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("expected int, got %q", value)
		}
	case TypeDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("expected duration, got %q", value)
		}
	default:
		return fmt.Errorf("unknown option type %q", t)
	}
	return nil
}

// FormatHelp returns a human-readable reference of all registered options,
// grouped by section.
func (s *ConfigSchema) FormatHelp() string {
	var b strings.Builder

	if globals := s.GlobalOptions(); len(globals) > 0 {
		b.WriteString("Global Options:\n")
		for _, o := range globals {
			writeOptionHelp(&b, o)
		}
	}
	for _, sec := range s.Sections() {
		opts := s.SectionOptions(sec)
		if len(opts) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n[%s] Options:\n", sec)
		for _, o := range opts {
			writeOptionHelp(&b, o)
		}
	}
	return b.String()
}

func writeOptionHelp(b *strings.Builder, o ConfigOption) {
	fmt.Fprintf(b, "  %-22s %s", o.Key, o.Description)
	parts := make([]string, 0, 3)
	if o.Type != "" && o.Type != TypeString {
		parts = append(parts, fmt.Sprintf("type: %s", o.Type))
	}
	if o.Default != "" {
		parts = append(parts, fmt.Sprintf("default: %s", o.Default))
	}
	if o.EnvVar != "" {
		parts = append(parts, fmt.Sprintf("env: %s", o.EnvVar))
	}
	if len(parts) > 0 {
		fmt.Fprintf(b, " (%s)", strings.Join(parts, ", "))
	}
	b.WriteString("\n")
}

// DefaultSchema returns the schema of every framesync option.
func DefaultSchema() *ConfigSchema {
	s := NewSchema()
	s.RegisterAll(defaultGlobalOptions())
	s.RegisterAll(defaultCommandOptions())
	return s
}

func defaultGlobalOptions() []ConfigOption {
	return []ConfigOption{
		// surface
		{Key: "width", Type: TypeInt, Default: "1920", Description: "Default shared texture width", EnvVar: "FRAMESYNC_WIDTH"},
		{Key: "height", Type: TypeInt, Default: "1080", Description: "Default shared texture height", EnvVar: "FRAMESYNC_HEIGHT"},
		{Key: "texture-format", Type: TypeString, Default: "rgba8unorm", Description: "Default shared texture format"},

		// timing
		{Key: "sync-timeout", Type: TypeDuration, Default: "5s", Description: "Timeout for synchronous calls into the script loop", EnvVar: "FRAMESYNC_SYNC_TIMEOUT"},
		{Key: "export-wait-timeout", Type: TypeDuration, Default: "5s", Description: "Bound on the GPU wait of an export frame"},
		{Key: "frame-interval", Type: TypeDuration, Default: "16ms", Description: "Delay between rendered frames"},
		{Key: "gpu-latency", Type: TypeDuration, Default: "0s", Description: "Simulated GPU latency of the headless device"},

		// observability
		{Key: "log-level", Type: TypeString, Default: "info", Description: "Log level: debug, info, warn, error", EnvVar: "FRAMESYNC_LOG_LEVEL"},
		{Key: "metrics-addr", Type: TypeString, Default: "", Description: "Listen address of the Prometheus metrics endpoint", EnvVar: "FRAMESYNC_METRICS_ADDR"},
	}
}

func defaultCommandOptions() []ConfigOption {
	return []ConfigOption{
		{Key: "frames", Section: "run", Type: TypeInt, Default: "3", Description: "Number of frames to render"},
		{Key: "script", Section: "run", Type: TypeString, Default: "", Description: "Script to load instead of the built-in demo"},
		{Key: "export-every", Section: "run", Type: TypeInt, Default: "0", Description: "Render every Nth frame as an export frame (0 disables)"},
	}
}
