// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable the application reads.
const EnvPrefix = "PASSUP"

// Interface defines the contract for accessing application configuration.
// Components depend on it rather than on *Config so tests can hand in fakes.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Engine() EngineConfig
	Flows() FlowsConfig
	Report() ReportConfig
	Database() DatabaseConfig
	Metrics() MetricsConfig
	Password() PasswordConfig
	Vault() VaultConfig

	SetBrowserHeadless(bool)
	SetEngineConcurrency(int)
	SetReportOutputFolder(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	FlowsCfg    FlowsConfig    `mapstructure:"flows" yaml:"flows"`
	ReportCfg   ReportConfig   `mapstructure:"report" yaml:"report"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	MetricsCfg  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	PasswordCfg PasswordConfig `mapstructure:"password" yaml:"password"`
	VaultCfg    VaultConfig    `mapstructure:"vault" yaml:"vault"`
}

// --- Getters ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Flows() FlowsConfig       { return c.FlowsCfg }
func (c *Config) Report() ReportConfig     { return c.ReportCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Metrics() MetricsConfig   { return c.MetricsCfg }
func (c *Config) Password() PasswordConfig { return c.PasswordCfg }
func (c *Config) Vault() VaultConfig       { return c.VaultCfg }

// --- Setters (CLI flag overrides) ---

func (c *Config) SetBrowserHeadless(b bool)        { c.BrowserCfg.Headless = b }
func (c *Config) SetEngineConcurrency(n int)       { c.EngineCfg.Concurrency = n }
func (c *Config) SetReportOutputFolder(dir string) { c.ReportCfg.OutputFolder = dir }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chrome instance driven by the sessions.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	DisableCache      bool           `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug             bool           `mapstructure:"debug" yaml:"debug"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// ActionTimeout bounds a single driver call such as one lookup or one click.
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// EngineConfig tunes the flow executor and the batch orchestrator.
type EngineConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout" yaml:"default_step_timeout"`
	Concurrency        int           `mapstructure:"concurrency" yaml:"concurrency"`
	// LaunchRate caps new browser sessions per second during a batch.
	LaunchRate float64 `mapstructure:"launch_rate" yaml:"launch_rate"`
	Attempts   int     `mapstructure:"attempts" yaml:"attempts"`
	// ExecutionTimeout bounds one whole flow execution.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout" yaml:"execution_timeout"`
}

// FlowsConfig tells the registry where flow definitions live.
type FlowsConfig struct {
	Dirs           []string `mapstructure:"dirs" yaml:"dirs"`
	Files          []string `mapstructure:"files" yaml:"files"`
	IncludeBuiltin bool     `mapstructure:"include_builtin" yaml:"include_builtin"`
	Blocklist      []string `mapstructure:"blocklist" yaml:"blocklist"`
}

// ReportConfig controls per-run report files.
type ReportConfig struct {
	OutputFolder string   `mapstructure:"output_folder" yaml:"output_folder"`
	Formats      []string `mapstructure:"formats" yaml:"formats"`
}

// DatabaseConfig holds the database connection details. An empty URL
// disables rotation history.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// MetricsConfig controls the Prometheus textfile export. An empty path
// disables it.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// PasswordConfig shapes generated passwords.
type PasswordConfig struct {
	Length         int  `mapstructure:"length" yaml:"length"`
	Numbers        bool `mapstructure:"numbers" yaml:"numbers"`
	Symbols        bool `mapstructure:"symbols" yaml:"symbols"`
	ExcludeSimilar bool `mapstructure:"exclude_similar" yaml:"exclude_similar"`
}

// VaultConfig selects the password database updated after a successful
// rotation. An empty type disables write-back.
type VaultConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	// Binary is the pass executable.
	Binary string `mapstructure:"binary" yaml:"binary"`
	// Prefix is prepended to every entry name, e.g. "web".
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "passup")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.action_timeout", "5s")
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 800})

	// -- Engine --
	v.SetDefault("engine.poll_interval", "250ms")
	v.SetDefault("engine.default_step_timeout", "10s")
	v.SetDefault("engine.concurrency", 4)
	v.SetDefault("engine.launch_rate", 1.0)
	v.SetDefault("engine.attempts", 1)
	v.SetDefault("engine.execution_timeout", "5m")

	// -- Flows --
	v.SetDefault("flows.dirs", []string{})
	v.SetDefault("flows.files", []string{})
	v.SetDefault("flows.include_builtin", true)
	v.SetDefault("flows.blocklist", []string{})

	// -- Report --
	v.SetDefault("report.output_folder", "./reports")
	v.SetDefault("report.formats", []string{"json"})

	// -- Database / Metrics --
	v.SetDefault("database.url", "")
	v.SetDefault("metrics.textfile", "")

	// -- Password generation --
	v.SetDefault("password.length", 15)
	v.SetDefault("password.numbers", true)
	v.SetDefault("password.symbols", false)
	v.SetDefault("password.exclude_similar", true)

	// -- Vault write-back --
	v.SetDefault("vault.type", "")
	v.SetDefault("vault.binary", "pass")
	v.SetDefault("vault.prefix", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The database URL often carries a password, keep it out of config files.
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every path-valued setting.
func (c *Config) expandPaths() error {
	expand := func(p *string) error {
		if *p == "" {
			return nil
		}
		out, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = out
		return nil
	}
	paths := []*string{
		&c.LoggerCfg.LogFile,
		&c.BrowserCfg.ExecPath,
		&c.ReportCfg.OutputFolder,
		&c.MetricsCfg.Textfile,
	}
	for i := range c.FlowsCfg.Dirs {
		paths = append(paths, &c.FlowsCfg.Dirs[i])
	}
	for i := range c.FlowsCfg.Files {
		paths = append(paths, &c.FlowsCfg.Files[i])
	}
	for _, p := range paths {
		if err := expand(p); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be a positive integer")
	}
	if c.EngineCfg.Attempts <= 0 {
		return fmt.Errorf("engine.attempts must be a positive integer")
	}
	if c.EngineCfg.LaunchRate < 0 {
		return fmt.Errorf("engine.launch_rate must not be negative")
	}
	if c.EngineCfg.PollInterval <= 0 {
		return fmt.Errorf("engine.poll_interval must be a positive duration")
	}
	if c.EngineCfg.DefaultStepTimeout <= 0 {
		return fmt.Errorf("engine.default_step_timeout must be a positive duration")
	}
	if c.EngineCfg.PollInterval > c.EngineCfg.DefaultStepTimeout {
		return fmt.Errorf("engine.poll_interval must not exceed engine.default_step_timeout")
	}
	if c.BrowserCfg.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be a positive duration")
	}
	for _, f := range c.ReportCfg.Formats {
		switch strings.ToLower(f) {
		case "json", "junit", "xml":
		default:
			return fmt.Errorf("report.formats: unknown format %q", f)
		}
	}
	if err := c.PasswordCfg.Validate(); err != nil {
		return fmt.Errorf("password configuration invalid: %w", err)
	}
	switch c.VaultCfg.Type {
	case "", "pass":
	default:
		return fmt.Errorf("vault.type: unknown password database %q", c.VaultCfg.Type)
	}
	return nil
}

// Validate checks the password generation settings.
func (p *PasswordConfig) Validate() error {
	if p.Length < 4 {
		return fmt.Errorf("length must be at least 4")
	}
	if p.Length > 128 {
		return fmt.Errorf("length must not exceed 128")
	}
	return nil
}
