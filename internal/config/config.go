package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/loykin/stackbox/internal/cron"
	"github.com/loykin/stackbox/internal/env"
	"github.com/loykin/stackbox/internal/logger"
	"github.com/loykin/stackbox/internal/manager"
	"github.com/loykin/stackbox/internal/process"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: STACKBOX_SERVER_LISTEN, ...
const EnvPrefix = "STACKBOX"

// Config represents the top-level TOML structure.
type Config struct {
	Env       []string         `mapstructure:"env"`
	EnvFiles  []string         `mapstructure:"env_files"`
	UseOSEnv  bool             `mapstructure:"use_os_env"`
	Server    ServerConfig     `mapstructure:"server"`
	Monitor   MonitorConfig    `mapstructure:"monitor"`
	Shutdown  ShutdownConfig   `mapstructure:"shutdown"`
	Log       LogConfig        `mapstructure:"log"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	History   HistoryConfig    `mapstructure:"history"`
	Services  []ServiceConfig  `mapstructure:"services"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
	PIDFile  string `mapstructure:"pidfile"` // daemon pid file (serve --daemonize)
	LogFile  string `mapstructure:"logfile"` // daemon stdout/stderr (serve --daemonize)
}

type MonitorConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Usage        bool          `mapstructure:"usage"`
}

type ShutdownConfig struct {
	Grace time.Duration `mapstructure:"grace"`
}

// LogConfig holds the controller log settings and, under [log.services],
// the default destinations for launched command output.
type LogConfig struct {
	Level      string           `mapstructure:"level"`
	Format     string           `mapstructure:"format"`
	Color      bool             `mapstructure:"color"`
	TimeStamps bool             `mapstructure:"timestamps"`
	Source     bool             `mapstructure:"source"`
	File       string           `mapstructure:"file"`
	Services   CommandLogConfig `mapstructure:"services"`
}

type CommandLogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSN     []string `mapstructure:"dsn"`
}

type ServiceConfig struct {
	Name         string             `mapstructure:"name"`
	Start        string             `mapstructure:"start"`
	StartArgs    []string           `mapstructure:"start_args"`
	Stop         string             `mapstructure:"stop"`
	StopArgs     []string           `mapstructure:"stop_args"`
	StopSignal   string             `mapstructure:"stop_signal"`
	Pattern      string             `mapstructure:"pattern"`
	MatchFull    bool               `mapstructure:"match_full"`
	Check        string             `mapstructure:"check"`
	MaxAttempts  int                `mapstructure:"max_attempts"`
	PollInterval time.Duration      `mapstructure:"poll_interval"`
	Escalation   process.Escalation `mapstructure:"escalation"`
	PIDFile      string             `mapstructure:"pid_file"`
	WorkDir      string             `mapstructure:"work_dir"`
	Env          []string           `mapstructure:"env"`
	Monitor      *bool              `mapstructure:"monitor"`      // default true
	StopOnExit   *bool              `mapstructure:"stop_on_exit"` // default true
	Log          *CommandLogConfig  `mapstructure:"log"`
}

type ScheduleConfig struct {
	Name     string `mapstructure:"name"`
	Service  string `mapstructure:"service"`
	Action   string `mapstructure:"action"`
	Schedule string `mapstructure:"schedule"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("use_os_env", true)
	v.SetDefault("server.listen", "127.0.0.1:8089")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.pidfile", "")
	v.SetDefault("server.logfile", "")
	v.SetDefault("monitor.interval", "60s")
	v.SetDefault("monitor.initial_delay", "1s")
	v.SetDefault("monitor.timeout", "0s")
	v.SetDefault("monitor.usage", false)
	v.SetDefault("shutdown.grace", manager.DefaultGrace.String())
	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.services.dir", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", []string{})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the TOML file at path. An empty path yields the built-in
// defaults (apache, mysql and ttyd); STACKBOX_* environment variables
// override scalar settings in both cases.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path == "" {
		c.Services = DefaultServices()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// DefaultServices describes the stack the controller manages when no
// configuration file is given.
func DefaultServices() []ServiceConfig {
	no := false
	return []ServiceConfig{
		{
			Name:        "apache",
			Start:       "/opt/homebrew/opt/httpd/bin/httpd -k start",
			Pattern:     "httpd",
			StopSignal:  "KILL",
			MaxAttempts: 10,
			PIDFile:     "/opt/homebrew/var/run/httpd/httpd.pid",
		},
		{
			Name:        "mysql",
			Start:       "/opt/homebrew/opt/mysql/bin/mysql.server start",
			Stop:        "pkill -f mysqld",
			Pattern:     "mysqld",
			MaxAttempts: 15,
		},
		{
			Name:        "ttyd",
			Pattern:     "ttyd",
			MatchFull:   true,
			MaxAttempts: 5,
			Monitor:     &no,
		},
	}
}

// Validate checks cross-references the per-service validation cannot see.
func (c *Config) Validate() error {
	specs, err := c.Specs()
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(specs))
	for _, s := range specs {
		if known[s.Name] {
			return fmt.Errorf("service %q defined twice", s.Name)
		}
		known[s.Name] = true
	}
	if c.History.Enabled && len(c.History.DSN) == 0 {
		return fmt.Errorf("history enabled but no dsn configured")
	}
	for _, sc := range c.Schedules {
		if !known[sc.Service] {
			return fmt.Errorf("schedule %s references unknown service %s", sc.Name, sc.Service)
		}
	}
	if _, err := c.Jobs(); err != nil {
		return err
	}
	return nil
}

// Specs converts service entries to process specs with defaults applied.
// Per-service log settings override the [log.services] defaults field by field.
func (c *Config) Specs() ([]process.Spec, error) {
	out := make([]process.Spec, 0, len(c.Services))
	for _, sc := range c.Services {
		logCfg := c.Log.Services.fileConfig()
		if sc.Log != nil {
			logCfg = overlay(logCfg, *sc.Log)
		}
		s := process.Spec{
			Name:         sc.Name,
			Start:        sc.Start,
			StartArgs:    sc.StartArgs,
			Stop:         sc.Stop,
			StopArgs:     sc.StopArgs,
			StopSignal:   sc.StopSignal,
			Pattern:      sc.Pattern,
			MatchFull:    sc.MatchFull,
			Check:        sc.Check,
			MaxAttempts:  sc.MaxAttempts,
			PollInterval: sc.PollInterval,
			Escalation:   sc.Escalation,
			PIDFile:      sc.PIDFile,
			WorkDir:      sc.WorkDir,
			Env:          sc.Env,
			Monitor:      boolOr(sc.Monitor, true),
			StopOnExit:   boolOr(sc.StopOnExit, true),
			Log:          logCfg,
		}
		s.ApplyDefaults()
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Jobs builds the scheduled actions.
func (c *Config) Jobs() ([]*cron.Job, error) {
	jobs := make([]*cron.Job, 0, len(c.Schedules))
	for _, sc := range c.Schedules {
		j := &cron.Job{
			Name:     sc.Name,
			Service:  sc.Service,
			Action:   manager.Action(strings.ToLower(sc.Action)),
			Schedule: sc.Schedule,
		}
		if err := j.Validate(); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Environment composes the global environment for launched commands:
// OS environment when use_os_env, then env_files in order, then env.
func (c *Config) Environment() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.Isolate()
	}
	for _, p := range c.EnvFiles {
		kvs, err := env.LoadFile(p)
		if err != nil {
			return nil, err
		}
		e.SetAll(kvs)
	}
	e.SetAll(c.Env)
	return e, nil
}

// Logger returns the controller log configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      c.Log.Level,
			Format:     c.Log.Format,
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
			Source:     c.Log.Source,
			Path:       c.Log.File,
		},
		File: c.Log.Services.fileConfig(),
	}
}

func (c *Config) MonitorOptions() manager.MonitorConfig {
	return manager.MonitorConfig{
		InitialDelay: c.Monitor.InitialDelay,
		Interval:     c.Monitor.Interval,
		Timeout:      c.Monitor.Timeout,
		Usage:        c.Monitor.Usage,
	}
}

func (l CommandLogConfig) fileConfig() logger.FileConfig {
	return logger.FileConfig{
		Dir:        l.Dir,
		StdoutPath: l.Stdout,
		StderrPath: l.Stderr,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

func overlay(base logger.FileConfig, o CommandLogConfig) logger.FileConfig {
	if o.Dir != "" {
		base.Dir = o.Dir
	}
	if o.Stdout != "" {
		base.StdoutPath = o.Stdout
	}
	if o.Stderr != "" {
		base.StderrPath = o.Stderr
	}
	if o.MaxSizeMB != 0 {
		base.MaxSizeMB = o.MaxSizeMB
	}
	if o.MaxBackups != 0 {
		base.MaxBackups = o.MaxBackups
	}
	if o.MaxAgeDays != 0 {
		base.MaxAgeDays = o.MaxAgeDays
	}
	if o.Compress {
		base.Compress = true
	}
	return base
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
