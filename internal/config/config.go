package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/exitwatch/internal/collector"
	"github.com/loykin/exitwatch/internal/logger"
	"github.com/loykin/exitwatch/internal/monitor"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. EXITWATCH_COLLECTOR_URL.
const EnvPrefix = "EXITWATCH"

// Error is a configuration problem detected before monitoring starts.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func errorf(field, format string, args ...any) error {
	return &Error{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a configuration Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

type CollectorConfig struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	StrictStatus bool          `mapstructure:"strict_status"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type HistoryConfig struct {
	Sinks   []string      `mapstructure:"sinks"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// Config represents the top-level TOML structure.
type Config struct {
	Collector CollectorConfig      `mapstructure:"collector"`
	Monitor   MonitorConfig        `mapstructure:"monitor"`
	Log       logger.Config        `mapstructure:"log"`
	EventLog  logger.FileConfig    `mapstructure:"event_log"`
	History   HistoryConfig        `mapstructure:"history"`
	Metrics   MetricsConfig        `mapstructure:"metrics"`
	Server    ServerConfig         `mapstructure:"server"`
	Targets   []monitor.TargetSpec `mapstructure:"targets"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("collector.url", collector.DefaultEndpoint)
	v.SetDefault("collector.timeout", collector.DefaultTimeout)
	v.SetDefault("collector.strict_status", false)
	v.SetDefault("monitor.interval", monitor.DefaultInterval)
	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")
	v.SetDefault("event_log.file", logger.DefaultEventLogPath)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.timeout", monitor.DefaultSinkTimeout)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "/api")
}

// Load reads the optional TOML file at path, applies EXITWATCH_* environment
// overrides and returns the merged configuration. An empty path yields the
// defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Field: "config", Msg: err.Error()}
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, &Error{Field: "config", Msg: err.Error()}
	}
	return &c, nil
}

// ParseTriples converts positional "PID LOG EXIT" arguments into target specs.
func ParseTriples(args []string) ([]monitor.TargetSpec, error) {
	if len(args) == 0 || len(args)%3 != 0 {
		return nil, errorf("args", "expected PID LOG EXIT triples, got %d argument(s)", len(args))
	}
	out := make([]monitor.TargetSpec, 0, len(args)/3)
	for i := 0; i < len(args); i += 3 {
		pid, err := strconv.Atoi(strings.TrimSpace(args[i]))
		if err != nil {
			return nil, errorf("args", "invalid pid %q", args[i])
		}
		if pid <= 0 {
			return nil, errorf("args", "pid must be positive, got %d", pid)
		}
		out = append(out, monitor.TargetSpec{PID: pid, LogPath: args[i+1], ExitCodeFile: args[i+2]})
	}
	return out, nil
}

// Validate checks the merged configuration. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Targets) == 0 {
		errs = append(errs, errorf("targets", "at least one target is required"))
	}
	seen := make(map[int]int, len(c.Targets))
	for i, t := range c.Targets {
		field := fmt.Sprintf("targets[%d]", i)
		switch {
		case t.PID < 0:
			errs = append(errs, errorf(field, "pid must be positive, got %d", t.PID))
		case t.PID == 0 && t.PIDFile == "":
			errs = append(errs, errorf(field, "pid or pidfile is required"))
		case t.PID > 0:
			if j, dup := seen[t.PID]; dup {
				errs = append(errs, errorf(field, "pid %d already listed in targets[%d]", t.PID, j))
			}
			seen[t.PID] = i
		}
		if t.ExitCodeFile == "" {
			errs = append(errs, errorf(field, "exit_file is required"))
		}
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errorf("monitor.interval", "must be positive, got %s", c.Monitor.Interval))
	}
	if c.Collector.Timeout <= 0 {
		errs = append(errs, errorf("collector.timeout", "must be positive, got %s", c.Collector.Timeout))
	}
	if u, err := url.Parse(c.Collector.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, errorf("collector.url", "must be an http(s) URL, got %q", c.Collector.URL))
	}
	for i, dsn := range c.History.Sinks {
		if strings.TrimSpace(dsn) == "" {
			errs = append(errs, errorf(fmt.Sprintf("history.sinks[%d]", i), "empty DSN"))
		}
	}
	return errors.Join(errs...)
}
