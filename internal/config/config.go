package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Options holds application configuration. Values come from the command
// line, a YAML file, environment variables and defaults, in that order of
// precedence.
type Options struct {
	Listen          string        `long:"listen" env:"TXEXEC_LISTEN" default:":8080" description:"HTTP listen address" yaml:"listen"`
	DB              string        `long:"db" env:"TXEXEC_DB" default:"txexec.db" description:"SQLite database path" yaml:"db"`
	Workers         int           `long:"workers" env:"TXEXEC_WORKERS" default:"4" description:"number of tasks run concurrently" yaml:"workers"`
	Delivery        string        `long:"delivery" env:"TXEXEC_DELIVERY" default:"loop" choice:"loop" choice:"direct" description:"where task callbacks run" yaml:"delivery"`
	ShutdownTimeout time.Duration `long:"shutdown-timeout" env:"TXEXEC_SHUTDOWN_TIMEOUT" default:"30s" description:"time to wait for running tasks on shutdown" yaml:"shutdown-timeout"`
	Config          string        `short:"c" long:"config" env:"TXEXEC_CONFIG" description:"YAML configuration file" yaml:"-"`

	Log struct {
		Level      string `long:"level" env:"LEVEL" default:"info" description:"log level (debug, info, warn, error)" yaml:"level"`
		File       string `long:"file" env:"FILE" description:"log file, stdout if empty" yaml:"file"`
		MaxSizeMB  int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in MB before rotation" yaml:"max-size"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"5" description:"rotated log files to keep" yaml:"max-backups"`
		MaxAgeDays int    `long:"max-age" env:"MAX_AGE" default:"30" description:"days to keep rotated log files" yaml:"max-age"`
		Compress   bool   `long:"compress" env:"COMPRESS" description:"gzip rotated log files" yaml:"compress"`
	} `group:"log" namespace:"log" env-namespace:"TXEXEC_LOG" yaml:"log"`

	Retry struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"5" description:"attempts to begin a transaction on a busy database" yaml:"attempts"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"50ms" description:"initial backoff" yaml:"duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"2" description:"backoff factor" yaml:"factor"`
	} `group:"retry" namespace:"retry" env-namespace:"TXEXEC_RETRY" yaml:"retry"`

	Janitor struct {
		Schedule  string        `long:"schedule" env:"SCHEDULE" default:"@every 10m" description:"cron schedule for pruning task history, empty disables" yaml:"schedule"`
		Retention time.Duration `long:"retention" env:"RETENTION" default:"168h" description:"how long finished tasks are kept" yaml:"retention"`
	} `group:"janitor" namespace:"janitor" env-namespace:"TXEXEC_JANITOR" yaml:"janitor"`

	Rate struct {
		Limit float64 `long:"limit" env:"LIMIT" default:"50" description:"write requests per second per client, 0 disables" yaml:"limit"`
		Burst int     `long:"burst" env:"BURST" default:"100" description:"write request burst" yaml:"burst"`
	} `group:"rate" namespace:"rate" env-namespace:"TXEXEC_RATE" yaml:"rate"`
}

// Load parses args and the optional YAML file named by --config.
func Load(args []string) (*Options, error) {
	opts := &Options{}
	p := flags.NewParser(opts, flags.Default)
	if _, err := p.ParseArgs(args); err != nil {
		return nil, err
	}

	if opts.Config != "" {
		if err := overlayFile(p, opts, opts.Config); err != nil {
			return nil, err
		}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// IsHelp reports whether err is the result of --help.
func IsHelp(err error) bool {
	var ferr *flags.Error
	return errors.As(err, &ferr) && ferr.Type == flags.ErrHelp
}

func (o *Options) validate() error {
	if o.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", o.Workers)
	}
	if o.Janitor.Retention <= 0 {
		return fmt.Errorf("janitor retention must be positive, got %s", o.Janitor.Retention)
	}
	if o.Retry.Attempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", o.Retry.Attempts)
	}
	return nil
}

// LogLevel returns the configured slog level.
func (o *Options) LogLevel() slog.Level {
	return parseLogLevel(o.Log.Level)
}

// LogWriter returns stdout, or a rotating file writer when a log file is set.
func (o *Options) LogWriter() io.Writer {
	if o.Log.File == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   o.Log.File,
		MaxSize:    o.Log.MaxSizeMB,
		MaxBackups: o.Log.MaxBackups,
		MaxAge:     o.Log.MaxAgeDays,
		Compress:   o.Log.Compress,
	}
}

// overlayFile applies values from the YAML file at path, except for options
// given on the command line.
func overlayFile(p *flags.Parser, opts *Options, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	fromFile := *opts
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	onCommandLine := make(map[string]bool)
	commandLineOptions(p.Group, onCommandLine)
	overlay(reflect.ValueOf(opts).Elem(), reflect.ValueOf(fromFile), keys, "", onCommandLine)
	return nil
}

// commandLineOptions collects the long names of options set by arguments,
// leaving out those filled from env or defaults.
func commandLineOptions(g *flags.Group, set map[string]bool) {
	for _, o := range g.Options() {
		if o.IsSet() && !o.IsSetDefault() {
			set[o.LongNameWithNamespace()] = true
		}
	}
	for _, sub := range g.Groups() {
		commandLineOptions(sub, set)
	}
}

func overlay(dst, src reflect.Value, keys map[string]any, prefix string, skip map[string]bool) {
	t := dst.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			continue
		}
		v, ok := keys[name]
		if !ok {
			continue
		}
		if ns := f.Tag.Get("namespace"); f.Tag.Get("group") != "" {
			sub, _ := v.(map[string]any)
			overlay(dst.Field(i), src.Field(i), sub, prefix+ns+".", skip)
			continue
		}
		if skip[prefix+f.Tag.Get("long")] {
			continue
		}
		dst.Field(i).Set(src.Field(i))
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
