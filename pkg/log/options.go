package log

import (
	"fmt"

	"github.com/spf13/pflag"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Options configures logger construction.
type Options struct {
	// Name is an optional logger name added to every entry.
	Name string `json:"name,omitempty" mapstructure:"name"`

	// Level is the minimum level to emit: debug, info, warn or error.
	Level string `json:"level,omitempty" mapstructure:"level"`

	// Format selects the encoder, "json" or "console".
	Format string `json:"format,omitempty" mapstructure:"format"`

	// EnableColor colorizes level names in console format.
	EnableColor bool `json:"enable-color,omitempty" mapstructure:"enable-color"`

	// DisableCaller drops the file:line annotation.
	DisableCaller bool `json:"disable-caller,omitempty" mapstructure:"disable-caller"`

	// CallerSkip adjusts the caller annotation for wrappers.
	CallerSkip int `json:"caller-skip,omitempty" mapstructure:"caller-skip"`

	// OutputPaths lists sinks; "stdout" and "stderr" are understood.
	OutputPaths []string `json:"output-paths,omitempty" mapstructure:"output-paths"`
}

// NewOptions returns options with production-sane defaults.
func NewOptions() *Options {
	return &Options{
		Level:       "info",
		Format:      FormatConsole,
		EnableColor: true,
		CallerSkip:  1,
		OutputPaths: []string{"stdout"},
	}
}

// Validate checks option values that zap would otherwise reject at build time.
func (o *Options) Validate() []error {
	var errs []error
	if o.Format != FormatJSON && o.Format != FormatConsole {
		errs = append(errs, fmt.Errorf("invalid log format %q", o.Format))
	}
	switch o.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", o.Level))
	}
	return errs
}

// AddFlags binds the options to command-line flags.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, "log.name", o.Name, "Optional name for the logger.")
	fs.StringVar(&o.Level, "log.level", o.Level, "Minimum log level (debug, info, warn, error).")
	fs.StringVar(&o.Format, "log.format", o.Format, "Log output format ('json' or 'console').")
	fs.BoolVar(&o.EnableColor, "log.enable-color", o.EnableColor, "Colorize console output.")
	fs.BoolVar(&o.DisableCaller, "log.disable-caller", o.DisableCaller, "Disable the caller (file:line) field.")
	fs.IntVar(&o.CallerSkip, "log.caller-skip", o.CallerSkip, "Number of caller frames to skip.")
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, "Log output paths ('stdout', 'stderr' or files).")
}
