// Package options aggregates the flag groups of the mqdeck command.
package options

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/mqdeck-io/mqdeck/internal/server"
	"github.com/mqdeck-io/mqdeck/pkg/log"
)

// StoreOptions locate the persisted connection profiles.
type StoreOptions struct {
	// Path is the connections file. Empty means the per-user default
	// under os.UserConfigDir.
	Path string `json:"path" mapstructure:"path"`
}

func NewStoreOptions() *StoreOptions {
	return &StoreOptions{}
}

func (o *StoreOptions) Complete() error {
	if o.Path != "" {
		return nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("resolve user config dir: %w", err)
	}
	o.Path = filepath.Join(dir, "mqdeck", "connections.json")
	return nil
}

func (o *StoreOptions) Validate() []error {
	return nil
}

func (o *StoreOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Path, "store.path", o.Path, "Connections file path (default: <user config dir>/mqdeck/connections.json).")
}

// SessionOptions tune every session the registry creates.
type SessionOptions struct {
	// FlushInterval bounds the rate of message notifications per session.
	FlushInterval time.Duration `json:"flush-interval" mapstructure:"flush-interval"`
}

func NewSessionOptions() *SessionOptions {
	return &SessionOptions{FlushInterval: 100 * time.Millisecond}
}

func (o *SessionOptions) Validate() []error {
	var errs []error
	if o.FlushInterval <= 0 {
		errs = append(errs, errors.New("session flush interval must be positive"))
	}
	return errs
}

func (o *SessionOptions) AddFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&o.FlushInterval, "session.flush-interval", o.FlushInterval, "Coalescing interval for inbound message notifications.")
}

// Options is the full option set of the mqdeck command.
type Options struct {
	Store   *StoreOptions   `json:"store" mapstructure:"store"`
	Session *SessionOptions `json:"session" mapstructure:"session"`
	Server  *server.Options `json:"server" mapstructure:"server"`
	Log     *log.Options    `json:"log" mapstructure:"log"`
}

func NewOptions() *Options {
	return &Options{
		Store:   NewStoreOptions(),
		Session: NewSessionOptions(),
		Server:  server.NewOptions(),
		Log:     log.NewOptions(),
	}
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.Store.AddFlags(fs)
	o.Session.AddFlags(fs)
	o.Server.AddFlags(fs)
	o.Log.AddFlags(fs)
}

func (o *Options) Complete() error {
	return o.Store.Complete()
}

// Validate collects every option group error into one.
func (o *Options) Validate() error {
	var errs []error
	errs = append(errs, o.Store.Validate()...)
	errs = append(errs, o.Session.Validate()...)
	errs = append(errs, o.Server.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return errors.Join(errs...)
}
