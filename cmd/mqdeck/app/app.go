// Package app wires the mqdeck command tree.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mqdeck-io/mqdeck/cmd/mqdeck/app/options"
	"github.com/mqdeck-io/mqdeck/internal/registry"
	"github.com/mqdeck-io/mqdeck/internal/server"
	"github.com/mqdeck-io/mqdeck/internal/session"
	"github.com/mqdeck-io/mqdeck/internal/store"
	"github.com/mqdeck-io/mqdeck/pkg/log"
)

const (
	commandName = "mqdeck"
	commandDesc = `mqdeck manages MQTT broker connection profiles and drives live
sessions over a local HTTP API: connect, subscribe, publish and inspect
the message stream of each configured broker.`
)

// NewCommand builds the root command with its subcommands.
func NewCommand() *cobra.Command {
	opts := options.NewOptions()
	var cfgFile string

	cmd := &cobra.Command{
		Use:           commandName,
		Short:         "MQTT connection deck",
		Long:          commandDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cfgFile, cmd, opts); err != nil {
				return err
			}
			if err := opts.Complete(); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			log.Init(opts.Log)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: <user config dir>/mqdeck/config.yaml).")
	opts.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newConnectionsCommand(opts))
	return cmd
}

// loadConfig layers the config file under the command-line flags: flags
// given explicitly win, file values fill in the rest.
func loadConfig(cfgFile string, cmd *cobra.Command, opts *options.Options) error {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		dir, err := os.UserConfigDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(dir, "mqdeck"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && (errors.As(err, &notFound) || os.IsNotExist(err)) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(opts); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func newServeCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API in front of the configured connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
}

func runServe(opts *options.Options) error {
	logger := log.Default()

	st := store.New(opts.Store.Path, logger)
	reg := registry.New(st, session.Options{
		FlushInterval: opts.Session.FlushInterval,
		Logger:        logger,
	}, logger)
	defer reg.Close()

	srv := server.New(opts.Server, reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	g.Go(func() error {
		return st.Watch(ctx, func() {
			logger.Info("connections file changed, new profiles are picked up on next use")
		})
	})

	logger.Info("mqdeck serving", "store", opts.Store.Path, "addr", opts.Server.Addr)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newConnectionsCommand(opts *options.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conn"},
		Short:   "Manage persisted connection profiles",
	}
	cmd.AddCommand(newConnectionsListCommand(opts))
	cmd.AddCommand(newConnectionsAddCommand(opts))
	cmd.AddCommand(newConnectionsRemoveCommand(opts))
	return cmd
}

func newConnectionsListCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connection profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := store.New(opts.Store.Path, log.Default())
			cfgs, err := st.Load()
			if err != nil {
				return err
			}
			store.SortByName(cfgs)

			table := uitable.New()
			table.AddRow("ID", "NAME", "BROKER", "PROTOCOL", "QOS", "TLS")
			for _, cfg := range cfgs {
				table.AddRow(cfg.ID, cfg.Name, cfg.Addr(), cfg.Protocol, cfg.QoS.String(), cfg.TLS)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func newConnectionsAddCommand(opts *options.Options) *cobra.Command {
	var cfg session.Config
	var qos uint8

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a connection profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.QoS = session.QoS(qos)
			st := store.New(opts.Store.Path, log.Default())
			stored, err := st.Add(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s (%s)\n", stored.Name, stored.ID)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.Name, "name", "", "Profile name.")
	fs.StringVar(&cfg.Host, "host", "", "Broker host.")
	fs.Uint16Var(&cfg.Port, "port", 0, "Broker port (default 1883, or 8883 with TLS).")
	fs.StringVar(&cfg.Protocol, "protocol", "mqtt", "Transport scheme, mqtt or mqtts.")
	fs.StringVar(&cfg.ClientID, "client-id", "", "MQTT client identifier.")
	fs.StringVar(&cfg.Username, "username", "", "Broker username.")
	fs.StringVar(&cfg.Password, "password", "", "Broker password.")
	fs.BoolVar(&cfg.TLS, "tls", false, "Enable TLS.")
	fs.Uint8Var(&qos, "qos", 0, "Default publish QoS (0, 1 or 2).")
	fs.BoolVar(&cfg.CleanSession, "clean-session", true, "Request a clean session.")

	cobra.CheckErr(cmd.MarkFlagRequired("name"))
	cobra.CheckErr(cmd.MarkFlagRequired("host"))
	return cmd
}

func newConnectionsRemoveCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a connection profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := store.New(opts.Store.Path, log.Default())
			if err := st.RemoveByID(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}
