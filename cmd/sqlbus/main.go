// Command sqlbus is the operator tool for the MySQL message-bus
// persistence layer: queue lifecycle, ad-hoc sends and receives, lock
// administration, and sweeps.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/sqlbus/sqlbus/internal/dbconn"
	"github.com/sqlbus/sqlbus/internal/logging"
	"github.com/sqlbus/sqlbus/internal/telemetry"
)

var (
	cfgFile     string
	watchConfig bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		logging.Default().Error(err.Error())
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sqlbus",
		Short:         "MySQL message-bus persistence administration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initConfig(); err != nil {
				return err
			}
			initLogging()
			return initTelemetry(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.sqlbus.yaml)")
	root.PersistentFlags().BoolVar(&watchConfig, "watch-config", false, "reload config on change")
	root.PersistentFlags().String("dsn", "", "MySQL DSN (env SQLBUS_DSN)")
	root.PersistentFlags().String("log-level", "info", "debug|info|warn|error")
	root.PersistentFlags().String("isolation", "repeatable-read", "transaction isolation level")
	_ = viper.BindPFlag("dsn", root.PersistentFlags().Lookup("dsn"))
	_ = viper.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("isolation", root.PersistentFlags().Lookup("isolation"))

	root.AddCommand(queueCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(receiveCmd())
	root.AddCommand(lockCmd())
	return root
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".sqlbus")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("SQLBUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if watchConfig {
		viper.OnConfigChange(func(e fsnotify.Event) {
			initLogging()
			logging.Default().Info("config reloaded", "file", e.Name)
		})
		viper.WatchConfig()
	}
	return nil
}

func initLogging() {
	cfg := logging.DefaultConfig()
	cfg.Level = viper.GetString("log-level")
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		// Plain timestamps for captured output.
		cfg.TimeFormat = "2006-01-02T15:04:05"
	}
	logging.SetDefault(logging.New(cfg))
}

func initTelemetry(ctx context.Context) error {
	if !viper.GetBool("telemetry.stdout") && viper.GetString("telemetry.otlp-endpoint") == "" {
		return nil
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:        "sqlbus",
		Stdout:             viper.GetBool("telemetry.stdout"),
		OTLPMetricEndpoint: viper.GetString("telemetry.otlp-endpoint"),
	})
	if err != nil {
		return err
	}
	cobra.OnFinalize(func() {
		_ = shutdown(context.Background())
	})
	return nil
}

// openProvider builds the shared connection provider from config.
func openProvider(ctx context.Context) (*dbconn.Provider, error) {
	dsn := viper.GetString("dsn")
	if dsn == "" {
		return nil, fmt.Errorf("no DSN configured: pass --dsn or set SQLBUS_DSN")
	}
	iso, err := parseIsolation(viper.GetString("isolation"))
	if err != nil {
		return nil, err
	}
	return dbconn.NewProvider(ctx, dbconn.Options{DSN: dsn, Isolation: iso})
}

func parseIsolation(s string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "repeatable-read":
		return sql.LevelRepeatableRead, nil
	case "read-committed":
		return sql.LevelReadCommitted, nil
	case "read-uncommitted":
		return sql.LevelReadUncommitted, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("unknown isolation level %q", s)
	}
}
