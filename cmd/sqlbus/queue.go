package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sqlbus/sqlbus/internal/dbconn"
	"github.com/sqlbus/sqlbus/internal/logging"
	"github.com/sqlbus/sqlbus/internal/transport"
)

// queueManifest is the YAML shape consumed by `queue apply`.
type queueManifest struct {
	Queues []struct {
		Name        string `yaml:"name"`
		OrderingKey bool   `yaml:"orderingKey"`
	} `yaml:"queues"`
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue table lifecycle",
	}

	var orderingKey bool
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a queue table and its indexes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			tr, err := transport.New(ctx, provider, transport.Options{OrderingKeyEnabled: orderingKey})
			if err != nil {
				return err
			}
			defer tr.Close()
			if err := tr.CreateQueue(ctx, args[0]); err != nil {
				return err
			}
			logging.Default().Info("queue created", "queue", args[0])
			return nil
		},
	}
	create.Flags().BoolVar(&orderingKey, "ordering-key", false, "add the ordering_key column and index")

	var manifestPath string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Create every queue named in a YAML manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(manifestPath)
			if err != nil {
				return err
			}
			var manifest queueManifest
			if err := yaml.Unmarshal(raw, &manifest); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			if len(manifest.Queues) == 0 {
				return fmt.Errorf("manifest %s names no queues", manifestPath)
			}

			ctx := cmd.Context()
			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			for _, q := range manifest.Queues {
				tr, err := transport.New(ctx, provider, transport.Options{OrderingKeyEnabled: q.OrderingKey})
				if err != nil {
					return err
				}
				err = tr.CreateQueue(ctx, q.Name)
				_ = tr.Close()
				if err != nil {
					return err
				}
				logging.Default().Info("queue created", "queue", q.Name)
			}
			return nil
		},
	}
	apply.Flags().StringVarP(&manifestPath, "file", "f", "", "queue manifest (required)")
	_ = apply.MarkFlagRequired("file")

	drop := &cobra.Command{
		Use:   "drop NAME",
		Short: "Drop a queue table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			table, err := dbconn.ParseTableName(args[0])
			if err != nil {
				return err
			}
			conn, err := provider.Open(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			if _, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+table.Qualified()); err != nil {
				return err
			}
			if err := conn.Complete(ctx); err != nil {
				return err
			}
			logging.Default().Info("queue dropped", "queue", args[0])
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats NAME",
		Short: "Show queue depth and lease counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			table, err := dbconn.ParseTableName(args[0])
			if err != nil {
				return err
			}
			conn, err := provider.Open(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			var total, leased, expired, deferred int64
			err = conn.QueryRowContext(ctx, fmt.Sprintf(`
				SELECT COUNT(*),
				       COALESCE(SUM(leased_until IS NOT NULL AND leased_until > NOW(6)), 0),
				       COALESCE(SUM(expiration <= NOW(6)), 0),
				       COALESCE(SUM(visible > NOW(6)), 0)
				FROM %s`, table.Qualified())).Scan(&total, &leased, &expired, &deferred)
			if err != nil {
				return err
			}
			if err := conn.Complete(ctx); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"queue %s\n  total    %d\n  leased   %d\n  deferred %d\n  expired  %d\n",
				args[0], total, leased, deferred, expired)
			return nil
		},
	}

	purge := &cobra.Command{
		Use:   "purge NAME",
		Short: "Delete every message in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			table, err := dbconn.ParseTableName(args[0])
			if err != nil {
				return err
			}
			conn, err := provider.Open(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			res, err := conn.ExecContext(ctx, "DELETE FROM "+table.Qualified())
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			if err := conn.Complete(ctx); err != nil {
				return err
			}
			logging.Default().Info("queue purged", "queue", args[0], "deleted", n)
			return nil
		},
	}

	cmd.AddCommand(create, apply, drop, stats, purge)
	return cmd
}
