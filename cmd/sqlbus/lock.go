package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sqlbus/sqlbus/internal/exclusivelock"
	"github.com/sqlbus/sqlbus/internal/logging"
)

func lockCmd() *cobra.Command {
	var tableName string

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Distributed lock administration",
	}
	cmd.PersistentFlags().StringVar(&tableName, "table", "bus_locks", "locks table name")

	newService := func(cmd *cobra.Command) (*exclusivelock.Service, func(), error) {
		ctx := cmd.Context()
		provider, err := openProvider(ctx)
		if err != nil {
			return nil, nil, err
		}
		svc, err := exclusivelock.New(ctx, provider, exclusivelock.Options{
			TableName:            tableName,
			EnsureTableIsCreated: true,
		})
		if err != nil {
			provider.Close()
			return nil, nil, err
		}
		cleanup := func() {
			_ = svc.Close()
			_ = provider.Close()
		}
		return svc, cleanup, nil
	}

	acquire := &cobra.Command{
		Use:   "acquire KEY",
		Short: "Try to take a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			ok, err := svc.Acquire(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("lock %q is held", args[0])
			}
			logging.Default().Info("lock acquired", "key", args[0])
			return nil
		},
	}

	release := &cobra.Command{
		Use:   "release KEY",
		Short: "Release a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			ok, err := svc.Release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("lock %q was not held", args[0])
			}
			logging.Default().Info("lock released", "key", args[0])
			return nil
		},
	}

	held := &cobra.Command{
		Use:   "held KEY",
		Short: "Check whether a lock is held",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := newService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			ok, err := svc.IsHeld(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ok)
			return nil
		},
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Reap expired locks now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, cleanup, err := newService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			var total int64
			for {
				n, err := svc.SweepExpired(cmd.Context())
				if err != nil {
					return err
				}
				total += n
				if n == 0 {
					break
				}
			}
			logging.Default().Info("expired locks reaped", "count", total)
			return nil
		},
	}

	cmd.AddCommand(acquire, release, held, sweep)
	return cmd
}
