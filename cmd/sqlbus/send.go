package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sqlbus/sqlbus/internal/logging"
	"github.com/sqlbus/sqlbus/internal/timeparsing"
	"github.com/sqlbus/sqlbus/internal/transport"
	"github.com/sqlbus/sqlbus/internal/txscope"
)

func sendCmd() *cobra.Command {
	var (
		body     string
		headers  []string
		priority int
		deferTo  string
		ttl      string
	)

	cmd := &cobra.Command{
		Use:   "send QUEUE",
		Short: "Send one message to a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			msg := &transport.Message{
				Headers: map[string]string{
					transport.HeaderMessageID: uuid.NewString(),
				},
				Body: []byte(body),
			}
			for _, h := range headers {
				k, v, ok := strings.Cut(h, "=")
				if !ok {
					return fmt.Errorf("header %q is not key=value", h)
				}
				msg.Headers[k] = v
			}
			if priority != 0 {
				msg.Headers[transport.HeaderPriority] = strconv.Itoa(priority)
			}
			if deferTo != "" {
				until, err := timeparsing.ParseInstant(time.Now(), deferTo)
				if err != nil {
					return err
				}
				msg.Headers[transport.HeaderDeferredUntil] = until.Format(time.RFC3339Nano)
			}
			if ttl != "" {
				d, err := timeparsing.ParseTTL(ttl)
				if err != nil {
					return err
				}
				msg.Headers[transport.HeaderTimeToBeReceived] = d.String()
			}

			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			tr, err := transport.New(ctx, provider, transport.Options{})
			if err != nil {
				return err
			}
			defer tr.Close()

			scope := txscope.New()
			defer func() { _ = scope.Dispose(ctx) }()
			if err := tr.Send(ctx, args[0], msg, scope); err != nil {
				return err
			}
			if err := scope.Complete(ctx); err != nil {
				return err
			}
			logging.Default().Info("message sent",
				"queue", args[0], "id", msg.Headers[transport.HeaderMessageID])
			return nil
		},
	}

	cmd.Flags().StringVar(&body, "body", "", "message body")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "extra header key=value (repeatable)")
	cmd.Flags().IntVar(&priority, "priority", 0, "delivery priority, higher first")
	cmd.Flags().StringVar(&deferTo, "defer", "", `deliver no earlier than ("in 5 minutes", "+1d", RFC3339)`)
	cmd.Flags().StringVar(&ttl, "ttl", "", `discard if undelivered after ("48h", "2d")`)
	return cmd
}

func receiveCmd() *cobra.Command {
	var nack bool

	cmd := &cobra.Command{
		Use:   "receive QUEUE",
		Short: "Poll one message (ack by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, err := openProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			tr, err := transport.New(ctx, provider, transport.Options{InputQueueName: args[0]})
			if err != nil {
				return err
			}
			defer tr.Close()

			scope := txscope.New()
			defer func() { _ = scope.Dispose(ctx) }()

			msg, err := tr.Receive(ctx, scope)
			if err != nil {
				return err
			}
			if msg == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no message")
				return nil
			}

			for k, v := range msg.Headers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, v)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", msg.Body)

			if nack {
				return scope.Abort(ctx)
			}
			return scope.Complete(ctx)
		},
	}

	cmd.Flags().BoolVar(&nack, "nack", false, "release the message back to the queue instead of acking")
	return cmd
}
