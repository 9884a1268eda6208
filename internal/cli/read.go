package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/roach88/projmgr/internal/store"
	"github.com/roach88/projmgr/internal/stream"
)

// ReadOptions holds flags for the read command.
type ReadOptions struct {
	*RootOptions
	From  int64
	Count int
}

// ReadEvent is one stream event as printed by read.
type ReadEvent struct {
	Number   int64     `json:"number"`
	Position int64     `json:"position"`
	Type     string    `json:"type"`
	Data     string    `json:"data,omitempty"`
	Encoding string    `json:"encoding,omitempty"` // "base64" when Data is not UTF-8
	Created  time.Time `json:"created"`
}

// ReadResult holds the events read from one stream.
type ReadResult struct {
	Stream string      `json:"stream"`
	Events []ReadEvent `json:"events"`
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read [stream]",
		Short: "Read events from a stream, or list live streams",
		Long: `Read events from a stream in the local store. Without a stream name, list
every live stream.

Examples:
  projmgr read '$projections-$all'
  projmgr read '$projections-orders-by-day-checkpoint' --from 10 --count 5
  projmgr read --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(opts, args, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 0, "first event number to read")
	cmd.Flags().IntVar(&opts.Count, "count", 100, "maximum number of events")

	return cmd
}

func runRead(opts *ReadOptions, args []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if opts.From < 0 || opts.Count <= 0 {
		return NewExitError(ExitCommandError, "--from must be >= 0 and --count > 0")
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if len(args) == 0 {
		streams, err := st.Streams(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list streams", err)
		}
		if formatter.Format == "json" {
			return formatter.Success(streams)
		}
		for _, name := range streams {
			fmt.Fprintln(formatter.Writer, name)
		}
		return nil
	}

	name := args[0]
	events, err := st.Read(ctx, name, opts.From, opts.Count)
	if err != nil {
		if stream.IsNotFound(err) {
			formatter.Error(ErrCodeGeneric, fmt.Sprintf("stream not found: %s", name), nil)
			return WrapExitError(ExitFailure, "stream not found", err)
		}
		return WrapExitError(ExitFailure, "failed to read stream", err)
	}

	result := ReadResult{Stream: name, Events: make([]ReadEvent, len(events))}
	for i, ev := range events {
		result.Events[i] = toReadEvent(ev)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if len(result.Events) == 0 {
		fmt.Fprintf(formatter.Writer, "No events in %s from %d\n", name, opts.From)
		return nil
	}
	for _, ev := range result.Events {
		fmt.Fprintf(formatter.Writer, "%d@%d %s %s\n", ev.Number, ev.Position, ev.Type, ev.Data)
	}
	return nil
}

func toReadEvent(ev stream.RecordedEvent) ReadEvent {
	out := ReadEvent{
		Number:   ev.Number,
		Position: int64(ev.Position),
		Type:     ev.Type,
		Created:  ev.Created,
	}
	if utf8.Valid(ev.Data) {
		out.Data = string(ev.Data)
	} else {
		out.Data = base64.StdEncoding.EncodeToString(ev.Data)
		out.Encoding = "base64"
	}
	return out
}
