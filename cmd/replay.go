package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/tern/internal/bus"
	"github.com/zjrosen/tern/internal/events"
	"github.com/zjrosen/tern/internal/script"
	"github.com/zjrosen/tern/internal/stream"
)

var replayCmd = &cobra.Command{
	Use:   "replay [scenario.yaml]",
	Short: "Play a scenario headless and print the coordinated transcript",
	Long: `Run the bus and coordinator without the TUI and print each delivered
message, status, and error as a plain line. What comes out is the exact
ordered, duplicate-free sequence any display subscriber would see.

Without an argument the built-in demo scenario is played.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	scenario := script.Demo()
	if len(args) == 1 {
		s, err := script.Load(args[0])
		if err != nil {
			return err
		}
		scenario = s
	}

	b := bus.New(bus.Config{
		DedupWindow:      cfg.Bus.DedupWindow,
		CoalesceInterval: cfg.Bus.CoalesceInterval,
		BufferSize:       cfg.Bus.BufferSize,
	})
	defer b.Close()

	stream.Attach(b, stream.Policy{
		PrefixLen:           cfg.Stream.DuplicatePrefixLen,
		SimilarityThreshold: cfg.Stream.DuplicateSimilarity,
	})

	out := cmd.OutOrStdout()
	printer := transcriptPrinter(out)
	for _, t := range []events.Type{events.Message, events.Status, events.Error, events.TokenUpdate} {
		b.Subscribe(t, printer)
	}

	if err := script.NewPlayer(b).Play(context.Background(), scenario); err != nil {
		return fmt.Errorf("playing scenario: %w", err)
	}

	// Give the dispatch goroutines a moment to drain before Close.
	time.Sleep(100 * time.Millisecond)
	return nil
}

// transcriptPrinter renders delivered events as plain transcript lines.
func transcriptPrinter(out io.Writer) bus.Handler {
	return bus.HandlerFunc(func(ev events.Event) error {
		switch ev.Type {
		case events.Message:
			fmt.Fprintf(out, "%s: %s\n", ev.Message.Role, ev.Message.Content)
		case events.Status:
			fmt.Fprintf(out, "[status] %s\n", ev.Status.StatusType)
		case events.Error:
			fmt.Fprintf(out, "[error] %s\n", ev.Error.Message)
		case events.TokenUpdate:
			fmt.Fprintf(out, "[tokens] in=%d out=%d\n",
				ev.Tokens.InputTokens, ev.Tokens.OutputTokens)
		}
		return nil
	})
}
