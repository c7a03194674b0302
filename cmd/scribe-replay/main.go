// Command scribe-replay folds a recorded assistant stream (SSE or JSON lines) through the
// turn lifecycle and prints the resulting transcript.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/scribe/internal/lifecycle"
	"github.com/MikeSquared-Agency/scribe/internal/message"
	"github.com/MikeSquared-Agency/scribe/internal/stream"
	"github.com/MikeSquared-Agency/scribe/internal/transcript"
)

const draftKey = "draft:replay"

type options struct {
	conversationID string
	prompt         string
	format         string
	verbose        bool
}

// result is what gets printed.
type result struct {
	ConversationID string            `json:"conversation_id"`
	Outcome        string            `json:"outcome"`
	Error          string            `json:"error,omitempty"`
	Notices        []string          `json:"notices,omitempty"`
	Messages       []message.Message `json:"messages"`
}

// notices collects soft errors and failure toasts.
type notices []string

func (n *notices) Error(_ context.Context, msg string) { *n = append(*n, msg) }

// router remembers the conversation a finalized turn navigated to.
type router struct{ id string }

func (r *router) NavigateToConversation(id string) { r.id = id }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "scribe-replay [file]",
		Short: "Replay a recorded assistant stream and print the transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != "json" && opts.format != "text" {
				return fmt.Errorf("unknown format %q", opts.format)
			}
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open recording: %w", err)
				}
				defer f.Close()
				in = f
			}
			return replay(cmd.Context(), in, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.conversationID, "conversation", "c", "", "conversation id the turn belongs to (empty for a new chat)")
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "(replayed)", "user message recorded for the turn")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "json", "output format: json or text")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log lifecycle steps to stderr")
	return cmd
}

func replay(ctx context.Context, in io.Reader, out io.Writer, opts options) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read recording: %w", err)
	}

	ts := transcript.NewStore()
	var n notices
	r := &router{}
	ctrl := lifecycle.New(lifecycle.Deps{
		Transcript: ts,
		Router:     r,
		Notifier:   &n,
		DraftKey:   draftKey,
	})

	res := result{ConversationID: opts.conversationID, Outcome: "completed"}
	if runErr := ctrl.Run(ctx, &stream.ReplayTransport{Data: data}, opts.conversationID, opts.prompt); runErr != nil {
		res.Outcome = "failed"
		res.Error = runErr.Error()
	}
	if r.id != "" {
		res.ConversationID = r.id
	}

	key := res.ConversationID
	if key == "" {
		key = draftKey
	}
	res.Messages = ts.Messages(key)
	res.Notices = n

	if opts.format == "text" {
		_, err := io.WriteString(out, transcript.Render(res.Messages))
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
