// Package cli implements submitctl, the command-line Job Submitter.
package cli

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"submission-orchestrator/internal/client"
	"submission-orchestrator/internal/models"
	"submission-orchestrator/internal/submitter"
)

// Exit codes for the distinct workflow outcomes.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitFailed      = 2
	ExitLost        = 3
	ExitSoftTimeout = 4
)

type options struct {
	server      string
	agent       string
	interval    time.Duration
	maxAttempts int
	pollTimeout time.Duration
	verbose     bool
}

func (o *options) client(cmd *cobra.Command) *client.Client {
	return client.New(o.server, o.agent, nil, o.logger(cmd))
}

func (o *options) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (o *options) pollConfig() submitter.Config {
	cfg := submitter.DefaultConfig()
	cfg.Interval = o.interval
	cfg.MaxAttempts = o.maxAttempts
	cfg.PollTimeout = o.pollTimeout
	return cfg
}

// NewRootCmd builds the submitctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}
	def := submitter.DefaultConfig()

	root := &cobra.Command{
		Use:           "submitctl",
		Short:         "Submit applications to government portals through the submission service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("SUBMIT_SERVER", "http://localhost:8080"), "submission service base URL")
	root.PersistentFlags().StringVar(&opts.agent, "agent", envOr("SUBMIT_AGENT", hostname()), "agent id sent for rate limiting")
	root.PersistentFlags().DurationVar(&opts.interval, "interval", def.Interval, "status poll interval")
	root.PersistentFlags().IntVar(&opts.maxAttempts, "max-attempts", def.MaxAttempts, "status polls before giving up with a soft timeout")
	root.PersistentFlags().DurationVar(&opts.pollTimeout, "poll-timeout", def.PollTimeout, "timeout for a single status request")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging to stderr")

	root.AddCommand(
		newSubmitCmd(opts),
		newConfirmCmd(opts),
		newRestartAuthCmd(opts),
		newEnqueueCmd(opts),
		newStatusCmd(opts),
		newWatchCmd(opts),
		newRunCmd(opts),
		newListCmd(opts),
	)
	return root
}

// ExitCode maps a command error onto the process exit status.
func ExitCode(err error) int {
	var we *models.WorkerError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &we):
		return ExitFailed
	case errors.Is(err, submitter.ErrLostJob):
		return ExitLost
	case errors.Is(err, submitter.ErrSoftTimeout):
		return ExitSoftTimeout
	default:
		return ExitError
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "submitctl"
	}
	return h
}
