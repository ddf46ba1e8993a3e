package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/haukened/sbguard/internal/sb/common/log"
	"github.com/haukened/sbguard/internal/sb/config"
	"github.com/haukened/sbguard/internal/sb/domain"
)

// loadConfig reads the environment and configures global logging.
// It can be mocked in tests.
var loadConfig = func() (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := log.Configure(cfg.Env, cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("logging configuration error: %w", err)
	}
	return cfg, nil
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "sbguardd: URL reputation checks against locally synced threat lists",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Version = version
	cmd.SetVersionTemplate(appName + " {{.Version}}\n")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newFilterCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Sync threat lists and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log.Info(map[string]any{
				"version":   version,
				"env":       cfg.Env,
				"log_level": cfg.Log.Level,
				"listen":    cfg.HTTP.Listen,
				"store":     cfg.Store.Path,
				"enabled":   cfg.Enabled,
			}, "Starting sbguard daemon")

			app, err := buildApplication(cfg)
			if err != nil {
				return err
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			log.Info(nil, "sbguard daemon stopped gracefully")
			return nil
		},
	}
}

// resultClient hands an asynchronous verdict to the waiting command.
type resultClient struct {
	verdicts chan domain.Verdict
}

func (c *resultClient) OnCheckResult(_ string, verdict domain.Verdict) {
	select {
	case c.verdicts <- verdict:
	default:
	}
}

type checkOutput struct {
	URL      string `json:"url"`
	Verdict  string `json:"verdict"`
	Async    bool   `json:"async"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

func newCheckCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check <url>",
		Short: "Check a single URL against the local store and the feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := buildApplication(cfg)
			if err != nil {
				return err
			}
			out, err := runCheck(cmd.Context(), app, args[0], timeout)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for a verdict before reporting safe")
	return cmd
}

// runCheck performs one check with a started coordinator and stops it afterwards.
// Failures of any stage resolve safe, like the daemon does.
func runCheck(ctx context.Context, app *Application, rawURL string, timeout time.Duration) (out checkOutput, err error) {
	out = checkOutput{URL: rawURL, Verdict: domain.VerdictSafe.String()}
	if startErr := app.coordinator.Start(ctx); startErr != nil {
		log.Warn(map[string]any{"error": startErr}, "Coordinator started degraded; checks fail open")
	}
	defer func() {
		err = multierr.Append(err, app.coordinator.Stop())
	}()

	cl := &resultClient{verdicts: make(chan domain.Verdict, 1)}
	if app.coordinator.CheckURL(rawURL, cl) {
		return out, nil
	}
	out.Async = true

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-cl.verdicts:
		out.Verdict = v.String()
	case <-timer.C:
		app.coordinator.CancelCheck(cl)
		out.TimedOut = true
	case <-ctx.Done():
		app.coordinator.CancelCheck(cl)
		return out, ctx.Err()
	}
	return out, nil
}

type filterOutput struct {
	Available  bool    `json:"available"`
	Bits       uint32  `json:"bits"`
	HashKeys   int     `json:"hash_keys"`
	SetBits    uint    `json:"set_bits"`
	FPRate     float64 `json:"estimated_false_positive_rate"`
	Lists      int     `json:"lists"`
	AddChunks  int     `json:"add_chunks"`
	SubChunks  int     `json:"sub_chunks"`
	Prefixes   int     `json:"prefixes"`
	LastUpdate string  `json:"last_update,omitempty"`
}

func newFilterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "filter",
		Short: "Load the bloom filter and print filter and store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Inspecting must not pull updates.
			cfg.Feed.URL, cfg.Feed.Dir = "", ""
			app, err := buildApplication(cfg)
			if err != nil {
				return err
			}
			out, err := runFilter(cmd.Context(), app)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), out)
		},
	}
}

func runFilter(ctx context.Context, app *Application) (out filterOutput, err error) {
	// Store stats are read before Start hands the store to the coordinator.
	st := app.store.Stats()
	out.Lists = st.Lists
	out.AddChunks = st.AddChunks
	out.SubChunks = st.SubChunks
	out.Prefixes = st.Prefixes
	if !st.LastUpdate.IsZero() {
		out.LastUpdate = st.LastUpdate.UTC().Format(time.RFC3339)
	}

	if startErr := app.coordinator.Start(ctx); startErr != nil {
		err = startErr
	}
	cs := app.coordinator.Stats()
	out.Available = cs.Available
	if cs.Filter != nil {
		out.Bits = cs.Filter.Bits
		out.HashKeys = cs.Filter.HashKeys
		out.SetBits = cs.Filter.SetBits
		out.FPRate = cs.Filter.FalsePositiveRate
	}
	return out, multierr.Append(err, app.coordinator.Stop())
}

func writeOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
