// Command waitlist-cli is the operator tool for dispatching a cancel/resume
// job directly, bypassing outreach and upstream job assignment (spec §3
// "operator-dispatched job"). Command structure follows
// cmd/slurm-cli/main.go's flat cobra tree: one root command, one
// global-flag set, and leaf subcommands that build a client and print a
// result, rather than a deeply nested command hierarchy.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/unsaltedbutter/waitlist/internal/config"
	"github.com/unsaltedbutter/waitlist/internal/discovery"
	"github.com/unsaltedbutter/waitlist/internal/jobs"
	"github.com/unsaltedbutter/waitlist/internal/messaging"
	"github.com/unsaltedbutter/waitlist/internal/model"
	"github.com/unsaltedbutter/waitlist/internal/session"
	"github.com/unsaltedbutter/waitlist/internal/store"
	"github.com/unsaltedbutter/waitlist/internal/telemetry"
	"github.com/unsaltedbutter/waitlist/internal/upstream"
)

var (
	version = "dev"

	userNpub        string
	serviceID       string
	actionFlag      string
	credentialFlags []string
	planID          string
	planDisplayName string

	rootCmd = &cobra.Command{
		Use:     "waitlist-cli",
		Short:   "Operator tool for the subscription cancel/resume waitlist",
		Version: version,
	}

	dispatchCmd = &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch a cancel/resume job directly, bypassing outreach",
		RunE:  runDispatch,
	}
)

func init() {
	dispatchCmd.Flags().StringVar(&userNpub, "user", "", "target user's npub (required)")
	dispatchCmd.Flags().StringVar(&serviceID, "service", "", "service catalog id, e.g. netflix (required)")
	dispatchCmd.Flags().StringVar(&actionFlag, "action", string(model.ActionCancel), "cancel or resume")
	dispatchCmd.Flags().StringArrayVar(&credentialFlags, "credential", nil, "name=value credential pair, repeatable")
	dispatchCmd.Flags().StringVar(&planID, "plan-id", "", "plan id, if known")
	dispatchCmd.Flags().StringVar(&planDisplayName, "plan-name", "", "human-readable plan name, if known")
	_ = dispatchCmd.MarkFlagRequired("user")
	_ = dispatchCmd.MarkFlagRequired("service")

	rootCmd.AddCommand(dispatchCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	action := model.Action(actionFlag)
	if action != model.ActionCancel && action != model.ActionResume {
		return fmt.Errorf("waitlist-cli: --action must be %q or %q", model.ActionCancel, model.ActionResume)
	}

	credentials, err := parseCredentials(credentialFlags)
	if err != nil {
		return err
	}

	cfg, err := config.Load(envOr("WAITLIST_SHARED_ENV_FILE", ".env"), envOr("WAITLIST_CLI_ENV_FILE", ".env.waitlist-cli"))
	if err != nil {
		return fmt.Errorf("waitlist-cli: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("waitlist-cli: invalid config: %w", err)
	}

	logger := telemetry.New("waitlist-cli")

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("waitlist-cli: open store: %w", err)
	}
	defer st.Close()

	upstreamClient := upstream.New(cfg.UpstreamBaseURL, cfg.HMACSecret, logger)

	pool, err := discovery.NewWorkerPool(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("waitlist-cli: discovery pool: %w", err)
	}
	workerClient := jobs.NewWorkerClient(pool, cfg.HMACSecret, logger)

	transport := messaging.New(cfg.MessagingRelays, st, logger)
	sess := session.New(st, upstreamClient, workerClient, session.PassthroughDecryptor{}, transport, cfg, logger)

	jobID := model.CLIJobPrefix + uuid.New().String()
	ctx := context.Background()
	if err := sess.HandleCLIDispatch(ctx, userNpub, serviceID, action, credentials, jobID, planID, planDisplayName); err != nil {
		return fmt.Errorf("waitlist-cli: dispatch failed: %w", err)
	}

	fmt.Printf("dispatched job %s for %s (%s %s)\n", jobID, userNpub, action, serviceID)
	return nil
}

func parseCredentials(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("waitlist-cli: --credential %q must be name=value", pair)
		}
		out[name] = value
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
