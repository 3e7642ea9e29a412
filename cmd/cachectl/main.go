// Command cachectl is an operator CLI for a running subscription validator.
//
// It talks to the same HTTP routes the bot runtime uses, so it needs the
// service key when the validator has one configured:
//
//	cachectl --addr http://localhost:8080 stats
//	cachectl validate --company 1 --bot 2
//	cachectl batch 1:2 1:3 7:1
//	cachectl clear --company 1 --bot 2
//	cachectl usage --company 1
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"subvalidator/internal/external"
	"subvalidator/internal/types"
)

// Version information (set at build time with -ldflags)
var Version = "dev"

type cliOptions struct {
	addr    string
	apiKey  string
	timeout time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "cachectl",
		Short:         "Inspect and manage the subscription validation cache",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr("VALIDATOR_ADDR", "http://localhost:8080"), "Base URL of the validator")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("SERVICE_API_KEY"), "Service API key (default: $SERVICE_API_KEY)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "Per-command timeout")

	root.AddCommand(
		newStatsCmd(opts),
		newValidateCmd(opts),
		newBatchCmd(opts),
		newClearCmd(opts),
		newUsageCmd(opts),
	)
	return root
}

func newStatsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache size, keys and entry ages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(ctx context.Context, c *external.ValidatorClient) (json.RawMessage, error) {
				return c.Stats(ctx)
			})
		},
	}
}

func newValidateCmd(opts *cliOptions) *cobra.Command {
	var companyID, botID int64
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate one bot of one company",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := types.TenantKey{CompanyID: companyID, BotID: botID}
			return opts.run(cmd, func(ctx context.Context, c *external.ValidatorClient) (json.RawMessage, error) {
				return c.Validate(ctx, key)
			})
		},
	}
	cmd.Flags().Int64Var(&companyID, "company", 0, "Company ID")
	cmd.Flags().Int64Var(&botID, "bot", 0, "Bot ID")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("bot")
	return cmd
}

func newBatchCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "batch COMPANY:BOT...",
		Short: "Validate several tenants in one request",
		Example: `  # Validate three bots across two companies
  cachectl batch 1:2 1:3 7:1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]types.TenantKey, 0, len(args))
			for _, arg := range args {
				key, err := parseTenantArg(arg)
				if err != nil {
					return err
				}
				keys = append(keys, key)
			}
			return opts.run(cmd, func(ctx context.Context, c *external.ValidatorClient) (json.RawMessage, error) {
				return c.ValidateBatch(ctx, keys)
			})
		},
	}
}

func newClearCmd(opts *cliOptions) *cobra.Command {
	var companyID, botID int64
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear one cache entry, or the whole cache when no tenant is given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var key *types.TenantKey
			switch {
			case companyID != 0 && botID != 0:
				key = &types.TenantKey{CompanyID: companyID, BotID: botID}
			case companyID != 0 || botID != 0:
				return fmt.Errorf("--company and --bot must be given together")
			}
			return opts.run(cmd, func(ctx context.Context, c *external.ValidatorClient) (json.RawMessage, error) {
				return c.Clear(ctx, key)
			})
		},
	}
	cmd.Flags().Int64Var(&companyID, "company", 0, "Company ID")
	cmd.Flags().Int64Var(&botID, "bot", 0, "Bot ID")
	return cmd
}

func newUsageCmd(opts *cliOptions) *cobra.Command {
	var companyID int64
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show the storage and user usage report for a company",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(ctx context.Context, c *external.ValidatorClient) (json.RawMessage, error) {
				return c.Usage(ctx, companyID)
			})
		},
	}
	cmd.Flags().Int64Var(&companyID, "company", 0, "Company ID")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

// run builds a client from the persistent flags, performs call and prints
// the indented response body.
func (o *cliOptions) run(cmd *cobra.Command, call func(context.Context, *external.ValidatorClient) (json.RawMessage, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	base := external.NewBaseClient(&http.Client{Timeout: o.timeout}, "cachectl", external.DefaultRetryPolicy(), "cachectl/"+Version)
	client := external.NewValidatorClient(base, o.addr, types.SecretString(o.apiKey))

	raw, err := call(ctx, client)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(raw)
	}
	pretty.WriteByte('\n')
	_, err = cmd.OutOrStdout().Write(pretty.Bytes())
	return err
}

// parseTenantArg parses "COMPANY:BOT".
func parseTenantArg(arg string) (types.TenantKey, error) {
	company, bot, ok := strings.Cut(arg, ":")
	if !ok {
		return types.TenantKey{}, fmt.Errorf("invalid tenant %q: expected COMPANY:BOT", arg)
	}
	companyID, err := strconv.ParseInt(company, 10, 64)
	if err != nil {
		return types.TenantKey{}, fmt.Errorf("invalid company id in %q: %w", arg, err)
	}
	botID, err := strconv.ParseInt(bot, 10, 64)
	if err != nil {
		return types.TenantKey{}, fmt.Errorf("invalid bot id in %q: %w", arg, err)
	}
	return types.TenantKey{CompanyID: companyID, BotID: botID}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
