package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/gatekeeper/pkg/auth"
	"github.com/Mindburn-Labs/gatekeeper/pkg/execution"
)

// withEngine opens the runtime against the local data dir for one command.
func (c *cli) withEngine(ctx context.Context, fn func(*execution.Engine) (*execution.Outcome, error)) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	out, err := fn(rt.engine)
	if err != nil {
		return err
	}
	return printJSON(c.stdout, out)
}

func (c *cli) approveCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:     "approve <execution-id>",
		GroupID: "ops",
		Short:   "Approve a suspended execution and resume it",
		Long: `Approve a suspended execution and resume it from its checkpoint.

The plan hash, skills lock hash and captured prestates are re-validated
first; any drift fails with a stale-authorization or corrupted-state error
and nothing runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(e *execution.Engine) (*execution.Outcome, error) {
				return e.Approve(cmd.Context(), args[0], execution.Approval{ApprovedBy: by})
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "operator identity recorded on the approval (required)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func (c *cli) rejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:     "reject <execution-id>",
		GroupID: "ops",
		Short:   "Reject a suspended execution permanently",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(e *execution.Engine) (*execution.Outcome, error) {
				return e.Reject(cmd.Context(), args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the rejection")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status <execution-id>",
		GroupID: "ops",
		Short:   "Show an execution's state",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(e *execution.Engine) (*execution.Outcome, error) {
				return e.Status(cmd.Context(), args[0])
			})
		},
	}
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:     "token",
		GroupID: "ops",
		Short:   "Issue an operator JWT signed with OPERATOR_JWT_SECRET",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cfg.OperatorJWT == "" {
				return errors.New("OPERATOR_JWT_SECRET is not set")
			}
			tok, err := auth.Issue([]byte(cfg.OperatorJWT), cfg.JWTIssuer, subject, roles, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.stdout, tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "operator identity (required)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleApprover}, "roles to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
