package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/payflow/internal/callback"
	"github.com/punchamoorthee/payflow/internal/models"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the settlement tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			if err := e.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run payout expiry, batch timeout and reassignment once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			report, err := e.core().Scheduler.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check every payout for ledger drift and record reconciliation flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			report, err := e.core().Ledger.Audit(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			minScore, _ := cmd.Flags().GetInt("min-score")
			if report.Score < minScore {
				return fmt.Errorf("health score %d below %d", report.Score, minScore)
			}
			return nil
		},
	}
	cmd.Flags().Int("min-score", 0, "Exit non-zero when the health score is below this value")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue or inspect claim tokens",
	}

	issue := &cobra.Command{
		Use:   "issue [vendor] [payout-ref] [amount]",
		Short: "Sign a claim token over a payout amount",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := models.ParseMinor(args[2])
			if err != nil {
				return err
			}
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			ttl, _ := cmd.Flags().GetDuration("ttl")
			key, _ := cmd.Flags().GetString("idempotency-key")
			token, claim, err := e.core().Tokens.Issue(args[0], args[1], amount, ttl, key)
			if err != nil {
				return err
			}
			return printJSON(models.TokenResponse{
				Token:          token,
				IdempotencyKey: claim.IdempotencyKey,
				ExpiresAt:      claim.ExpiresAt(),
			})
		},
	}
	issue.Flags().Duration("ttl", 0, "Token lifetime (default from policy)")
	issue.Flags().String("idempotency-key", "", "Reuse a key instead of generating one")

	verify := &cobra.Command{
		Use:   "verify [token]",
		Short: "Check a claim token's signature and expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			claim, err := e.core().Tokens.Verify(args[0])
			if err != nil {
				return err
			}
			return printJSON(models.ClaimPayload{
				Vendor:         claim.Vendor,
				PayoutRef:      claim.PayoutRef,
				Amount:         models.FormatMinor(claim.Amount),
				IssuedAt:       claim.IssuedAt,
				TTLSeconds:     int64(claim.TTL / time.Second),
				Nonce:          claim.Nonce,
				IdempotencyKey: claim.IdempotencyKey,
			})
		},
	}

	cmd.AddCommand(issue, verify)
	return cmd
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver due vendor callbacks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			sender := callback.NewSender(nil, e.cfg.CallbackSigningKey, e.cfg.Policy.CallbackRatePerSecond, e.log)
			res, err := callback.NewDispatcher(e.store, sender, e.cfg.Policy.CallbackMaxAttempts, e.log).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("delivered=%d retried=%d dead=%d\n", res.Delivered, res.Retried, res.Dead)
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
