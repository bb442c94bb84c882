package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/davidahmann/arcana/pkg/types"
)

func replayCmd(opts *globalOptions) *cobra.Command {
	var verify, jsonOut bool
	cmd := &cobra.Command{
		Use:   "replay <decision_id>",
		Short: "Generate a replay artifact for a decision",
		Args:  exactArgs(1, "<decision_id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(opts)
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			var replay types.ReplayArtifact
			raw, err := client.call(ctx, http.MethodPost, "/v1/ael/replay/"+url.PathEscape(args[0]), nil, &replay)
			if err != nil {
				return err
			}
			if jsonOut && !verify {
				return writeIndented(out, raw)
			}
			if !jsonOut {
				fmt.Fprintf(out, "replay_id=%s decision_id=%s decision=%s risk_score=%.2f\n",
					replay.ReplayID, replay.DecisionID, replay.Outputs.Decision, replay.Outputs.RiskScore)
				if replay.BundleURL != "" {
					fmt.Fprintf(out, "bundle_url=%s\n", replay.BundleURL)
				}
			}
			if !verify {
				return nil
			}

			var result types.ReplayVerification
			raw, err = client.call(ctx, http.MethodGet, "/v1/ael/replay/"+url.PathEscape(replay.ReplayID)+"/verify", nil, &result)
			if err != nil {
				return err
			}
			if jsonOut {
				if err := writeIndented(out, raw); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "match=%t\n", result.Match)
				for _, m := range result.Mismatches {
					fmt.Fprintf(out, "mismatch %s\n", m)
				}
			}
			if !result.Match {
				return fmt.Errorf("replay %s does not match decision %s", result.ReplayID, result.DecisionID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "re-evaluate the replay and compare outputs")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print raw JSON responses")
	return cmd
}

func diffCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "diff <baseline_decision_id> <candidate_decision_id>",
		Short: "Compare two decisions and their environments",
		Args:  exactArgs(2, "<baseline_decision_id> <candidate_decision_id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{
				"baseline_decision_id":  args[0],
				"candidate_decision_id": args[1],
			}
			var report types.DiffReport
			raw, err := newAPIClient(opts).call(cmd.Context(), http.MethodPost, "/v1/ael/diff", req, &report)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeIndented(out, raw)
			}
			fmt.Fprintln(out, report.Summary)
			delta := report.Changes.DecisionDelta
			fmt.Fprintf(out, "decision %s -> %s changed=%t\n", delta.Baseline, delta.Candidate, delta.Changed)
			fmt.Fprintf(out, "policy_changed=%t code_version=%s\n", report.EnvChange.PolicyChanged, report.EnvChange.CodeVersion)
			for _, r := range report.Changes.RationaleDelta {
				switch {
				case r.BaselineValue != nil:
					fmt.Fprintf(out, "- %s\n", *r.BaselineValue)
				case r.CandidateValue != nil:
					fmt.Fprintf(out, "+ %s\n", *r.CandidateValue)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw diff report")
	return cmd
}

func decisionsCmd(opts *globalOptions) *cobra.Command {
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recent decisions for the merchant",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return usageError{fmt.Errorf("--limit must not be negative")}
			}
			path := "/v1/ael/decisions"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			var payload struct {
				Decisions []types.Decision `json:"decisions"`
			}
			raw, err := newAPIClient(opts).call(cmd.Context(), http.MethodGet, path, nil, &payload)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeIndented(out, raw)
			}
			if len(payload.Decisions) == 0 {
				fmt.Fprintln(out, "no decisions")
				return nil
			}
			for _, d := range payload.Decisions {
				fmt.Fprintf(out, "%s\t%s\t%.2f\t%s\n", d.DecisionID, d.Output.Decision, d.Output.RiskScore, d.CreatedAt)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum decisions to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw response")
	return cmd
}
