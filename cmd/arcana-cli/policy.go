package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/davidahmann/arcana/internal/ledger"
	"github.com/davidahmann/arcana/internal/ledger/sqlstore"
	"github.com/davidahmann/arcana/internal/policy"
	"github.com/davidahmann/arcana/pkg/types"
)

func policyCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with return policies",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return usageError{fmt.Errorf("%s requires a subcommand", cmd.CommandPath())}
		},
	}
	cmd.AddCommand(policyImportCmd(opts))
	return cmd
}

type policyImportOptions struct {
	effectiveAt string
	dbDSN       string
	merchantID  string
}

func policyImportCmd(opts *globalOptions) *cobra.Command {
	local := &policyImportOptions{}
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a policy document",
		Long: `Import a return policy. Text and PDF documents are sent to the gateway
for extraction. YAML documents already spell out the policy fields and are
written straight into a SQLite ledger with --db and --merchant.`,
		Args: exactArgs(1, "<file>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}

			var resp types.PolicyImportResponse
			if loaded.Fields != nil {
				if local.dbDSN == "" || local.merchantID == "" {
					return usageError{fmt.Errorf("yaml policies require --db and --merchant")}
				}
				resp, err = importLocal(cmd.Context(), local, loaded)
			} else {
				req := types.PolicyImportRequest{
					SourceType:    loaded.SourceType,
					SourceContent: loaded.Content,
					EffectiveAt:   local.effectiveAt,
				}
				_, err = newAPIClient(opts).call(cmd.Context(), http.MethodPost, "/v1/policy/import", req, &resp)
			}
			if err != nil {
				return err
			}
			printImport(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&local.effectiveAt, "effective-at", "", "RFC3339 time the policy takes effect")
	cmd.Flags().StringVar(&local.dbDSN, "db", "", "SQLite DSN for importing YAML policies locally")
	cmd.Flags().StringVar(&local.merchantID, "merchant", "", "merchant that owns a locally imported policy")
	return cmd
}

func importLocal(ctx context.Context, opts *policyImportOptions, loaded policy.LoadedFile) (types.PolicyImportResponse, error) {
	store, err := sqlstore.OpenSQLite(opts.dbDSN)
	if err != nil {
		return types.PolicyImportResponse{}, err
	}
	defer store.Close()
	if err := ledger.Migrate(store.DB(), ledger.DBSQLite); err != nil {
		return types.PolicyImportResponse{}, fmt.Errorf("migrate sqlite: %w", err)
	}
	return policy.NewService(store).ImportFields(ctx, opts.merchantID, *loaded.Fields, policy.Source{
		Raw:         []byte(loaded.Content),
		Text:        loaded.Content,
		EffectiveAt: opts.effectiveAt,
		Reviewed:    true,
	})
}

func printImport(w io.Writer, resp types.PolicyImportResponse) {
	fmt.Fprintf(w, "policy_id=%s snapshot_id=%s policy_snapshot_hash=%s requires_review=%t\n",
		resp.PolicyID, resp.SnapshotID, resp.PolicySnapshotHash, resp.RequiresReview)
	if resp.Confidence > 0 {
		fmt.Fprintf(w, "confidence=%.2f\n", resp.Confidence)
	}
}
