// Command tagsyncd runs operator-facing tagsync maintenance: batch
// reconciliation sweeps and archived report inspection. Deployments embed
// the engine as a library; this binary covers the out-of-band paths.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tagsync/internal/archive"
	"tagsync/internal/core"
	"tagsync/internal/crm"
	"tagsync/internal/rulefile"
	"tagsync/pkg/domain"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "tagsyncd",
		Short:        "Status-driven CRM tag synchronization maintenance",
		SilenceUsage: true,
	}
	root.AddCommand(newReconcileCmd())
	root.AddCommand(newReportsCmd())
	return root
}

func newLogger() core.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return core.NewSlogLogger(slog.New(handler))
}

func newReconcileCmd() *cobra.Command {
	var (
		kindFlag  string
		rulesPath string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-derive tag state for all entities of a kind (dry run)",
		Long: `Reconcile sweeps every entity of the given kind and re-derives its
correct tag state against the rule file, bypassing the idempotent
short-circuit. CRM calls are dry-run: decisions are logged and archived,
never executed. Storage and archive backends are selected via TAGSYNC_*
environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := domain.EntityKind(kindFlag)
			switch kind {
			case domain.KindOrder, domain.KindSubscription, domain.KindMembership:
			default:
				return fmt.Errorf("unknown entity kind %q", kindFlag)
			}

			logger := newLogger()
			rules, err := rulefile.Load(rulesPath)
			if err != nil {
				return err
			}
			store, err := core.OpenStore()
			if err != nil {
				return err
			}
			archiveStore, err := archive.OpenFromEnv(cmd.Context())
			if err != nil {
				return err
			}

			service := core.NewService(store, rules, crm.NewDryRun(logger), core.WithLogger(logger))
			reconciler := core.NewReconciler(service, store, archiveStore, logger)
			report, err := reconciler.Run(cmd.Context(), kind)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&kindFlag, "kind", string(domain.KindSubscription), "entity kind: order|subscription|membership")
	cmd.Flags().StringVar(&rulesPath, "rules", "rules.yaml", "path to the tag rule file")
	return cmd
}

func newReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Inspect archived reconciliation reports",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List archived reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := archive.OpenFromEnv(cmd.Context())
			if err != nil {
				return err
			}
			infos, err := store.List(cmd.Context(), "reconcile/")
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\t%s\n",
					info.Key, info.Size, info.StoredAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Print one archived report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := archive.OpenFromEnv(cmd.Context())
			if err != nil {
				return err
			}
			_, payload, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(payload)
			return err
		},
	})
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
