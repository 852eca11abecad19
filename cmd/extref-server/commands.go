package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kamdental/extref/internal/domain/detection"
	"github.com/kamdental/extref/internal/domain/mapping"
	"github.com/kamdental/extref/internal/domain/reconcile"
	"github.com/kamdental/extref/internal/domain/registry"
)

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			system, _ := cmd.Flags().GetString("system")
			batch, _ := cmd.Flags().GetInt("batch-size")
			skip, _ := cmd.Flags().GetBool("skip-registry")

			ctx, stop := signalContext()
			defer stop()
			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.job.Run(ctx, reconcile.Options{
				SystemName:          system,
				BatchSize:           batch,
				SkipRegistryRefresh: skip,
			})
			if errors.Is(err, reconcile.ErrAlreadyRunning) {
				return fmt.Errorf("another reconciliation run holds the lock")
			}
			if sum == nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), colorSummary(sum))
			if err != nil {
				return fmt.Errorf("reconciliation %s: %w", sum.Status, err)
			}
			return nil
		},
	}
	cmd.Flags().String("system", "", "Only reconcile mappings of this external system")
	cmd.Flags().Int("batch-size", 0, "Rows per batch (defaults to RECONCILE_BATCH_SIZE)")
	cmd.Flags().Bool("skip-registry", false, "Skip refreshing registry ids from the primary store")
	return cmd
}

func codesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Manage stable codes",
	}

	assignCmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a stable code to an internal entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			id, _ := cmd.Flags().GetString("internal-id")
			code, _ := cmd.Flags().GetString("code")
			name, _ := cmd.Flags().GetString("name")

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			e, created, err := a.codes.AssignCode(cmd.Context(), registry.AssignRequest{
				EntityType: registry.EntityType(typ),
				InternalID: id,
				Code:       code,
				Name:       name,
			})
			if err != nil {
				return err
			}
			state := warn("existing")
			if created {
				state = ok("new")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s -> %s (%s)\n", e.EntityType, e.StableCode, e.CurrentInternalID, state)
			return nil
		},
	}
	assignCmd.Flags().String("type", "", "Entity type: clinic, provider or location")
	assignCmd.Flags().String("internal-id", "", "Current internal id")
	assignCmd.Flags().String("code", "", "Explicit stable code (generated when empty)")
	assignCmd.Flags().String("name", "", "Display name used to generate the code")
	_ = assignCmd.MarkFlagRequired("type")
	_ = assignCmd.MarkFlagRequired("internal-id")
	cmd.AddCommand(assignCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "decommission <type> <code>",
		Short: "Retire a stable code permanently",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			code := registry.NormalizeCode(args[1])
			if err := a.codes.Decommission(cmd.Context(), registry.EntityType(args[0]), code); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s\n", args[0], code, bad("decommissioned"))
			return nil
		},
	})

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stable codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			all, _ := cmd.Flags().GetBool("all")
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			items, total, err := a.codes.List(cmd.Context(), registry.ListFilter{
				EntityType:            registry.EntityType(typ),
				IncludeDecommissioned: all,
			}, limit, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-36s %s\n", "TYPE", "CODE", "INTERNAL ID", "STATE")
			for _, e := range items {
				state := ok("live")
				if !e.Live() {
					state = bad("decommissioned")
				}
				fmt.Fprintf(out, "%-10s %-40s %-36s %s\n", e.EntityType, e.StableCode, e.CurrentInternalID, state)
			}
			fmt.Fprintf(out, "%d of %d\n", len(items), total)
			return nil
		},
	}
	listCmd.Flags().String("type", "", "Only list this entity type")
	listCmd.Flags().Bool("all", false, "Include decommissioned codes")
	listCmd.Flags().Int("limit", 100, "Maximum rows to print")
	cmd.AddCommand(listCmd)

	return cmd
}

func bindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bind",
		Short: "Bind an external reference to a stable code",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := keyFlags(cmd)
			code, _ := cmd.Flags().GetString("code")

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.mappings.Bind(cmd.Context(), mapping.BindRequest{Key: key, StableCode: code})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (%s)\n", m.Key(), m.StableCode, ok(m.InternalID))
			return nil
		},
	}
	addKeyFlags(cmd)
	cmd.Flags().String("code", "", "Stable code to bind to")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func resolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a stable code or an external reference to the live internal id",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, _ := cmd.Flags().GetString("code")
			typ, _ := cmd.Flags().GetString("type")

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var id string
			if code != "" {
				id, err = a.mappings.ResolveByCode(cmd.Context(), registry.EntityType(typ), code)
			} else {
				id, err = a.mappings.ResolveByExternalRef(cmd.Context(), keyFlags(cmd))
			}
			if errors.Is(err, registry.ErrNotFound) || errors.Is(err, mapping.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), warn("unresolved"))
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	addKeyFlags(cmd)
	cmd.Flags().String("code", "", "Resolve this stable code instead of an external reference")
	return cmd
}

func addKeyFlags(cmd *cobra.Command) {
	cmd.Flags().String("system", "", "External system name")
	cmd.Flags().String("external-id", "", "External identifier, compared byte for byte")
	cmd.Flags().String("type", "", "Entity type: clinic, provider or location")
	_ = cmd.MarkFlagRequired("type")
}

func keyFlags(cmd *cobra.Command) mapping.Key {
	system, _ := cmd.Flags().GetString("system")
	ext, _ := cmd.Flags().GetString("external-id")
	typ, _ := cmd.Flags().GetString("type")
	return mapping.Key{
		SystemName: system,
		ExternalID: mapping.ExternalID(ext),
		EntityType: registry.EntityType(typ),
	}
}

func detectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect <candidate name>",
		Short: "Detect the entity a free-text name refers to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bind, _ := cmd.Flags().GetBool("bind")
			system, _ := cmd.Flags().GetString("system")
			ext, _ := cmd.Flags().GetString("external-id")

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.detector.DetectAndResolve(cmd.Context(), detection.DetectRequest{
				CandidateName: args[0],
				Bind:          bind,
				SystemName:    system,
				ExternalID:    ext,
			})
			if errors.Is(err, detection.ErrUnresolved) {
				fmt.Fprintf(cmd.OutOrStdout(), "%q %s\n", args[0], warn("unresolved"))
				return err
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s/%s -> %s\n", d.EntityType, d.StableCode, ok(d.InternalID))
			fmt.Fprintf(out, "  pattern %s (priority %d, set %s)\n", d.MatchedPattern, d.Priority, d.PatternSetVersion)
			if d.Mapping != nil {
				fmt.Fprintf(out, "  bound %s\n", d.Mapping.Key())
			}
			return nil
		},
	}
	cmd.Flags().Bool("bind", false, "Cache the detection as a mapping")
	cmd.Flags().String("system", "", "External system to bind for")
	cmd.Flags().String("external-id", "", "External id to bind (defaults to the candidate name)")
	return cmd
}

func detectWorkbookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect-workbook <file.xlsx>",
		Short: "Detect the entity a spreadsheet belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			match, id, err := a.detector.DetectWorkbook(cmd.Context(), f, filepath.Base(args[0]))
			if errors.Is(err, detection.ErrUnresolved) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], warn("unresolved"))
				return err
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s -> %s (from %s %q)\n",
				match.EntityType, match.StableCode, ok(id), match.Source, match.Candidate)
			return nil
		},
	}
}

func patternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Validate, deploy and inspect detection pattern sets",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <patterns.yaml>",
		Short: "Check a pattern file for unmatched examples and overlaps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := detection.LoadPatternFile(args[0])
			if err != nil {
				return err
			}
			return printValidation(cmd, set)
		},
	})

	deployCmd := &cobra.Command{
		Use:   "deploy <patterns.yaml>",
		Short: "Store a validated pattern set as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			activate, _ := cmd.Flags().GetBool("activate")
			set, err := detection.LoadPatternFile(args[0])
			if err != nil {
				return err
			}
			if err := printValidation(cmd, set); err != nil {
				return err
			}

			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.detector.Deploy(cmd.Context(), set, activate); err != nil {
				return err
			}
			state := "inactive"
			if activate {
				state = ok("active")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployed %s (%s)\n", set.Version(), state)
			return nil
		},
	}
	deployCmd.Flags().Bool("activate", true, "Make the deployed version the active set")
	cmd.AddCommand(deployCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show deployed versions and the current set",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			versions, err := a.detector.Versions(cmd.Context())
			if err != nil {
				return err
			}
			for _, v := range versions {
				state := ""
				if v.Active {
					state = ok(" active")
				}
				fmt.Fprintf(out, "%-24s %3d patterns  %s%s\n", v.Version, v.Patterns, v.DeployedAt.Format("2006-01-02 15:04"), state)
			}

			set, err := a.detector.Current()
			if err != nil {
				fmt.Fprintln(out, warn("no pattern set loaded"))
				return nil
			}
			fmt.Fprintf(out, "\ncurrent %s:\n", set.Version())
			for i, p := range set.Patterns() {
				fmt.Fprintf(out, "%3d. [%d] %s/%s  %s\n", i+1, p.Priority, p.EntityType, p.EntityStableCode, p.Pattern)
			}
			return nil
		},
	})

	return cmd
}

func printValidation(cmd *cobra.Command, set *detection.PatternSet) error {
	out := cmd.OutOrStdout()
	err := set.Validate()
	var verr *detection.ValidationError
	if errors.As(err, &verr) {
		for _, c := range verr.Conflicts {
			fmt.Fprintln(out, bad(c.String()))
		}
		return fmt.Errorf("pattern set %s has %d conflict(s)", set.Version(), len(verr.Conflicts))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s: %d patterns, no conflicts\n", ok("ok"), set.Version(), set.Len())
	return nil
}
