package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crudkit/crudkit/pkg/httputil"
	"github.com/crudkit/crudkit/pkg/routegen"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Inspect and manage generated routes",
}

var routesGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run route generation and report the outcome",
	Long: `Builds the candidate route set for every configured model, runs conflict
detection against it, and records metadata. Pass --dry-run to report without
registering or recording anything.`,
	Run: runRoutesGenerate,
}

var routesResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear tracked route metadata",
	Long: `Clears generated-route metadata and the stored config fingerprint so the
next generation pass starts fresh. Metadata only: routes live in a running
process are unaffected. --models limits the clear to named entities;
--cleanup removes only entries the current configuration no longer
generates.`,
	Run: runRoutesReset,
}

func init() {
	gf := routesGenerateCmd.Flags()
	gf.String("model", "", "restrict generation to one entity")
	gf.Bool("dry-run", false, "report without registering routes or writing metadata")
	gf.Bool("force", false, "regenerate even when the config fingerprint is unchanged")
	gf.Bool("validate", false, "check metadata against the generated routes; exit non-zero on conflicts or stale entries")
	gf.Bool("reset", false, "clear tracked metadata before generating")
	gf.Bool("scan", false, "derive entities from schema introspection instead of configured models")
	gf.String("directory", "public", "database schema to introspect in scan mode")

	rf := routesResetCmd.Flags()
	rf.Bool("all", false, "clear every tracked route (the default when no selector is given)")
	rf.String("models", "", "comma-separated entity names to clear")
	rf.Bool("cleanup", false, "remove only entries the current config no longer generates")
	rf.Bool("force", false, "actually clear; without it, report what would be cleared")
	rf.Bool("show", false, "list tracked metadata records and exit")

	routesCmd.AddCommand(routesGenerateCmd, routesResetCmd)
	rootCmd.AddCommand(routesCmd)
}

func runRoutesGenerate(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	scan, _ := cmd.Flags().GetBool("scan")
	directory, _ := cmd.Flags().GetString("directory")
	model, _ := cmd.Flags().GetString("model")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	force, _ := cmd.Flags().GetBool("force")
	validate, _ := cmd.Flags().GetBool("validate")
	reset, _ := cmd.Flags().GetBool("reset")

	pool, err := pgxpool.New(ctx, cfg.PG.ConnString)
	if err != nil {
		logger.Fatal("create connection pool", zap.Error(err))
	}
	defer pool.Close()

	store, closeStore, err := openKVStore(ctx, cfg.Routes)
	if err != nil {
		logger.Fatal("open metadata store", zap.Error(err))
	}
	defer closeStore()
	meta := routegen.NewMetadataStore(store)

	if reset {
		if err := meta.Clear(ctx); err != nil {
			logger.Fatal("reset metadata", zap.Error(err))
		}
		fmt.Println("cleared tracked metadata")
	}

	bindings, err := buildBindings(ctx, pool, scan, directory)
	if err != nil {
		logger.Fatal("build entity bindings", zap.Error(err))
	}

	// Routes register into a throwaway router; only metadata persists.
	router := httputil.NewRouter()
	orch := routegen.NewOrchestrator(router, meta, cfg.Routes, logger)
	report, err := orch.Generate(ctx, bindings, routegen.GenerateOptions{
		Model:  model,
		DryRun: dryRun,
		Force:  force,
	})
	if err != nil {
		logger.Fatal("route generation failed", zap.Error(err))
	}

	if report.Skipped {
		fmt.Println("generation skipped: config fingerprint unchanged")
		return
	}
	for _, def := range report.Registered {
		fmt.Printf("%-8s %-40s %s\n", def.HTTPMethod, def.Pattern, def.Name)
	}
	for _, c := range report.Conflicts {
		fmt.Printf("CONFLICT %-40s %s (%s)\n", c.Pattern, c.RouteName, c.Reason)
	}
	fmt.Printf("%d entities, %d routes, %d conflicts\n",
		report.Entities, len(report.Registered), len(report.Conflicts))

	if !validate {
		return
	}
	issues, err := meta.ValidateAgainstLiveRoutes(ctx, router.RouteNames())
	if err != nil {
		logger.Fatal("validate metadata", zap.Error(err))
	}
	for _, issue := range issues {
		fmt.Printf("STALE    %-40s %s (%s)\n", issue.RouteName, issue.Entity, issue.Reason)
	}
	if len(report.Conflicts) > 0 || len(issues) > 0 {
		os.Exit(1)
	}
}

func runRoutesReset(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	store, closeStore, err := openKVStore(ctx, cfg.Routes)
	if err != nil {
		logger.Fatal("open metadata store", zap.Error(err))
	}
	defer closeStore()
	meta := routegen.NewMetadataStore(store)

	force, _ := cmd.Flags().GetBool("force")
	modelsCSV, _ := cmd.Flags().GetString("models")
	var entities []string
	for _, name := range strings.Split(modelsCSV, ",") {
		if name = strings.TrimSpace(name); name != "" {
			entities = append(entities, name)
		}
	}

	if show, _ := cmd.Flags().GetBool("show"); show {
		records, err := meta.All(ctx)
		if err != nil {
			logger.Fatal("read metadata", zap.Error(err))
		}
		for _, rec := range records {
			fmt.Printf("%-8s %-40s %-30s %s\n", rec.HTTPMethod, rec.Pattern, rec.RouteName, rec.GeneratedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("%d tracked routes\n", len(records))
		return
	}

	if cleanup, _ := cmd.Flags().GetBool("cleanup"); cleanup {
		expected := configuredRouteNames()
		if !force {
			issues, err := meta.ValidateAgainstLiveRoutes(ctx, expected)
			if err != nil {
				logger.Fatal("read metadata", zap.Error(err))
			}
			fmt.Printf("would remove %d stale routes; re-run with --force\n", len(issues))
			return
		}
		removed, err := meta.CleanupStale(ctx, expected)
		if err != nil {
			logger.Fatal("cleanup metadata", zap.Error(err))
		}
		fmt.Printf("removed %d stale routes\n", removed)
		return
	}

	if len(entities) > 0 {
		records, err := meta.ForEntities(ctx, entities)
		if err != nil {
			logger.Fatal("read metadata", zap.Error(err))
		}
		if !force {
			fmt.Printf("would clear %d tracked routes for %s; re-run with --force\n", len(records), strings.Join(entities, ", "))
			return
		}
		removed, err := meta.RemoveForEntities(ctx, entities)
		if err != nil {
			logger.Fatal("clear metadata", zap.Error(err))
		}
		fmt.Printf("cleared %d tracked routes for %s\n", removed, strings.Join(entities, ", "))
		return
	}

	// --all, also the default when no selector is given.
	records, err := meta.All(ctx)
	if err != nil {
		logger.Fatal("read metadata", zap.Error(err))
	}
	if !force {
		fmt.Printf("would clear %d tracked routes and the config fingerprint; re-run with --force\n", len(records))
		return
	}
	if err := meta.Clear(ctx); err != nil {
		logger.Fatal("clear metadata", zap.Error(err))
	}
	fmt.Printf("cleared %d tracked routes\n", len(records))
}

// configuredRouteNames builds the route-name set the current configuration
// would generate, without touching the database or registering anything.
func configuredRouteNames() []string {
	catalog := routegen.CatalogFromConfig(cfg.Routes.CRUDMethods)

	names := make([]string, 0, len(cfg.Routes.Models))
	for name := range cfg.Routes.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		mc := cfg.Routes.Models[name]
		for _, def := range routegen.BuildRoutes(mc.Descriptor(name), mc, cfg.Routes, catalog, nil) {
			out = append(out, def.Name)
		}
	}
	return out
}
