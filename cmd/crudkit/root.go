// Command crudkit serves config-driven REST resources over PostgreSQL and
// manages the generated route metadata.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crudkit/crudkit/pkg/config"
	"github.com/crudkit/crudkit/pkg/kv"
	"github.com/crudkit/crudkit/pkg/pgxutil"
	"github.com/crudkit/crudkit/pkg/query"
	"github.com/crudkit/crudkit/pkg/rest"
	"github.com/crudkit/crudkit/pkg/routegen"
	"github.com/crudkit/crudkit/pkg/schema"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "crudkit",
	Short: "Config-driven REST resources over PostgreSQL",
	Long:  `crudkit generates CRUD routes from model configuration (or schema introspection) and serves them with a dynamic JSON query grammar.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/crudkit.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log level (debug, info, warn, error)")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}
	logger, err = newLogger(logLevel)
	if err != nil {
		fmt.Println("Error building logger:", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

// openKVStore builds the configured key-value backend shared by route
// metadata and the response cache. The returned closer is a no-op for the
// in-memory backend.
func openKVStore(ctx context.Context, rc config.RoutesConfig) (kv.Store, func(), error) {
	switch rc.MetadataBackend {
	case "", "memory":
		return kv.NewMemory(), func() {}, nil
	case "redis":
		r, err := kv.NewRedis(ctx, rc.Redis.Addr, rc.Redis.Password, rc.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis metadata backend: %w", err)
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown metadata backend %q", rc.MetadataBackend)
	}
}

// buildBindings resolves entity descriptors (from config models, or from
// schema introspection in scan mode) and constructs a handler for each.
func buildBindings(ctx context.Context, pool *pgxpool.Pool, scan bool, scanSchema string) ([]routegen.EntityBinding, error) {
	ex := pgxutil.NewExecutor(pool)
	limits := query.Limits{
		MaxPerPage:     cfg.QueryBuilder.MaxPerPage,
		DefaultPerPage: cfg.QueryBuilder.DefaultPerPage,
	}

	var bindings []routegen.EntityBinding
	if scan {
		tables, err := schema.Scan(ctx, pool, scanSchema)
		if err != nil {
			return nil, fmt.Errorf("introspect schema: %w", err)
		}
		for _, desc := range schema.Descriptors(tables) {
			handler, err := rest.NewHandler(rest.HandlerConfig{
				Entity:       desc,
				Executor:     ex,
				Limits:       limits,
				MaxJSONDepth: cfg.Security.MaxJSONDepth,
				Logger:       logger,
			})
			if err != nil {
				return nil, err
			}
			bindings = append(bindings, routegen.EntityBinding{
				Entity:     desc,
				Model:      config.ModelConfig{Table: desc.Table},
				Controller: handler,
			})
		}
		return bindings, nil
	}

	names := make([]string, 0, len(cfg.Routes.Models))
	for name := range cfg.Routes.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		mc := cfg.Routes.Models[name]
		desc := mc.Descriptor(name)
		handler, err := rest.NewHandler(rest.HandlerConfig{
			Entity:       desc,
			Executor:     ex,
			Limits:       limits,
			MaxJSONDepth: cfg.Security.MaxJSONDepth,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", name, err)
		}
		bindings = append(bindings, routegen.EntityBinding{
			Entity:     desc,
			Model:      mc,
			Controller: handler,
		})
	}
	return bindings, nil
}
