package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/crudkit/crudkit/pkg/httputil"
	mw "github.com/crudkit/crudkit/pkg/httputil/middleware"
	"github.com/crudkit/crudkit/pkg/metrics"
	"github.com/crudkit/crudkit/pkg/routegen"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Generates routes for the configured models and serves them over HTTP.`,
	Run:   runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("pg.conn_string", "c", "", "PostgreSQL connection string")
	f.StringP("server.listen_addr", "l", "", "server listen address")
	f.Bool("scan", false, "derive entities from schema introspection instead of configured models")
	f.String("directory", "public", "database schema to introspect in scan mode")

	viper.BindPFlags(f)
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	connString := cfg.PG.ConnString
	if s := viper.GetString("pg.conn_string"); s != "" {
		connString = s
	}
	if connString == "" {
		log.Fatal("PostgreSQL connection string required")
	}
	listenAddr := cfg.Server.ListenAddr
	if s := viper.GetString("server.listen_addr"); s != "" {
		listenAddr = s
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, connString)
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

	router := httputil.NewRouter()
	router.Use(
		mw.RequestID,
		mw.CORSWithOptions(nil),
	)
	if logLevel != "none" {
		router.Use(mw.LoggerWithOptions(&mw.LoggerOptions{Logger: logger}))
	}
	if cfg.QueryBuilder.EnableCaching {
		router.Use(mw.ResponseCache(store, cfg.QueryBuilder.CacheTTL))
	}

	if cfg.Routes.AutoGenerate {
		bindings, err := buildBindings(ctx, pool, viper.GetBool("scan"), viper.GetString("directory"))
		if err != nil {
			logger.Fatal("build entity bindings", zap.Error(err))
		}
		orch := routegen.NewOrchestrator(router, meta, cfg.Routes, logger)
		report, err := orch.Generate(ctx, bindings, routegen.GenerateOptions{})
		if err != nil {
			logger.Fatal("route generation failed", zap.Error(err))
		}
		logger.Info("route generation complete",
			zap.Int("entities", report.Entities),
			zap.Int("registered", len(report.Registered)),
			zap.Int("conflicts", len(report.Conflicts)),
			zap.Bool("skipped", report.Skipped))
	}

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr})
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := router.ListenAndServe(listenAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	cancel()
	wg.Wait()
}
