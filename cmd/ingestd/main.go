// cmd/ingestd/main.go
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/psdigitalweb/wb-automation-sub000/internal/coarselock"
	"github.com/psdigitalweb/wb-automation-sub000/internal/config"
	"github.com/psdigitalweb/wb-automation-sub000/internal/credentials"
	"github.com/psdigitalweb/wb-automation-sub000/internal/dbutil"
	"github.com/psdigitalweb/wb-automation-sub000/internal/eventbus"
	"github.com/psdigitalweb/wb-automation-sub000/internal/httpapi"
	"github.com/psdigitalweb/wb-automation-sub000/internal/internaldata"
	"github.com/psdigitalweb/wb-automation-sub000/internal/logging"
	"github.com/psdigitalweb/wb-automation-sub000/internal/model"
	"github.com/psdigitalweb/wb-automation-sub000/internal/orchestrator"
	"github.com/psdigitalweb/wb-automation-sub000/internal/registry"
	"github.com/psdigitalweb/wb-automation-sub000/internal/runners"
	"github.com/psdigitalweb/wb-automation-sub000/internal/scheduler"
	"github.com/psdigitalweb/wb-automation-sub000/internal/store"
	"github.com/psdigitalweb/wb-automation-sub000/internal/worker"
)

const migrationsDir = "migrations"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.Logging)

	if err := dbutil.Migrate(cfg.Database, migrationsDir); err != nil {
		logger.WithError(err).Fatal("ingestd: failed to apply migrations")
	}

	handles, err := dbutil.Open(cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("ingestd: failed to open database")
	}
	defer handles.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("ingestd: failed to connect to redis")
	}

	encryptionKey, err := hex.DecodeString(cfg.Security.EncryptionKeyHex)
	if err != nil {
		logger.WithError(err).Fatal("ingestd: CREDENTIAL_ENCRYPTION_KEY must be hex-encoded")
	}

	st := store.New(handles.GORM)

	creds, err := credentials.New(st, redisClient, encryptionKey, cfg.Wildberries.FallbackToken, cfg.Security.CredentialCacheTTL)
	if err != nil {
		logger.WithError(err).Fatal("ingestd: failed to build credentials resolver")
	}

	var publisher *eventbus.Publisher
	if cfg.Kafka.Enabled {
		publisher = eventbus.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close()
	}

	lock := coarselock.New(redisClient)

	var reg *registry.Registry
	stuckTTL := func(sourceCode, jobCode string) time.Duration {
		if reg != nil {
			if def, err := reg.Lookup(sourceCode, jobCode); err == nil && def.StuckTTL > 0 {
				return def.StuckTTL
			}
		}
		return cfg.Scheduler.DefaultStuckTTL
	}
	orch := orchestrator.New(handles.SQLX, logger, stuckTTL, publisher)
	sweeper := orchestrator.NewSweeper(orch, logger, stuckTTL, lock)

	reg = buildRegistry(handles, st, creds, orch, logger, cfg)

	sched := scheduler.New(handles.SQLX, orch, logger)
	pool := worker.New(handles.SQLX, orch, reg, logger, cfg.Scheduler.WorkerPoolSize, 2*time.Second)
	pool.Start(ctx)
	defer pool.Stop()

	go runTicker(ctx, cfg.Scheduler.TickInterval, logger, "scheduler tick", func(ctx context.Context) error {
		return sched.Tick(ctx)
	})
	go runTicker(ctx, cfg.Scheduler.SweeperInterval, logger, "sweeper run", func(ctx context.Context) error {
		_, err := sweeper.Run(ctx)
		return err
	})

	api := httpapi.New(httpapi.Deps{
		DB:       handles.SQLX,
		Store:    st,
		Orch:     orch,
		Registry: reg,
		Sweeper:  sweeper,
		Log:      logger,

		AdminToken: cfg.AdminToken,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("ingestd: starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("ingestd: HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("ingestd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("ingestd: HTTP server shutdown error")
	}

	cancel()
	pool.Stop()

	logger.Info("ingestd: stopped")
}

// runTicker runs fn on every tick until ctx is done, logging but never
// panicking on a single failed tick (§9: one bad cycle must not take the
// process down).
func runTicker(ctx context.Context, interval time.Duration, log *logrus.Logger, label string, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.WithError(err).Errorf("ingestd: %s failed", label)
			}
		}
	}
}

// buildRegistry registers every (source, job) runner definition (§4.1),
// wiring the products -> build_rrp_snapshots and internal_data.sync ->
// build_rrp_snapshots chains through the orchestrator directly.
func buildRegistry(handles *dbutil.Handles, st *store.Store, creds *credentials.Resolver, orch *orchestrator.Orchestrator, logger *logrus.Logger, cfg *config.Config) *registry.Registry {
	deps := runners.Deps{
		DB:    handles.SQLX,
		Store: st,
		Creds: creds,
		Orch:  orch,
		Log:   logger,

		MinContentPageInterval: cfg.Wildberries.MinInterval,
		SupplierStocksInterval: time.Minute,
		MinStorefrontInterval:  400 * time.Millisecond,
	}

	chainBuildRRP := func(ctx context.Context, projectID int64) (bool, error) {
		var hasRRP bool
		if err := handles.SQLX.GetContext(ctx, &hasRRP, `
			SELECT EXISTS (
				SELECT 1 FROM internal_products ip
				JOIN internal_product_prices ipp ON ipp.internal_product_id = ip.id
				WHERE ip.project_id = $1 AND ipp.rrp IS NOT NULL AND ip.snapshot_id = (
					SELECT id FROM internal_data_snapshots
					WHERE project_id = $1 AND status IN ('success', 'partial')
					ORDER BY created_at DESC LIMIT 1))`, projectID); err != nil {
			return false, err
		}
		if !hasRRP {
			return false, nil
		}
		if _, err := orch.CreateQueued(ctx, projectID, "internal", "build_rrp_snapshots", nil, model.TriggeredChained, nil); err != nil {
			return false, err
		}
		return true, nil
	}

	brandsFor := func(ctx context.Context, projectID int64) ([]runners.Brand, error) {
		conn, err := st.GetMarketplaceConnection(ctx, projectID, "wildberries")
		if err != nil {
			return nil, err
		}
		settings := credentials.Settings(conn)
		raw, ok := settings["brands"].([]interface{})
		if !ok {
			return nil, nil
		}
		var brands []runners.Brand
		for _, item := range raw {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			id, _ := m["id"].(string)
			tmpl, _ := m["url_template"].(string)
			if id == "" || tmpl == "" {
				continue
			}
			brands = append(brands, runners.Brand{ID: id, URLTemplate: strings.ReplaceAll(tmpl, "{brand_id}", id)})
		}
		return brands, nil
	}

	reg := registry.New()
	reg.Register(registry.Definition{SourceCode: "wb", JobCode: "products", Title: "Products", SupportsSchedule: true, SupportsManual: true,
		Run: runners.Products(deps, 100, chainBuildRRP)})
	reg.Register(registry.Definition{SourceCode: "wb", JobCode: "warehouses", Title: "Warehouses", SupportsSchedule: true, SupportsManual: true,
		Run: runners.Warehouses(deps)})
	reg.Register(registry.Definition{SourceCode: "wb", JobCode: "stocks", Title: "Stocks", SupportsSchedule: true, SupportsManual: true,
		Run: runners.Stocks(deps)})
	reg.Register(registry.Definition{SourceCode: "wb", JobCode: "supplier_stocks", Title: "Supplier Stocks", SupportsSchedule: true, SupportsManual: true,
		Run: runners.SupplierStocks(deps)})
	reg.Register(registry.Definition{SourceCode: "wb", JobCode: "prices", Title: "Prices", SupportsSchedule: true, SupportsManual: true,
		Run: runners.Prices(deps)})
	reg.Register(registry.Definition{SourceCode: "wb", JobCode: "frontend_prices", Title: "Frontend Prices", SupportsSchedule: true, SupportsManual: true,
		Run: runners.FrontendPrices(deps, brandsFor)})
	reg.Register(registry.Definition{SourceCode: "wb", JobCode: "wb_finances", Title: "WB Finances", SupportsSchedule: false, SupportsManual: true,
		Run: runners.WbFinances(deps)})
	reg.Register(registry.Definition{SourceCode: "internal", JobCode: "rrp_xml", Title: "RRP XML Import", SupportsSchedule: true, SupportsManual: true,
		Run: runners.RRPXml(deps)})
	reg.Register(registry.Definition{SourceCode: "internal", JobCode: "build_rrp_snapshots", Title: "Build RRP Snapshots", SupportsSchedule: true, SupportsManual: true,
		Run: runners.BuildRRPSnapshots(deps)})
	reg.Register(registry.Definition{SourceCode: "internal", JobCode: "build_tax_statement", Title: "Build Tax Statement", SupportsSchedule: false, SupportsManual: true,
		Run: runners.BuildTaxStatement(deps)})

	internalDataDeps := internaldata.Deps{DB: handles.SQLX, Store: st, Log: logger}
	reg.Register(registry.Definition{SourceCode: "internal_data", JobCode: "sync", Title: "Internal Data Sync", SupportsSchedule: true, SupportsManual: true,
		Run: func(ctx context.Context, rc registry.RunContext) (registry.Stats, error) {
			result, err := internaldata.Sync(ctx, internalDataDeps, rc.ProjectID, rc.RunID, chainBuildRRP)
			if err != nil {
				return registry.Stats{"ok": false}, err
			}
			return registry.Stats{
				"ok":            result.Status != "error",
				"status":        result.Status,
				"rows_total":    result.RowsTotal,
				"rows_imported": result.RowsImported,
				"rows_failed":   result.RowsFailed,
				"error_summary": result.ErrorSummary,
			}, nil
		}})

	return reg
}
