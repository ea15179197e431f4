package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/classlane/change-sync/config"
	"github.com/classlane/change-sync/eventbus"
	"github.com/classlane/change-sync/gateway"
	"github.com/classlane/change-sync/provider"
	"github.com/classlane/change-sync/provider/rosterhttp"
	"github.com/classlane/change-sync/store"
	"github.com/classlane/change-sync/store/postgres"
	"github.com/classlane/change-sync/store/sqlite"
	"github.com/classlane/change-sync/syncer"
)

func main() {
	config, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, bus, err := createBackends(ctx, config)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	defer storage.Close()
	defer bus.Close()

	service := syncer.New(storage, bus, nil, nil)
	service.DefaultPullLimit = config.DefaultPullLimit
	service.MaxPullLimit = config.MaxPullLimit

	gw := gateway.NewGateway(config, service, bus, nil)

	if config.RosterBaseURL != "" {
		ingestor := provider.NewIngestor(service, storage, config.IngestIntervalDuration(), nil)
		ingestor.Register(config.RosterTenantID, rosterhttp.New(rosterhttp.Config{
			BaseURL:     config.RosterBaseURL,
			Token:       config.RosterToken,
			EntityTypes: strings.Split(config.RosterEntityTypes, ","),
		}))
		go ingestor.Run(ctx)
	}

	server := &http.Server{
		Addr:    config.ListenAddress,
		Handler: NewSyncServer(config, service, gw).Handler(),
	}
	go func() {
		log.Printf("Server listening at %s", config.ListenAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("failed to shut down http server: %v", err)
	}
	gw.Shutdown()
}

// createBackends picks the persistence and fan-out pair: Postgres with
// LISTEN/NOTIFY when DATABASE_URL is set, embedded SQLite with an in-process
// bus otherwise.
func createBackends(ctx context.Context, config *config.Config) (store.SyncStorage, eventbus.Bus, error) {
	if config.PgDatabaseUrl != "" {
		storage, err := postgres.NewPGSyncStorage(config.PgDatabaseUrl)
		if err != nil {
			return nil, nil, err
		}
		bus, err := eventbus.NewPgBus(ctx, config.PgDatabaseUrl, nil)
		if err != nil {
			storage.Close()
			return nil, nil, err
		}
		return storage, bus, nil
	}

	if err := os.MkdirAll(config.SQLiteDirPath, 0o700); err != nil {
		return nil, nil, err
	}
	storage, err := sqlite.NewSQLiteSyncStorage(fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", filepath.Join(config.SQLiteDirPath, "changesync.db")))
	if err != nil {
		return nil, nil, err
	}
	return storage, eventbus.NewMemoryBus(), nil
}
