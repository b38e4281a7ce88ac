package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aim-datalog/backend/internal/api"
	"github.com/aim-datalog/backend/internal/config"
	"github.com/aim-datalog/backend/internal/logging"
	"github.com/aim-datalog/backend/internal/models"
	"github.com/aim-datalog/backend/internal/parser"
	"github.com/aim-datalog/backend/internal/session"
	"github.com/aim-datalog/backend/internal/storage"
	"github.com/labstack/echo/v4"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Get the executable's directory for config resolution
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = filepath.Join(filepath.Dir(exePath), "DataLogConverter.config")
	}

	// Load XML configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging.Setup(cfg.Advanced.LogLevel, cfg.Advanced.LogFormat)
	log := logging.Component("server")

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	// Initialize storage
	fileStore, err := storage.NewLocalStore(cfg.GetUploadDir())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	channelMap, err := loadChannelMap(cfg)
	if err != nil {
		return err
	}

	// Initialize session manager
	sessionMgr, err := session.NewManager(session.Options{
		Dir:           cfg.Storage.ParsedDataDirectory,
		MaxConcurrent: cfg.Processing.MaxConcurrentConversions,
		MaxSessions:   cfg.Processing.MaxSessions,
		DuckDB: parser.DuckStoreOptions{
			Threads:     cfg.Advanced.DuckDBThreads,
			MemoryLimit: cfg.Advanced.DuckDBMemoryLimit,
		},
		ChannelMap: channelMap,
		Files:      fileStore,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}
	defer sessionMgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start background session cleanup
	go sessionMgr.RunCleanup(ctx,
		time.Duration(cfg.Processing.CleanupIntervalMinutes)*time.Minute,
		time.Duration(cfg.Processing.SessionTimeoutMinutes)*time.Minute)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	var origins []string
	if cfg.Server.EnableCORS {
		for _, o := range strings.Split(cfg.Server.AllowOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) == 0 {
			origins = []string{"*"}
		}
	}

	api.SetupMiddleware(e, api.MiddlewareOptions{
		RequestLogging:   cfg.Advanced.EnableRequestLogging,
		Compression:      cfg.Advanced.EnableCompression,
		CompressionLevel: cfg.Advanced.CompressionLevel,
		BodyLimit:        cfg.Server.BodyLimit,
		AllowOrigins:     origins,
	})
	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		Store:         fileStore,
		SessionMgr:    sessionMgr,
		Version:       Version,
		AllowedTypes:  cfg.AllowedExtensions(),
		AllowDeletion: cfg.Security.AllowFileDeletion,
		Paging: api.Paging{
			DefaultPageSize: cfg.Processing.DefaultPageSize,
			MaxPageSize:     cfg.Processing.MaxPageSize,
		},
	}))

	// Configure server with settings from XML config
	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	log.Info("starting server",
		"version", Version,
		"build_time", BuildTime,
		"config", configPath,
		"listen", cfg.GetServerAddr(),
		"data_dir", cfg.GetDataDir(),
		"formats", parser.GetGlobalRegistry().Names(),
		"channel_map", channelMap != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	sessionMgr.Wait()
	return nil
}

// loadChannelMap reads the optional channel rename file named in the config.
func loadChannelMap(cfg *config.AppConfig) (*models.ChannelMap, error) {
	path := cfg.Storage.ChannelMapFile
	if path == "" {
		return nil, nil
	}
	cm, err := parser.ParseChannelMap(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel map %s: %w", path, err)
	}
	return cm, nil
}
