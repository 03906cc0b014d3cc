package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/cardata/internal/api/cardata"
	"github.com/langchou/cardata/internal/api/handlers"
	"github.com/langchou/cardata/internal/config"
	"github.com/langchou/cardata/internal/events"
	"github.com/langchou/cardata/internal/repository"
	"github.com/langchou/cardata/internal/service"
	"github.com/langchou/cardata/pkg/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting CarData session", zap.String("port", cfg.ServerPort))

	if cfg.ClientID == "" {
		logger.Fatal("CARDATA_CLIENT_ID is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := repository.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Database migrated successfully")

	client := cardata.NewClient(
		cfg.DeviceCodeURL,
		cfg.TokenURL,
		cfg.APIBaseURL,
		cfg.APIVersion,
		cfg.ClientID,
		cfg.Scope,
	)

	wsHub := ws.NewHub(logger)
	go wsHub.Run()
	sink := ws.NewSink(wsHub)

	var eventSink events.Sink = sink
	if cfg.Debug {
		eventSink = events.MultiSink{sink, debugSink{logger}}
	}

	session := service.NewSession(cfg, logger, clock.New(), client, db, eventSink, cfg.AccountID)

	registry := service.NewRegistry()
	registry.Add(session)

	wsHub.SetInitDataProvider(func() *ws.InitData {
		vehicles, err := session.Vehicles(context.Background())
		if err != nil {
			logger.Warn("Failed to load vehicles for init payload", zap.Error(err))
		}
		return &ws.InitData{
			Vehicles:   vehicles,
			Connection: sink.Connection(),
			Quota:      session.Quota().Snapshot(),
		}
	})

	if err := registry.StartAll(ctx); err != nil {
		logger.Fatal("Failed to start session", zap.Error(err))
	}

	handler := handlers.NewHandler(logger, registry, cfg.AccountID, wsHub)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	registry.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// debugSink traces every event at debug level alongside the websocket feed.
type debugSink struct {
	logger *zap.Logger
}

func (s debugSink) PublishDescriptor(u events.DescriptorUpdate) {
	s.logger.Debug("Descriptor update",
		zap.String("vin", u.VIN),
		zap.String("descriptor", u.Descriptor),
		zap.Any("value", u.Value))
}

func (s debugSink) PublishConnection(c events.ConnectionStatus) {
	s.logger.Debug("Connection status",
		zap.String("state", c.State),
		zap.String("detail", c.Detail))
}

func (s debugSink) PublishMetadata(m events.VehicleMetadata) {
	s.logger.Debug("Vehicle metadata", zap.String("vin", m.VIN))
}

func (s debugSink) PublishQuota(q events.QuotaSnapshot) {
	s.logger.Debug("Quota snapshot",
		zap.Int("used", q.Used),
		zap.Int("remaining", q.Remaining))
}
