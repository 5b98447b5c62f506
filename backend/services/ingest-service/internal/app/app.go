package app

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libdb "fieldtelemetry/backend/libs/db"
	libmetrics "fieldtelemetry/backend/libs/metrics"
	libredis "fieldtelemetry/backend/libs/redis"
	"fieldtelemetry/backend/services/ingest-service/internal/auth"
	"fieldtelemetry/backend/services/ingest-service/internal/buffer"
	"fieldtelemetry/backend/services/ingest-service/internal/commit"
	"fieldtelemetry/backend/services/ingest-service/internal/config"
	"fieldtelemetry/backend/services/ingest-service/internal/events"
	httpserver "fieldtelemetry/backend/services/ingest-service/internal/http"
	"fieldtelemetry/backend/services/ingest-service/internal/http/handlers"
	"fieldtelemetry/backend/services/ingest-service/internal/hub"
	"fieldtelemetry/backend/services/ingest-service/internal/metrics"
	"fieldtelemetry/backend/services/ingest-service/internal/redisstore"
	"fieldtelemetry/backend/services/ingest-service/internal/repository"
	"fieldtelemetry/backend/services/ingest-service/internal/session"
	"fieldtelemetry/backend/services/ingest-service/internal/wire"
	"fieldtelemetry/backend/services/ingest-service/internal/ws"
)

const shutdownFlushTimeout = 10 * time.Second

// App wires ingest-service dependencies.
type App struct {
	server      *httpserver.Server
	pool        *pgxpool.Pool
	redisClient *redis.Client
	buffers     *buffer.Registry
	conns       *ws.Manager
	publisher   *events.AMQPPublisher
	logger      *zap.Logger
}

// New constructs the application graph. Device connections live until ctx ends.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	pool, err := libdb.NewPostgresPool(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	a := &App{pool: pool, logger: logger}

	var persister buffer.Persister
	if cfg.RedisEnabled() {
		a.redisClient, err = libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			pool.Close()
			return nil, err
		}
		persister = redisstore.NewBufferStore(a.redisClient, cfg.Redis.SnapshotTTL)
	}

	var sinks []hub.Sink
	if cfg.EventsEnabled() {
		a.publisher = events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Queue, logger)
		sinks = append(sinks, a.publisher)
	}
	eventHub := hub.New(logger, sinks...)

	registry := libmetrics.NewRegistry()
	ingestMetrics := metrics.NewIngestMetrics(registry)

	readingRepo := repository.NewReadingRepository(pool)
	uploadRepo := repository.NewUploadRepository(pool)
	deviceRepo := repository.NewDeviceRepository(pool)

	committer := commit.New(commit.Deps{
		Readings: readingRepo,
		Devices:  deviceRepo,
		Uploads:  uploadRepo,
		Configs:  deviceRepo,
		Notifier: eventHub,
		Metrics:  ingestMetrics,
	}, logger)

	a.buffers, err = buffer.NewRegistry(cfg.BufferSettings(), committer, persister, ingestMetrics, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	tokens := auth.NewDeviceTokens(cfg.Auth.DeviceTokenSecret, cfg.Auth.DeviceTokenTTL)
	operatorKey := auth.NewOperatorKey(cfg.Auth.OperatorKeyHash)
	if !tokens.Enabled() {
		logger.Warn("device token secret not set, device endpoints are unauthenticated")
	}
	if !operatorKey.Enabled() {
		logger.Warn("operator key not set, operator endpoints are unauthenticated")
	}

	a.conns = ws.NewManager()
	sessionDeps := session.Deps{
		Hub:       eventHub,
		Committer: committer,
		Configs:   deviceRepo,
		Metrics:   ingestMetrics,
	}
	sessionOpts := session.Options{
		HeartbeatInterval:   cfg.WebSocket.HeartbeatInterval,
		MaxDecompressedSize: cfg.WebSocket.MaxDecompressed,
	}
	factory := func(deviceID string, conn *ws.Connection) ws.Handler {
		s := session.New(deviceID, conn, sessionDeps, sessionOpts, logger)
		s.Start(ctx)
		return s
	}
	wsServer := ws.NewServer(ctx, a.conns, factory, tokens.Authorize, ws.Settings{
		PingInterval: cfg.WebSocket.PingInterval,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		ReadLimit:    cfg.WebSocket.ReadLimitBytes,
	}, logger)

	routes := httpserver.Routes{
		Readings:        handlers.NewReadingsHandler(a.buffers, a.conns, tokens.Authorize, logger),
		Upload:          handlers.NewUploadHandler(wire.JSONRowDecoder{}, committer, tokens.Authorize, logger),
		UploadStatus:    handlers.NewUploadStatusHandler(uploadRepo),
		Stations:        handlers.NewStationsHandler(a.buffers, a.conns),
		StationBuffer:   handlers.NewStationBufferHandler(a.buffers, a.conns),
		FlushBuffer:     handlers.NewFlushHandler(a.buffers, logger),
		ConfigureBuffer: handlers.NewConfigureBufferHandler(a.buffers),
		DeviceReset:     handlers.NewDeviceResetHandler(eventHub),
		DeviceStream:    wsServer.HandleWS,
		Health:          handlers.NewHealthHandler(),
		Metrics:         libmetrics.Handler(registry),
		Operator:        operatorKey.Require,
	}

	router := httpserver.NewRouter(routes)
	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, logger)
	return a, nil
}

// Run starts the HTTP server and the event relay.
func (a *App) Run(ctx context.Context) error {
	if a.publisher != nil {
		go a.publisher.Run(ctx)
	}
	return a.server.Run(ctx)
}

// Close drains station buffers and releases resources.
func (a *App) Close() {
	if a.conns != nil {
		a.conns.CloseAll()
	}
	if a.buffers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
		if err := a.buffers.FlushAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("failed to flush buffers on shutdown", zap.Error(err))
		}
		cancel()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
