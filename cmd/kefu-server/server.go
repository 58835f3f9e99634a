package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/amoylab/kefu/internal/apiserver/handler"
	"github.com/amoylab/kefu/internal/auth/jwt"
	"github.com/amoylab/kefu/internal/chatlog"
	"github.com/amoylab/kefu/internal/common/cnst"
	"github.com/amoylab/kefu/internal/common/config"
	"github.com/amoylab/kefu/internal/presence"
	"github.com/amoylab/kefu/internal/relay"
	"github.com/amoylab/kefu/pkg/helper"
	"github.com/amoylab/kefu/pkg/logger"
	"github.com/amoylab/kefu/pkg/metrics"
	"github.com/amoylab/kefu/pkg/trace"
	"github.com/amoylab/kefu/pkg/utils"
	"github.com/amoylab/kefu/pkg/version"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// app holds everything a running server owns
type app struct {
	cfg      *config.KefuConfig
	logger   *zap.Logger
	presence presence.Store
	chatlog  chatlog.Store
	metrics  *metrics.Metrics
	manager  *relay.WebSocketManager
	engine   *gin.Engine
}

func newApp(cfg *config.KefuConfig, lg *zap.Logger) (*app, error) {
	store, err := presence.NewStore(lg, &cfg.Presence)
	if err != nil {
		return nil, fmt.Errorf("failed to create presence store: %w", err)
	}
	msgLog, err := chatlog.NewStore(lg, &cfg.MessageLog)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create message log: %w", err)
	}

	var jwtService *jwt.Service
	if cfg.Auth.JWT.Enabled {
		jwtService, err = jwt.NewService(jwt.Config{
			SecretKey: cfg.Auth.JWT.SecretKey,
			Duration:  cfg.Auth.JWT.Duration,
		})
		if err != nil {
			_ = store.Close()
			_ = msgLog.Close()
			return nil, fmt.Errorf("failed to create jwt service: %w", err)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.Tracing.Enabled {
		engine.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	if m != nil {
		engine.Use(m.Middleware())
		engine.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}

	manager := relay.NewWebSocketManager(lg, cfg.Relay, store, msgLog, m)
	handler.RegisterRoutes(engine, lg, manager, jwtService)

	return &app{
		cfg:      cfg,
		logger:   lg,
		presence: store,
		chatlog:  msgLog,
		metrics:  m,
		manager:  manager,
		engine:   engine,
	}, nil
}

func (a *app) close() {
	if err := a.chatlog.Close(); err != nil {
		a.logger.Warn("failed to close message log", zap.Error(err))
	}
	if err := a.presence.Close(); err != nil {
		a.logger.Warn("failed to close presence store", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", cfgPath, err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Sync()

	lg.Info("starting "+cnst.CommandName,
		zap.String("version", version.Get()),
		zap.String("config", cfgPath))

	if cfg.Tracing.Enabled {
		shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
		if err != nil {
			lg.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := shutdownTracing(sctx); err != nil {
					lg.Warn("failed to flush traces", zap.Error(err))
				}
			}()
		}
	}

	pidManager := utils.NewPIDManager(helper.GetPIDPath(utils.FirstNonEmpty(pidFile, cfg.Server.PID)))
	if err := pidManager.WritePID(); err != nil {
		lg.Warn("failed to write PID file", zap.String("path", pidManager.GetPIDFile()), zap.Error(err))
	} else {
		defer func() {
			if err := pidManager.RemovePID(); err != nil {
				lg.Warn("failed to remove PID file", zap.Error(err))
			}
		}()
	}

	a, err := newApp(cfg, lg)
	if err != nil {
		lg.Error("failed to initialize server", zap.Error(err))
		return err
	}
	defer a.close()

	if err := a.manager.Start(ctx); err != nil {
		lg.Error("failed to start websocket manager", zap.Error(err))
		return err
	}

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler: a.engine,
	}
	errCh := make(chan error, 1)
	go func() {
		lg.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		lg.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			lg.Error("http server failed", zap.Error(err))
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Warn("failed to shut down http server", zap.Error(err))
	}
	if err := a.manager.Shutdown(sctx); err != nil {
		lg.Warn("websocket manager did not drain in time", zap.Error(err))
	}
	lg.Info("server stopped")
	return nil
}
