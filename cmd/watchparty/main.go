// Command watchparty runs the synchronized video watch-party server: the
// room-lifecycle HTTP endpoints, the WebSocket upgrade, and the in-memory
// room fabric behind them.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/watchsync/server/internal/authtoken"
	"github.com/watchsync/server/internal/checkedauth"
	"github.com/watchsync/server/internal/config"
	"github.com/watchsync/server/internal/httpapi"
	"github.com/watchsync/server/internal/logging"
	"github.com/watchsync/server/internal/ratelimit"
	"github.com/watchsync/server/internal/room"
)

func main() {
	// Load .env file for local development; a missing file is fine, real
	// deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logging.Initialize(cfg.Development())
	ctx := context.Background()

	signer, err := authtoken.NewSigner(cfg.JWTKey)
	if err != nil {
		logging.Fatal(ctx, "failed to build token signer", zap.Error(err))
	}

	tickets := checkedauth.NewStore()
	defer tickets.Close()

	rooms := room.NewRegistry(cfg.WSPath)

	limiter, err := ratelimit.New(cfg)
	if err != nil {
		logging.Fatal(ctx, "failed to build rate limiter", zap.Error(err))
	}

	api := httpapi.New(cfg, rooms, tickets, signer)

	if cfg.Development() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.AllowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	api.Register(router, limiter.RoomCreate(), limiter.RoomJoin())
	router.Static("/assets", cfg.AssetDir)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "watchparty server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "graceful shutdown failed", zap.Error(err))
	}
}
