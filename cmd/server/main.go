package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-treasury/internal/audit"
	"github.com/ksred/klear-treasury/internal/auth"
	"github.com/ksred/klear-treasury/internal/chain"
	"github.com/ksred/klear-treasury/internal/config"
	"github.com/ksred/klear-treasury/internal/database"
	"github.com/ksred/klear-treasury/internal/exchange"
	"github.com/ksred/klear-treasury/internal/feehook"
	"github.com/ksred/klear-treasury/internal/keeper"
	"github.com/ksred/klear-treasury/internal/metrics"
	"github.com/ksred/klear-treasury/internal/treasury"
	"github.com/ksred/klear-treasury/pkg/middleware"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the venue, treasury, fee hook and keeper and serves the API
// with graceful shutdown support
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Server.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.Server.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	auditLog := audit.NewLog(db)

	sim := exchange.NewSimulator()
	sim.Subscribe(auditLog.OnCommit)
	if err := cfg.Venue.Seed(sim); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to seed venue")
	}

	var hookHandlers *feehook.GinHandlers
	if cfg.FeeHook.Enabled {
		hookCfg, err := cfg.FeeHook.HookConfig()
		if err != nil {
			zlog.Fatal().Err(err).Msg("Invalid fee hook config")
		}
		hook, err := feehook.New(hookCfg, chain.Native, feehook.NewDatabase(db),
			feehook.WithRecorder(auditLog),
			feehook.WithMetrics(metrics.FeeHook()),
		)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to initialize fee hook")
		}
		sim.RegisterHook(hook)
		hookHandlers = feehook.NewGinHandlers(hook)
	}

	settings, err := cfg.Treasury.Settings()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid treasury config")
	}
	treasuryService, err := treasury.NewService(db, sim, settings, treasury.WithMetrics(metrics.Treasury()))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize treasury")
	}
	treasuryHandlers := treasury.NewGinHandlers(treasuryService, auditLog)

	authService := auth.NewService(cfg.Server.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	for _, cred := range cfg.Credentials {
		authService.RegisterAPICredentials(cred.APIKey, cred.APISecret, common.HexToAddress(cred.Address))
	}

	keeperCtx, keeperCancel := context.WithCancel(context.Background())
	defer keeperCancel()
	if cfg.Keeper.Enabled {
		k := keeper.New(treasuryService, cfg.Keeper.KeeperCaller(), cfg.Keeper.Interval.Duration)
		go k.Start(keeperCtx)
	}

	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, authService, authHandlers, treasuryService, treasuryHandlers, hookHandlers, exchange.NewGinHandlers(sim))

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	keeperCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers:
//   - Auth routes: public token issuance
//   - Order and treasury routes: JWT protected, admin routes further gated
//   - Venue routes: JWT protected; price updates under /internal, admin only
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	treasuryService *treasury.Service,
	treasuryHandlers *treasury.GinHandlers,
	hookHandlers *feehook.GinHandlers,
	venueHandlers *exchange.GinHandlers,
) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	adminOnly := middleware.RequireCaller(treasuryService.IsAdmin)

	v1 := router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(authService))
		{
			orders.GET("", treasuryHandlers.ListOrdersHandler())
			orders.POST("", treasuryHandlers.OpenOrderHandler())
			orders.GET("/:order_id", treasuryHandlers.GetOrderHandler())
			orders.POST("/:order_id/sell", treasuryHandlers.SellOrderHandler())
		}

		treasuryGroup := v1.Group("/treasury")
		treasuryGroup.Use(middleware.JWTAuth(authService))
		{
			treasuryGroup.GET("/config", treasuryHandlers.GetConfigHandler())
			treasuryGroup.GET("/balances", treasuryHandlers.BalancesHandler())
			treasuryGroup.GET("/stats", treasuryHandlers.StatsHandler())
			treasuryGroup.GET("/audit", treasuryHandlers.AuditHandler())
			treasuryGroup.PUT("/config", adminOnly, treasuryHandlers.UpdateConfigHandler())
			treasuryGroup.POST("/admin", adminOnly, treasuryHandlers.TransferAdminHandler())
			treasuryGroup.POST("/withdrawals", adminOnly, treasuryHandlers.WithdrawHandler())
		}

		if hookHandlers != nil {
			hook := v1.Group("/fee-hook")
			hook.Use(middleware.JWTAuth(authService))
			{
				hook.GET("", hookHandlers.GetHookHandler())
				hook.PUT("/recipient", hookHandlers.SetRecipientHandler())
			}
		}

		venue := v1.Group("/venue")
		venue.Use(middleware.JWTAuth(authService))
		{
			venue.GET("/pools", venueHandlers.ListPoolsHandler())
			venue.POST("/swaps", venueHandlers.SwapHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.JWTAuth(authService), adminOnly)
		{
			internal.PUT("/venue/pools/:pool_id/price", venueHandlers.SetPriceHandler())
		}
	}
}
