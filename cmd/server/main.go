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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inline-chat/inline-sub015/internal/server/config"
	"github.com/inline-chat/inline-sub015/internal/server/database"
	"github.com/inline-chat/inline-sub015/internal/server/realtime"
	"github.com/inline-chat/inline-sub015/internal/server/realtime/handlers"
)

func main() {
	var (
		addr   string
		dbPath string
		debug  bool
	)

	root := &cobra.Command{
		Use:   "inline-server",
		Short: "Realtime update-delivery server",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := config.Overrides{}
			if cmd.Flags().Changed("addr") {
				overrides.Addr = &addr
			}
			if cmd.Flags().Changed("db") {
				overrides.DatabasePath = &dbPath
			}
			if cmd.Flags().Changed("debug") {
				overrides.Debug = &debug
			}

			cfg, err := config.Load(overrides)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVar(&addr, "addr", ":8010", "listen address")
	root.Flags().StringVar(&dbPath, "db", "./inline.db", "SQLite database path")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info().Str("path", cfg.DatabasePath).Msg("opening database")
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	presence := handlers.NewPresence(db)
	manager := realtime.NewConnectionManager(presence)
	registry := realtime.NewRegistry()
	server := realtime.NewServer(manager, registry, presence, cfg.JWTSecret)
	presence.Wire(server, manager)
	handlers.NewDeps(db, server).RegisterAll(registry)

	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		AllowCredentials: true,
	}))
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connections": manager.ConnectionCount(),
			"users":       manager.UserCount(),
		})
	})
	router.GET("/realtime", server.HandleWebSocket)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("realtime server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
