package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/visio-labs/visio/config"
	"github.com/visio-labs/visio/internal/handlers"
	"github.com/visio-labs/visio/internal/redisstore"
	"github.com/visio-labs/visio/internal/relay"
	"github.com/visio-labs/visio/internal/rooms"
	"github.com/visio-labs/visio/internal/signaling"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	rdb, err := redisstore.Connect(context.Background(), cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	logger.Info().Msg("Redis connection established")

	roomService := rooms.NewService(rdb, logger)
	channel := signaling.NewChannel(rdb, logger)

	mailboxes := relay.New(rdb, channel, roomService, cfg.MailboxTTL, logger)
	if err := mailboxes.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to start mailbox relay")
	}

	router := handlers.NewRouter(
		handlers.NewRoomHandlers(roomService, logger),
		handlers.NewRTCHandlers(channel, mailboxes, logger),
		handlers.NewWSHandlers(roomService, channel, logger),
		cfg.AllowedOrigins,
	)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("starting signaling server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
	}

	mailboxes.Stop()
	logger.Info().Msg("server exited")
}
