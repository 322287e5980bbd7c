package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/chatclient/api/handlers"
	"github.com/remote-agent-terminal/chatclient/internal/auth"
	"github.com/remote-agent-terminal/chatclient/internal/config"
	"github.com/remote-agent-terminal/chatclient/internal/db"
	"github.com/remote-agent-terminal/chatclient/internal/model"
	"github.com/remote-agent-terminal/chatclient/internal/repository"
	"github.com/remote-agent-terminal/chatclient/internal/ws"
)

func main() {
	cfg, err := config.LoadServer(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// Ensure data directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	// Initialize database
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	// Initialize repositories
	userRepo := repository.NewUserRepository(database)
	conversationRepo := repository.NewConversationRepository(database)
	messageRepo := repository.NewMessageRepository(database)

	if err := seedUsers(userRepo, cfg.Users, logger); err != nil {
		log.Fatalf("Failed to seed users: %v", err)
	}

	// Initialize channel service
	wsService := ws.NewService(ws.NewHubManager(), conversationRepo, messageRepo, ws.ServiceConfig{Logger: logger})
	defer wsService.Close()

	// Initialize handlers
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.Issuer, cfg.TokenTTL)
	authHandler := handlers.NewAuthHandler(userRepo, issuer, logger)
	wsHandler := handlers.NewWebSocketHandler(issuer, ws.NewHandler(wsService, logger), logger)

	// Initialize Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Debug {
		r.Use(gin.Logger())
	}

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	authHandler.RegisterRoutes(r.Group("/api"))
	wsHandler.RegisterRoutes(r.Group("/socket"))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		wsService.Close()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	logger.Info("starting server", "addr", cfg.Addr, "db", cfg.DBPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// seedUsers creates the configured accounts that do not exist yet.
func seedUsers(users *repository.UserRepository, seeds []config.SeedUser, logger *slog.Logger) error {
	ctx := context.Background()
	for _, seed := range seeds {
		user, err := users.Create(ctx, seed.Email, seed.Name, seed.Password)
		if errors.Is(err, model.ErrEmailTaken) {
			continue
		}
		if err != nil {
			return err
		}
		logger.Info("seeded user", "id", user.ID, "email", user.Email)
	}
	return nil
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
