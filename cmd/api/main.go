package main

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"plinko-rewards-backend/internal/config"
	"plinko-rewards-backend/internal/handlers"
	"plinko-rewards-backend/internal/levels"
	"plinko-rewards-backend/internal/middleware"
	"plinko-rewards-backend/internal/models"
	"plinko-rewards-backend/internal/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("Failed to set up storage: %v", err)
	}
	defer closeStore()

	table := levels.Default()
	if cfg.LevelsPath != "" {
		table, err = levels.LoadFile(cfg.LevelsPath)
		if err != nil {
			log.Fatalf("Failed to load reward tables: %v", err)
		}
	}

	anticheat := services.NewAntiCheatValidator(models.DefaultAntiCheatConfig(), table)

	serverCfg := services.DefaultServerConfig()
	serverCfg.LatencyMin = cfg.LatencyMin
	serverCfg.LatencyMax = cfg.LatencyMax
	serverCfg.ErrorRate = cfg.ErrorRate
	serverCfg.SessionDuration = cfg.SessionDuration

	server, err := services.NewServerService(serverCfg, store, anticheat, table)
	if err != nil {
		log.Fatalf("Failed to start server service: %v", err)
	}

	jwtService := services.NewJWTService(cfg)

	wsHandler := handlers.NewWebSocketHandler()
	sessionHandler := handlers.NewSessionHandler(server, jwtService)
	batchHandler := handlers.NewBatchHandler(server, anticheat, wsHandler)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.POST("/session/start", sessionHandler.StartSession)
	router.POST("/session/sync", sessionHandler.SyncSession)

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(jwtService))
	{
		protected.GET("/ws", wsHandler.HandleWebSocket)
		protected.POST("/batch/validate", batchHandler.ValidateBatch)
		protected.GET("/wallet", batchHandler.GetWalletBalance)
		protected.GET("/anticheat/report", batchHandler.GetAntiCheatReport)
	}

	log.Printf("Server starting on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func buildStore(cfg *config.Config) (services.KeyValueStore, func(), error) {
	switch cfg.StorageBackend {
	case "redis":
		store, err := services.NewRedisStore(cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	case "postgres":
		store, err := services.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return services.NewMemoryStore(), func() {}, nil
	}
}
