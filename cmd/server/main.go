package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/impactbank/backend/internal/database"
	"github.com/impactbank/backend/internal/handlers"
	mW "github.com/impactbank/backend/internal/middleware"
	"github.com/impactbank/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Impact Banking API
// @version 1.0
// @description Double-entry banking ledger with fundraising and donation matching
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("automation.base_url", "AUTOMATION_BASE_URL")
	viper.BindEnv("automation.test_mode", "AUTOMATION_TEST_MODE")
	viper.BindEnv("fundraising.public_base_url", "FUNDRAISING_PUBLIC_BASE_URL")
	viper.BindEnv("ach.originator_bic", "ACH_ORIGINATOR_BIC")

	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize services
	db := database.MustConnect()
	defer db.Close()

	if err := database.ApplySchema(db, "./db/schema.sql"); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	redisClient := database.ConnectRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	automation := services.NewWebhookPublisher(redisClient)
	ledgerService := services.NewLedgerService(db)
	achService := services.NewACHService()
	transactionService := services.NewTransactionService(db, redisClient, ledgerService, achService, automation)
	accountService := services.NewAccountService(db, ledgerService, automation)
	fundraisingService := services.NewFundraisingService(db, ledgerService)
	fundraisingHandler := handlers.NewFundraisingHandler(fundraisingService, ledgerService, automation)
	payeeService := services.NewPayeeService(db)
	apiKeyService := services.NewAPIKeyService(db)
	authService := services.NewAuthService(db, redisClient)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(db, redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Correlation-Id", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link", "Idempotent-Replayed"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// Static file server for fundraising images
	r.Handle("/static/fundraising/*", http.StripPrefix("/static/fundraising/",
		mW.StaticFileServer("./static/fundraising")))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Public fundraising pages and donations
		r.Get("/fundraising/{id}", fundraisingHandler.PublicPage)
		r.Post("/fundraising/{id}/donate", fundraisingHandler.Donate)
		r.Get("/fundraising/{id}/qr", fundraisingHandler.QRCode)

		// Protected endpoints (JWT or API key)
		r.Group(func(r chi.Router) {
			r.Use(mW.Auth)

			r.Get("/auth/account", authService.GetUserAccount)

			r.Get("/accounts", accountService.ListAccounts)
			r.Post("/accounts", accountService.CreateAccount)
			r.Get("/accounts/{id}", accountService.GetAccount)
			r.Patch("/accounts/{id}", accountService.RenameAccount)
			r.Delete("/accounts/{id}", accountService.DeleteAccount)
			r.Get("/accounts/{id}/balance", accountService.GetBalance)

			r.Get("/accounts/{id}/transactions", transactionService.ListTransactions)
			r.Post("/accounts/{id}/transactions", transactionService.CreateTransaction)
			r.Post("/accounts/{id}/transfer", transactionService.Transfer)
			r.Post("/accounts/{id}/payments", transactionService.CreatePayment)

			r.Get("/accounts/{id}/fundraising", fundraisingHandler.GetSettings)
			r.Put("/accounts/{id}/fundraising", fundraisingHandler.UpdateSettings)

			r.Get("/payees", payeeService.ListPayees)
			r.Post("/payees", payeeService.CreatePayee)
			r.Get("/payees/{id}", payeeService.GetPayee)
			r.Put("/payees/{id}", payeeService.UpdatePayee)
			r.Delete("/payees/{id}", payeeService.DeletePayee)

			r.Get("/api-keys", apiKeyService.ListAPIKeys)
			r.Post("/api-keys", apiKeyService.CreateAPIKey)
			r.Delete("/api-keys/{id}", apiKeyService.RevokeAPIKey)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
