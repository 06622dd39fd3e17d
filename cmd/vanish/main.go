package main

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/vanishapp/vanish/internal/auth"
	"github.com/vanishapp/vanish/internal/db"
	"github.com/vanishapp/vanish/internal/handlers"
	"github.com/vanishapp/vanish/internal/push"
	"github.com/vanishapp/vanish/internal/ws"
	"github.com/vanishapp/vanish/pkg/config"
)

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limiter error"})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func serverErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Printf(
				"HTTP %d %s %s ip=%s duration=%s errors=%q response=%q",
				c.Writer.Status(),
				c.Request.Method,
				c.Request.URL.Path,
				c.ClientIP(),
				time.Since(start).Truncate(time.Millisecond),
				c.Errors.ByType(gin.ErrorTypeAny).String(),
				strings.TrimSpace(blw.body.String()),
			)
		}
	}
}

func panicRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Printf(
			"panic recovered method=%s path=%s ip=%s error=%v\n%s",
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			recovered,
			debug.Stack(),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	if err := runServer(cfg); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "purge":
		return runPurge(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  vanish           Start the web server")
	fmt.Fprintln(out, "  vanish status    Show application statistics")
	fmt.Fprintln(out, "  vanish status --json")
	fmt.Fprintln(out, "  vanish purge     Delete expired messages and their leftovers")
	fmt.Fprintln(out, "  vanish purge --dry-run")
}

func runServer(cfg *config.Config) error {
	// Ensure data directories exist
	os.MkdirAll(cfg.FileStoragePath, 0755)

	// Initialize database
	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	// Initialize services
	authSvc := auth.New(database.GetConn(), cfg.JWTSecret)
	notifier := push.NewNotifier(database.GetConn(), cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)

	// Initialize WebSocket hub
	hub := ws.NewHub(database.GetConn())
	go hub.Run()

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authSvc)
	msgHandler := handlers.NewMessageHandler(database.GetConn(), hub, notifier)
	reqHandler := handlers.NewRequestHandler(database.GetConn(), hub, notifier)
	keyHandler := handlers.NewKeyHandler(database.GetConn(), authSvc)
	fileHandler := handlers.NewFileHandler(database.GetConn(), hub, notifier,
		cfg.FileStoragePath, cfg.MaxUploadSize, cfg.DownloadTokenTTL)
	convHandler := handlers.NewConversationHandler(database.GetConn())
	pushHandler := handlers.NewPushHandler(notifier)

	// Setup router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(serverErrorLogger())
	router.Use(gin.Logger())
	router.Use(panicRecovery())
	router.MaxMultipartMemory = cfg.MaxUploadSize

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", cfg.CORSOrigins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Public endpoints
	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/auth/register", rateLimitMiddleware(registerLimiter), authHandler.Register)
		api.POST("/auth/login", rateLimitMiddleware(loginLimiter), authHandler.Login)
	}

	// Protected endpoints
	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		// Conversations
		protected.POST("/conversations", convHandler.Create)
		protected.GET("/conversations", convHandler.List)
		protected.DELETE("/conversations/:id", convHandler.Delete)
		protected.GET("/conversations/:id/messages", msgHandler.ListConversationMessages)

		// Messages
		protected.POST("/messages", msgHandler.Send)
		protected.POST("/messages/:id/seen", msgHandler.MarkSeen)
		protected.DELETE("/messages/:id", msgHandler.DeleteForMe)

		// Decryption requests
		protected.POST("/messages/:id/decryption-requests", reqHandler.Create)
		protected.GET("/decryption-requests", reqHandler.ListPending)
		protected.POST("/decryption-requests/:id/approve", reqHandler.Approve)
		protected.POST("/decryption-requests/:id/deny", reqHandler.Deny)

		// Conversation keys
		protected.POST("/conversations/:id/key", keyHandler.SetKey)
		protected.GET("/conversations/:id/key", keyHandler.HasKey)
		protected.POST("/security/verify-password", keyHandler.VerifyPassword)
		protected.POST("/security/conversation-key", keyHandler.ChangeKey)

		// Files
		protected.POST("/files", fileHandler.Upload)
		protected.GET("/files/:id/download", fileHandler.Download)

		// Push subscriptions
		protected.GET("/push/vapid-public-key", pushHandler.VAPIDPublicKey)
		protected.POST("/push/subscriptions", pushHandler.Subscribe)
		protected.DELETE("/push/subscriptions", pushHandler.Unsubscribe)
	}

	// WebSocket endpoint
	router.GET("/ws", authHandler.AuthMiddleware(), hub.HandleWebSocket)

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Start server
	addr := fmt.Sprintf("0.0.0.0:%s", cfg.Port)
	log.Printf("Starting server on %s", addr)

	// Setup graceful shutdown
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigint
		log.Println("\nShutting down gracefully...")
		os.Exit(0)
	}()

	if err := router.Run(addr); err != nil {
		return err
	}

	return nil
}
