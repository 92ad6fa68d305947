// Entry point for the courrier channel service: chi router, webhook
// ingress, channel CRUD and conversation APIs, optional MCP over stdio.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hazyhaar/courrier/channels"
	"github.com/hazyhaar/courrier/observability"
	"github.com/hazyhaar/courrier/shield"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

func main() {
	cfg := DefaultConfig()
	if path := env("CONFIG", ""); path != "" {
		var err error
		cfg, err = LoadConfig(path)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
	}
	// Env overrides for containerized deployments.
	if port := env("PORT", ""); port != "" {
		cfg.Listen = ":" + port
	}
	if dbPath := env("DB_PATH", ""); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if base := env("PUBLIC_BASE_URL", ""); base != "" {
		cfg.PublicBaseURL = base
	}
	if lvl := env("LOG_LEVEL", ""); lvl != "" {
		cfg.LogLevel = lvl
	}
	if hash := env("ADMIN_TOKEN_HASH", ""); hash != "" {
		cfg.AdminTokenHash = hash
	}
	if tr := env("MCP_TRANSPORT", ""); tr != "" {
		cfg.MCPTransport = tr
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database.
	db, err := channels.OpenDB(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := observability.Init(db); err != nil {
		slog.Error("observability schema", "error", err)
		os.Exit(1)
	}
	events := observability.NewEventLogger(db)
	if err := observability.Cleanup(ctx, db, cfg.EventRetentionDays); err != nil {
		slog.Warn("event cleanup", "error", err)
	}

	// Connectors. All four share the public base URL for webhook ingress.
	registry, err := channels.NewRegistry(
		channels.NewChatWidgetConnector(cfg.PublicBaseURL),
		channels.NewEmailConnector(cfg.PublicBaseURL),
		channels.NewWhatsAppConnector(cfg.PublicBaseURL),
		channels.NewSMSConnector(cfg.PublicBaseURL),
	)
	if err != nil {
		slog.Error("registry", "error", err)
		os.Exit(1)
	}

	store := channels.NewStore(db,
		channels.WithConversationWindow(time.Duration(cfg.ConversationWindowHours)*time.Hour))
	svc := channels.NewService(store, registry,
		channels.WithLogger(logger),
		channels.WithEventLogger(events),
		channels.WithSendTimeout(time.Duration(cfg.SendTimeoutSeconds)*time.Second))

	// Optional MCP admin tools over stdio.
	if cfg.MCPTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "courrier",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("mcp server", "error", err)
			}
		}()
	}

	// Router.
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(cfg.RateLimitPerMinute, "/health") {
		r.Use(mw)
	}
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	handler := channels.NewHandler(svc, logger)
	api := handler.Routes()
	if cfg.AdminTokenHash != "" {
		r.Mount("/", adminAuth(cfg.AdminTokenHash)(api))
	} else {
		slog.Warn("admin auth disabled: no admin_token_hash configured")
		r.Mount("/", api)
	}

	// HTTP server.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// adminAuth enforces a bcrypt-hashed bearer token on the management API.
// Webhook ingress stays open: inbound events authenticate per channel
// with HMAC signatures, and external providers cannot carry our token.
func adminAuth(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isWebhookPath(r) {
				next.ServeHTTP(w, r)
				return
			}
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" ||
				bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)) != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isWebhookPath(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/widget/chat/") ||
		strings.HasSuffix(r.URL.Path, "/webhook")
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
