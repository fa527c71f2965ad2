// Package main is the entry point for the Voyago agent gateway. It wires the
// credential resolver, the embedded OAuth server, the checkout gateway and
// the protocol transports, then serves either a listening socket or a stdio
// channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voyago/agent-gateway/internal/authserver"
	"github.com/voyago/agent-gateway/internal/checkout"
	"github.com/voyago/agent-gateway/internal/config"
	"github.com/voyago/agent-gateway/internal/gateway"
	"github.com/voyago/agent-gateway/internal/logctx"
	"github.com/voyago/agent-gateway/internal/mcpserver"
	"github.com/voyago/agent-gateway/internal/partnerapi"
	"github.com/voyago/agent-gateway/internal/principal"
	"github.com/voyago/agent-gateway/internal/stdio"
	"github.com/voyago/agent-gateway/internal/tokencrypt"
)

func main() {
	transport := flag.String("transport", "http", `transport to serve: "stdio" or "http"`)
	port := flag.Int("port", 0, "listen port for http transport (overrides PORT)")
	flag.Parse()

	// Logs go to stderr: in stdio mode stdout is the protocol channel.
	logger := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})})
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fatal("failed to load config: %v", err)
	}

	sealKey, err := cfg.SealKey()
	if err != nil {
		fatal("failed to derive token-sealing key: %v", err)
	}
	sealer, err := tokencrypt.NewSealer(sealKey)
	if err != nil {
		fatal("failed to build token sealer: %v", err)
	}

	var envKey string
	if cfg.HasEnvCredentials() {
		envKey = cfg.APIKey
	}
	resolver := principal.NewResolver(partnerapi.NewProvisioner(cfg.APIURL, cfg.PartnerID), sealer, envKey)
	co := checkout.New(cfg.PublicBaseURL, sealer, resolver, logger)
	tools := mcpserver.MarketplaceToolSet(co)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *transport {
	case "stdio":
		runStdio(ctx, cfg, resolver, tools, logger)
	case "http":
		listenPort := cfg.Port
		if *port != 0 {
			listenPort = *port
		}
		runHTTP(ctx, cfg, listenPort, resolver, sealer, sealKey, co, tools, logger)
	default:
		fatal("unknown transport %q: must be stdio or http", *transport)
	}
}

func runStdio(ctx context.Context, cfg *config.Config, resolver *principal.Resolver, tools *mcpserver.ToolSet, logger *slog.Logger) {
	if !cfg.HasEnvCredentials() {
		fatal("stdio transport requires VOYAGO_API_URL, VOYAGO_PARTNER_ID and VOYAGO_API_KEY")
	}

	p, err := resolver.Resolve(ctx, "")
	if err != nil {
		fatal("failed to resolve environment credentials: %v", err)
	}
	logger.Info("stdio.start", slog.String("principal", p.Name))

	srv := mcpserver.New(p, tools, logger)
	if err := stdio.NewHandler(os.Stdin, os.Stdout, srv, logger).Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal("stdio transport failed: %v", err)
	}
	logger.Info("stdio.stop")
}

func runHTTP(ctx context.Context, cfg *config.Config, port int, resolver *principal.Resolver, sealer *tokencrypt.Sealer, sealKey []byte, co *checkout.Gateway, tools *mcpserver.ToolSet, logger *slog.Logger) {
	auth := authserver.New(cfg.PublicBaseURL, resolver, sealer, sealKey, logger)
	h := gateway.New(cfg.PublicBaseURL, resolver, auth, co, tools, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http.start",
			slog.String("addr", srv.Addr),
			slog.String("base_url", cfg.PublicBaseURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("http.shutdown.signal")
	case err := <-errCh:
		fatal("http server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fatal("http server shutdown failed: %v", err)
	}
	logger.Info("http.stop")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "gateway: "+format+"\n", args...)
	os.Exit(1)
}
