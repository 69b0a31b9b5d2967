package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamdrake/go_netinspect/internal/api"
	"github.com/adamdrake/go_netinspect/internal/capture"
	"github.com/adamdrake/go_netinspect/internal/config"
	"github.com/adamdrake/go_netinspect/internal/proxy"
	"github.com/adamdrake/go_netinspect/internal/transport"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var (
		proxyAddr   string
		apiAddr     string
		maxRequests int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capturing proxy and the inspection API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("proxy") {
				cfg.ProxyAddr = proxyAddr
			}
			if cmd.Flags().Changed("api") {
				cfg.APIAddr = apiAddr
			}
			if cmd.Flags().Changed("max-requests") {
				cfg.MaxRequests = maxRequests
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&proxyAddr, "proxy", ":8080", "Proxy server listen address")
	cmd.Flags().StringVar(&apiAddr, "api", ":8081", "API server listen address")
	cmd.Flags().IntVar(&maxRequests, "max-requests", capture.DefaultMaxRequests, "Maximum number of requests to keep in memory")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, closer := newLogger(cfg)
	defer closer.Close()

	opts, err := cfg.InspectorOptions()
	if err != nil {
		return err
	}

	ic := transport.Install(transport.Config{MaxBodySize: cfg.MaxBodySize})
	ic.SetLogger(logger)
	defer transport.Uninstall()

	inspector, err := capture.Default()
	if err != nil {
		return fmt.Errorf("create inspector: %w", err)
	}
	inspector.SetLogger(logger)
	inspector.Start(opts)
	defer capture.ResetDefault()

	printBanner(cfg.ProxyAddr, cfg.APIAddr)

	proxyConfig := proxy.DefaultConfig()
	proxyConfig.ListenAddr = cfg.ProxyAddr
	proxyServer := proxy.NewServer(proxyConfig, ic, logger)
	apiServer := api.NewServer(inspector, opts, cfg.APIAddr, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 2)
	go func() {
		if err := proxyServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("proxy server error: %w", err)
		}
	}()
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errChan:
		logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("proxy server shutdown error", "error", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown error", "error", err)
	}

	logger.Info("servers stopped")
	return runErr
}

func printBanner(proxyAddr, apiAddr string) {
	fmt.Println("netinspect: HTTP request capture")
	fmt.Printf("Proxy Server: %s\n", proxyAddr)
	fmt.Printf("API Server:   %s\n", apiAddr)
	fmt.Println()
	fmt.Println("Configure your system/browser proxy to:", proxyAddr)
	fmt.Println("View captured requests at: http://localhost" + apiAddr + "/api/requests")
	fmt.Println("Stream requests in real-time: http://localhost" + apiAddr + "/api/requests/stream")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
}
