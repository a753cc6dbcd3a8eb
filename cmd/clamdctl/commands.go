package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	grpclib "google.golang.org/grpc"

	clamd "github.com/DevHatRo/clamd-client-go"
	"github.com/DevHatRo/clamd-client-go/internal/config"
	"github.com/DevHatRo/clamd-client-go/internal/gateway"
)

func newClient(ctx context.Context, cfg config.Config, logger zerolog.Logger, extra ...clamd.ClientOption) (*clamd.Client, error) {
	opts, err := cfg.Clamd.ClientOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, clamd.WithLogger(logger))
	opts = append(opts, extra...)
	return clamd.NewClient(ctx, cfg.Clamd.Host, cfg.Clamd.Port, opts...)
}

// defaultPingTimeout bounds a CLI ping against a daemon that never answers.
const defaultPingTimeout = 10 * time.Second

func newPingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that clamd answers PING",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return fmt.Errorf("failed to get timeout flag: %w", err)
			}
			client, err := newClient(cmd.Context(), cfg, log.Logger, clamd.WithMaxConnections(1))
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if !client.Ping(ctx) {
				return &exitCodeError{code: exitError, err: fmt.Errorf("clamd at %s did not answer PING", client.Addr())}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PONG")
			return nil
		},
	}
	cmd.Flags().Duration("timeout", defaultPingTimeout, "Give up when clamd has not answered within this duration")
	return cmd
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <file>... | -",
		Short: "Stream files (or stdin) to clamd and print verdicts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := newClient(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}
			defer client.Close()

			return scanAll(cmd.Context(), client, args, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

type readerScanner interface {
	ScanReader(ctx context.Context, r io.Reader) (clamd.Verdict, error)
}

// scanAll scans each path in turn. Every path is scanned even after a
// failure; the returned error carries the clamdscan-style exit code.
func scanAll(ctx context.Context, s readerScanner, paths []string, stdin io.Reader, out io.Writer) error {
	found, failed := false, false
	for _, path := range paths {
		v, err := scanPath(ctx, s, path, stdin)
		if err != nil {
			failed = true
			fmt.Fprintf(out, "%s: %v ERROR\n", path, err)
			continue
		}
		switch v := v.(type) {
		case clamd.Clean:
			fmt.Fprintf(out, "%s: OK\n", path)
		case clamd.Infected:
			found = true
			sig := v.Signature()
			if sig == "" {
				sig = v.Raw
			}
			fmt.Fprintf(out, "%s: %s FOUND\n", path, sig)
		case clamd.SizeExceeded:
			failed = true
			fmt.Fprintf(out, "%s: %s\n", path, v.Raw)
		default:
			return &exitCodeError{code: exitError, err: fmt.Errorf("%s: unhandled verdict %v", path, v)}
		}
	}

	switch {
	case failed:
		return &exitCodeError{code: exitError}
	case found:
		return &exitCodeError{code: exitFound}
	}
	return nil
}

func scanPath(ctx context.Context, s readerScanner, path string, stdin io.Reader) (clamd.Verdict, error) {
	if path == "-" {
		return s.ScanReader(ctx, stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.ScanReader(ctx, f)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP scan gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.HTTP.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log.Logger)
		},
	}
	cmd.Flags().String("listen", "", "HTTP listen address (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := clamd.NewMetrics()
	client, err := newClient(ctx, cfg, logger, clamd.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer client.Close()

	monitor := gateway.NewHealthMonitor(client, cfg.Health.Interval, logger)
	go monitor.Run(ctx)

	app := gateway.NewApp(client, gateway.Config{
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Metrics:      metrics.Handler(),
		Health:       monitor,
		Logger:       logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Both listeners are bound before anything is served, so a bad address
	// leaves no server running.
	httpLis, err := net.Listen("tcp", cfg.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	var grpcLis net.Listener
	if cfg.GRPC.Listen != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPC.Listen)
		if err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", httpLis.Addr().String()).Str("clamd", client.Addr()).Msg("http gateway listening")
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcSrv *grpclib.Server
	if grpcLis != nil {
		grpcSrv = grpclib.NewServer()
		monitor.Register(grpcSrv)
		go func() {
			logger.Info().Str("addr", grpcLis.Addr().String()).Msg("grpc health listening")
			if err := grpcSrv.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}
