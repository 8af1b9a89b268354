package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/lovelines/internal/messaging"
	"github.com/haasonsaas/lovelines/internal/observability"
	"github.com/haasonsaas/lovelines/pkg/models"
)

const shutdownTimeout = 30 * time.Second

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, initializes the service and blocks until a
// shutdown signal arrives.
func runServe(cmd *cobra.Command, debug bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, debug)
	logger.Info("starting lovelines",
		"version", version,
		"commit", commit,
		"store", cfg.Store.Driver,
		"session_backend", cfg.Sessions.Backend,
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var endpoint string
	if cfg.Tracing.Enabled {
		endpoint = cfg.Tracing.Endpoint
	}
	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.service(serviceOptions{Tracer: tracer})
	if err != nil {
		return err
	}
	if !svc.InitializeSafe(ctx) {
		return errors.New("messaging service failed to initialize")
	}

	errCh := make(chan error, 1)
	var server *http.Server
	if cfg.Metrics.Addr != "" {
		server = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           newStatusMux(a, svc),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		logger.Info("status server listening", "addr", cfg.Metrics.Addr)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err = <-errCh:
		logger.Error("status server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown failed", "error", err)
		}
	}
	svc.Shutdown(shutdownCtx)
	logger.Info("lovelines stopped")
	return err
}

// newStatusMux serves Prometheus metrics, a liveness probe, the service
// status as JSON and the per-user control endpoints. Bind it to a private
// address.
func newStatusMux(a *app, svc *messaging.Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !svc.IsInitialized() {
			http.Error(w, "not initialized", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})
	mux.HandleFunc("POST /users/{user}/reload", func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("user")
		if err := svc.ReloadUserChannels(r.Context(), userID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, svc.ListUserChannels(userID))
	})
	mux.HandleFunc("POST /users/{user}/channels/{platform}/stop", func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("user")
		platform, err := models.ParsePlatform(r.PathValue("platform"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError{Error: "bad_platform", Message: err.Error()})
			return
		}
		if err := svc.StopChannel(r.Context(), userID, platform); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, svc.ListUserChannels(userID))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadGateway, apiError{Error: err.Error(), Message: messaging.UserMessage(err)})
}

// =============================================================================
// Status Command Handler
// =============================================================================

func runStatus(cmd *cobra.Command, addr string, asJSON bool) error {
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr = cfg.Metrics.Addr
	}
	if addr == "" {
		return errors.New("no server address: pass --addr or set metrics.addr")
	}

	var status messaging.Status
	raw, err := newAPIClient(addr).getJSON(cmd.Context(), "/status", &status)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		_, err := out.Write(raw)
		return err
	}
	printStatus(out, status)
	return nil
}

func printStatus(out io.Writer, status messaging.Status) {
	fmt.Fprintf(out, "Initialized: %t\n", status.Initialized)
	fmt.Fprintf(out, "Users:       %d\n", status.Users)
	fmt.Fprintf(out, "Connections: %d (~%d MB)\n", status.Connections.Active, status.Connections.EstimatedMemoryMB)
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLATFORM\tACTIVE\tMAX\tFAILED\tQUEUED\tSENT\tFAILED SENDS")
	for _, p := range models.AllPlatforms() {
		st, ok := status.Connections.Platforms[p]
		if !ok {
			continue
		}
		m := status.Metrics[p]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			p, st.Active, st.Max, st.Failed, status.Queued[p], m.MessagesSent, m.MessagesFailed)
	}
	tw.Flush()

	if len(status.Channels) == 0 {
		return
	}
	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tPLATFORM\tRUNNING\tLINKED\tLAST ERROR")
	for _, ch := range status.Channels {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", ch.UserID, ch.Platform, ch.Running, ch.Linked, ch.LastError)
	}
	tw.Flush()
}
