// Command healthcore runs the clinical data receipt ledger server.
//
// Configuration is environment-driven:
//
//	HEALTHCORE_LISTEN_ADDR: HTTP listen address (default :8080)
//	HEALTHCORE_STORAGE_DRIVER, HEALTHCORE_SQLITE_PATH, HEALTHCORE_POSTGRES_DSN
//	HEALTHCORE_ARCHIVE_DRIVER, HEALTHCORE_ARCHIVE_DIR, HEALTHCORE_ARCHIVE_BUCKET
//	HEALTHCORE_RECEIPT_WINDOW, HEALTHCORE_SHARED_TYPES
package main

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"healthcore/internal/adapters/rest"
	"healthcore/internal/archive"
	"healthcore/internal/ledger"
)

// slogAdapter bridges the service logger onto log/slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Debug(msg string, args ...any) { a.logger.Debug(msg, args...) }
func (a slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	store, err := ledger.OpenPersistentStore()
	if err != nil {
		return err
	}

	blobStore, err := archive.Open(ctx)
	if err != nil {
		return err
	}

	metrics, err := ledger.NewPrometheusMetricsRecorder(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	svc := ledger.NewService(store,
		ledger.WithLogger(slogAdapter{logger: logger}),
		ledger.WithMetricsRecorder(metrics),
		ledger.WithArchive(archive.NewEnvelopes(blobStore)),
		ledger.WithSharedTypes(ledger.SharedTypesFromEnv()),
		ledger.WithReceiptWindow(ledger.ReceiptWindowFromEnv()),
	)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", rest.NewHandler(svc))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := os.Getenv("HEALTHCORE_LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "archive", blobStore.Driver())
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
