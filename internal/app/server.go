package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/angelmondragon/orderflow/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// Serve runs an HTTP server on addr until ctx is cancelled, then drains it.
func Serve(ctx context.Context, addr string, handler http.Handler, logg *logger.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info(logg.WithField(ctx, "addr", addr), "http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logg.Info(ctx, "http server stopped")
	return nil
}
