package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func WatchSignal() os.Signal {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	return <-signalCh
}

// ListenAndServe blocks until SIGINT/SIGTERM, then shuts the server down and
// runs the cleanup hooks in order.
func ListenAndServe(h http.Handler, port int, cleanup ...func()) {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: h,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen: %s", err)
		}
	}()
	logger.Infof("control server listening on :%d", port)

	sig := WatchSignal()
	logger.Infof("received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warnf("server shutdown: %s", err)
	}
	for _, f := range cleanup {
		f()
	}
	logger.Info("server shutdown")
}
