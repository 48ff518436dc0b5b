package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartServer starts the REST surface on the given port. It returns the
// server instance for graceful shutdown support.
func StartServer(port int, deps *Dependencies, errChan chan<- error) *http.Server {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      SetupRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		slog.Info("api server starting", "port", port)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed to start", "err", err)
			errChan <- err
		}
	}()

	return server
}
