package server

import (
	"context"
	"net/http"
	"time"
)

// NewHTTPServer wraps the handler in an http.Server with production
// timeout defaults.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ShutdownHTTPServer shuts the server down without interrupting in-flight
// requests, waiting at most timeout for them to finish.
func ShutdownHTTPServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
