// Package httpserver constructs the API server with timeouts suited to
// anchoring traffic.
package httpserver

import (
	"net/http"
	"time"
)

// New builds the HTTP server. The write timeout must outlast a full ledger
// retry budget: a record submission holds the request while retries run.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
