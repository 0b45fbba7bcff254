package server

import (
	"net/http"
	"time"
)

func New(addr string, health http.Handler, ingest *IngestHandlers, metrics http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /health", health)
	if ingest != nil {
		mux.HandleFunc("POST /v1/records", ingest.PostRecord)
		mux.HandleFunc("POST /v1/gelf", ingest.PostGELF)
	}
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
