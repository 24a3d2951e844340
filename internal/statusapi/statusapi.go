// Package statusapi implements C11: a loopback-default, read-only HTTP
// surface exposing health, Prometheus metrics, the current shared time
// cell, and the registered subscriber list. Grounded on the teacher's
// server.go router construction (mux.NewRouter, handlers.CompressHandler,
// handlers.CustomLoggingHandler) — the auth/GraphQL/template routes it also
// wires are out of scope (§9 Non-goals: no GUI).
package statusapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dlt-tools/dltbroker/internal/dltlog"
	"github.com/dlt-tools/dltbroker/internal/dispatcher"
	"github.com/dlt-tools/dltbroker/internal/filterset"
)

// SubscriberPair mirrors filterset.Pair for JSON rendering without pulling
// subscriber internals into the response shape.
type SubscriberPair struct {
	Apid string `json:"apid"`
	Ctid string `json:"ctid"`
}

// Broker is the subset of the broker façade the status surface needs.
type Broker interface {
	Alive() bool
	Time() float64
	Subscribers() map[dispatcher.SubscriberID][]filterset.Pair
}

// Server wraps an *http.Server exposing the status endpoints.
type Server struct {
	httpServer *http.Server
}

// New builds the router and wraps it the way the teacher wraps its main
// router: compression and access logging via gorilla/handlers.
func New(addr string, broker Broker, registry *prometheus.Registry) *Server {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if !broker.Alive() {
			http.Error(w, "broker not alive", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	r.HandleFunc("/time", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]float64{"storage_timestamp": broker.Time()})
	}).Methods(http.MethodGet)

	r.HandleFunc("/subscribers", func(w http.ResponseWriter, req *http.Request) {
		out := make(map[string][]SubscriberPair)
		for id, pairs := range broker.Subscribers() {
			key := fmt.Sprintf("%d", id)
			list := make([]SubscriberPair, 0, len(pairs))
			for _, p := range pairs {
				list = append(list, SubscriberPair{Apid: p.Apid, Ctid: p.Ctid})
			}
			out[key] = list
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.Use(handlers.CompressHandler)
	logged := handlers.CustomLoggingHandler(logWriter{}, r, func(w io.Writer, params handlers.LogFormatterParams) {
		dltlog.Debugf("statusapi: %s %s (%d, %d bytes)", params.Request.Method, params.URL.RequestURI(), params.StatusCode, params.Size)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      logged,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// logWriter discards handlers.CustomLoggingHandler's own io.Writer side
// effect since the actual line is emitted by the formatter callback above
// through dltlog.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) { return len(p), nil }

// ListenAndServe blocks, as http.Server.ListenAndServe does.
func (s *Server) ListenAndServe() error {
	dltlog.Lifecyclef("statusapi: listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Close shuts the listener down immediately.
func (s *Server) Close() error {
	return s.httpServer.Close()
}
