// Package exporter serves an open engine's Prometheus metrics over HTTP,
// together with a health check and a plain-text stats page.
package exporter

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NebulousLabs/errors"

	"recstore/pkg/engine"
	"recstore/pkg/logging"
	"recstore/pkg/metrics"
	"recstore/pkg/operation"
	"recstore/pkg/primitives"
)

type Server struct {
	engine  *engine.Engine
	metrics *metrics.Collector
	log     *slog.Logger
	srv     *http.Server
}

// New returns a server for e. m must be the collector e was opened with.
func New(e *engine.Engine, m *metrics.Collector, addr string) *Server {
	s := &Server{engine: e, metrics: m, log: logging.WithComponent("exporter")}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/stats", s.stats)
	return mux
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Ping(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	fmt.Fprint(w, "OK")
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, s.engine.Stats().String())
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.ListenAndServe() }()
	s.log.Info("metrics exporter listening", "addr", s.srv.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Simulate drives a small workload against e every interval until ctx is
// done, so that a fresh store has something to report. Each round bumps a
// shared counter and rewrites a scratch record, aborting every third round.
func Simulate(ctx context.Context, e *engine.Engine, interval time.Duration) error {
	log := logging.WithComponent("simulator")

	setup, err := e.Begin()
	if err != nil {
		return err
	}
	ctr, err := e.Alloc(setup, operation.CounterSize)
	if err != nil {
		_ = e.Abort(setup)
		return err
	}
	if err := e.Commit(setup); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for round := 1; ; round++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := simulateRound(e, ctr, round); err != nil {
			if e.Err() != nil {
				return err
			}
			log.Warn("simulated round failed", "round", round, "error", err)
		}
	}
}

func simulateRound(e *engine.Engine, ctr primitives.RecordID, round int) error {
	tid, err := e.Begin()
	if err != nil {
		return err
	}
	err = func() error {
		if err := e.Increment(tid, ctr, 1); err != nil {
			return err
		}
		scratch, err := e.Alloc(tid, 8)
		if err != nil {
			return err
		}
		if err := e.Set(tid, scratch, binary.BigEndian.AppendUint64(nil, uint64(round))); err != nil {
			return err
		}
		return e.Dealloc(tid, scratch)
	}()
	if err != nil || round%3 == 0 {
		return errors.Compose(err, e.Abort(tid))
	}
	return e.Commit(tid)
}
