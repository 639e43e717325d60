// Package control implements the control surface: a health endpoint, a
// lock-guarded flush endpoint, and read-only fleet status endpoints,
// alongside a separate metrics listener.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/thpham/runnerfleet/internal/lifecycle"
)

// Server exposes the control surface over HTTP.
type Server struct {
	addr        string
	metricsAddr string
	log         *logrus.Logger

	lifecycleMgr *lifecycle.Manager

	// reconcileLock serializes HTTP-triggered flushes against
	// timer-driven reconciliation; it is never reentrant and never a
	// package-level global, so each Server owns exactly one.
	reconcileLock *sync.Mutex
}

// New builds a control surface Server. lock is shared with the scaler so
// a flush request and a timer-driven reconciliation pass never overlap.
func New(addr, metricsAddr string, lifecycleMgr *lifecycle.Manager, lock *sync.Mutex, log *logrus.Logger) *Server {
	return &Server{
		addr:          addr,
		metricsAddr:   metricsAddr,
		log:           log,
		lifecycleMgr:  lifecycleMgr,
		reconcileLock: lock,
	}
}

// Run starts the API and metrics listeners and blocks until ctx is
// cancelled or either server errors.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 2)

	apiServer := &http.Server{Addr: s.addr, Handler: s.router()}
	go func() {
		s.log.Infof("starting control surface on %s", s.addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("control surface error: %w", err)
		}
	}()

	metricsServer := &http.Server{Addr: s.metricsAddr, Handler: promhttp.Handler()}
	go func() {
		s.log.Infof("starting metrics server on %s", s.metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down control surface")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("error shutting down control surface: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		s.log.Errorf("error shutting down metrics server: %v", err)
	}
	return nil
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/runner/flush", s.handleFlush)
	mux.HandleFunc("/api/v1/runners", s.handleRunnerList)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// handleFlush acquires the reconcile lock, blocks until it is free, flushes
// idle or all runners depending on flush-busy, and returns 204. The lock is
// held for the full flush, so a timer-driven reconciliation pass can never
// race a manually triggered one.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flushBusy, _ := strconv.ParseBool(r.URL.Query().Get("flush-busy"))
	mode := lifecycle.FlushIdle
	if flushBusy {
		mode = lifecycle.FlushBusy
	}

	s.log.WithField("flush_busy", flushBusy).Debug("acquiring reconcile lock for flush")
	s.reconcileLock.Lock()
	defer s.reconcileLock.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	count, err := s.lifecycleMgr.FlushRunners(ctx, mode)
	if err != nil {
		s.log.WithError(err).Error("flush failed")
		http.Error(w, "flush failed", http.StatusInternalServerError)
		return
	}

	s.log.WithField("flushed", count).Info("flush complete")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunnerList(w http.ResponseWriter, r *http.Request) {
	runners := s.lifecycleMgr.Runners()

	out := make([]map[string]interface{}, 0, len(runners))
	for _, ri := range runners {
		out = append(out, map[string]interface{}{
			"instance_id": ri.InstanceID.String(),
			"reactive":    ri.InstanceID.Reactive(),
			"platform":    string(ri.Metadata.Kind),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"runners": out})
}
