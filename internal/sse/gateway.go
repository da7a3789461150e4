// Package sse streams job update events to HTTP clients as Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/cuongbtq/analysis-pipeline/internal/events"
)

const (
	defaultHeartbeat  = 15 * time.Second
	defaultBufferSize = 64
	countsTimeout     = 2 * time.Second
)

// Subscriber is the event source a gateway listens to
type Subscriber interface {
	Subscribe(listener events.Listener) func()
}

// CountsProvider supplies queue counts for the initial-state frame
type CountsProvider interface {
	GetJobCounts(ctx context.Context) (domain.JobCounts, error)
}

// Config tunes a Gateway. Counts is optional.
type Config struct {
	Heartbeat  time.Duration
	BufferSize int
	Counts     CountsProvider
	Logger     *slog.Logger
}

// Scope restricts a stream to one project. The zero Scope receives every event.
type Scope struct {
	ProjectID string
}

func (s Scope) matches(event domain.JobUpdateEvent) bool {
	return s.ProjectID == "" || s.ProjectID == event.ProjectID
}

// InitialState is the first frame of every stream
type InitialState struct {
	Type      string            `json:"type"`
	ProjectID string            `json:"projectId,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Counts    *domain.JobCounts `json:"counts,omitempty"`
}

// Gateway fans bus events out to connected SSE clients
type Gateway struct {
	bus        Subscriber
	heartbeat  time.Duration
	bufferSize int
	counts     CountsProvider
	logger     *slog.Logger
	now        func() time.Time

	clients   atomic.Int64
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	suspended bool
	interrupt chan struct{}
}

// New creates a gateway reading from bus
func New(bus Subscriber, cfg Config) *Gateway {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Gateway{
		bus:        bus,
		heartbeat:  cfg.Heartbeat,
		bufferSize: cfg.BufferSize,
		counts:     cfg.Counts,
		logger:     cfg.Logger,
		now:        time.Now,
		done:       make(chan struct{}),
		interrupt:  make(chan struct{}),
	}
}

// Clients returns the number of open streams
func (g *Gateway) Clients() int {
	return int(g.clients.Load())
}

// Close ends every open stream. Streams opened afterwards return immediately.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
}

// Suspend ends every open stream and refuses new ones until Resume. Used while
// the update feed is down, so clients reconnect instead of waiting on a silent stream.
func (g *Gateway) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.suspended {
		return
	}
	g.suspended = true
	close(g.interrupt)
	g.interrupt = make(chan struct{})
	g.logger.Warn("Job update streams suspended", slog.Int64("clients", g.clients.Load()))
}

// Resume accepts streams again after Suspend
func (g *Gateway) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.suspended {
		return
	}
	g.suspended = false
	g.logger.Info("Job update streams resumed")
}

func (g *Gateway) interruption() (<-chan struct{}, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interrupt, g.suspended
}

// Stream serves one SSE connection until the client disconnects, the gateway is
// closed or the client falls too far behind.
func (g *Gateway) Stream(w http.ResponseWriter, r *http.Request, scope Scope) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	interrupted, suspended := g.interruption()
	if suspended {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "job updates unavailable", http.StatusServiceUnavailable)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	updates := make(chan domain.JobUpdateEvent, g.bufferSize)
	overflow := make(chan struct{})
	var overflowOnce sync.Once

	// subscribe before the initial state so nothing emitted in between is lost
	unsubscribe := g.bus.Subscribe(func(event domain.JobUpdateEvent) {
		if !scope.matches(event) {
			return
		}
		select {
		case updates <- event:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	g.clients.Add(1)
	defer g.clients.Add(-1)

	logger := g.logger.With(slog.String("project_id", scope.ProjectID), slog.String("remote_addr", r.RemoteAddr))
	logger.Debug("SSE client connected")
	defer logger.Debug("SSE client disconnected")

	if err := g.writeInitialState(r.Context(), w, scope); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-g.done:
			return
		case <-interrupted:
			logger.Info("Job update feed lost, closing SSE stream")
			return
		case <-overflow:
			logger.Warn("SSE client too slow, disconnecting", slog.Int("buffer_size", g.bufferSize))
			return
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %d\n\n", g.now().UnixMilli()); err != nil {
				return
			}
			flusher.Flush()
		case event := <-updates:
			if err := writeData(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (g *Gateway) writeInitialState(ctx context.Context, w http.ResponseWriter, scope Scope) error {
	state := InitialState{
		Type:      "initial-state",
		ProjectID: scope.ProjectID,
		Timestamp: g.now().UTC(),
	}

	if g.counts != nil {
		countsCtx, cancel := context.WithTimeout(ctx, countsTimeout)
		counts, err := g.counts.GetJobCounts(countsCtx)
		cancel()
		if err != nil {
			g.logger.Warn("Failed to load job counts for initial state", slog.String("error", err.Error()))
		} else {
			state.Counts = &counts
		}
	}

	return writeData(w, state)
}

func writeData(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
