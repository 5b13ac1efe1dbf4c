package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Delivery errors. Both mean the event is dropped; the caller treats the
// persisted record as authoritative.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrBufferFull       = errors.New("event buffer full")
)

// ErrStreamingUnsupported is returned before any bytes are written, so the
// handler may still render a plain HTTP error.
var ErrStreamingUnsupported = errors.New("streaming not supported")

const (
	eventBufferSize   = 64
	heartbeatInterval = 25 * time.Second
)

type envelope struct {
	event   string
	payload any
}

// Connection is one live SSE stream to a client tab. It implements the
// presence handle contract: Deliver never blocks, dropping when the client
// cannot keep up.
type Connection struct {
	id     string
	events chan envelope

	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection mints a connection with a fresh handle id.
func NewConnection() *Connection {
	return &Connection{
		id:     uuid.NewString(),
		events: make(chan envelope, eventBufferSize),
		done:   make(chan struct{}),
	}
}

// ID returns the handle id.
func (c *Connection) ID() string {
	return c.id
}

// Deliver queues an event for the write pump. Non-blocking: a full buffer or
// a closed connection returns an error instead of stalling the dispatcher.
func (c *Connection) Deliver(event string, payload any) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.events <- envelope{event: event, payload: payload}:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Serve runs the SSE write pump until the client goes away or Close is
// called. A heartbeat comment every 25s makes half-closed connections fail a
// write promptly, which bounds how long a dead tab can look online.
func (c *Connection) Serve(w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	defer c.Close()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-c.done:
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		case env := <-c.events:
			data, err := json.Marshal(env.payload)
			if err != nil {
				return fmt.Errorf("encode event payload: %w", err)
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.event, data); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
