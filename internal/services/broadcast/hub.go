// Package broadcast implements the Progress Broadcaster: a
// WebSocket-style hub that fans out job status events to subscribers,
// either filtered to one job id or subscribed to everything, with
// bounded per-subscriber buffers, a terminal-event replay window, and
// ping/pong keepalive.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	defaultBufferSize      = 64
	defaultTerminalRetain  = 5 * time.Minute
	terminalSendDeadline   = 500 * time.Millisecond
	pingInterval           = 30 * time.Second
	writeDeadline          = 10 * time.Second
	readDeadline           = 60 * time.Second
)

// Hub is the Progress Broadcaster. Safe for concurrent publish and
// subscribe from any goroutine.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	jobLocks    map[string]*sync.Mutex // per-job publish ordering

	replayMu sync.Mutex
	replay   map[string]replayEntry // job_id -> last terminal event

	bufferSize        int
	terminalRetention time.Duration

	logger *common.Logger
	done   chan struct{}
	wg     sync.WaitGroup // outstanding writePump goroutines, waited on by Shutdown
}

type replayEntry struct {
	event   models.StatusEvent
	storedAt time.Time
}

// subscriber is one WebSocket client or in-process listener.
type subscriber struct {
	hub         *Hub
	jobID       string // empty = subscribed to all jobs
	send        chan []byte
	closed      bool
	closeReason string
	closeMu     sync.Mutex
	conn        *websocket.Conn // nil for non-WS (in-process) subscribers
}

// NewHub creates a Progress Broadcaster with the given buffer size and
// terminal-event retention window (zero values fall back to defaults).
func NewHub(logger *common.Logger, bufferSize int, terminalRetention time.Duration) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if terminalRetention <= 0 {
		terminalRetention = defaultTerminalRetain
	}
	return &Hub{
		subscribers:       make(map[*subscriber]struct{}),
		jobLocks:          make(map[string]*sync.Mutex),
		replay:            make(map[string]replayEntry),
		bufferSize:        bufferSize,
		terminalRetention: terminalRetention,
		logger:            logger,
		done:              make(chan struct{}),
	}
}

func (h *Hub) jobLock(jobID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.jobLocks[jobID]
	if !ok {
		m = &sync.Mutex{}
		h.jobLocks[jobID] = m
	}
	return m
}

// Publish fans event out to every matching subscriber, applying the
// drop-intermediate backpressure policy: non-terminal events are
// dropped from a full subscriber buffer; terminal events are retried
// for up to terminalSendDeadline before the subscriber is evicted with
// reason slow_consumer. Per-job ordering is preserved by serializing
// all publishes for the same job_id through a per-job mutex.
func (h *Hub) Publish(event models.StatusEvent) {
	lock := h.jobLock(event.JobID)
	lock.Lock()
	defer lock.Unlock()

	if event.IsTerminalEvent() {
		h.replayMu.Lock()
		h.replay[event.JobID] = replayEntry{event: event, storedAt: time.Now()}
		h.replayMu.Unlock()
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to marshal status event")
		return
	}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		if s.jobID == "" || s.jobID == event.JobID {
			subs = append(subs, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range subs {
		h.deliver(s, data, event.IsTerminalEvent())
	}
}

func (h *Hub) deliver(s *subscriber, data []byte, terminal bool) {
	select {
	case s.send <- data:
		return
	default:
	}

	if !terminal {
		h.logger.Debug().Str("job_id", s.jobID).Msg("dropping intermediate event for slow consumer")
		return
	}

	select {
	case s.send <- data:
	case <-time.After(terminalSendDeadline):
		h.evict(s, "slow_consumer")
	}
}

func (h *Hub) evict(s *subscriber, reason string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeReason = reason
	h.mu.Lock()
	delete(h.subscribers, s)
	h.mu.Unlock()
	close(s.send)
	h.logger.Debug().Str("reason", reason).Msg("subscriber evicted")
}

// Subscribe registers a non-WebSocket (in-process) subscriber filtered
// to jobID (empty string subscribes to every job) and returns a
// receive channel plus a close function. If jobID names a job with a
// replayed terminal event, that event is delivered first.
func (h *Hub) Subscribe(jobID string) (events <-chan []byte, unsubscribe func()) {
	s := &subscriber{hub: h, jobID: jobID, send: make(chan []byte, h.bufferSize)}

	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()

	if jobID != "" {
		h.replayMu.Lock()
		entry, ok := h.replay[jobID]
		h.replayMu.Unlock()
		if ok && time.Since(entry.storedAt) < h.terminalRetention {
			if data, err := json.Marshal(entry.event); err == nil {
				select {
				case s.send <- data:
				default:
				}
			}
		}
	}

	return s.send, func() { h.evict(s, "unsubscribed") }
}

// ServeWS upgrades an HTTP connection to WebSocket and registers a
// subscriber for jobID (empty = all jobs).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, jobID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	s := &subscriber{hub: h, jobID: jobID, send: make(chan []byte, h.bufferSize), conn: conn}

	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()

	subscribedTo := jobID
	if subscribedTo == "" {
		subscribedTo = "all"
	}
	if hello, err := json.Marshal(map[string]string{"type": "hello", "subscribed_to": subscribedTo}); err == nil {
		select {
		case s.send <- hello:
		default:
		}
	}

	if jobID != "" {
		h.replayMu.Lock()
		entry, ok := h.replay[jobID]
		h.replayMu.Unlock()
		if ok && time.Since(entry.storedAt) < h.terminalRetention {
			if data, err := json.Marshal(entry.event); err == nil {
				select {
				case s.send <- data:
				default:
				}
			}
		}
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		s.writePump()
	}()
	go s.readPump()
}

// SubscriberCount returns the number of currently registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Shutdown closes every subscription with reason server_shutdown and
// waits up to 2s for their writePump goroutines to finish flushing the
// close frame, returning as soon as they do rather than always
// blocking the full 2s.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		h.evict(s, "server_shutdown")
	}

	drained := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		h.logger.Warn().Msg("progress broadcaster shutdown timed out waiting for subscriber drain")
	}
}

// closeReasonText maps an internal eviction reason onto one of the
// three reasons the WebSocket protocol surface documents:
// slow_consumer, server_shutdown, normal.
func closeReasonText(reason string) string {
	switch reason {
	case "slow_consumer", "server_shutdown":
		return reason
	default:
		return "normal"
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		if s.conn != nil {
			s.conn.Close()
		}
	}()

	for {
		select {
		case message, ok := <-s.send:
			if s.conn == nil {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReasonText(s.closeReason)))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if s.conn == nil {
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *subscriber) readPump() {
	defer func() {
		s.hub.evict(s, "client_disconnected")
		if s.conn != nil {
			s.conn.Close()
		}
	}()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			break
		}
	}
}
