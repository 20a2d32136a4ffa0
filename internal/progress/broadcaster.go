package progress

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"reelforge/internal/database"
	"reelforge/internal/models"
	"reelforge/internal/queue"
	"reelforge/internal/reconcile"
)

// refreshTimeout bounds the provider round-trips behind one on-demand refresh.
const refreshTimeout = 8 * time.Second

// Manager streams progress snapshots to WebSocket subscribers. Each
// subscription is its own poll-and-push loop: every tick re-reads the
// authoritative record and emits a snapshot, and every pollEvery-th tick asks
// the reconciler to refresh from the provider first. The loop ends on a
// terminal snapshot, subscriber disconnect, the session budget, or Shutdown.
type Manager struct {
	queue *queue.Queue
	db    *database.DB
	rec   *reconcile.Reconciler

	bands      Bands
	tick       time.Duration
	pollEvery  int
	maxSession time.Duration

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool
	done      chan struct{}
	closed    bool
}

// NewManager creates a WebSocket progress manager.
func NewManager(q *queue.Queue, db *database.DB, rec *reconcile.Reconciler) *Manager {
	return &Manager{
		queue:      q,
		db:         db,
		rec:        rec,
		bands:      DefaultBands,
		tick:       time.Second,
		pollEvery:  3,
		maxSession: 10 * time.Minute,
		clients:    make(map[*websocket.Conn]bool),
		done:       make(chan struct{}),
	}
}

// Snapshot resolves an id against the queue first, then the composite store,
// and builds the current snapshot. Also serves the polling status endpoints.
func (m *Manager) Snapshot(id string) (models.ProgressSnapshot, error) {
	job, err := m.queue.Get(id)
	if err == nil {
		return FromJob(job, m.bands, time.Now()), nil
	}
	if !errors.Is(err, queue.ErrNotFound) {
		return models.ProgressSnapshot{}, err
	}

	comp, err := m.db.GetCompositeJob(id)
	if err != nil {
		return models.ProgressSnapshot{}, err
	}
	clips, err := m.db.GetClips(id)
	if err != nil {
		return models.ProgressSnapshot{}, err
	}
	return FromComposite(comp, clips, m.bands, time.Now()), nil
}

// Subscribe runs the streaming loop for one connection. It blocks until the
// session is over and always closes the connection on the way out.
func (m *Manager) Subscribe(conn *websocket.Conn, id string) {
	m.clientsMu.Lock()
	if m.closed {
		m.clientsMu.Unlock()
		conn.Close()
		return
	}
	m.clients[conn] = true
	total := len(m.clients)
	m.clientsMu.Unlock()

	log.Printf("[WEBSOCKET] Subscriber connected JobID=%s Total=%d", id, total)

	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, conn)
		total := len(m.clients)
		m.clientsMu.Unlock()
		conn.Close()
		log.Printf("[WEBSOCKET] Subscriber disconnected JobID=%s Total=%d", id, total)
	}()

	// Reader goroutine solely to notice the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Initial snapshot right away; a long-terminal job gets its final state
	// replayed and a clean close.
	if m.emit(conn, id) {
		return
	}

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	session := time.NewTimer(m.maxSession)
	defer session.Stop()

	ticks := 0
	for {
		select {
		case <-gone:
			return
		case <-m.done:
			return
		case <-session.C:
			log.Printf("[WEBSOCKET] Session budget exhausted JobID=%s", id)
			m.sendClose(conn)
			return
		case <-ticker.C:
			ticks++
			if m.pollEvery > 0 && ticks%m.pollEvery == 0 {
				m.refresh(id)
			}
			if m.emit(conn, id) {
				return
			}
		}
	}
}

// emit sends the current snapshot. It reports true when the session is over:
// terminal state delivered, record gone, or the write failed.
func (m *Manager) emit(conn *websocket.Conn, id string) bool {
	snap, err := m.Snapshot(id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
			log.Printf("[WEBSOCKET] JobID=%s record gone, closing stream", id)
			m.sendClose(conn)
			return true
		}
		log.Printf("[ERROR] Failed to build snapshot for %s: %v", id, err)
		return false
	}
	if err := conn.WriteJSON(snap); err != nil {
		log.Printf("[ERROR] Failed to send WebSocket update: %v", err)
		return true
	}
	if snap.Terminal {
		m.sendClose(conn)
		return true
	}
	return false
}

// refresh asks the reconciler for fresh provider state. Failures only cost
// this tick's freshness, so they are logged and swallowed.
func (m *Manager) refresh(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	err := m.rec.RefreshJob(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		err = m.rec.RefreshComposite(ctx, id)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		log.Printf("[WEBSOCKET] Refresh failed JobID=%s: %v", id, err)
	}
}

func (m *Manager) sendClose(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// ClientCount returns the number of live subscriptions.
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

// Shutdown ends every live session and refuses new ones.
func (m *Manager) Shutdown() {
	m.clientsMu.Lock()
	if m.closed {
		m.clientsMu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	conns := make([]*websocket.Conn, 0, len(m.clients))
	for conn := range m.clients {
		conns = append(conns, conn)
	}
	m.clientsMu.Unlock()

	for _, conn := range conns {
		m.sendClose(conn)
		conn.Close()
	}
}
