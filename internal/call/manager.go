package call

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/assistlink/callkit/internal/history"
	"github.com/assistlink/callkit/internal/media"
)

// Manager owns active call sessions, at most one per room, and records
// call outcomes to the history store when one is configured.
type Manager struct {
	join        Joiner
	mediaSrc    media.Source
	newPeer     PeerFactory
	constraints media.Constraints
	hist        *history.Store

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOptions configure a Manager. History is optional; everything else
// is required.
type ManagerOptions struct {
	Join        Joiner
	Media       media.Source
	NewPeer     PeerFactory
	Constraints media.Constraints
	History     *history.Store
}

// NewManager builds a Manager. Sessions are created lazily by Dial.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{
		join:        opts.Join,
		mediaSrc:    opts.Media,
		newPeer:     opts.NewPeer,
		constraints: opts.Constraints,
		hist:        opts.History,
		sessions:    make(map[string]*Session),
	}
}

// Callbacks are the observer hooks a Dial caller may register. Either may
// be nil. They run on the session's event loop; keep them fast.
type Callbacks struct {
	OnStatus func(Status)
	OnEnded  func()
}

// Dial creates a session for room and starts the call. A second Dial for a
// room whose session is still live is rejected; a room whose previous call
// has ended may be dialed again.
func (m *Manager) Dial(room, identity string, cb Callbacks) (*Session, error) {
	m.mu.Lock()
	if old, ok := m.sessions[room]; ok {
		if !old.Status().Terminal() && old.Status() != StatusIdle {
			m.mu.Unlock()
			return nil, fmt.Errorf("call: room %s already has an active call", room)
		}
		old.Close()
		delete(m.sessions, room)
	}
	m.mu.Unlock()

	var rec *history.Record
	if m.hist != nil {
		r, err := m.hist.RecordStart(room, identity)
		if err != nil {
			log.Printf("CALL [%s]: record start: %v", room, err)
		} else {
			rec = r
		}
	}

	var sess *Session
	sess = NewSession(Options{
		Room:        room,
		Identity:    identity,
		Join:        m.join,
		Media:       m.mediaSrc,
		NewPeer:     m.newPeer,
		Constraints: m.constraints,
		OnStatus: func(st Status) {
			if rec != nil && st == StatusConnected && rec.PeerID == "" {
				rec.PeerID = sess.RemotePeer()
			}
			if st == StatusError {
				m.finishRecord(rec, sess, "failed")
			}
			if cb.OnStatus != nil {
				cb.OnStatus(st)
			}
		},
		OnEnded: func() {
			m.finishRecord(rec, sess, "completed")
			if cb.OnEnded != nil {
				cb.OnEnded()
			}
		},
	})

	m.mu.Lock()
	m.sessions[room] = sess
	m.mu.Unlock()

	if err := sess.StartCall(); err != nil {
		m.finishRecord(rec, sess, "failed")
		return sess, err
	}
	log.Printf("CALL [%s]: dialing as %s", room, identity)
	return sess, nil
}

// Get returns the session for room, if any.
func (m *Manager) Get(room string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[room]
	return s, ok
}

// Close ends every active call and disposes all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for room, s := range sessions {
		s.Close()
		log.Printf("CALL [%s]: closed by manager shutdown", room)
	}
}

func (m *Manager) finishRecord(rec *history.Record, sess *Session, outcome string) {
	if m.hist == nil || rec == nil || rec.Outcome != "" {
		return
	}
	class, _ := sess.ErrorInfo()
	if class != ErrClassNone {
		outcome = "failed"
	}
	if rec.PeerID == "" {
		rec.PeerID = sess.RemotePeer()
	}
	rec.EndedAt = time.Now().UTC()
	rec.Outcome = outcome
	rec.ErrorClass = string(class)
	if err := m.hist.RecordEnd(rec); err != nil {
		log.Printf("CALL [%s]: record end: %v", rec.Room, err)
	}
}
