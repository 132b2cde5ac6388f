package sessions

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Watcher receives snapshots or output chunks for one session. It is called
// outside the store lock but serialized per session, so it must not publish
// to the same session.
type Watcher func(payload []byte)

type entry struct {
	mu       sync.Mutex
	session  Session
	term     Terminal
	snapshot []byte
	output   *scrollback
	snapW    map[uint64]Watcher
	outW     map[uint64]Watcher
	done     chan struct{}

	// deliverMu orders deliveries to watchers so a late initial snapshot
	// never overtakes a newer publish.
	deliverMu sync.Mutex
}

// Store is the in-memory set of sessions owned by this server.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	spawner        Spawner
	scrollbackSize int

	listenerMu sync.RWMutex
	listeners  []ChangeListener

	watchMu   sync.Mutex
	nextWatch uint64

	now func() time.Time
}

// NewStore creates an empty store. A nil spawner uses LoopbackSpawner.
func NewStore(spawner Spawner) *Store {
	if spawner == nil {
		spawner = LoopbackSpawner
	}
	return &Store{
		sessions:       make(map[string]*entry),
		spawner:        spawner,
		scrollbackSize: defaultScrollbackSize,
		now:            time.Now,
	}
}

// OnChange registers a listener for created/deleted changes.
func (s *Store) OnChange(l ChangeListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) emit(c Change) {
	s.listenerMu.RLock()
	listeners := make([]ChangeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.RUnlock()
	for _, l := range listeners {
		l(c)
	}
}

// Create registers a new session and starts its terminal.
func (s *Store) Create(ctx context.Context, req CreateRequest) (Session, error) {
	if req.Cols < 0 || req.Rows < 0 {
		return Session{}, ErrInvalidSize
	}
	if req.Cols == 0 {
		req.Cols = DefaultCols
	}
	if req.Rows == 0 {
		req.Rows = DefaultRows
	}

	now := s.now()
	sess := Session{
		ID:           uuid.New().String(),
		Name:         strings.TrimSpace(req.Name),
		Command:      append([]string(nil), req.Command...),
		WorkingDir:   req.WorkingDir,
		Cols:         req.Cols,
		Rows:         req.Rows,
		Status:       StatusRunning,
		CreatedAt:    now,
		LastActivity: now,
	}
	if sess.Name == "" {
		sess.Name = defaultName(sess)
	}

	e := &entry{
		session: sess,
		output:  newScrollback(s.scrollbackSize),
		snapW:   make(map[uint64]Watcher),
		outW:    make(map[uint64]Watcher),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = e
	s.mu.Unlock()

	term, err := s.spawner(ctx, sess, sessionSink{store: s, id: sess.ID})
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()
		close(e.done)
		return Session{}, fmt.Errorf("spawn terminal: %w", err)
	}
	e.mu.Lock()
	e.term = term
	e.mu.Unlock()

	log.Printf("[sessions] created session %s (%s)", sess.ID, sess.Name)
	s.emit(Change{Action: ChangeCreated, SessionID: sess.ID})
	return sess, nil
}

func defaultName(s Session) string {
	if len(s.Command) > 0 {
		return strings.Join(s.Command, " ")
	}
	return "session-" + s.ID[:8]
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Has reports whether id is a local session.
func (s *Store) Has(id string) bool {
	_, err := s.lookup(id)
	return err == nil
}

// Get returns a session by id.
func (s *Store) Get(id string) (Session, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, nil
}

// List returns all sessions ordered by creation time.
func (s *Store) List() []Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// IDs returns the ids of all sessions, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Delete stops the session's terminal and removes it.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.closeEntry(e)
	log.Printf("[sessions] deleted session %s", id)
	s.emit(Change{Action: ChangeDeleted, SessionID: id})
	return nil
}

func (s *Store) closeEntry(e *entry) {
	e.mu.Lock()
	term := e.term
	e.term = nil
	e.session.Status = StatusExited
	e.snapW = make(map[uint64]Watcher)
	e.outW = make(map[uint64]Watcher)
	e.mu.Unlock()

	close(e.done)
	if term != nil {
		if err := term.Close(); err != nil {
			log.Printf("[sessions] close terminal for %s: %v", e.session.ID, err)
		}
	}
}

// Done returns a channel closed when the session is deleted.
func (s *Store) Done(id string) (<-chan struct{}, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.done, nil
}

// WriteInput sends data to the session's terminal.
func (s *Store) WriteInput(id string, data []byte) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	term := e.term
	running := e.session.Status == StatusRunning
	if running {
		e.session.LastActivity = s.now()
	}
	e.mu.Unlock()
	if !running || term == nil {
		return ErrExited
	}
	if _, err := term.Write(data); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// Resize changes the terminal dimensions.
func (s *Store) Resize(id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return ErrInvalidSize
	}
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	term := e.term
	running := e.session.Status == StatusRunning
	e.mu.Unlock()
	if !running || term == nil {
		return ErrExited
	}
	if err := term.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	e.mu.Lock()
	e.session.Cols, e.session.Rows = cols, rows
	e.session.LastActivity = s.now()
	e.mu.Unlock()
	return nil
}

// MarkExited records that the session's process ended. The session stays
// listed until deleted or cleaned up.
func (s *Store) MarkExited(id string) {
	e, err := s.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Status == StatusExited {
		return
	}
	e.session.Status = StatusExited
	e.session.LastActivity = s.now()
	log.Printf("[sessions] session %s exited", id)
}

// CleanupExited removes exited sessions idle for longer than maxAge and
// returns how many were removed.
func (s *Store) CleanupExited(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	var removed []*entry
	for id, e := range s.sessions {
		e.mu.Lock()
		stale := e.session.Status == StatusExited && e.session.LastActivity.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(s.sessions, id)
			removed = append(removed, e)
		}
	}
	s.mu.Unlock()

	for _, e := range removed {
		s.closeEntry(e)
		log.Printf("[sessions] cleaned up exited session %s", e.session.ID)
		s.emit(Change{Action: ChangeDeleted, SessionID: e.session.ID})
	}
	return len(removed)
}

// Close deletes every session. Used on shutdown.
func (s *Store) Close() {
	for _, id := range s.IDs() {
		s.Delete(id)
	}
}

func (s *Store) watchID() uint64 {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.nextWatch++
	return s.nextWatch
}

// PublishSnapshot replaces the session's latest snapshot and hands it to
// every snapshot watcher.
func (s *Store) PublishSnapshot(id string, payload []byte) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	data := make([]byte, len(payload))
	copy(data, payload)

	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.mu.Lock()
	e.snapshot = data
	e.session.LastActivity = s.now()
	watchers := make([]Watcher, 0, len(e.snapW))
	for _, w := range e.snapW {
		watchers = append(watchers, w)
	}
	e.mu.Unlock()

	for _, w := range watchers {
		w(data)
	}
	return nil
}

// Snapshot returns the latest snapshot, or nil if none was published yet.
func (s *Store) Snapshot(id string) ([]byte, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot, nil
}

// WatchSnapshots calls fn with the current snapshot, if any, and with every
// later one until the returned cancel is called or ctx ends.
func (s *Store) WatchSnapshots(ctx context.Context, id string, fn func(payload []byte)) (func(), error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	wid := s.watchID()

	e.deliverMu.Lock()
	e.mu.Lock()
	e.snapW[wid] = fn
	current := e.snapshot
	e.mu.Unlock()
	if current != nil {
		fn(current)
	}
	e.deliverMu.Unlock()

	return s.cancelFunc(ctx, e, wid, true), nil
}

// PublishOutput appends raw output to the scrollback and hands it to every
// output watcher.
func (s *Store) PublishOutput(id string, p []byte) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	data := make([]byte, len(p))
	copy(data, p)

	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	e.output.Write(data)
	e.mu.Lock()
	e.session.LastActivity = s.now()
	watchers := make([]Watcher, 0, len(e.outW))
	for _, w := range e.outW {
		watchers = append(watchers, w)
	}
	e.mu.Unlock()

	for _, w := range watchers {
		w(data)
	}
	return nil
}

// WatchOutput replays the buffered output to fn, then streams new output
// until cancelled.
func (s *Store) WatchOutput(ctx context.Context, id string, fn func(payload []byte)) (func(), error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	wid := s.watchID()

	e.deliverMu.Lock()
	e.mu.Lock()
	e.outW[wid] = fn
	e.mu.Unlock()
	if replay := e.output.Bytes(); len(replay) > 0 {
		fn(replay)
	}
	e.deliverMu.Unlock()

	return s.cancelFunc(ctx, e, wid, false), nil
}

func (s *Store) cancelFunc(ctx context.Context, e *entry, wid uint64, snapshot bool) func() {
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if snapshot {
				delete(e.snapW, wid)
			} else {
				delete(e.outW, wid)
			}
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return func() {
		stop()
		cancel()
	}
}

// sessionSink routes terminal output for one session back into the store.
type sessionSink struct {
	store *Store
	id    string
}

func (k sessionSink) Output(p []byte)   { k.store.PublishOutput(k.id, p) }
func (k sessionSink) Snapshot(p []byte) { k.store.PublishSnapshot(k.id, p) }
func (k sessionSink) Exited()           { k.store.MarkExited(k.id) }
