// Package registry tracks the Remotes registered with HQ and which sessions
// each of them owns.
//
// Ownership is kept in two maps updated together under one lock: the forward
// set on each remote record and the reverse index sessionID → remoteID used
// by FindOwner on every proxied request. Removing a remote (explicitly or by
// eviction) releases all of its session ids in the same critical section, so
// they become unresolvable rather than being reassigned.
package registry

import (
	"errors"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/neonwatty/vibetunnel-sub006/internal/auth"
	"github.com/neonwatty/vibetunnel-sub006/internal/logutil"
)

var (
	ErrNameConflict   = errors.New("remote name already registered with a different id")
	ErrRemoteNotFound = errors.New("remote not found")
	ErrInvalidRemote  = errors.New("remote id, name, url and token are required")
	ErrSessionOwned   = errors.New("session is owned elsewhere")
	ErrInvalidAction  = errors.New("action must be created or deleted")
)

// Action is the kind of session change a Remote reports.
type Action string

const (
	ActionCreated Action = "created"
	ActionDeleted Action = "deleted"
)

// Remote is a point-in-time copy of a registered remote. The bearer token is
// excluded from JSON so listing remotes never leaks it.
type Remote struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	BaseURL       string           `json:"baseUrl"`
	Token         auth.BearerToken `json:"-"`
	RegisteredAt  time.Time        `json:"registeredAt"`
	LastHeartbeat time.Time        `json:"lastHeartbeat"`
	SessionIDs    []string         `json:"sessionIds"`
}

type record struct {
	id            string
	name          string
	baseURL       string
	token         auth.BearerToken
	registeredAt  time.Time
	lastHeartbeat time.Time
	sessions      map[string]struct{}
	failures      int
}

// identity copies everything but the session set.
func (rec *record) identity() Remote {
	return Remote{
		ID:            rec.id,
		Name:          rec.name,
		BaseURL:       rec.baseURL,
		Token:         rec.token,
		RegisteredAt:  rec.registeredAt,
		LastHeartbeat: rec.lastHeartbeat,
	}
}

func (rec *record) snapshot() Remote {
	ids := make([]string, 0, len(rec.sessions))
	for id := range rec.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	remote := rec.identity()
	remote.SessionIDs = ids
	return remote
}

// is reports whether rec is still the registration remote was copied from.
func (rec *record) is(remote Remote) bool {
	return rec.id == remote.ID && rec.token == remote.Token && rec.registeredAt.Equal(remote.RegisteredAt)
}

// Options configures a Registry. Zero values fall back to the defaults below.
type Options struct {
	// Checker performs the liveness call for the health sweep.
	Checker HealthChecker
	// Interval between sweeps.
	Interval time.Duration
	// Timeout for a single remote's check. Must be shorter than Interval.
	Timeout time.Duration
	// FailureThreshold is how many consecutive failed checks evict a remote.
	FailureThreshold int
	// IsLocal reports whether HQ's own store holds a session id. Such ids
	// are never accepted from a remote.
	IsLocal func(sessionID string) bool
}

const (
	DefaultHealthInterval = 15 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
)

// Registry is HQ's single source of truth for "who owns session X".
type Registry struct {
	mu      sync.RWMutex
	remotes map[string]*record // remote id → record
	byName  map[string]string  // remote name → remote id
	owners  map[string]string  // session id → remote id

	checker          HealthChecker
	interval         time.Duration
	timeout          time.Duration
	failureThreshold int
	isLocal          func(string) bool

	listenerMu sync.RWMutex
	listeners  []EventListener

	sweepMu     sync.Mutex
	sweepCancel func()
	sweepDone   chan struct{}

	now func() time.Time
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	r := &Registry{
		remotes:          make(map[string]*record),
		byName:           make(map[string]string),
		owners:           make(map[string]string),
		checker:          opts.Checker,
		interval:         opts.Interval,
		timeout:          opts.Timeout,
		failureThreshold: opts.FailureThreshold,
		isLocal:          opts.IsLocal,
		now:              time.Now,
	}
	if r.checker == nil {
		r.checker = HTTPHealthChecker(nil)
	}
	if r.interval <= 0 {
		r.interval = DefaultHealthInterval
	}
	if r.timeout <= 0 || r.timeout >= r.interval {
		r.timeout = min(DefaultHealthTimeout, r.interval/2)
	}
	if r.failureThreshold < 1 {
		r.failureThreshold = 1
	}
	return r
}

// Register adds a remote. Re-registering with the same id replaces the
// previous record and releases its sessions; a name held by a different id
// is rejected with ErrNameConflict.
func (r *Registry) Register(id, name, baseURL string, token auth.BearerToken) (Remote, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if id == "" || name == "" || baseURL == "" || token == "" {
		return Remote{}, ErrInvalidRemote
	}

	r.mu.Lock()
	if holder, ok := r.byName[name]; ok && holder != id {
		r.mu.Unlock()
		return Remote{}, ErrNameConflict
	}

	var released []string
	replaced := false
	if old, ok := r.remotes[id]; ok {
		released = r.removeLocked(old)
		replaced = true
	}

	now := r.now()
	rec := &record{
		id:            id,
		name:          name,
		baseURL:       baseURL,
		token:         token,
		registeredAt:  now,
		lastHeartbeat: now,
		sessions:      make(map[string]struct{}),
	}
	r.remotes[id] = rec
	r.byName[name] = id
	snap := rec.snapshot()
	r.mu.Unlock()

	details := baseURL
	if replaced {
		details += " (replaced previous registration, released " + strconv.Itoa(len(released)) + " sessions)"
		log.Printf("[registry] remote %s (%s) re-registered at %s, released %d sessions", logutil.Sanitize(name), logutil.Sanitize(id), logutil.Sanitize(baseURL), len(released))
	} else {
		log.Printf("[registry] remote %s (%s) registered at %s", logutil.Sanitize(name), logutil.Sanitize(id), logutil.Sanitize(baseURL))
	}
	r.emit(Event{Type: EventRegistered, RemoteID: id, RemoteName: name, Details: details})
	return snap, nil
}

// Unregister removes a remote by id at its own request.
func (r *Registry) Unregister(id string) error {
	rec, released, ok := r.remove(id)
	if !ok {
		return ErrRemoteNotFound
	}
	log.Printf("[registry] remote %s (%s) unregistered, released %d sessions", rec.name, rec.id, len(released))
	r.emit(Event{Type: EventUnregistered, RemoteID: rec.id, RemoteName: rec.name, Details: "released " + strconv.Itoa(len(released)) + " sessions"})
	return nil
}

// Evict removes a remote that failed a health check or rejected HQ's
// credentials. It is a no-op for unknown ids.
func (r *Registry) Evict(id, reason string) bool {
	rec, released, ok := r.remove(id)
	if !ok {
		return false
	}
	r.evicted(rec, released, reason)
	return true
}

// EvictIf evicts remote only if it has not been replaced since the copy was
// taken: a re-registration under the same id with a new token or timestamp
// is left alone.
func (r *Registry) EvictIf(remote Remote, reason string) bool {
	r.mu.Lock()
	rec, ok := r.remotes[remote.ID]
	if !ok || !rec.is(remote) {
		r.mu.Unlock()
		return false
	}
	released := r.removeLocked(rec)
	r.mu.Unlock()

	r.evicted(rec, released, reason)
	return true
}

func (r *Registry) evicted(rec *record, released []string, reason string) {
	log.Printf("[registry] evicted remote %s (%s): %s; %d sessions now unresolvable", logutil.Sanitize(rec.name), logutil.Sanitize(rec.id), reason, len(released))
	r.emit(Event{Type: EventEvicted, RemoteID: rec.id, RemoteName: rec.name, Details: reason})
}

func (r *Registry) remove(id string) (*record, []string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.remotes[id]
	if !ok {
		return nil, nil, false
	}
	return rec, r.removeLocked(rec), true
}

// removeLocked drops rec and every reverse-index entry pointing at it.
// Caller must hold r.mu for writing.
func (r *Registry) removeLocked(rec *record) []string {
	released := make([]string, 0, len(rec.sessions))
	for sid := range rec.sessions {
		if r.owners[sid] == rec.id {
			delete(r.owners, sid)
		}
		released = append(released, sid)
	}
	if r.byName[rec.name] == rec.id {
		delete(r.byName, rec.name)
	}
	delete(r.remotes, rec.id)
	return released
}

// FindOwner returns the remote owning sessionID. SessionIDs is left nil;
// use Get for the full session set.
func (r *Registry) FindOwner(sessionID string) (Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[sessionID]
	if !ok {
		return Remote{}, false
	}
	rec, ok := r.remotes[id]
	if !ok {
		return Remote{}, false
	}
	return rec.identity(), true
}

// RefreshSessions applies one session change reported by the named remote.
// A created id already owned by another remote (or by HQ itself) is not
// reassigned; ErrSessionOwned is returned and the change is ignored.
func (r *Registry) RefreshSessions(remoteName string, action Action, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidAction
	}
	if action != ActionCreated && action != ActionDeleted {
		return ErrInvalidAction
	}
	if action == ActionCreated && r.isLocal != nil && r.isLocal(sessionID) {
		log.Printf("[registry] remote %s reported session %s which HQ owns locally, ignoring", logutil.Sanitize(remoteName), logutil.Sanitize(sessionID))
		return ErrSessionOwned
	}

	r.mu.Lock()
	id, ok := r.byName[remoteName]
	if !ok {
		r.mu.Unlock()
		return ErrRemoteNotFound
	}
	rec := r.remotes[id]

	var ev Event
	switch action {
	case ActionCreated:
		if owner, owned := r.owners[sessionID]; owned && owner != id {
			r.mu.Unlock()
			log.Printf("[registry] remote %s reported session %s already owned by %s, ignoring", logutil.Sanitize(remoteName), logutil.Sanitize(sessionID), owner)
			return ErrSessionOwned
		}
		rec.sessions[sessionID] = struct{}{}
		r.owners[sessionID] = id
		ev = Event{Type: EventSessionAdded, RemoteID: id, RemoteName: remoteName, SessionID: sessionID}
	case ActionDeleted:
		_, had := rec.sessions[sessionID]
		delete(rec.sessions, sessionID)
		if r.owners[sessionID] == id {
			delete(r.owners, sessionID)
		}
		if had {
			ev = Event{Type: EventSessionRemoved, RemoteID: id, RemoteName: remoteName, SessionID: sessionID}
		}
	}
	r.mu.Unlock()

	if ev.Type != "" {
		r.emit(ev)
	}
	return nil
}

// ReplaceSessions sets the named remote's session set to sessionIDs in one
// step. Ids owned by another remote or by HQ are skipped and returned.
func (r *Registry) ReplaceSessions(remoteName string, sessionIDs []string) (skipped []string, err error) {
	local := make(map[string]bool)
	if r.isLocal != nil {
		for _, sid := range sessionIDs {
			if r.isLocal(sid) {
				local[sid] = true
			}
		}
	}

	r.mu.Lock()
	id, ok := r.byName[remoteName]
	if !ok {
		r.mu.Unlock()
		return nil, ErrRemoteNotFound
	}
	rec := r.remotes[id]

	for sid := range rec.sessions {
		if r.owners[sid] == id {
			delete(r.owners, sid)
		}
	}
	next := make(map[string]struct{}, len(sessionIDs))
	for _, sid := range sessionIDs {
		if sid == "" {
			continue
		}
		if owner, owned := r.owners[sid]; (owned && owner != id) || local[sid] {
			skipped = append(skipped, sid)
			continue
		}
		next[sid] = struct{}{}
		r.owners[sid] = id
	}
	rec.sessions = next
	count := len(next)
	r.mu.Unlock()

	if len(skipped) > 0 {
		log.Printf("[registry] resync from %s skipped %d sessions owned elsewhere", logutil.Sanitize(remoteName), len(skipped))
	}
	r.emit(Event{Type: EventSessionsSynced, RemoteID: id, RemoteName: remoteName, Details: strconv.Itoa(count) + " sessions"})
	return skipped, nil
}

// Get returns a remote by id.
func (r *Registry) Get(id string) (Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.remotes[id]
	if !ok {
		return Remote{}, false
	}
	return rec.snapshot(), true
}

// GetByName returns a remote by its unique name.
func (r *Registry) GetByName(name string) (Remote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Remote{}, false
	}
	return r.remotes[id].snapshot(), true
}

// List returns all remotes ordered by registration time.
func (r *Registry) List() []Remote {
	r.mu.RLock()
	out := make([]Remote, 0, len(r.remotes))
	for _, rec := range r.remotes {
		out = append(out, rec.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

// Len returns the number of registered remotes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.remotes)
}
