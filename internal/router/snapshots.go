package router

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/neonwatty/vibetunnel-sub006/internal/bufstream"
	"github.com/neonwatty/vibetunnel-sub006/internal/registry"
)

// BuffersPath is where every server exposes its buffer stream.
const BuffersPath = "/buffers"

// SnapshotSource feeds HQ's buffer stream. Sessions owned by a remote are
// watched through one upstream bufstream.Client per remote; everything else
// comes from the local source. When an upstream is dropped every watch on it
// ends, so observers learn they must subscribe again.
type SnapshotSource struct {
	reg   *registry.Registry
	local bufstream.Source
	opts  bufstream.ClientOptions

	mu       sync.Mutex
	upstream map[string]*upstreamClient // remote id →
	closed   bool
}

type upstreamClient struct {
	client *bufstream.Client
	token  string
	name   string

	// watchers is guarded by SnapshotSource.mu.
	watchers map[uint64]func(error)
	nextID   uint64
}

// NewSnapshotSource drops a remote's upstream connection whenever the
// registry evicts, unregisters or re-registers it.
func NewSnapshotSource(reg *registry.Registry, local bufstream.Source, opts bufstream.ClientOptions) *SnapshotSource {
	s := &SnapshotSource{
		reg:      reg,
		local:    local,
		opts:     opts,
		upstream: make(map[string]*upstreamClient),
	}
	reg.OnEvent(func(ev registry.Event) {
		switch ev.Type {
		case registry.EventEvicted, registry.EventUnregistered, registry.EventRegistered:
			s.drop(ev.RemoteID)
		}
	})
	return s
}

func (s *SnapshotSource) WatchSnapshots(ctx context.Context, sessionID string, fn func(payload []byte)) (func(), error) {
	return s.WatchSnapshotsUntil(ctx, sessionID, fn, nil)
}

// WatchSnapshotsUntil is WatchSnapshots with ended called once the upstream
// carrying a remote session is dropped. Local watches never end this way.
func (s *SnapshotSource) WatchSnapshotsUntil(ctx context.Context, sessionID string, fn func(payload []byte), ended func(error)) (func(), error) {
	remote, ok := s.reg.FindOwner(sessionID)
	if !ok {
		return s.local.WatchSnapshots(ctx, sessionID, fn)
	}

	u, wid, err := s.attach(remote, ended)
	if err != nil {
		return nil, err
	}
	unsubscribe := u.client.Subscribe(sessionID, bufstream.Handler(fn))
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			unsubscribe()
			s.detach(u, wid)
		})
	}
	stop := context.AfterFunc(ctx, cancel)
	return func() {
		stop()
		cancel()
	}, nil
}

// attach returns the upstream for remote, opening it if needed, and records
// ended as one of its watchers.
func (s *SnapshotSource) attach(remote registry.Remote, ended func(error)) (*upstreamClient, uint64, error) {
	s.mu.Lock()
	u, replaced, err := s.clientForLocked(remote)
	if err != nil {
		s.mu.Unlock()
		return nil, 0, err
	}
	u.nextID++
	wid := u.nextID
	if ended != nil {
		u.watchers[wid] = ended
	}
	s.mu.Unlock()

	if replaced != nil {
		go replaced.client.Close()
		s.endWatches(replaced)
	}
	return u, wid, nil
}

func (s *SnapshotSource) detach(u *upstreamClient, wid uint64) {
	s.mu.Lock()
	delete(u.watchers, wid)
	s.mu.Unlock()
}

// clientForLocked returns the upstream for remote and, when a token change
// forced a new one, the upstream it replaced. Caller must hold s.mu.
func (s *SnapshotSource) clientForLocked(remote registry.Remote) (u, replaced *upstreamClient, err error) {
	if s.closed {
		return nil, nil, context.Canceled
	}
	if cur, ok := s.upstream[remote.ID]; ok && cur.token == string(remote.Token) {
		return cur, nil, nil
	}

	base, err := wsURL(remote.BaseURL + BuffersPath)
	if err != nil {
		return nil, nil, err
	}
	opts := s.opts
	opts.Header = http.Header{}
	for k, vv := range s.opts.Header {
		opts.Header[k] = append([]string(nil), vv...)
	}
	remote.Token.Apply(opts.Header)
	opts.Name = remote.Name

	u = &upstreamClient{
		client:   bufstream.NewClient(base, opts),
		token:    string(remote.Token),
		name:     remote.Name,
		watchers: make(map[uint64]func(error)),
	}
	replaced = s.upstream[remote.ID]
	s.upstream[remote.ID] = u
	log.Printf("[router] opened buffer stream to %s", remote.Name)
	return u, replaced, nil
}

func (s *SnapshotSource) drop(remoteID string) {
	s.mu.Lock()
	u, ok := s.upstream[remoteID]
	delete(s.upstream, remoteID)
	s.mu.Unlock()
	if ok {
		go u.client.Close()
		s.endWatches(u)
	}
}

// endWatches ends every watch still on u. Caller must not hold s.mu.
func (s *SnapshotSource) endWatches(u *upstreamClient) {
	s.mu.Lock()
	watchers := u.watchers
	u.watchers = make(map[uint64]func(error))
	s.mu.Unlock()

	err := fmt.Errorf("remote %s is no longer available", u.name)
	for _, ended := range watchers {
		ended(err)
	}
}

// Upstreams returns the number of open upstream clients.
func (s *SnapshotSource) Upstreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upstream)
}

// Close shuts every upstream client.
func (s *SnapshotSource) Close() {
	s.mu.Lock()
	s.closed = true
	clients := s.upstream
	s.upstream = make(map[string]*upstreamClient)
	s.mu.Unlock()
	for _, u := range clients {
		u.client.Close()
		s.endWatches(u)
	}
}
