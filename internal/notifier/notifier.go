// Package notifier keeps HQ's view of this remote's sessions current.
//
// Every local create/delete is forwarded to HQ in order by one background
// worker; a failed notification is logged and not retried. A cron job
// periodically replaces HQ's whole view with the local session list, which
// also repairs anything a dropped notification left stale. If HQ answers a
// resync with 404 it has forgotten this remote (typically an HQ restart), so
// the remote registers again and resyncs.
package notifier

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neonwatty/vibetunnel-sub006/internal/hqclient"
	"github.com/neonwatty/vibetunnel-sub006/internal/sessions"
)

// HQ is the subset of hqclient.Client the notifier uses.
type HQ interface {
	Register(ctx context.Context, info hqclient.RemoteInfo) error
	Unregister(ctx context.Context, id string) error
	NotifySession(ctx context.Context, remoteName, action, sessionID string) error
	SyncSessions(ctx context.Context, remoteName string, ids []string) error
}

// SessionSource is the local store as seen by the notifier.
type SessionSource interface {
	IDs() []string
	OnChange(l sessions.ChangeListener)
}

const (
	DefaultSchedule = "@every 1m"
	callTimeout     = 10 * time.Second
	queueSize       = 256
)

// Notifier forwards session changes from one remote to HQ.
type Notifier struct {
	hq       HQ
	store    SessionSource
	info     hqclient.RemoteInfo
	schedule string

	queue chan sessions.Change
	cron  *cron.Cron

	mu         sync.Mutex
	registered bool
	started    bool
	stopped    bool

	workerDone chan struct{}
}

// New creates a notifier for the remote described by info. An empty
// schedule uses DefaultSchedule.
func New(hq HQ, store SessionSource, info hqclient.RemoteInfo, schedule string) *Notifier {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Notifier{
		hq:         hq,
		store:      store,
		info:       info,
		schedule:   schedule,
		queue:      make(chan sessions.Change, queueSize),
		workerDone: make(chan struct{}),
	}
}

// Start registers with HQ, begins forwarding store changes and schedules the
// periodic resync. A failed registration is logged and returned, but the
// notifier keeps running and the next resync retries it.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("notifier already started")
	}
	n.started = true
	n.mu.Unlock()

	n.cron = cron.New()
	if _, err := n.cron.AddFunc(n.schedule, func() {
		rctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		if err := n.Resync(rctx); err != nil {
			log.Printf("[notifier] resync failed: %v", err)
		}
	}); err != nil {
		n.mu.Lock()
		n.started = false
		n.mu.Unlock()
		return fmt.Errorf("invalid resync schedule %q: %w", n.schedule, err)
	}

	n.store.OnChange(n.enqueue)
	go n.worker()

	regErr := n.register(ctx)
	if regErr == nil {
		if err := n.sync(ctx); err != nil {
			log.Printf("[notifier] initial sync failed: %v", err)
		}
	}

	n.cron.Start()
	log.Printf("[notifier] started for remote %s (resync: %s)", n.info.Name, n.schedule)
	return regErr
}

func (n *Notifier) register(ctx context.Context) error {
	if err := n.hq.Register(ctx, n.info); err != nil {
		log.Printf("[notifier] registration of %s with HQ failed: %v", n.info.Name, err)
		return err
	}
	n.setRegistered(true)
	log.Printf("[notifier] registered %s (%s) with HQ at %s", n.info.Name, n.info.ID, n.info.URL)
	return nil
}

func (n *Notifier) sync(ctx context.Context) error {
	return n.hq.SyncSessions(ctx, n.info.Name, n.store.IDs())
}

func (n *Notifier) setRegistered(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registered = v
}

// Registered reports whether the last interaction with HQ left this remote
// registered.
func (n *Notifier) Registered() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registered
}

// Resync sends the full local session list to HQ, registering first if
// needed.
func (n *Notifier) Resync(ctx context.Context) error {
	if !n.Registered() {
		if err := n.register(ctx); err != nil {
			return err
		}
	}
	err := n.sync(ctx)
	if hqclient.IsNotFound(err) {
		log.Printf("[notifier] HQ no longer knows %s, registering again", n.info.Name)
		n.setRegistered(false)
		if err := n.register(ctx); err != nil {
			return err
		}
		err = n.sync(ctx)
	}
	return err
}

func (n *Notifier) enqueue(c sessions.Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	select {
	case n.queue <- c:
	default:
		log.Printf("[notifier] queue full, dropping %s for session %s (next resync repairs it)", c.Action, c.SessionID)
	}
}

func (n *Notifier) worker() {
	defer close(n.workerDone)
	for c := range n.queue {
		if !n.Registered() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		err := n.hq.NotifySession(ctx, n.info.Name, string(c.Action), c.SessionID)
		cancel()
		if err == nil {
			continue
		}
		log.Printf("[notifier] notify %s %s failed: %v", c.Action, c.SessionID, err)
		if hqclient.IsNotFound(err) {
			n.setRegistered(false)
		}
	}
}

// Stop halts the resync job, drains pending notifications and unregisters
// from HQ.
func (n *Notifier) Stop(ctx context.Context) {
	n.mu.Lock()
	if n.stopped || !n.started {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	close(n.queue)
	n.mu.Unlock()

	<-n.cron.Stop().Done()
	select {
	case <-n.workerDone:
	case <-ctx.Done():
	}

	if !n.Registered() {
		return
	}
	if err := n.hq.Unregister(ctx, n.info.ID); err != nil {
		log.Printf("[notifier] unregister from HQ failed: %v", err)
		return
	}
	n.setRegistered(false)
	log.Printf("[notifier] unregistered %s from HQ", n.info.Name)
}
