package bufstream

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	dialTimeout = 10 * time.Second
	// maxFrameSize bounds a single snapshot frame read by the client.
	maxFrameSize = 16 * 1024 * 1024
)

// Handler receives snapshot payloads for one session.
type Handler func(payload []byte)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Header is sent with every dial, e.g. an Authorization header.
	Header http.Header
	// HTTPClient is used for the websocket handshake.
	HTTPClient *http.Client
	// HeartbeatInterval between client pings. Defaults to DefaultPingInterval.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long the connection may stay silent before it
	// is treated as lost. Defaults to three heartbeat intervals.
	HeartbeatTimeout time.Duration
	// OnState is called after every state change, outside the client lock.
	OnState func(from, to State)
	// Name labels log lines.
	Name string
}

type subscription struct {
	handlers map[uint64]Handler
	// last is the most recent payload, replayed to handlers added later.
	last []byte
	// seq orders resubscription after reconnect by creation time.
	seq                 uint64
	isSubscribed        bool
	pendingSubscription bool
}

// Client holds one reconnecting connection to a Service and multiplexes any
// number of local observers over it.
type Client struct {
	url  string
	opts ClientOptions

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// deliverMu orders handler calls: dispatch and the replay in Subscribe
	// both hold it, so a handler never sees an older payload after a newer one.
	deliverMu sync.Mutex

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	subs    map[string]*subscription
	queue   []ControlMessage // control messages produced while not open
	nextSeq uint64
	nextHID uint64
	closed  bool
	opens   atomic.Int64
}

// NewClient starts connecting to url in the background.
func NewClient(url string, opts ClientOptions) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultPingInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = missedPings * opts.HeartbeatInterval
	}
	if opts.Name == "" {
		opts.Name = url
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:    url,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[string]*subscription),
	}
	go c.run()
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Opens returns how many times the client has completed a handshake.
func (c *Client) Opens() int64 {
	return c.opens.Load()
}

// Subscribe registers h for sessionID and returns a function removing it.
// Only the first handler for a session sends a subscribe on the wire; only
// removing the last one sends an unsubscribe. A handler added to a session
// that already received a snapshot is called with it before Subscribe
// returns. h must not block or call back into the client.
func (c *Client) Subscribe(sessionID string, h Handler) (unsubscribe func()) {
	c.deliverMu.Lock()
	c.mu.Lock()
	sub, ok := c.subs[sessionID]
	if !ok {
		c.nextSeq++
		sub = &subscription{handlers: make(map[uint64]Handler), seq: c.nextSeq}
		c.subs[sessionID] = sub
	}
	c.nextHID++
	hid := c.nextHID
	sub.handlers[hid] = h

	var conn *websocket.Conn
	msg := ControlMessage{Type: TypeSubscribe, SessionID: sessionID}
	if !sub.isSubscribed && !sub.pendingSubscription && !c.closed {
		sub.pendingSubscription = true
		if c.state == StateOpen && c.conn != nil {
			conn = c.conn
		} else {
			c.queue = append(c.queue, msg)
		}
	}
	last := sub.last
	c.mu.Unlock()

	if last != nil {
		h(last)
	}
	c.deliverMu.Unlock()

	if conn != nil {
		c.send(conn, msg)
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.removeHandler(sessionID, hid) })
	}
}

func (c *Client) removeHandler(sessionID string, hid uint64) {
	c.mu.Lock()
	sub, ok := c.subs[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(sub.handlers, hid)
	if len(sub.handlers) > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.subs, sessionID)

	var conn *websocket.Conn
	msg := ControlMessage{Type: TypeUnsubscribe, SessionID: sessionID}
	if !c.closed {
		if c.state == StateOpen && c.conn != nil {
			conn = c.conn
		} else {
			c.queue = append(c.queue, msg)
		}
	}
	c.mu.Unlock()

	if conn != nil {
		c.send(conn, msg)
	}
}

// Close stops the client. It does not reconnect afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	change := c.fireLocked(evClose)
	conn := c.conn
	c.mu.Unlock()
	c.notify(change)

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	c.cancel()
	<-c.done
}

type stateChange struct {
	from, to State
	changed  bool
}

func (c *Client) fireLocked(ev connEvent) stateChange {
	next, ok := transition(c.state, ev)
	if !ok {
		log.Printf("[bufstream] client %s: ignoring %s in state %s", c.opts.Name, ev, c.state)
		return stateChange{}
	}
	prev := c.state
	c.state = next
	return stateChange{from: prev, to: next, changed: prev != next}
}

func (c *Client) notify(sc stateChange) {
	if sc.changed && c.opts.OnState != nil {
		c.opts.OnState(sc.from, sc.to)
	}
}

func (c *Client) run() {
	defer close(c.done)
	attempt := 0
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		change := c.fireLocked(evDial)
		c.mu.Unlock()
		c.notify(change)

		conn, err := c.dial()
		if err != nil {
			c.mu.Lock()
			change := c.fireLocked(evDialFailed)
			closed := c.closed
			c.mu.Unlock()
			c.notify(change)
			if closed {
				return
			}
			delay := backoffDelay(attempt)
			log.Printf("[bufstream] client %s: dial failed (retry in %s): %v", c.opts.Name, delay, err)
			if !c.sleep(delay) {
				return
			}
			attempt++
			continue
		}

		plan, ok := c.opened(conn)
		if !ok {
			conn.CloseNow()
			return
		}
		attempt = 0
		for _, m := range plan {
			if err := c.send(conn, m); err != nil {
				break
			}
		}

		c.serve(conn)

		c.mu.Lock()
		c.conn = nil
		for _, sub := range c.subs {
			sub.isSubscribed = false
			sub.pendingSubscription = false
		}
		change = c.fireLocked(evLost)
		closed := c.closed
		c.mu.Unlock()
		c.notify(change)
		if closed {
			return
		}

		delay := backoffDelay(attempt)
		log.Printf("[bufstream] client %s: connection lost, reconnecting in %s", c.opts.Name, delay)
		if !c.sleep(delay) {
			return
		}
		attempt++
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: c.opts.Header,
		HTTPClient: c.opts.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// opened moves the client to open and returns the control messages to send
// first. It reports false if the client was closed during the dial.
func (c *Client) opened(conn *websocket.Conn) ([]ControlMessage, bool) {
	c.mu.Lock()
	change := c.fireLocked(evOpened)
	if c.closed {
		c.mu.Unlock()
		c.notify(change)
		return nil, false
	}
	c.conn = conn
	queued := len(c.queue)
	plan, dropped := foldQueue(c.queue, c.liveLocked())
	c.queue = nil
	for _, m := range plan {
		if sub, ok := c.subs[m.SessionID]; ok {
			sub.pendingSubscription = true
		}
	}
	c.mu.Unlock()
	c.notify(change)

	c.opens.Add(1)
	log.Printf("[bufstream] client %s: connected, resubscribing %d sessions (%d queued messages, %d stale)", c.opts.Name, len(plan), queued, dropped)
	return plan, true
}

// liveLocked returns the ids with at least one handler, in creation order.
func (c *Client) liveLocked() []string {
	type live struct {
		id  string
		seq uint64
	}
	all := make([]live, 0, len(c.subs))
	for id, sub := range c.subs {
		if len(sub.handlers) > 0 {
			all = append(all, live{id, sub.seq})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	ids := make([]string, len(all))
	for i, l := range all {
		ids[i] = l.id
	}
	return ids
}

// foldQueue merges the messages queued while disconnected into the
// resubscription of every live session. The fresh connection has no server
// state, so the plan is one subscribe per live id in creation order: a queued
// subscribe for a live id is folded into it, and anything queued for an id
// that is no longer live is dropped.
func foldQueue(queue []ControlMessage, live []string) (plan []ControlMessage, dropped int) {
	isLive := make(map[string]bool, len(live))
	for _, id := range live {
		isLive[id] = true
	}
	for _, m := range queue {
		if !isLive[m.SessionID] {
			dropped++
		}
	}
	plan = make([]ControlMessage, 0, len(live))
	for _, id := range live {
		plan = append(plan, ControlMessage{Type: TypeSubscribe, SessionID: id})
	}
	return plan, dropped
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) send(conn *websocket.Conn, m ControlMessage) error {
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, encodeControl(m)); err != nil {
		if c.ctx.Err() == nil {
			log.Printf("[bufstream] client %s: send %s: %v", c.opts.Name, m.Type, err)
		}
		return err
	}
	return nil
}

// serve reads until the connection fails or stays silent past the
// heartbeat timeout.
func (c *Client) serve(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	defer conn.CloseNow()

	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())

	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				silent := time.Since(time.Unix(0, lastSeen.Load()))
				if silent > c.opts.HeartbeatTimeout {
					log.Printf("[bufstream] client %s: no traffic for %s, dropping connection", c.opts.Name, silent.Round(time.Millisecond))
					cancel()
					return
				}
				c.send(conn, ControlMessage{Type: TypePing})
			}
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Printf("[bufstream] client %s: read error: %v", c.opts.Name, err)
			}
			return
		}
		lastSeen.Store(time.Now().UnixNano())

		if typ == websocket.MessageBinary {
			c.dispatch(data)
			continue
		}
		msg, err := decodeControl(data)
		if err != nil {
			log.Printf("[bufstream] client %s: %v", c.opts.Name, err)
			continue
		}
		c.handleControl(conn, msg)
	}
}

func (c *Client) handleControl(conn *websocket.Conn, msg ControlMessage) {
	switch msg.Type {
	case TypeConnected:
		if msg.Version != ProtocolVersion {
			log.Printf("[bufstream] client %s: server speaks protocol version %d, expected %d", c.opts.Name, msg.Version, ProtocolVersion)
		}
	case TypeSubscribe:
		c.mu.Lock()
		if sub, ok := c.subs[msg.SessionID]; ok {
			sub.isSubscribed = true
			sub.pendingSubscription = false
		}
		c.mu.Unlock()
	case TypeError:
		c.mu.Lock()
		if sub, ok := c.subs[msg.SessionID]; ok {
			sub.isSubscribed = false
			sub.pendingSubscription = false
		}
		c.mu.Unlock()
		log.Printf("[bufstream] client %s: server error for session %q: %s", c.opts.Name, msg.SessionID, msg.Message)
	case TypePing:
		c.send(conn, ControlMessage{Type: TypePong})
	case TypePong:
	default:
		log.Printf("[bufstream] client %s: ignoring control message of type %q", c.opts.Name, msg.Type)
	}
}

func (c *Client) dispatch(frame []byte) {
	sessionID, payload, err := DecodeFrame(frame)
	if err != nil {
		log.Printf("[bufstream] client %s: dropping frame: %v", c.opts.Name, err)
		return
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	sub, ok := c.subs[sessionID]
	var handlers []Handler
	if ok {
		sub.last = payload
		handlers = make([]Handler, 0, len(sub.handlers))
		for _, h := range sub.handlers {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}
