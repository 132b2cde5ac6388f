package router

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/neonwatty/vibetunnel-sub006/internal/registry"
)

const (
	wsDialTimeout = 10 * time.Second
	wsReadLimit   = 4 * 1024 * 1024

	closeUpstreamUnavailable websocket.StatusCode = 4502
)

// Hop-by-hop headers are dropped in both directions.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Client credentials never leave HQ.
var strippedRequestHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// targetURL joins the remote's base URL with the request path and query.
// The "token" query parameter carries the client's own credential and is
// removed.
func targetURL(base string, r *http.Request) string {
	u := base + r.URL.EscapedPath()
	q := r.URL.Query()
	if q.Has("token") {
		q.Del("token")
	}
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// evictIfRejected evicts a remote that refused its own bearer token. A
// registration that replaced remote while the call was in flight is kept. It
// reports whether the status was an auth rejection.
func (rt *Router) evictIfRejected(remote registry.Remote, status int) bool {
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return false
	}
	rt.reg.EvictIf(remote, fmt.Sprintf("proxied call rejected with HTTP %d", status))
	return true
}

func (rt *Router) forwardHTTP(w http.ResponseWriter, r *http.Request, remote registry.Remote) {
	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL(remote.BaseURL, r), r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create proxy request")
		return
	}
	proxyReq.ContentLength = r.ContentLength
	for k, vv := range r.Header {
		if hopHeaders[k] || strippedRequestHeaders[k] {
			continue
		}
		proxyReq.Header[k] = append([]string(nil), vv...)
	}
	remote.Token.Apply(proxyReq.Header)

	resp, err := rt.client.Do(proxyReq)
	if err != nil {
		log.Printf("[router] forward %s %s to %s failed: %v", r.Method, r.URL.Path, remote.Name, err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Cannot reach remote %s", remote.Name))
		return
	}
	defer resp.Body.Close()

	if rt.evictIfRejected(remote, resp.StatusCode) {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Remote %s rejected HQ credentials", remote.Name))
		return
	}

	for k, vv := range resp.Header {
		if hopHeaders[k] {
			continue
		}
		w.Header()[k] = append([]string(nil), vv...)
	}
	w.WriteHeader(resp.StatusCode)
	copyFlushing(w, resp.Body)
}

// copyFlushing relays body to w, flushing after every read so event streams
// arrive as they are produced.
func copyFlushing(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// wsURL turns an http(s) base URL into its ws(s) equivalent.
func wsURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// forwardWebSocket holds the client leg and the remote leg open together
// and relays frames both ways until either side closes.
func (rt *Router) forwardWebSocket(w http.ResponseWriter, r *http.Request, remote registry.Remote) {
	requestedProtocol := r.Header.Get("Sec-WebSocket-Protocol")
	var subprotocols []string
	if requestedProtocol != "" {
		subprotocols = strings.Split(requestedProtocol, ", ")
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       subprotocols,
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[router] websocket accept error: %v", err)
		return
	}
	defer clientConn.CloseNow()

	target, err := wsURL(targetURL(remote.BaseURL, r))
	if err != nil {
		clientConn.Close(closeUpstreamUnavailable, "Invalid remote URL")
		return
	}

	ctx := r.Context()
	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()

	header := http.Header{}
	remote.Token.Apply(header)
	upstreamConn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		Subprotocols: subprotocols,
		HTTPHeader:   header,
		HTTPClient:   rt.client,
	})
	if err != nil {
		if resp != nil {
			rt.evictIfRejected(remote, resp.StatusCode)
		}
		log.Printf("[router] websocket dial to %s failed: %v", remote.Name, err)
		clientConn.Close(closeUpstreamUnavailable, "Cannot connect to remote")
		return
	}
	defer upstreamConn.CloseNow()

	clientConn.SetReadLimit(wsReadLimit)
	upstreamConn.SetReadLimit(wsReadLimit)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	// Client → Remote
	go func() {
		defer relayCancel()
		relay(relayCtx, clientConn, upstreamConn)
	}()

	// Remote → Client
	func() {
		defer relayCancel()
		relay(relayCtx, upstreamConn, clientConn)
	}()

	clientConn.Close(websocket.StatusNormalClosure, "")
	upstreamConn.Close(websocket.StatusNormalClosure, "")
}

func relay(ctx context.Context, from, to *websocket.Conn) {
	for {
		msgType, data, err := from.Read(ctx)
		if err != nil {
			return
		}
		if err := to.Write(ctx, msgType, data); err != nil {
			return
		}
	}
}
