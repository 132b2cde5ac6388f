// health.go implements the periodic liveness sweep over registered remotes.
//
// Every interval each remote is checked in its own goroutine with a timeout
// shorter than the interval, so one stuck remote cannot hold up the others
// or the next sweep. A remote that fails FailureThreshold consecutive checks
// is evicted; one that rejects HQ's bearer token is evicted on the spot.

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// ErrUnauthorized means the remote rejected the bearer token HQ holds for it.
var ErrUnauthorized = errors.New("remote rejected bearer token")

// HealthPath is the liveness endpoint every server exposes.
const HealthPath = "/api/health"

// HealthChecker performs one liveness call against a remote. ctx carries the
// per-check timeout.
type HealthChecker func(ctx context.Context, remote Remote) error

// HTTPHealthChecker returns a checker issuing GET {baseURL}/api/health with the
// remote's bearer token. A nil client uses http.DefaultClient; the timeout
// comes from the context.
func HTTPHealthChecker(client *http.Client) HealthChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, remote Remote) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote.BaseURL+HealthPath, nil)
		if err != nil {
			return fmt.Errorf("build health request: %w", err)
		}
		remote.Token.Apply(req.Header)

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("health request: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
		case resp.StatusCode >= 300:
			return fmt.Errorf("health check: HTTP %d", resp.StatusCode)
		}
		return nil
	}
}

// StartHealthSweep launches the background sweep. It stops when ctx is
// cancelled or Stop is called. Calling it twice restarts the sweep.
func (r *Registry) StartHealthSweep(ctx context.Context) {
	r.Stop()

	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.sweepMu.Lock()
	r.sweepCancel = cancel
	r.sweepDone = done
	r.sweepMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				r.CheckAll(sweepCtx)
			}
		}
	}()

	log.Printf("[registry] health sweep started (interval: %s, timeout: %s, threshold: %d)", r.interval, r.timeout, r.failureThreshold)
}

// Stop halts the background sweep and waits for it to exit.
func (r *Registry) Stop() {
	r.sweepMu.Lock()
	cancel, done := r.sweepCancel, r.sweepDone
	r.sweepCancel, r.sweepDone = nil, nil
	r.sweepMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CheckAll checks every registered remote concurrently and returns when all
// checks have completed or timed out.
func (r *Registry) CheckAll(ctx context.Context) {
	remotes := r.List()

	var wg sync.WaitGroup
	for _, remote := range remotes {
		wg.Add(1)
		go func(remote Remote) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			r.recordHealth(remote, r.checker(checkCtx, remote))
		}(remote)
	}
	wg.Wait()
}

// recordHealth applies a check result. Results for a record that was
// replaced while the check was in flight are dropped.
func (r *Registry) recordHealth(checked Remote, err error) {
	r.mu.Lock()
	rec, ok := r.remotes[checked.ID]
	if !ok || !rec.is(checked) {
		r.mu.Unlock()
		return
	}

	if err == nil {
		rec.lastHeartbeat = r.now()
		rec.failures = 0
		r.mu.Unlock()
		return
	}

	rec.failures++
	failures := rec.failures
	evict := errors.Is(err, ErrUnauthorized) || failures >= r.failureThreshold
	r.mu.Unlock()

	if !evict {
		log.Printf("[registry] health check failed for remote %s (%d/%d): %v", checked.Name, failures, r.failureThreshold, err)
		return
	}
	r.EvictIf(checked, fmt.Sprintf("health check failed: %v", err))
}
