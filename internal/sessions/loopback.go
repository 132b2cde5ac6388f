package sessions

import (
	"bytes"
	"context"
	"sync"
)

// LoopbackSpawner starts a terminal that echoes its input back as output and
// renders the last screenful of lines as the snapshot. It stands in for a
// real PTY-backed terminal, which lives outside this module.
func LoopbackSpawner(_ context.Context, s Session, sink Sink) (Terminal, error) {
	return &loopbackTerminal{sink: sink, cols: s.Cols, rows: s.Rows}, nil
}

type loopbackTerminal struct {
	mu     sync.Mutex
	sink   Sink
	cols   int
	rows   int
	lines  [][]byte
	closed bool
}

func (t *loopbackTerminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrExited
	}
	t.appendLocked(p)
	screen := t.renderLocked()
	t.mu.Unlock()

	t.sink.Output(p)
	t.sink.Snapshot(screen)
	return len(p), nil
}

func (t *loopbackTerminal) appendLocked(p []byte) {
	if len(t.lines) == 0 {
		t.lines = append(t.lines, nil)
	}
	for _, b := range p {
		switch b {
		case '\n':
			t.lines = append(t.lines, nil)
		case '\r':
		default:
			last := len(t.lines) - 1
			if len(t.lines[last]) >= t.cols {
				t.lines = append(t.lines, nil)
				last++
			}
			t.lines[last] = append(t.lines[last], b)
		}
	}
	if len(t.lines) > t.rows {
		t.lines = t.lines[len(t.lines)-t.rows:]
	}
}

func (t *loopbackTerminal) renderLocked() []byte {
	return bytes.Join(t.lines, []byte("\n"))
}

func (t *loopbackTerminal) Resize(cols, rows int) error {
	t.mu.Lock()
	t.cols, t.rows = cols, rows
	if len(t.lines) > rows {
		t.lines = t.lines[len(t.lines)-rows:]
	}
	screen := t.renderLocked()
	t.mu.Unlock()

	t.sink.Snapshot(screen)
	return nil
}

func (t *loopbackTerminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
