package coordinator

import (
	"sync"
	"time"

	"github.com/loykin/sentinel/internal/timewheel"
)

// wheelTimers adapts the shared timer wheel to the callback shape the
// supervisor and scheduler expect. Callbacks are tiny (channel nudges), so
// they run inline on the dispatch goroutine.
type wheelTimers struct {
	w  *timewheel.Wheel
	mu sync.Mutex
	cb map[timewheel.Token]func()
}

func newWheelTimers(w *timewheel.Wheel) *wheelTimers {
	t := &wheelTimers{w: w, cb: make(map[timewheel.Token]func())}
	go t.dispatch()
	return t
}

func (t *wheelTimers) After(d time.Duration, fn func()) (cancel func() bool) {
	t.mu.Lock()
	tok := t.w.After(d)
	t.cb[tok] = fn
	t.mu.Unlock()
	return func() bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.cb, tok)
		return t.w.Cancel(tok)
	}
}

func (t *wheelTimers) dispatch() {
	for f := range t.w.C() {
		t.mu.Lock()
		fn := t.cb[f.Token]
		delete(t.cb, f.Token)
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}
