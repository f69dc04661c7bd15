package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/sentinel/internal/history"
	"github.com/loykin/sentinel/internal/metrics"
	"github.com/loykin/sentinel/internal/workload"
)

// Subscription is one bounded event feed. A subscriber that stops draining
// is dropped, never blocking the emitters; the final event on its channel is
// then the closed channel itself.
type Subscription struct {
	C      <-chan workload.Event
	ch     chan workload.Event
	filter string // workload id; empty means all
	c      *Coordinator
	once   sync.Once
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.c.subMu.Lock()
	delete(s.c.subs, s)
	s.c.subMu.Unlock()
	s.closeCh()
}

func (s *Subscription) closeCh() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe attaches a bounded event feed, optionally filtered to one
// workload (by id or name).
func (c *Coordinator) Subscribe(workloadRef string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	var filter string
	if workloadRef != "" {
		if s := c.resolve(workloadRef); s != nil {
			filter = s.Workload().ID
		} else {
			filter = workloadRef // unmatched filter delivers nothing
		}
	}
	sub := &Subscription{ch: make(chan workload.Event, buffer), filter: filter, c: c}
	sub.C = sub.ch
	c.subMu.Lock()
	c.subs[sub] = struct{}{}
	c.subMu.Unlock()
	return sub
}

func (c *Coordinator) busLoop() {
	defer c.wg.Done()
	lagTick := time.NewTicker(5 * time.Second)
	defer lagTick.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-lagTick.C:
			metrics.SetPersistenceLag(c.app.Lag().Seconds())
		case e := <-c.events:
			c.fanOut(e)
		}
	}
}

func (c *Coordinator) fanOut(e workload.Event) {
	var dropped []*Subscription
	c.subMu.Lock()
	for sub := range c.subs {
		if sub.filter != "" && sub.filter != e.WorkloadID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(c.subs, sub)
	}
	sinks := c.sinks
	c.subMu.Unlock()

	for _, sub := range dropped {
		slog.Warn("subscriber lagged; dropping subscription", "workload", e.WorkloadID)
		sub.closeCh()
	}
	for _, sink := range sinks {
		go func(s history.Sink) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.Send(ctx, e); err != nil {
				slog.Debug("history sink send failed", "error", err)
			}
		}(sink)
	}
}
