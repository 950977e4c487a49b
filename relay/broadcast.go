package relay

import (
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/c360/nostrelay/filter"
)

// broadcast fans an accepted event out to every live subscription it
// matches. Matching is pure in-memory work; connections are delivered to in
// parallel so one slow or closing client never blocks the rest, but
// broadcast returns only after every delivery attempt has finished. The
// submitting connection's read loop therefore does not pick up its next
// frame until this event has been pushed everywhere, which keeps deliveries
// to any single subscriber in acceptance order.
func (s *Server) broadcast(evt *nostr.Event) {
	start := time.Now()

	var wg sync.WaitGroup
	for _, c := range s.snapshotConns() {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			s.deliver(c, evt)
		}(c)
	}
	wg.Wait()

	if s.metrics != nil {
		s.metrics.broadcastDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Server) deliver(c *Conn, evt *nostr.Event) {
	for subID, filters := range c.session.Subscriptions() {
		if !filter.MatchesAny(filters, evt) {
			continue
		}
		id := subID
		if err := c.send(&nostr.EventEnvelope{SubscriptionID: &id, Event: *evt}); err != nil {
			return
		}
	}
}
