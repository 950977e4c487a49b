package relay

import (
	"context"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/c360/nostrelay/errors"
)

// handleReq registers a subscription and streams the historical backfill.
// Registration happens before the backfill query so that events committed
// during the query reach the live broadcast path; the client owns dedup
// across the seam. A backend failure during the backfill closes just this
// request: the registration is rolled back and CLOSED is sent instead of a
// misleading EOSE.
func (s *Server) handleReq(ctx context.Context, c *Conn, subID string, filters nostr.Filters) {
	if err := c.session.AddSubscription(subID, filters); err != nil {
		c.logger.Debug("subscription rejected", "sub_id", subID, "error", err)
		c.sendClosed(subID, errors.ReasonFor(err))
		return
	}

	// Bookkeeping only; the live registry is the session itself
	if err := s.store.PutSubscriptions(ctx, c.id, subID, filters); err != nil {
		s.logger.Warn("persist subscription state failed", "conn_id", c.id, "sub_id", subID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.subscriptionsLive.Set(float64(s.liveSubscriptions()))
	}

	events, err := s.backfill(ctx, filters)
	if err != nil {
		s.logger.Warn("backfill query failed", "conn_id", c.id, "sub_id", subID, "error", err)
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("query").Inc()
		}
		s.dropSubscription(ctx, c, subID)
		c.sendClosed(subID, errors.Reason(errors.PrefixError, "could not query stored events"))
		return
	}

	for i := range events {
		id := subID
		if err := c.send(&nostr.EventEnvelope{SubscriptionID: &id, Event: events[i]}); err != nil {
			return
		}
	}
	eose := nostr.EOSEEnvelope(subID)
	_ = c.send(&eose)
}

// backfill queries stored events for each filter, dedups by id, and orders
// newest first with id as the tie-break. Any filter's query failing fails
// the whole backfill.
func (s *Server) backfill(ctx context.Context, filters nostr.Filters) ([]nostr.Event, error) {
	start := time.Now()

	seen := make(map[string]struct{})
	var events []nostr.Event
	for i := range filters {
		found, err := s.store.QueryEvents(ctx, filters[i])
		if err != nil {
			return nil, err
		}
		for _, evt := range found {
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			seen[evt.ID] = struct{}{}
			events = append(events, *evt)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})

	if s.metrics != nil {
		s.metrics.queryDuration.Observe(time.Since(start).Seconds())
	}
	return events, nil
}

// handleCloseSub removes a subscription. Closing an unknown id is a no-op.
func (s *Server) handleCloseSub(ctx context.Context, c *Conn, subID string) {
	s.dropSubscription(ctx, c, subID)
}

func (s *Server) dropSubscription(ctx context.Context, c *Conn, subID string) {
	c.session.RemoveSubscription(subID)
	if err := s.store.DropSubscription(ctx, c.id, subID); err != nil {
		s.logger.Warn("drop subscription state failed", "conn_id", c.id, "sub_id", subID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.subscriptionsLive.Set(float64(s.liveSubscriptions()))
	}
}

func (s *Server) liveSubscriptions() int {
	total := 0
	for _, c := range s.snapshotConns() {
		total += c.session.SubscriptionCount()
	}
	return total
}
