package relay

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/c360/nostrelay/errors"
	"github.com/c360/nostrelay/event"
	"github.com/c360/nostrelay/session"
)

// Disposition is the outcome of ingesting one submitted event
type Disposition struct {
	// OK and Reason become the submitter's OK frame
	OK     bool
	Reason string
	// NeedAuth means an AUTH challenge accompanies the rejection
	NeedAuth bool
	// Broadcast means the event fans out to live subscriptions. Losing
	// replaceable versions and duplicates are acknowledged but not
	// broadcast.
	Broadcast bool
}

// handleEvent runs the ingestion pipeline for a submitted event and sends
// exactly one OK frame back, plus an AUTH challenge when authentication is
// the reason for rejection.
func (s *Server) handleEvent(ctx context.Context, c *Conn, evt *nostr.Event) {
	d := s.ingest(ctx, evt, c.session)

	if d.NeedAuth {
		challenge := c.session.IssueChallenge()
		_ = c.send(&nostr.AuthEnvelope{Challenge: &challenge})
	}
	c.sendOK(evt.ID, d.OK, d.Reason)

	if d.Broadcast {
		s.broadcast(evt)
		s.firehose.Publish(evt)
	}
}

// ingest validates, authorizes, classifies, and persists one event. It holds
// every policy decision of the write path; frame I/O stays in handleEvent so
// the pipeline is testable without a socket.
func (s *Server) ingest(ctx context.Context, evt *nostr.Event, sess *session.Session) Disposition {
	if err := event.Validate(evt); err != nil {
		s.countEvent("invalid")
		return Disposition{OK: false, Reason: errors.ReasonFor(err)}
	}

	limits := s.cfg.Limits
	protected := event.Protected(evt)

	// Authentication gate: a globally auth-required relay, a protected
	// event, and a restricted-writes relay all demand the submitter be
	// authenticated as the event's author before the write is considered.
	if (limits.AuthRequired || limits.RestrictedWrites || protected) && !sess.Authorized(evt.PubKey) {
		s.countEvent("auth_required")
		explanation := "authentication required for writes"
		if protected {
			explanation = "this event is protected and may only be published by its author"
		} else if limits.RestrictedWrites {
			explanation = "registration required, authenticate to verify your key"
		}
		return Disposition{
			OK:       false,
			Reason:   errors.Reason(errors.PrefixAuthRequired, explanation),
			NeedAuth: true,
		}
	}

	// Registration gate: restricted writes only admit allow-listed authors
	if limits.RestrictedWrites && !s.cfg.Registered(evt.PubKey) {
		s.countEvent("restricted")
		return Disposition{
			OK:     false,
			Reason: errors.Reason(errors.PrefixRestricted, "pubkey is not registered on this relay"),
		}
	}

	switch event.Classify(evt.Kind) {
	case event.ClassEphemeral:
		// Never persisted, still broadcast
		s.countEvent("ephemeral")
		return Disposition{OK: true, Broadcast: true}

	case event.ClassReplaceable:
		stored, err := s.store.ReplaceEvent(ctx, evt)
		if err != nil {
			return s.storageFailure(evt, err)
		}
		if !stored {
			// Lost the latest-wins comparison: idempotent no-op success
			s.countEvent("superseded")
			return Disposition{OK: true}
		}
		s.countEvent("accepted")
		return Disposition{OK: true, Broadcast: true}

	case event.ClassAddressable:
		dTag, present := event.DTag(evt)
		if !present {
			s.countEvent("invalid")
			return Disposition{
				OK:     false,
				Reason: errors.Reason(errors.PrefixInvalid, "addressable event requires a d tag"),
			}
		}
		stored, err := s.store.ReplaceAddressable(ctx, evt, dTag)
		if err != nil {
			return s.storageFailure(evt, err)
		}
		if !stored {
			s.countEvent("superseded")
			return Disposition{OK: true}
		}
		s.countEvent("accepted")
		return Disposition{OK: true, Broadcast: true}

	case event.ClassDeletion:
		if err := s.store.SaveEvent(ctx, evt); err != nil {
			if stderrors.Is(err, errors.ErrDuplicate) {
				s.countEvent("duplicate")
				return Disposition{OK: true, Reason: errors.ReasonFor(err)}
			}
			return s.storageFailure(evt, err)
		}
		// Courtesy pass: remove referenced events the author owns.
		// Non-matching or missing targets are silently ignored.
		removed, err := s.store.DeleteByReference(ctx, evt)
		if err != nil {
			s.logger.Warn("deletion pass failed", "event_id", evt.ID, "error", err)
		} else if removed > 0 {
			s.logger.Debug("deletion pass removed events", "event_id", evt.ID, "removed", removed)
		}
		s.countEvent("accepted")
		return Disposition{OK: true, Broadcast: true}

	default: // regular
		if err := s.store.SaveEvent(ctx, evt); err != nil {
			if stderrors.Is(err, errors.ErrDuplicate) {
				s.countEvent("duplicate")
				return Disposition{OK: true, Reason: errors.ReasonFor(err)}
			}
			return s.storageFailure(evt, err)
		}
		s.countEvent("accepted")
		return Disposition{OK: true, Broadcast: true}
	}
}

func (s *Server) storageFailure(evt *nostr.Event, err error) Disposition {
	s.logger.Error("storage write failed", "event_id", evt.ID, "error", err)
	s.countEvent("storage_error")
	if s.metrics != nil {
		s.metrics.errorsTotal.WithLabelValues("storage").Inc()
	}
	// Backend details never reach the submitter
	return Disposition{OK: false, Reason: errors.Reason(errors.PrefixError, "could not store event")}
}

// handleAuth verifies an AUTH frame against the outstanding challenge
func (s *Server) handleAuth(_ context.Context, c *Conn, evt *nostr.Event) {
	if err := c.session.VerifyAuth(evt, time.Now()); err != nil {
		c.logger.Debug("auth rejected", "pubkey", evt.PubKey, "error", err)
		c.sendOK(evt.ID, false, errors.ReasonFor(err))
		return
	}
	c.logger.Debug("auth accepted", "pubkey", evt.PubKey)
	c.sendOK(evt.ID, true, "")
}

func (s *Server) countEvent(disposition string) {
	if s.metrics != nil {
		s.metrics.eventsTotal.WithLabelValues(disposition).Inc()
	}
}
