package relay

import (
	"context"

	"github.com/c360/nostrelay/errors"
)

// EnterMaintenance flips the persisted maintenance flag, clears all stored
// subscription state, notifies every live client, and disconnects them. New
// upgrade attempts are refused with a retry-later response until
// ExitMaintenance.
func (s *Server) EnterMaintenance(ctx context.Context) error {
	if err := s.store.SetMaintenance(ctx, true); err != nil {
		return errors.WrapTransient(err, "Server", "EnterMaintenance", "persist maintenance flag")
	}
	s.maintenance.Store(true)

	if err := s.store.ClearSubscriptions(ctx); err != nil {
		s.logger.Warn("clear subscription state failed", "error", err)
	}

	for _, c := range s.snapshotConns() {
		for subID := range c.session.Subscriptions() {
			c.sendClosed(subID, errors.Reason(errors.PrefixError, "relay is entering maintenance"))
		}
		c.sendNotice("relay is entering maintenance, reconnect later")
		c.close()
	}

	s.logger.Info("maintenance mode enabled")
	return nil
}

// ExitMaintenance clears the maintenance flag and resumes accepting
// connections.
func (s *Server) ExitMaintenance(ctx context.Context) error {
	if err := s.store.SetMaintenance(ctx, false); err != nil {
		return errors.WrapTransient(err, "Server", "ExitMaintenance", "persist maintenance flag")
	}
	s.maintenance.Store(false)
	s.logger.Info("maintenance mode disabled")
	return nil
}

// InMaintenance reports whether the relay is currently refusing connections
func (s *Server) InMaintenance() bool {
	return s.maintenance.Load()
}
