package app

import (
	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
)

// transition applies from → to when the record is still in from and the
// table allows it, then publishes the change. rec.mu must be held.
func (s *serviceImpl) transition(rec *record, from, to domain.State, err error, revoked bool) bool {
	if rec.state != from || !domain.CanTransition(from, to) {
		s.log.Error("illegal transition", "transaction_id", rec.purchase.TransactionID, "state", rec.state, "from", from, "to", to)
		return false
	}
	rec.state = to
	s.publish(domain.StateChange{
		TransactionID: rec.purchase.TransactionID,
		ProductID:     rec.purchase.ProductID,
		From:          from,
		To:            to,
		RetryCount:    rec.retries,
		Revoked:       revoked,
		Err:           err,
		At:            s.cfg.Now().UTC(),
	})
	return true
}

// publish never blocks: a subscriber whose buffer is full misses the change.
func (s *serviceImpl) publish(c domain.StateChange) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.log.Warn("subscriber buffer full, dropping state change", "transaction_id", c.TransactionID, "to", c.To)
		}
	}
}

func (s *serviceImpl) Subscribe(buffer int) (<-chan domain.StateChange, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan domain.StateChange, buffer)
	s.subMu.Lock()
	if s.subsClosed {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *serviceImpl) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subsClosed = true
}
