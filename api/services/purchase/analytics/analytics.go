package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tbeaudouin05/entitlement-sync/api/services/purchase/domain"
)

// Event names.
const (
	EventStarted    = "purchase_started"
	EventVerified   = "purchase_verified"
	EventCompleted  = "purchase_completed"
	EventError      = "purchase_error"
	EventCancelled  = "purchase_cancelled"
	EventSyncFailed = "purchase_sync_failed"
	EventRevoked    = "purchase_revoked"
)

// Event is one analytics record derived from a state change.
type Event struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	TransactionID string    `json:"transactionId"`
	ProductID     string    `json:"productId"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	RetryCount    int       `json:"retryCount"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// Sink delivers events somewhere.
type Sink interface {
	Track(ctx context.Context, e Event) error
}

// EventFor maps a state change to an event. Changes analytics does not
// care about report false.
func EventFor(c domain.StateChange) (Event, bool) {
	var name string
	switch {
	case c.Revoked:
		name = EventRevoked
	case c.To == domain.StateVerifying:
		name = EventStarted
	case c.To == domain.StateVerified:
		name = EventVerified
	case c.To == domain.StateSynced && c.From == domain.StateSyncing:
		name = EventCompleted
	case c.To == domain.StateVerificationFailed:
		name = EventError
		if pe, ok := domain.AsPurchaseError(c.Err); ok && pe.Kind == domain.KindCancelled {
			name = EventCancelled
		}
	case c.To == domain.StateSyncFailed:
		name = EventSyncFailed
	case c.From == domain.StateVerifying && c.To == domain.StatePending:
		name = EventError
	default:
		return Event{}, false
	}
	e := Event{
		ID:            uuid.NewString(),
		Name:          name,
		TransactionID: c.TransactionID,
		ProductID:     c.ProductID,
		From:          string(c.From),
		To:            string(c.To),
		RetryCount:    c.RetryCount,
		At:            c.At,
	}
	if c.Err != nil {
		e.Error = c.Err.Error()
	}
	return e, true
}

// Observer forwards state changes to a sink. Sink failures and panics are
// logged and never reach the engine.
type Observer struct {
	sink    Sink
	log     *slog.Logger
	timeout time.Duration
}

// NewObserver returns an observer with a per-event delivery timeout.
func NewObserver(sink Sink, logger *slog.Logger, timeout time.Duration) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Observer{sink: sink, log: logger, timeout: timeout}
}

// Run drains changes until the channel closes or ctx ends.
func (o *Observer) Run(ctx context.Context, changes <-chan domain.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			o.handle(ctx, c)
		}
	}
}

func (o *Observer) handle(ctx context.Context, c domain.StateChange) {
	e, ok := EventFor(c)
	if !ok {
		return
	}
	if err := o.track(ctx, e); err != nil {
		o.log.Warn("analytics delivery failed", "event", e.Name, "transaction_id", e.TransactionID, "error", err)
	}
}

func (o *Observer) track(ctx context.Context, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.sink.Track(ctx, e)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Track(ctx context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "analytics event",
		"event_id", e.ID,
		"event", e.Name,
		"transaction_id", e.TransactionID,
		"product_id", e.ProductID,
		"from", e.From,
		"to", e.To,
		"retry_count", e.RetryCount,
		"error", e.Error,
	)
	return nil
}
