package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/s2quake/tabledeck/internal/session/domain"
)

// queueDepth bounds how many events the recorder buffers before dropping.
const queueDepth = 256

// Recorder turns session events into audit entries on a background
// goroutine so event fan-out never blocks on storage.
type Recorder struct {
	store  Store
	logger *zap.Logger

	events chan domain.Event
	done   chan struct{}
}

// NewRecorder starts a recorder writing to the store.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger,
		events: make(chan domain.Event, queueDepth),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues one event. When the queue is full the event is dropped and
// counted in the logs rather than blocking the raising session.
func (r *Recorder) Record(evt domain.Event) {
	select {
	case r.events <- evt:
	default:
		r.logger.Warn("audit queue full, dropping event",
			zap.String("type", string(evt.Type)),
			zap.String("session_id", evt.SessionID))
	}
}

// Close drains queued events and stops the recorder.
func (r *Recorder) Close() {
	close(r.events)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for evt := range r.events {
		entry, err := entryFor(evt)
		if err != nil {
			r.logger.Error("encode audit entry", zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = r.store.Append(ctx, entry)
		cancel()
		if err != nil {
			r.logger.Error("append audit entry",
				zap.String("type", string(evt.Type)),
				zap.String("session_id", evt.SessionID),
				zap.Error(err))
		}
	}
}

// detail is the event-specific JSON payload of an entry.
type detail struct {
	Member        *domain.MemberSnapshot `json:"member,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	RowCount      int                    `json:"row_count,omitempty"`
	PropertyName  string                 `json:"property_name,omitempty"`
	PropertyValue string                 `json:"property_value,omitempty"`
	Activated     bool                   `json:"activated,omitempty"`
	Canceled      bool                   `json:"canceled,omitempty"`
}

func entryFor(evt domain.Event) (Entry, error) {
	at := evt.Signature.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	encoded, err := json.Marshal(detail{
		Member:        evt.Member,
		Reason:        evt.Reason,
		RowCount:      len(evt.Rows),
		PropertyName:  evt.PropertyName,
		PropertyValue: evt.PropertyValue,
		Activated:     evt.Activated,
		Canceled:      evt.Canceled,
	})
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		At:           at,
		SessionID:    evt.SessionID,
		DataSourceID: evt.DataSourceID,
		EventType:    string(evt.Type),
		CallerID:     evt.Signature.CallerID,
		Detail:       string(encoded),
	}, nil
}
