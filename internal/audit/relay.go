package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the part of *kafka.Writer the relay needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type relayedEntry struct {
	ID        uint64            `json:"id"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Target    string            `json:"target"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Relay ships stored audit entries to Kafka.
type Relay struct {
	store *Store
	w     MessageWriter
	log   *zap.SugaredLogger
}

func NewRelay(store *Store, w MessageWriter, log *zap.SugaredLogger) *Relay {
	return &Relay{store: store, w: w, log: log}
}

// RelayOnce sends up to limit pending entries in id order and returns how
// many were marked relayed. The batch stops at the first failed send so
// later entries never overtake it on the topic; it stays pending for the
// next round.
func (r *Relay) RelayOnce(ctx context.Context, limit int) (int, error) {
	entries, err := r.store.Pending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("poll audit log: %w", err)
	}
	sent := 0
	for _, e := range entries {
		payload, err := json.Marshal(relayedEntry{
			ID: e.ID, Actor: e.Actor, Action: e.Action, Target: e.Target,
			Metadata: e.Metadata, CreatedAt: e.CreatedAt,
		})
		if err != nil {
			r.log.Errorf("encode audit id=%d: %v", e.ID, err)
			continue
		}
		msg := kafka.Message{
			Key:   []byte(e.Target),
			Value: payload,
			Time:  e.CreatedAt,
		}
		if err := r.w.WriteMessages(ctx, msg); err != nil {
			r.log.Errorf("publish audit id=%d: %v", e.ID, err)
			break
		}
		if err := r.store.MarkRelayed(ctx, e.ID); err != nil {
			r.log.Errorf("mark relayed id=%d: %v", e.ID, err)
			continue
		}
		sent++
	}
	return sent, nil
}
