package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"secmon/internal/queue"
	"secmon/internal/schema"
	"secmon/internal/storage"
)

// RejectSink stores observations that failed decoding or validation.
type RejectSink interface {
	Write(ctx context.Context, r *storage.RejectedObservation) error
}

// intake decodes, validates and enqueues raw observations. It is shared by
// the HTTP handler and the DTLS server.
type intake struct {
	validator *schema.Validator
	queue     *queue.RingBuffer
	rejects   RejectSink
}

// admit returns queue.ErrQueueFull unchanged so callers can tell back
// pressure from bad input.
func (in *intake) admit(ctx context.Context, raw []byte, transport, remoteAddr string) error {
	var obs schema.Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		err = fmt.Errorf("invalid JSON: %w", err)
		in.reject(ctx, raw, transport, remoteAddr, err)
		return err
	}

	if err := in.validator.Validate(&obs); err != nil {
		in.reject(ctx, raw, transport, remoteAddr, err)
		return err
	}

	return in.queue.Push(&queue.Item{
		Observation: &obs,
		Transport:   transport,
		RemoteAddr:  remoteAddr,
		ReceivedAt:  time.Now().UTC(),
	})
}

func (in *intake) reject(ctx context.Context, raw []byte, transport, remoteAddr string, reason error) {
	if in.rejects == nil {
		return
	}
	err := in.rejects.Write(ctx, &storage.RejectedObservation{
		Raw:        string(raw),
		Source:     transport,
		RemoteAddr: remoteAddr,
		Reason:     reason.Error(),
		RejectedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Error("failed to store rejected observation", "transport", transport, "error", err)
	}
}
