// Package ingest applies queued detection events to the active session.
package ingest

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"classroll/internal/apperr"
	"classroll/internal/proofstore"
	"classroll/internal/queue"
	"classroll/internal/session"
)

// Processor turns detection events into attendance updates.
type Processor struct {
	manager  *session.Manager
	uploader proofstore.Uploader
	log      *zap.Logger
}

// NewProcessor creates a processor. uploader may be nil, in which case
// inline proof images are dropped and only ProofRef is kept.
func NewProcessor(m *session.Manager, uploader proofstore.Uploader, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{manager: m, uploader: uploader, log: logger}
}

// Handle applies one event. A failed proof upload does not block the
// check-in.
func (p *Processor) Handle(ctx context.Context, ev queue.DetectionEvent) error {
	proofRef := ev.ProofRef
	if ev.ProofImage != "" && p.uploader != nil {
		key := ev.StudentCode
		if key == "" {
			key = strconv.FormatInt(ev.StudentID, 10)
		}
		ref, err := proofstore.Store(ctx, p.uploader, key, ev.Timestamp, ev.ProofImage)
		if err != nil {
			p.log.Warn("proof upload failed, recording without proof", zap.String("student", key), zap.Error(err))
		} else {
			proofRef = ref
		}
	}
	_, err := p.manager.RecordDetection(ctx, session.Detection{
		StudentID:   ev.StudentID,
		StudentCode: ev.StudentCode,
		At:          ev.Timestamp,
		ProofRef:    proofRef,
	})
	return err
}

// Run consumes q until ctx is done. Events for students without a record in
// the active session, or arriving while no session runs, are dropped.
func (p *Processor) Run(ctx context.Context, q queue.Queue) error {
	events, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	p.log.Info("worker started, waiting for detections")
	for ev := range events {
		err := p.Handle(ctx, ev)
		switch {
		case err == nil:
		case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrValidation):
			p.log.Info("detection dropped",
				zap.Int64("student_id", ev.StudentID),
				zap.String("student_code", ev.StudentCode),
				zap.String("reason", err.Error()))
		default:
			p.log.Error("detection failed", zap.String("student_code", ev.StudentCode), zap.Error(err))
		}
	}
	p.log.Info("worker stopped")
	return nil
}
