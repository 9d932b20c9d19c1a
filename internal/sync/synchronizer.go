package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/cursor"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/filter"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/gateway"
)

// Sink is the ingestion side. Accept must be safe for concurrent use by different targets.
type Sink interface {
	Accept(ctx context.Context, op Operation) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, op Operation) error

// Accept implements Sink.
func (f SinkFunc) Accept(ctx context.Context, op Operation) error { return f(ctx, op) }

// Synchronizer combines the driver, the reconciler and a sink.
type Synchronizer struct {
	driver     *Driver
	reconciler *Reconciler
	sink       Sink
}

// NewSynchronizer creates a synchronizer sharing gw between paging and detail fetches.
func NewSynchronizer(gw gateway.Gateway, store cursor.Store, sink Sink) *Synchronizer {
	return &Synchronizer{
		driver:     NewDriver(gw, store),
		reconciler: NewReconciler(gw),
		sink:       sink,
	}
}

// Synchronize runs one round for target and hands every operation to the sink batch by batch.
// The returned report is never nil; on error it carries the last cursor that was persisted.
func (s *Synchronizer) Synchronize(ctx context.Context, target cursor.Target, spec filter.Specification, maxBatch int) (*Report, error) {
	began := time.Now()
	report := &Report{Target: target, Emitted: []string{}, Upserted: []string{}, Deleted: []string{}}
	logger := logrus.WithFields(logrus.Fields{
		"target": target.Key(),
		"round":  uuid.NewString(),
	})

	visit := func(ctx context.Context, batch int, record gateway.ChangeRecord) error {
		op, err := s.reconciler.Reconcile(ctx, record, spec)
		if err != nil {
			if abortsRound(err) {
				return fmt.Errorf("failed to reconcile node %s: %w", record.NodeID, err)
			}
			logger.WithError(err).WithFields(logrus.Fields{
				"node_id": record.NodeID,
				"txn":     record.TransactionID,
			}).Warn("Skipping node without detail")
			report.Skipped = append(report.Skipped, SkippedNode{
				NodeID:        record.NodeID,
				TransactionID: record.TransactionID,
				Reason:        err.Error(),
				batch:         batch,
			})
			return nil
		}
		if err := s.sink.Accept(ctx, op); err != nil {
			return fmt.Errorf("failed to hand node %s to sink: %w", record.NodeID, err)
		}
		report.Emitted = append(report.Emitted, op.NodeID())
		if op.IsDelete() {
			report.Deleted = append(report.Deleted, op.NodeID())
		} else {
			report.Upserted = append(report.Upserted, op.NodeID())
		}
		return nil
	}

	progress, err := s.driver.Run(ctx, target, spec, maxBatch, visit)
	report.Start = progress.Start
	report.Cursor = progress.Cursor
	report.Calls = progress.Calls
	report.Batches = progress.Batches
	for i := range report.Skipped {
		if progress.Advanced(report.Skipped[i].batch) {
			report.Skipped[i].PermanentlyMissed = true
			report.PermanentlyMissed++
		}
	}
	report.Duration = time.Since(began)

	fields := logrus.Fields{
		"from":     cursor.EncodeToken(report.Start),
		"to":       cursor.EncodeToken(report.Cursor),
		"calls":    report.Calls,
		"upserted": len(report.Upserted),
		"deleted":  len(report.Deleted),
		"skipped":  len(report.Skipped),
		"duration": report.Duration,
	}
	if err != nil {
		logger.WithError(err).WithFields(fields).Debug("Round aborted")
		return report, err
	}
	for _, skipped := range report.Skipped {
		if !skipped.PermanentlyMissed {
			continue
		}
		logger.WithFields(logrus.Fields{
			"node_id": skipped.NodeID,
			"txn":     skipped.TransactionID,
		}).Warn("Node permanently missed until it changes again")
	}
	logger.WithFields(fields).Info("Round completed")
	return report, nil
}

// abortsRound reports whether a detail failure means the repository itself is gone, as opposed
// to one node being unreadable.
func abortsRound(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.Is(err, ErrRepositoryUnavailable) && !gateway.NodeScoped(err)
}

// Backlog lists what the next round would see first, with a single gateway call and no cursor
// append. A nil from starts at the persisted cursor.
func (s *Synchronizer) Backlog(ctx context.Context, target cursor.Target, from *cursor.Value, spec filter.Specification, maxBatch int) (*BacklogSnapshot, error) {
	began := time.Now()
	var start cursor.Value
	if from != nil {
		start = *from
	} else {
		v, err := s.driver.store.Read(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("failed to read cursor: %w", err)
		}
		start = v
	}

	batch, err := s.driver.Peek(ctx, target, start, spec, maxBatch)
	if err != nil {
		return nil, err
	}
	records := Deduplicate(batch.Records)
	if records == nil {
		records = []gateway.ChangeRecord{}
	}
	return &BacklogSnapshot{
		Target:             target,
		From:               start,
		Records:            records,
		LastTransactionID:  batch.NewTransactionID,
		LastACLChangesetID: batch.NewACLChangesetID,
		Elapsed:            time.Since(began),
	}, nil
}
