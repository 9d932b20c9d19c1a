package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/cursor"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/filter"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/gateway"
)

// Visitor receives every deduplicated record of a batch, in gateway order, before the batch's
// cursor is persisted. batch counts from zero within one round. Returning an error aborts the
// round without persisting the batch.
type Visitor func(ctx context.Context, batch int, record gateway.ChangeRecord) error

// Progress describes how far a round got.
type Progress struct {
	Start cursor.Value
	// Cursor is the last value known to be persisted.
	Cursor cursor.Value
	Calls  int
	// Batches counts batches that were fully visited and checkpointed.
	Batches int
	Records int

	// advanced[i] is set when batch i moved the persisted position.
	advanced []bool
}

// Advanced reports whether batch moved the persisted cursor. Records of a batch that did not
// advance are requested again by the next round.
func (p Progress) Advanced(batch int) bool {
	return batch >= 0 && batch < len(p.advanced) && p.advanced[batch]
}

// Driver pages through the change feed of a target and keeps its cursor.
type Driver struct {
	gateway gateway.Gateway
	store   cursor.Store

	mu    stdsync.Mutex
	locks map[string]chan struct{}
}

// NewDriver creates a driver. The store is shared by all targets.
func NewDriver(gw gateway.Gateway, store cursor.Store) *Driver {
	return &Driver{
		gateway: gw,
		store:   store,
		locks:   make(map[string]chan struct{}),
	}
}

// acquire serializes rounds of one target.
func (d *Driver) acquire(ctx context.Context, target cursor.Target) (func(), error) {
	d.mu.Lock()
	lock, ok := d.locks[target.Key()]
	if !ok {
		lock = make(chan struct{}, 1)
		d.locks[target.Key()] = lock
	}
	d.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run executes one round for target: read the cursor, then fetch, visit and persist batches
// until neither log advances.
func (d *Driver) Run(ctx context.Context, target cursor.Target, spec filter.Specification, maxBatch int, visit Visitor) (Progress, error) {
	if err := gateway.ValidateMaxBatch(maxBatch); err != nil {
		return Progress{}, err
	}
	release, err := d.acquire(ctx, target)
	if err != nil {
		return Progress{}, err
	}
	defer release()

	start, err := d.store.Read(ctx, target)
	if err != nil {
		return Progress{}, fmt.Errorf("failed to read cursor: %w", err)
	}
	p := Progress{Start: start, Cursor: start}
	lastTxn, lastACL := start.LastTransactionID, start.LastACLChangesetID
	logger := logrus.WithField("target", target.Key())

	for {
		if err := ctx.Err(); err != nil {
			return p, err
		}

		batch, err := d.gateway.FetchChanges(ctx, target.Store, lastTxn, lastACL, spec, maxBatch)
		p.Calls++
		if err != nil {
			return p, fmt.Errorf("failed to fetch changes after %d|%d: %w", lastTxn, lastACL, err)
		}
		if batch.NewTransactionID < lastTxn || batch.NewACLChangesetID < lastACL {
			logger.WithFields(logrus.Fields{
				"txn":     lastTxn,
				"acl":     lastACL,
				"new_txn": batch.NewTransactionID,
				"new_acl": batch.NewACLChangesetID,
			}).Error("Repository reported a cursor behind the persisted one")
			return p, fmt.Errorf("%w: repository answered %d|%d for a request after %d|%d",
				cursor.ErrCursorRegression, batch.NewTransactionID, batch.NewACLChangesetID, lastTxn, lastACL)
		}

		for _, record := range Deduplicate(batch.Records) {
			if err := ctx.Err(); err != nil {
				return p, err
			}
			if err := visit(ctx, p.Batches, record); err != nil {
				return p, err
			}
			p.Records++
		}

		txnDelta := batch.NewTransactionID - lastTxn
		aclDelta := batch.NewACLChangesetID - lastACL
		lastTxn, lastACL = batch.NewTransactionID, batch.NewACLChangesetID

		next := cursor.Value{LastTransactionID: lastTxn, LastACLChangesetID: lastACL, RecordedAt: time.Now().UTC()}
		// re-appending the position the store already holds adds nothing
		if !next.SamePosition(p.Cursor) || p.Cursor.RecordedAt.IsZero() {
			if err := d.store.Append(ctx, target, next); err != nil {
				return p, fmt.Errorf("failed to persist cursor %s: %w", cursor.EncodeToken(next), err)
			}
			p.Cursor = next
		}
		p.advanced = append(p.advanced, txnDelta > 0 || aclDelta > 0)
		p.Batches++

		logger.WithFields(logrus.Fields{
			"txn":     lastTxn,
			"acl":     lastACL,
			"records": len(batch.Records),
		}).Debug("Persisted batch cursor")

		if txnDelta <= 0 && aclDelta <= 0 {
			return p, nil
		}
	}
}

// Peek performs a single gateway call from from without touching the cursor store.
func (d *Driver) Peek(ctx context.Context, target cursor.Target, from cursor.Value, spec filter.Specification, maxBatch int) (*gateway.Batch, error) {
	if err := gateway.ValidateMaxBatch(maxBatch); err != nil {
		return nil, err
	}
	if err := from.Validate(); err != nil {
		return nil, err
	}
	batch, err := d.gateway.FetchChanges(ctx, target.Store, from.LastTransactionID, from.LastACLChangesetID, spec, maxBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch changes after %s: %w", cursor.EncodeToken(from), err)
	}
	return batch, nil
}

// Deduplicate keeps the last occurrence of every node id, at the position of that occurrence.
func Deduplicate(records []gateway.ChangeRecord) []gateway.ChangeRecord {
	last := make(map[string]int, len(records))
	for i, r := range records {
		last[r.NodeID] = i
	}
	if len(last) == len(records) {
		return records
	}
	out := make([]gateway.ChangeRecord, 0, len(last))
	for i, r := range records {
		if last[r.NodeID] == i {
			out = append(out, r)
		}
	}
	return out
}
