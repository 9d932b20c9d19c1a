package sync

import (
	"context"
	"errors"
	"slices"
	stdsync "sync"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/cursor"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/filter"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/gateway"
)

var testTarget = cursor.Target{Job: "docs", Store: gateway.DefaultStore}

type fetchCall struct {
	afterTxn int64
	afterACL int64
	spec     filter.Specification
	maxBatch int
}

// details serves FetchDocumentDetail for both fake gateways.
type details struct {
	mu      stdsync.Mutex
	docs    map[string]*gateway.DocumentDetail
	errs    map[string]error
	fetched []string
}

func (d *details) FetchDocumentDetail(_ context.Context, _ gateway.StoreRef, nodeID string) (*gateway.DocumentDetail, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetched = append(d.fetched, nodeID)
	if err, ok := d.errs[nodeID]; ok {
		return nil, err
	}
	if doc, ok := d.docs[nodeID]; ok {
		clone := *doc
		return &clone, nil
	}
	return &gateway.DocumentDetail{NodeID: nodeID}, nil
}

func (d *details) fetchedNodes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.fetched)
}

// scriptedGateway answers FetchChanges with a fixed sequence of batches. Once the script is
// exhausted it reports no further changes.
type scriptedGateway struct {
	details

	mu       stdsync.Mutex
	batches  []*gateway.Batch
	failures []error
	calls    []fetchCall
}

func (g *scriptedGateway) FetchChanges(_ context.Context, _ gateway.StoreRef, afterTxn, afterACL int64, spec filter.Specification, maxBatch int) (*gateway.Batch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.calls)
	g.calls = append(g.calls, fetchCall{afterTxn: afterTxn, afterACL: afterACL, spec: spec, maxBatch: maxBatch})
	if n < len(g.failures) && g.failures[n] != nil {
		return nil, g.failures[n]
	}
	if n < len(g.batches) {
		b := *g.batches[n]
		b.Records = slices.Clone(b.Records)
		return &b, nil
	}
	return &gateway.Batch{NewTransactionID: afterTxn, NewACLChangesetID: afterACL}, nil
}

func (g *scriptedGateway) fetchCalls() []fetchCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.calls)
}

// logGateway models the repository logs: records carry a transaction id or an ACL changeset id
// and each call returns at most maxBatch distinct ids per log after the requested positions.
type logGateway struct {
	details

	mu      stdsync.Mutex
	records []gateway.ChangeRecord
	calls   int
}

func (g *logGateway) FetchChanges(_ context.Context, _ gateway.StoreRef, afterTxn, afterACL int64, _ filter.Specification, maxBatch int) (*gateway.Batch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++

	batch := &gateway.Batch{NewTransactionID: afterTxn, NewACLChangesetID: afterACL}
	txns := map[int64]struct{}{}
	acls := map[int64]struct{}{}
	for _, r := range g.records {
		switch {
		case r.TransactionID > afterTxn:
			if _, ok := txns[r.TransactionID]; !ok && len(txns) == maxBatch {
				continue
			}
			txns[r.TransactionID] = struct{}{}
			batch.NewTransactionID = max(batch.NewTransactionID, r.TransactionID)
		case r.ACLChangesetID > afterACL:
			if _, ok := acls[r.ACLChangesetID]; !ok && len(acls) == maxBatch {
				continue
			}
			acls[r.ACLChangesetID] = struct{}{}
			batch.NewACLChangesetID = max(batch.NewACLChangesetID, r.ACLChangesetID)
		default:
			continue
		}
		batch.Records = append(batch.Records, r)
	}
	return batch, nil
}

func (g *logGateway) fetchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// recordingSink keeps every accepted operation.
type recordingSink struct {
	mu   stdsync.Mutex
	ops  []Operation
	fail map[string]error
}

func (s *recordingSink) Accept(_ context.Context, op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[op.NodeID()]; ok {
		return err
	}
	s.ops = append(s.ops, op)
	return nil
}

func (s *recordingSink) operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ops)
}

// failingStore refuses appends after allowed successful ones.
type failingStore struct {
	*cursor.MemoryStore
	allowed int
}

var errStoreDown = errors.New("store down")

func (s *failingStore) Append(ctx context.Context, target cursor.Target, v cursor.Value) error {
	if s.allowed == 0 {
		return errStoreDown
	}
	s.allowed--
	return s.MemoryStore.Append(ctx, target, v)
}
