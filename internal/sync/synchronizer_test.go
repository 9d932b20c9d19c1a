package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/cursor"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/filter"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/gateway"
)

func TestSynchronizeEndToEnd(t *testing.T) {
	gw := &scriptedGateway{
		details: details{docs: map[string]*gateway.DocumentDetail{
			"n1": {NodeID: "n1", Type: "doc", ReadableAuthorities: []string{"GROUP_A"}},
		}},
		batches: []*gateway.Batch{
			{Records: []gateway.ChangeRecord{{NodeID: "n1", TransactionID: 5}}, NewTransactionID: 5},
		},
	}
	store := cursor.NewMemoryStore()
	sink := &recordingSink{}
	s := NewSynchronizer(gw, store, sink)
	ctx := context.Background()

	report, err := s.Synchronize(ctx, testTarget, filter.Specification{}, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Calls)
	assert.Equal(t, []string{"n1"}, report.Emitted)
	assert.True(t, report.Cursor.SamePosition(cursor.Value{LastTransactionID: 5}))

	ops := sink.operations()
	require.Len(t, ops, 1)
	require.NotNil(t, ops[0].Upsert)
	assert.Equal(t, "n1", ops[0].Upsert.NodeID)
	assert.Equal(t, map[string]string{"type": "doc"}, ops[0].Upsert.Fields)
	assert.Equal(t, []string{"GROUP_A"}, ops[0].Upsert.ACL)
	assert.False(t, ops[0].Upsert.Deleted)

	persisted, err := store.Read(ctx, testTarget)
	require.NoError(t, err)
	assert.True(t, persisted.SamePosition(cursor.Value{LastTransactionID: 5}))

	report, err = s.Synchronize(ctx, testTarget, filter.Specification{}, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Calls)
	assert.Empty(t, report.Emitted)
	assert.Len(t, sink.operations(), 1)
	assert.Len(t, gw.fetchCalls(), 3)
}

func TestSynchronizeDeletedNode(t *testing.T) {
	gw := &scriptedGateway{batches: []*gateway.Batch{
		{
			Records: []gateway.ChangeRecord{
				{NodeID: "n1", TransactionID: 8},
				{NodeID: "n2", TransactionID: 8, Deleted: true},
			},
			NewTransactionID: 8,
		},
	}}
	sink := &recordingSink{}
	report, err := NewSynchronizer(gw, cursor.NewMemoryStore(), sink).
		Synchronize(context.Background(), testTarget, filter.Specification{}, 100)
	require.NoError(t, err)

	assert.Equal(t, []string{"n1", "n2"}, report.Emitted)
	assert.Equal(t, []string{"n1"}, report.Upserted)
	assert.Equal(t, []string{"n2"}, report.Deleted)
	assert.Equal(t, []string{"n1"}, gw.fetchedNodes(), "no detail fetch for a deleted node")

	ops := sink.operations()
	require.Len(t, ops, 2)
	require.True(t, ops[1].IsDelete())
	assert.Equal(t, ReasonDeleted, ops[1].Delete.Reason)
}

func TestSynchronizeSkipsUnreadableNodes(t *testing.T) {
	gw := &scriptedGateway{
		details: details{errs: map[string]error{
			"bad": fmt.Errorf("%w: %w", gateway.ErrRepositoryUnavailable, &gateway.HTTPError{StatusCode: 500}),
		}},
		batches: []*gateway.Batch{
			{
				Records: []gateway.ChangeRecord{
					{NodeID: "bad", TransactionID: 3},
					{NodeID: "good", TransactionID: 3},
				},
				NewTransactionID: 3,
			},
		},
	}
	report, err := NewSynchronizer(gw, cursor.NewMemoryStore(), &recordingSink{}).
		Synchronize(context.Background(), testTarget, filter.Specification{}, 100)
	require.NoError(t, err)

	assert.Equal(t, []string{"good"}, report.Emitted)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "bad", report.Skipped[0].NodeID)
	assert.Equal(t, int64(3), report.Skipped[0].TransactionID)
	assert.True(t, report.Skipped[0].PermanentlyMissed)
	assert.Equal(t, 1, report.PermanentlyMissed)
	assert.True(t, report.Cursor.SamePosition(cursor.Value{LastTransactionID: 3}))
}

// unreadableDetailRepository serves n1 and n2 at txn 5. The detail of n1 is cut short.
func unreadableDetailRepository(t *testing.T) *gateway.WebScriptClient {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/alfresco/service/node/changes/workspace/SpacesStore", func(w http.ResponseWriter, r *http.Request) {
		last, _ := strconv.ParseInt(r.URL.Query().Get("lastTxnId"), 10, 64)
		if last >= 5 {
			_, _ = io.WriteString(w, `{"last_txn_id":5,"last_acl_changeset_id":0,"docs":[]}`)
			return
		}
		_, _ = io.WriteString(w, `{"last_txn_id":5,"last_acl_changeset_id":0,"docs":[
			{"uuid":"n1","nodeRef":"workspace://SpacesStore/n1","txnId":5},
			{"uuid":"n2","nodeRef":"workspace://SpacesStore/n2","txnId":5}]}`)
	})
	mux.HandleFunc("/alfresco/service/node/details/workspace/SpacesStore/n1", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"type":"cm:content","readableAuth`)
	})
	mux.HandleFunc("/alfresco/service/node/details/workspace/SpacesStore/n2", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"type":"cm:content","readableAuthorities":["GROUP_EVERYONE"]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := gateway.NewWebScriptClient(gateway.Options{BaseURL: srv.URL + "/alfresco/service"})
	require.NoError(t, err)
	return client
}

func TestSynchronizeSkipsUndecodableDetail(t *testing.T) {
	store := cursor.NewMemoryStore()
	sink := &recordingSink{}
	s := NewSynchronizer(unreadableDetailRepository(t), store, sink)
	ctx := context.Background()

	report, err := s.Synchronize(ctx, testTarget, filter.Specification{}, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, report.Emitted)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "n1", report.Skipped[0].NodeID)
	assert.True(t, report.Skipped[0].PermanentlyMissed)
	assert.Equal(t, 1, report.PermanentlyMissed)
	assert.True(t, report.Cursor.SamePosition(cursor.Value{LastTransactionID: 5}))

	persisted, err := store.Read(ctx, testTarget)
	require.NoError(t, err)
	assert.True(t, persisted.SamePosition(cursor.Value{LastTransactionID: 5}))

	// the next round starts past the unreadable node
	report, err = s.Synchronize(ctx, testTarget, filter.Specification{}, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Calls)
	assert.Empty(t, report.Emitted)
	assert.Len(t, sink.operations(), 1)
}

func TestSynchronizeSkippedNodeInStalledBatchIsRetried(t *testing.T) {
	ctx := context.Background()
	store := cursor.NewMemoryStore()
	require.NoError(t, store.Append(ctx, testTarget, cursor.Value{LastTransactionID: 3}))

	// the repository repeats txn 3 without moving past it
	gw := &scriptedGateway{
		details: details{errs: map[string]error{
			"bad": &gateway.HTTPError{StatusCode: 403},
		}},
		batches: []*gateway.Batch{
			{Records: []gateway.ChangeRecord{{NodeID: "bad", TransactionID: 3}}, NewTransactionID: 3},
		},
	}
	report, err := NewSynchronizer(gw, store, &recordingSink{}).
		Synchronize(ctx, testTarget, filter.Specification{}, 100)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Batches)
	require.Len(t, report.Skipped, 1)
	assert.False(t, report.Skipped[0].PermanentlyMissed, "the same position is requested again")
	assert.Zero(t, report.PermanentlyMissed)
	assert.Len(t, store.History(testTarget), 1)
}

func TestSynchronizeSinkFailureKeepsCursor(t *testing.T) {
	gw := &scriptedGateway{
		details: details{errs: map[string]error{
			"bad": fmt.Errorf("%w: %w", gateway.ErrRepositoryUnavailable, &gateway.HTTPError{StatusCode: 500}),
		}},
		batches: []*gateway.Batch{
			{
				Records: []gateway.ChangeRecord{
					{NodeID: "bad", TransactionID: 3},
					{NodeID: "n2", TransactionID: 3},
				},
				NewTransactionID: 3,
			},
		},
	}
	full := errors.New("index full")
	store := cursor.NewMemoryStore()
	report, err := NewSynchronizer(gw, store, &recordingSink{fail: map[string]error{"n2": full}}).
		Synchronize(context.Background(), testTarget, filter.Specification{}, 100)
	require.ErrorIs(t, err, full)

	require.NotNil(t, report)
	assert.Empty(t, store.History(testTarget))
	assert.True(t, report.Cursor.SamePosition(cursor.Value{}))
	require.Len(t, report.Skipped, 1)
	assert.False(t, report.Skipped[0].PermanentlyMissed, "the batch will be fetched again")
	assert.Zero(t, report.PermanentlyMissed)
}

func TestSynchronizeAbortsWhenRepositoryIsDown(t *testing.T) {
	gw := &scriptedGateway{
		details: details{errs: map[string]error{
			"n1": fmt.Errorf("%w: connection refused", gateway.ErrRepositoryUnavailable),
		}},
		batches: []*gateway.Batch{
			{Records: []gateway.ChangeRecord{{NodeID: "n1", TransactionID: 3}}, NewTransactionID: 3},
		},
	}
	store := cursor.NewMemoryStore()
	report, err := NewSynchronizer(gw, store, &recordingSink{}).
		Synchronize(context.Background(), testTarget, filter.Specification{}, 100)
	require.ErrorIs(t, err, ErrRepositoryUnavailable)
	assert.ErrorIs(t, err, ErrNodeDetailUnavailable)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, store.History(testTarget))
}

func TestSynchronizeDrainsLogAcrossBatches(t *testing.T) {
	gw := &logGateway{records: txnLog(7)}
	sink := &recordingSink{}
	report, err := NewSynchronizer(gw, cursor.NewMemoryStore(), sink).
		Synchronize(context.Background(), testTarget, filter.Specification{}, 3)
	require.NoError(t, err)

	assert.Len(t, report.Emitted, 7)
	assert.Equal(t, 4, report.Calls)
	assert.Equal(t, 4, report.Batches)
	assert.Len(t, sink.operations(), 7)
}

func TestBacklog(t *testing.T) {
	gw := &logGateway{records: txnLog(5)}
	store := cursor.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, testTarget, cursor.Value{LastTransactionID: 2}))
	s := NewSynchronizer(gw, store, &recordingSink{})

	snapshot, err := s.Backlog(ctx, testTarget, nil, filter.Specification{}, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snapshot.From.LastTransactionID)
	assert.Len(t, snapshot.Records, 3)
	assert.Equal(t, int64(5), snapshot.LastTransactionID)
	assert.Zero(t, snapshot.LastACLChangesetID)
	assert.Len(t, store.History(testTarget), 1, "backlog never appends")

	from := cursor.Value{LastTransactionID: 4}
	snapshot, err = s.Backlog(ctx, testTarget, &from, filter.Specification{}, 100)
	require.NoError(t, err)
	require.Len(t, snapshot.Records, 1)
	assert.Equal(t, int64(5), snapshot.Records[0].TransactionID)

	_, err = s.Backlog(ctx, testTarget, nil, filter.Specification{}, 0)
	require.ErrorIs(t, err, ErrConfigurationInvalid)
}

func TestBacklogEmpty(t *testing.T) {
	s := NewSynchronizer(&scriptedGateway{}, cursor.NewMemoryStore(), &recordingSink{})
	snapshot, err := s.Backlog(context.Background(), testTarget, nil, filter.Specification{}, 10)
	require.NoError(t, err)
	assert.NotNil(t, snapshot.Records)
	assert.Empty(t, snapshot.Records)
}
