package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/filter"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/gateway"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/site"
)

// VersionLabelProperty carries the document version in repository metadata.
const VersionLabelProperty = "cm:versionLabel"

// Field names filled from the change record before repository properties are merged.
const (
	FieldType = "type"
	FieldName = "name"
)

// NodeDetailError reports a node whose detail fetch failed for a reason other than NotFound.
type NodeDetailError struct {
	NodeID string
	Err    error
}

func (e *NodeDetailError) Error() string {
	return fmt.Sprintf("%s: node %s: %v", ErrNodeDetailUnavailable, e.NodeID, e.Err)
}

func (e *NodeDetailError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNodeDetailUnavailable) hold.
func (e *NodeDetailError) Is(target error) bool {
	return target == ErrNodeDetailUnavailable
}

// Reconciler turns change records into upserts and deletes.
type Reconciler struct {
	gateway gateway.Gateway
}

// NewReconciler creates a reconciler fetching details through gw.
func NewReconciler(gw gateway.Gateway) *Reconciler {
	return &Reconciler{gateway: gw}
}

// Reconcile classifies one record. Deleted records never trigger a detail fetch; a node the
// repository no longer knows is deleted too. Documents that stopped matching spec are deleted
// with ReasonOutOfScope. Any other detail failure is returned as *NodeDetailError.
func (r *Reconciler) Reconcile(ctx context.Context, record gateway.ChangeRecord, spec filter.Specification) (Operation, error) {
	store := gateway.StoreRef{Protocol: record.StoreProtocol, Identifier: record.StoreID}
	if record.Deleted {
		return deleteOp(record, store, ReasonDeleted), nil
	}

	detail, err := r.gateway.FetchDocumentDetail(ctx, store, record.NodeID)
	if errors.Is(err, gateway.ErrNotFound) {
		return deleteOp(record, store, ReasonNotFound), nil
	}
	if err != nil {
		return Operation{}, &NodeDetailError{NodeID: record.NodeID, Err: err}
	}

	doc := Enrich(record, detail)
	if !spec.IsEmpty() && !spec.Matches(CandidateOf(doc, detail)) {
		return deleteOp(record, store, ReasonOutOfScope), nil
	}
	return Operation{Upsert: doc}, nil
}

func deleteOp(record gateway.ChangeRecord, store gateway.StoreRef, reason string) Operation {
	return Operation{Delete: &DeleteSignal{
		NodeID:  record.NodeID,
		NodeRef: nodeRef(store, record.NodeID),
		Reason:  reason,
	}}
}

func nodeRef(store gateway.StoreRef, nodeID string) string {
	if store.Protocol == "" && store.Identifier == "" {
		return nodeID
	}
	return store.String() + "/" + nodeID
}

// Enrich assembles the upsert for record from its repository detail. Later writes win: record
// type and name first, then the detail type, then properties in repository order.
func Enrich(record gateway.ChangeRecord, detail *gateway.DocumentDetail) *EnrichedDocument {
	fields := make(map[string]string, len(detail.Properties)+2)
	if record.NodeType != "" {
		fields[FieldType] = record.NodeType
	}
	if record.Name != "" {
		fields[FieldName] = record.Name
	}
	if detail.Type != "" {
		fields[FieldType] = detail.Type
	}
	for _, p := range detail.Properties {
		fields[p.Name] = p.Value
	}

	acl := slices.Clone(detail.ReadableAuthorities)
	slices.Sort(acl)
	acl = slices.Compact(acl)
	if acl == nil {
		acl = []string{}
	}

	doc := &EnrichedDocument{
		NodeID:       record.NodeID,
		NodeRef:      nodeRef(gateway.StoreRef{Protocol: record.StoreProtocol, Identifier: record.StoreID}, record.NodeID),
		Fields:       fields,
		ACL:          acl,
		VersionLabel: fields[VersionLabelProperty],
	}
	if detail.ContentURL != "" {
		doc.Content = &ContentRef{URL: detail.ContentURL, Mimetype: detail.Mimetype, Size: detail.Size}
	}
	return doc
}

// CandidateOf derives the attributes filters are evaluated against.
func CandidateOf(doc *EnrichedDocument, detail *gateway.DocumentDetail) filter.Candidate {
	siteName, _ := site.ResolvePath(detail.Path)
	return filter.Candidate{
		Type:       doc.Fields[FieldType],
		Site:       siteName,
		Mimetype:   detail.Mimetype,
		Aspects:    detail.Aspects,
		Properties: doc.Fields,
	}
}
