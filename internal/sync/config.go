// Package sync drives incremental synchronization of repository changes into an ingestion sink.
package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/cursor"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/filter"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/gateway"
)

// Re-exported so hosts can classify failures without importing every package.
var (
	ErrRepositoryUnavailable = gateway.ErrRepositoryUnavailable
	ErrCursorRegression      = cursor.ErrCursorRegression
	ErrConfigurationInvalid  = filter.ErrConfigurationInvalid
)

// ErrNodeDetailUnavailable marks a node whose metadata could not be fetched. The node is skipped.
var ErrNodeDetailUnavailable = errors.New("node detail unavailable")

// Job is one configured synchronization: a target, its filter and its page size.
type Job struct {
	Target   cursor.Target
	Filter   filter.Specification
	MaxBatch int
}

// Validate checks everything that can be checked before any I/O.
func (j Job) Validate() error {
	if j.Target.Job == "" {
		return fmt.Errorf("%w: job name is required", ErrConfigurationInvalid)
	}
	if j.Target.Store.Protocol == "" || j.Target.Store.Identifier == "" {
		return fmt.Errorf("%w: job %s has no store", ErrConfigurationInvalid, j.Target.Job)
	}
	return gateway.ValidateMaxBatch(j.MaxBatch)
}

// ContentRef points at the binary content of a document.
type ContentRef struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// EnrichedDocument is an upsert ready for ingestion. The sink owns it once handed over.
type EnrichedDocument struct {
	NodeID       string            `json:"node_id"`
	NodeRef      string            `json:"node_ref"`
	Fields       map[string]string `json:"fields"`
	Content      *ContentRef       `json:"content,omitempty"`
	ACL          []string          `json:"acl"`
	Deleted      bool              `json:"deleted"`
	VersionLabel string            `json:"version_label"`
}

// Version is the string a host compares to decide whether a document changed.
func (d *EnrichedDocument) Version() string {
	return d.VersionLabel + d.NodeID
}

// Delete reasons.
const (
	ReasonDeleted    = "deleted"
	ReasonNotFound   = "not_found"
	ReasonOutOfScope = "out_of_scope"
)

// DeleteSignal asks the sink to drop a node.
type DeleteSignal struct {
	NodeID  string `json:"node_id"`
	NodeRef string `json:"node_ref"`
	Reason  string `json:"reason"`
}

// Operation is either an upsert or a delete. Exactly one field is set.
type Operation struct {
	Upsert *EnrichedDocument
	Delete *DeleteSignal
}

// NodeID returns the node the operation is about.
func (o Operation) NodeID() string {
	if o.Upsert != nil {
		return o.Upsert.NodeID
	}
	if o.Delete != nil {
		return o.Delete.NodeID
	}
	return ""
}

// IsDelete reports whether o is a delete signal.
func (o Operation) IsDelete() bool {
	return o.Delete != nil
}

// SkippedNode is a change record that could not be reconciled.
type SkippedNode struct {
	NodeID        string `json:"node_id"`
	TransactionID int64  `json:"txn_id"`
	Reason        string `json:"reason"`
	// PermanentlyMissed is set once the cursor was persisted past the node's transaction, so
	// later rounds will not see it again unless it changes.
	PermanentlyMissed bool `json:"permanently_missed"`

	batch int
}

// Report summarizes one Synchronize call. Emitted lists node ids in the order they reached the sink.
type Report struct {
	Target            cursor.Target
	Start             cursor.Value
	Cursor            cursor.Value
	Calls             int
	Batches           int
	Emitted           []string
	Upserted          []string
	Deleted           []string
	Skipped           []SkippedNode
	PermanentlyMissed int
	Duration          time.Duration
}

// BacklogSnapshot is the pending change set of a target as seen by one gateway call.
type BacklogSnapshot struct {
	Target             cursor.Target          `json:"-"`
	From               cursor.Value           `json:"from"`
	Records            []gateway.ChangeRecord `json:"records"`
	LastTransactionID  int64                  `json:"last_txn_id"`
	LastACLChangesetID int64                  `json:"last_acl_changeset_id"`
	Elapsed            time.Duration          `json:"elapsed"`
}
