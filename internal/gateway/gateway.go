// Package gateway defines what the synchronization core needs from the content repository and
// provides an HTTP implementation on top of the repository indexer web scripts.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/filter"
)

// Unbounded is the page size sentinel meaning "no limit". It is never a valid maxBatch.
const Unbounded = math.MaxInt32

// DefaultMaxBatch is the page size used when a job does not configure one.
const DefaultMaxBatch = 1000

var (
	// ErrRepositoryUnavailable marks transient failures to reach the repository.
	ErrRepositoryUnavailable = errors.New("repository unavailable")
	// ErrNotFound is returned when the repository no longer knows a node.
	ErrNotFound = errors.New("node not found")
	// ErrForeignStore is returned when the repository answers with records of another store.
	ErrForeignStore = errors.New("record belongs to a foreign store")
	// ErrMalformedResponse is returned when the repository answered with a body that does not decode.
	ErrMalformedResponse = errors.New("malformed repository response")
)

// NodeScoped reports whether err concerns a single node or content stream while the repository
// itself answered: a missing node, an HTTP status or an undecodable body.
func NodeScoped(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformedResponse) {
		return true
	}
	var httpErr *HTTPError
	return errors.As(err, &httpErr)
}

// StoreRef identifies a repository store, e.g. workspace://SpacesStore.
type StoreRef struct {
	Protocol   string
	Identifier string
}

// DefaultStore is the live content store of a repository.
var DefaultStore = StoreRef{Protocol: "workspace", Identifier: "SpacesStore"}

func (s StoreRef) String() string {
	return s.Protocol + "://" + s.Identifier
}

// ParseStoreRef parses "protocol://identifier".
func ParseStoreRef(ref string) (StoreRef, error) {
	protocol, identifier, ok := strings.Cut(ref, "://")
	if !ok || protocol == "" || identifier == "" || strings.Contains(identifier, "/") {
		return StoreRef{}, fmt.Errorf("%w: malformed store reference %q", filter.ErrConfigurationInvalid, ref)
	}
	return StoreRef{Protocol: protocol, Identifier: identifier}, nil
}

// ChangeRecord is one changed node as reported by the change feed.
type ChangeRecord struct {
	NodeID         string `json:"node_id"`
	TransactionID  int64  `json:"txn_id"`
	ACLChangesetID int64  `json:"acl_changeset_id"`
	StoreID        string `json:"store_id"`
	StoreProtocol  string `json:"store_protocol"`
	Deleted        bool   `json:"deleted"`
	NodeType       string `json:"type,omitempty"`
	Name           string `json:"name,omitempty"`
}

// NodeRef returns the repository node reference of the record.
func (r ChangeRecord) NodeRef() string {
	return r.StoreProtocol + "://" + r.StoreID + "/" + r.NodeID
}

// Batch is one page of the change feed together with the advanced log positions.
type Batch struct {
	Records           []ChangeRecord
	NewTransactionID  int64
	NewACLChangesetID int64
}

// Property is one repository property of a node, in the order the repository reported it.
type Property struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
}

// DocumentDetail is the metadata of one node.
type DocumentDetail struct {
	NodeID              string
	Type                string
	Path                string
	Aspects             []string
	Properties          []Property
	ReadableAuthorities []string
	ContentURL          string
	ShareURL            string
	Mimetype            string
	Size                int64
}

// UserAuthorities lists the authorities (groups, roles) a user holds.
type UserAuthorities struct {
	Username    string   `json:"username"`
	Authorities []string `json:"authorities"`
}

// Gateway is the read side of the repository the core depends on. Implementations must be safe
// for concurrent use by several targets.
type Gateway interface {
	// FetchChanges returns the nodes changed after the given transaction and ACL changeset ids.
	FetchChanges(ctx context.Context, store StoreRef, afterTxn, afterACL int64, spec filter.Specification, maxBatch int) (*Batch, error)
	// FetchDocumentDetail returns ErrNotFound when the node is gone.
	FetchDocumentDetail(ctx context.Context, store StoreRef, nodeID string) (*DocumentDetail, error)
}

// ValidateMaxBatch rejects page sizes that are not positive or equal the Unbounded sentinel.
func ValidateMaxBatch(maxBatch int) error {
	if maxBatch <= 0 || maxBatch >= Unbounded {
		return fmt.Errorf("%w: maxBatch must be between 1 and %d, got %d", filter.ErrConfigurationInvalid, Unbounded-1, maxBatch)
	}
	return nil
}

// CheckStore verifies that every record belongs to store. Records without store information
// are attributed to store.
func CheckStore(store StoreRef, records []ChangeRecord) error {
	for i := range records {
		r := &records[i]
		if r.StoreProtocol == "" && r.StoreID == "" {
			r.StoreProtocol, r.StoreID = store.Protocol, store.Identifier
			continue
		}
		if r.StoreProtocol != store.Protocol || r.StoreID != store.Identifier {
			return fmt.Errorf("%w: node %s is in %s://%s, expected %s",
				ErrForeignStore, r.NodeID, r.StoreProtocol, r.StoreID, store)
		}
	}
	return nil
}
