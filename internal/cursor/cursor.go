// Package cursor persists how far synchronization has progressed for each target.
//
// A cursor value is the pair of highest seen ids of the repository transaction log and ACL
// changeset log. Values are appended, never updated, and must not go backwards.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/filter"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/gateway"
)

// ErrCursorRegression is returned when a value lower than an already persisted or observed one
// shows up for a target. It is never recovered from automatically.
var ErrCursorRegression = errors.New("cursor regression")

// Value is one persisted cursor position.
type Value struct {
	LastTransactionID  int64     `json:"last_txn_id"`
	LastACLChangesetID int64     `json:"last_acl_changeset_id"`
	RecordedAt         time.Time `json:"recorded_at"`
}

// Regresses reports whether v is behind prev on either log.
func (v Value) Regresses(prev Value) bool {
	return v.LastTransactionID < prev.LastTransactionID || v.LastACLChangesetID < prev.LastACLChangesetID
}

// SamePosition reports whether v and o point at the same log positions, ignoring RecordedAt.
func (v Value) SamePosition(o Value) bool {
	return v.LastTransactionID == o.LastTransactionID && v.LastACLChangesetID == o.LastACLChangesetID
}

func (v Value) String() string {
	return EncodeToken(v)
}

// Validate rejects negative positions.
func (v Value) Validate() error {
	if v.LastTransactionID < 0 || v.LastACLChangesetID < 0 {
		return fmt.Errorf("%w: cursor positions must not be negative: %s", filter.ErrConfigurationInvalid, EncodeToken(v))
	}
	return nil
}

// EncodeToken renders the positions as "txn|acl".
func EncodeToken(v Value) string {
	return strconv.FormatInt(v.LastTransactionID, 10) + "|" + strconv.FormatInt(v.LastACLChangesetID, 10)
}

// DecodeToken parses a "txn|acl" token. A bare "txn" leaves the ACL position at zero.
func DecodeToken(token string) (Value, error) {
	token = strings.TrimSpace(token)
	txnPart, aclPart, hasACL := strings.Cut(token, "|")
	txn, err := strconv.ParseInt(txnPart, 10, 64)
	if err != nil {
		return Value{}, fmt.Errorf("%w: malformed cursor token %q", filter.ErrConfigurationInvalid, token)
	}
	var acl int64
	if hasACL {
		if acl, err = strconv.ParseInt(aclPart, 10, 64); err != nil {
			return Value{}, fmt.Errorf("%w: malformed cursor token %q", filter.ErrConfigurationInvalid, token)
		}
	}
	v := Value{LastTransactionID: txn, LastACLChangesetID: acl}
	return v, v.Validate()
}

// Target is a synchronization job against one repository store.
type Target struct {
	Job   string
	Store gateway.StoreRef
}

// Key is the identity the stores index values by.
func (t Target) Key() string {
	return t.Job + "/" + t.Store.String()
}

func (t Target) String() string {
	return t.Key()
}

// Store persists cursor values per target.
type Store interface {
	// Read returns the latest value for target or the zero Value when none exists.
	Read(ctx context.Context, target Target) (Value, error)
	// Append atomically records v as the latest value. It fails with ErrCursorRegression when
	// v is behind the latest value.
	Append(ctx context.Context, target Target, v Value) error
	// Reset forgets every value of target so the next round starts from scratch.
	Reset(ctx context.Context, target Target) error
}

func regressionError(target Target, latest, v Value) error {
	return fmt.Errorf("%w: target %s is at %s, refusing %s", ErrCursorRegression, target, EncodeToken(latest), EncodeToken(v))
}

func stamp(v Value) Value {
	if v.RecordedAt.IsZero() {
		v.RecordedAt = time.Now().UTC()
	}
	return v
}
