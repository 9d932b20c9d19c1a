// Package sink provides ingestion sinks for synchronized documents.
package sink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdsync "sync"

	"github.com/sirupsen/logrus"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/gateway"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/sync"
)

// ContentOpener streams document content. gateway.WebScriptClient implements it.
type ContentOpener interface {
	OpenContent(ctx context.Context, contentURL string) (io.ReadCloser, error)
}

// Operation kinds written to the "op" field.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

type content struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype,omitempty"`
	Size     int64  `json:"size,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
	// Missing is set when the repository had no readable content behind URL.
	Missing bool `json:"missing,omitempty"`
}

type line struct {
	Op           string            `json:"op"`
	NodeID       string            `json:"node_id"`
	NodeRef      string            `json:"node_ref,omitempty"`
	Version      string            `json:"version,omitempty"`
	VersionLabel string            `json:"version_label,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	ACL          []string          `json:"acl,omitempty"`
	Content      *content          `json:"content,omitempty"`
	Reason       string            `json:"reason,omitempty"`
}

// JSONLines writes one JSON document per operation.
type JSONLines struct {
	mu     stdsync.Mutex
	w      io.Writer
	opener ContentOpener
}

var _ sync.Sink = (*JSONLines)(nil)

// NewJSONLines creates a sink writing to w. When opener is not nil the content of every upsert
// is streamed once to record its SHA-256 digest and length.
func NewJSONLines(w io.Writer, opener ContentOpener) *JSONLines {
	return &JSONLines{w: w, opener: opener}
}

// Accept implements sync.Sink.
func (s *JSONLines) Accept(ctx context.Context, op sync.Operation) error {
	var l line
	switch {
	case op.Delete != nil:
		l = line{Op: OpDelete, NodeID: op.Delete.NodeID, NodeRef: op.Delete.NodeRef, Reason: op.Delete.Reason}
	case op.Upsert != nil:
		doc := op.Upsert
		l = line{
			Op:           OpUpsert,
			NodeID:       doc.NodeID,
			NodeRef:      doc.NodeRef,
			Version:      doc.Version(),
			VersionLabel: doc.VersionLabel,
			Fields:       doc.Fields,
			ACL:          doc.ACL,
		}
		if doc.Content != nil {
			c, err := s.describe(ctx, doc.Content)
			if err != nil {
				return err
			}
			l.Content = c
		}
	default:
		return fmt.Errorf("failed to write operation: neither upsert nor delete")
	}

	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to encode node %s: %w", l.NodeID, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("failed to write node %s: %w", l.NodeID, err)
	}
	return nil
}

func (s *JSONLines) describe(ctx context.Context, ref *sync.ContentRef) (*content, error) {
	c := &content{URL: ref.URL, Mimetype: ref.Mimetype, Size: ref.Size}
	if s.opener == nil {
		return c, nil
	}
	body, err := s.opener.OpenContent(ctx, ref.URL)
	if err != nil {
		if !errors.Is(err, context.Canceled) && gateway.NodeScoped(err) {
			logrus.WithError(err).WithField("url", ref.URL).Warn("Content unavailable, writing document without digest")
			c.Missing = true
			return c, nil
		}
		return nil, fmt.Errorf("failed to open content %s: %w", ref.URL, err)
	}
	defer body.Close()

	h := sha256.New()
	n, err := io.Copy(h, body)
	if err != nil {
		return nil, fmt.Errorf("failed to read content %s: %w", ref.URL, err)
	}
	c.SHA256 = hex.EncodeToString(h.Sum(nil))
	c.Bytes = n
	if ref.Size > 0 && ref.Size != n {
		logrus.WithFields(logrus.Fields{
			"url":      ref.URL,
			"declared": ref.Size,
			"read":     n,
		}).Warn("Content length differs from declared size")
	}
	return c, nil
}
