package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// maxCASAttempts bounds the compare-and-swap loop of EtcdStore.Append.
const maxCASAttempts = 10

// EtcdStore keeps the latest cursor of each target under one etcd key. Every append is a new
// revision of that key, so etcd history doubles as the cursor log.
type EtcdStore struct {
	kv     clientv3.KV
	prefix string
}

var _ Store = (*EtcdStore)(nil)

// NewEtcdStore stores cursors below prefix.
func NewEtcdStore(kv clientv3.KV, prefix string) *EtcdStore {
	return &EtcdStore{kv: kv, prefix: strings.TrimRight(prefix, "/")}
}

func (s *EtcdStore) key(target Target) string {
	return s.prefix + "/cursors/" + target.Key()
}

func (s *EtcdStore) get(ctx context.Context, target Target) (Value, int64, error) {
	resp, err := s.kv.Get(ctx, s.key(target))
	if err != nil {
		return Value{}, 0, err
	}
	if len(resp.Kvs) == 0 {
		return Value{}, 0, nil
	}
	kv := resp.Kvs[0]
	var v Value
	if err := json.Unmarshal(kv.Value, &v); err != nil {
		return Value{}, 0, fmt.Errorf("corrupt cursor at %s: %w", kv.Key, err)
	}
	return v, kv.ModRevision, nil
}

// Read implements Store.
func (s *EtcdStore) Read(ctx context.Context, target Target) (Value, error) {
	v, _, err := s.get(ctx, target)
	if err != nil {
		return Value{}, fmt.Errorf("failed to read cursor of %s: %w", target, err)
	}
	return v, nil
}

// Append implements Store with a compare-and-swap on the key's modification revision.
func (s *EtcdStore) Append(ctx context.Context, target Target, v Value) error {
	if err := v.Validate(); err != nil {
		return err
	}
	v = stamp(v)
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}
	key := s.key(target)

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		prev, rev, err := s.get(ctx, target)
		if err != nil {
			return fmt.Errorf("failed to read cursor of %s: %w", target, err)
		}
		if v.Regresses(prev) {
			return regressionError(target, prev, v)
		}

		cmp := clientv3.Compare(clientv3.ModRevision(key), "=", rev)
		if rev == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		}
		resp, err := s.kv.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(data))).Commit()
		if err != nil {
			return fmt.Errorf("failed to append cursor of %s: %w", target, err)
		}
		if resp.Succeeded {
			logrus.WithFields(logrus.Fields{
				"target":   target.Key(),
				"txn":      v.LastTransactionID,
				"acl":      v.LastACLChangesetID,
				"revision": resp.Header.Revision,
			}).Debug("Appended cursor to etcd")
			return nil
		}
		logrus.WithFields(logrus.Fields{
			"target":  target.Key(),
			"attempt": attempt,
		}).Debug("Concurrent cursor update in etcd, retrying")
	}
	return fmt.Errorf("failed to append cursor of %s: too many concurrent updates", target)
}

// Reset implements Store.
func (s *EtcdStore) Reset(ctx context.Context, target Target) error {
	if _, err := s.kv.Delete(ctx, s.key(target)); err != nil {
		return fmt.Errorf("failed to reset cursor of %s: %w", target, err)
	}
	return nil
}
