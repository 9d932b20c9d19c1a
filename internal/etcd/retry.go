package etcd

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/retry"
)

// NewClientWithRetry creates a new etcd client with retry logic
func NewClientWithRetry(ctx context.Context, dsn string) (*Client, error) {
	config := retry.EtcdDefaults()

	var client *Client
	err := retry.WithOperation(ctx, config, func() error {
		var attemptErr error
		client, attemptErr = NewClient(dsn)
		if errors.Is(attemptErr, ErrInvalidDSN) {
			// a malformed DSN will not get better
			return retry.Permanent(attemptErr)
		}
		if attemptErr != nil {
			return attemptErr
		}

		if pingErr := client.Ping(ctx); pingErr != nil {
			_ = client.Close()
			return pingErr
		}

		return nil
	}, "etcd connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, err
	}

	return client, nil
}
