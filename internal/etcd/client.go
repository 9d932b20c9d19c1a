// Package etcd connects to the etcd cluster that can hold synchronization cursors.
package etcd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is used when the DSN carries no path.
const DefaultPrefix = "/alfresco_sync"

// ErrInvalidDSN is returned for connection strings that cannot be parsed.
var ErrInvalidDSN = errors.New("invalid etcd DSN")

// Client wraps an etcd connection together with the key prefix taken from its DSN.
type Client struct {
	client *clientv3.Client
	prefix string
}

// NewClient creates a new etcd client with DSN parsing
func NewClient(dsn string) (*Client, error) {
	config, err := parseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}

	client, err := clientv3.New(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logrus.WithField("endpoints", config.Endpoints).Info("Connected to etcd successfully")

	return &Client{
		client: client,
		prefix: Prefix(dsn),
	}, nil
}

// Close closes the etcd client connection
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// KV returns the key-value API of the connection.
func (c *Client) KV() clientv3.KV {
	return c.client.KV
}

// Prefix returns the key prefix cursors are stored under.
func (c *Client) Prefix() string {
	return c.prefix
}

// Ping performs a cheap read to verify the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.client.Get(ctx, c.prefix+"/healthcheck"); err != nil {
		return fmt.Errorf("failed to reach etcd: %w", err)
	}
	return nil
}

// parseDSN parses etcd DSN format: etcd://host1:port1[,host2:port2]/[prefix]?param=value
func parseDSN(dsn string) (*clientv3.Config, error) {
	if dsn == "" {
		return &clientv3.Config{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		}, nil
	}

	if !strings.HasPrefix(dsn, "etcd://") {
		return nil, fmt.Errorf("etcd DSN must start with etcd://")
	}
	dsn = strings.TrimPrefix(dsn, "etcd://")

	// comma separated endpoints end up in u.Host
	u, err := url.Parse("dummy://" + dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("etcd DSN has no endpoints")
	}

	endpoints := strings.Split(u.Host, ",")
	for i, endpoint := range endpoints {
		if !strings.Contains(endpoint, ":") {
			endpoints[i] = endpoint + ":2379"
		}
	}

	config := &clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}

	params := u.Query()
	if timeout := params.Get("dial_timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid dial_timeout %q: %w", timeout, err)
		}
		config.DialTimeout = d
	}
	if username := params.Get("username"); username != "" {
		config.Username = username
	}
	if password := params.Get("password"); password != "" {
		config.Password = password
	}
	switch params.Get("tls") {
	case "", "disabled":
	case "enabled":
		config.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	case "insecure":
		config.TLS = &tls.Config{InsecureSkipVerify: true}
	default:
		return nil, fmt.Errorf("invalid tls mode %q", params.Get("tls"))
	}

	return config, nil
}

// Prefix extracts the key prefix from the etcd DSN path
func Prefix(dsn string) string {
	if dsn == "" || !strings.HasPrefix(dsn, "etcd://") {
		return DefaultPrefix
	}
	u, err := url.Parse("dummy://" + strings.TrimPrefix(dsn, "etcd://"))
	if err != nil {
		return DefaultPrefix
	}
	prefix := strings.TrimRight(u.Path, "/")
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}
