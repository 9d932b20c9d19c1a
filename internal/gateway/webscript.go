package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/filter"
	"github.com/philipmeadows/alfresco-webscript-manifold-connector/internal/retry"
)

// HTTPError is a non-2xx answer from the repository.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode <= 599)
}

// Options configures a WebScriptClient.
type Options struct {
	// BaseURL is the repository service root, e.g. http://localhost:8080/alfresco/service.
	BaseURL  string
	Username string
	Password string
	// RequestsPerSecond limits outgoing requests; zero disables the limit.
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Retry             *retry.Config
}

// WebScriptClient talks to the repository indexer web scripts.
type WebScriptClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      *retry.Config
}

var _ Gateway = (*WebScriptClient)(nil)

// NewWebScriptClient creates a client for the repository at opts.BaseURL.
func NewWebScriptClient(opts Options) (*WebScriptClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = "http://localhost:8080/alfresco/service"
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid repository URL %q", filter.ErrConfigurationInvalid, opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	cfg := opts.Retry
	if cfg == nil {
		cfg = retry.RepositoryDefaults()
	}
	return &WebScriptClient{
		baseURL:    base,
		username:   opts.Username,
		password:   opts.Password,
		httpClient: httpClient,
		limiter:    limiter,
		retry:      cfg,
	}, nil
}

type changesResponse struct {
	StoreID            string      `json:"store_id"`
	StoreProtocol      string      `json:"store_protocol"`
	LastTxnID          int64       `json:"last_txn_id"`
	LastACLChangesetID int64       `json:"last_acl_changeset_id"`
	Docs               []changeDoc `json:"docs"`
	ElapsedTime        string      `json:"elapsedTime"`
}

type changeDoc struct {
	UUID           string `json:"uuid"`
	NodeRef        string `json:"nodeRef"`
	Type           string `json:"type"`
	Name           string `json:"name"`
	Deleted        bool   `json:"deleted"`
	TxnID          int64  `json:"txnId"`
	ACLChangesetID int64  `json:"aclChangesetId"`
	PropertiesURL  string `json:"propertiesUrl"`
}

type detailResponse struct {
	ReadableAuthorities []string   `json:"readableAuthorities"`
	Path                string     `json:"path"`
	ShareURLPath        string     `json:"shareUrlPath"`
	ContentURLPath      string     `json:"contentUrlPath"`
	Type                string     `json:"type"`
	Mimetype            string     `json:"mimetype"`
	Size                int64      `json:"size"`
	Aspects             []string   `json:"aspects"`
	Properties          []Property `json:"properties"`
}

// FetchChanges implements Gateway.
func (c *WebScriptClient) FetchChanges(ctx context.Context, store StoreRef, afterTxn, afterACL int64, spec filter.Specification, maxBatch int) (*Batch, error) {
	if err := ValidateMaxBatch(maxBatch); err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("lastTxnId", strconv.FormatInt(afterTxn, 10))
	query.Set("lastAclChangesetId", strconv.FormatInt(afterACL, 10))
	query.Set("maxTxns", strconv.Itoa(maxBatch))
	query.Set("maxAclChangesets", strconv.Itoa(maxBatch))
	filters, err := spec.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode indexing filters: %w", err)
	}
	if filters != "" {
		query.Set("indexingFilters", filters)
	}

	var resp changesResponse
	path := fmt.Sprintf("/node/changes/%s/%s", url.PathEscape(store.Protocol), url.PathEscape(store.Identifier))
	if err := c.getJSON(ctx, path, query, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch changes: %w", err)
	}
	if resp.StoreProtocol != "" && resp.StoreID != "" &&
		(resp.StoreProtocol != store.Protocol || resp.StoreID != store.Identifier) {
		return nil, fmt.Errorf("%w: repository answered for %s://%s, expected %s",
			ErrForeignStore, resp.StoreProtocol, resp.StoreID, store)
	}

	batch := &Batch{
		Records:           make([]ChangeRecord, 0, len(resp.Docs)),
		NewTransactionID:  resp.LastTxnID,
		NewACLChangesetID: resp.LastACLChangesetID,
	}
	for _, doc := range resp.Docs {
		record := ChangeRecord{
			NodeID:         doc.UUID,
			TransactionID:  doc.TxnID,
			ACLChangesetID: doc.ACLChangesetID,
			Deleted:        doc.Deleted,
			NodeType:       doc.Type,
			Name:           doc.Name,
		}
		if doc.NodeRef != "" {
			ref, id, ok := splitNodeRef(doc.NodeRef)
			if !ok {
				return nil, fmt.Errorf("failed to fetch changes: %w: nodeRef %q", ErrMalformedResponse, doc.NodeRef)
			}
			record.StoreProtocol, record.StoreID = ref.Protocol, ref.Identifier
			if record.NodeID == "" {
				record.NodeID = id
			}
		}
		if record.TransactionID == 0 {
			record.TransactionID = resp.LastTxnID
		}
		batch.Records = append(batch.Records, record)
	}
	if err := CheckStore(store, batch.Records); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"store":        store.String(),
		"after_txn":    afterTxn,
		"after_acl":    afterACL,
		"last_txn":     resp.LastTxnID,
		"last_acl":     resp.LastACLChangesetID,
		"docs":         len(batch.Records),
		"elapsed_time": resp.ElapsedTime,
	}).Debug("Fetched change batch from repository")

	return batch, nil
}

func splitNodeRef(nodeRef string) (StoreRef, string, bool) {
	protocol, rest, ok := strings.Cut(nodeRef, "://")
	if !ok {
		return StoreRef{}, "", false
	}
	identifier, id, ok := strings.Cut(rest, "/")
	if !ok || protocol == "" || identifier == "" || id == "" {
		return StoreRef{}, "", false
	}
	return StoreRef{Protocol: protocol, Identifier: identifier}, id, true
}

// FetchDocumentDetail implements Gateway.
func (c *WebScriptClient) FetchDocumentDetail(ctx context.Context, store StoreRef, nodeID string) (*DocumentDetail, error) {
	var resp detailResponse
	path := fmt.Sprintf("/node/details/%s/%s/%s",
		url.PathEscape(store.Protocol), url.PathEscape(store.Identifier), url.PathEscape(nodeID))
	if err := c.getJSON(ctx, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch details of node %s: %w", nodeID, err)
	}
	return &DocumentDetail{
		NodeID:              nodeID,
		Type:                resp.Type,
		Path:                resp.Path,
		Aspects:             resp.Aspects,
		Properties:          resp.Properties,
		ReadableAuthorities: resp.ReadableAuthorities,
		ContentURL:          resp.ContentURLPath,
		ShareURL:            resp.ShareURLPath,
		Mimetype:            resp.Mimetype,
		Size:                resp.Size,
	}, nil
}

// OpenContent streams the binary content behind a content URL taken from DocumentDetail.
// The caller must close the returned reader.
func (c *WebScriptClient) OpenContent(ctx context.Context, contentURL string) (io.ReadCloser, error) {
	resp, err := c.get(ctx, contentURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch content: %w", err)
	}
	return resp.Body, nil
}

type authorityResponse struct {
	Users []UserAuthorities `json:"users"`
}

// FetchUserAuthorities resolves the authorities of one user.
func (c *WebScriptClient) FetchUserAuthorities(ctx context.Context, username string) (*UserAuthorities, error) {
	var resp authorityResponse
	if err := c.getJSON(ctx, "/auth/resolve/"+url.PathEscape(username), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to resolve authorities of %s: %w", username, err)
	}
	for _, user := range resp.Users {
		if user.Username == username {
			return &user, nil
		}
	}
	return nil, fmt.Errorf("failed to resolve authorities of %s: %w", username, ErrNotFound)
}

// FetchAllUserAuthorities resolves the authorities of every user known to the repository.
func (c *WebScriptClient) FetchAllUserAuthorities(ctx context.Context) ([]UserAuthorities, error) {
	var resp authorityResponse
	if err := c.getJSON(ctx, "/auth/resolve/", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to resolve authorities: %w", err)
	}
	return resp.Users, nil
}

func (c *WebScriptClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w from %s: %v", ErrMalformedResponse, path, err)
	}
	return nil
}

func (c *WebScriptClient) resolve(path string, query url.Values) string {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + path
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}
	return target
}

// get performs a GET with rate limiting and retries. On success the caller owns resp.Body.
func (c *WebScriptClient) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	target := c.resolve(path, query)
	var resp *http.Response
	err := retry.WithOperation(ctx, c.retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return err
		}
		if r.StatusCode >= 200 && r.StatusCode <= 299 {
			resp = r
			return nil
		}

		httpErr := readHTTPError(r)
		if !httpErr.retryable() {
			return retry.Permanent(httpErr)
		}
		if waitErr := waitWithContext(ctx, parseRetryAfter(r.Header.Get("Retry-After"), c.retry.MaxDelay)); waitErr != nil {
			return retry.Permanent(waitErr)
		}
		return httpErr
	}, "repository GET "+path)
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case !httpErr.retryable():
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrRepositoryUnavailable, err)
}

func readHTTPError(r *http.Response) *HTTPError {
	defer r.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &body)
	message := body.Message
	if message == "" {
		message = strings.TrimSpace(string(payload))
	}
	if message == "" {
		message = http.StatusText(r.StatusCode)
	}
	return &HTTPError{StatusCode: r.StatusCode, Code: body.Code, Message: message}
}

func parseRetryAfter(header string, maxDelay time.Duration) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	var delay time.Duration
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		delay = time.Duration(seconds) * time.Second
	} else if ts, err := http.ParseTime(header); err == nil {
		delay = time.Until(ts)
	}
	if delay < 0 {
		return 0
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
