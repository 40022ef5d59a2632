// Package storage is the HTTP client for a user's primary storage node.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iggydv12/replicaset/internal/profile"
)

var (
	ErrNoEndpoint   = errors.New("storage node endpoint not set")
	ErrNotConnected = errors.New("storage node not connected")
)

// Config tunes retries for storage node calls.
type Config struct {
	ConnectAttempts uint          `mapstructure:"connectAttempts"`
	ConnectDelay    time.Duration `mapstructure:"connectDelay"`
	RequestTimeout  time.Duration `mapstructure:"requestTimeout"`
	MaxElapsed      time.Duration `mapstructure:"maxElapsed"`

	// RequestsPerSecond caps outgoing requests. Zero means unlimited.
	RequestsPerSecond float64 `mapstructure:"requestsPerSecond"`
	RequestBurst      int     `mapstructure:"requestBurst"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ConnectAttempts: 3,
		ConnectDelay:    500 * time.Millisecond,
		RequestTimeout:  10 * time.Second,
		MaxElapsed:      30 * time.Second,
	}
}

// UploadResult identifies metadata stored on the primary.
type UploadResult struct {
	MetadataMultihash string `json:"metadataMultihash"`
	MetadataFileUUID  string `json:"metadataFileUUID"`
}

// SyncStatus is how far a node has synced a user's data.
type SyncStatus struct {
	LatestBlockNumber int64 `json:"latestBlockNumber"`
	IsBehind          bool  `json:"isBehind"`
	IsConfigured      bool  `json:"isConfigured"`
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	url  string
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.url, e.code, e.body)
}

// Client talks to storage nodes on behalf of many users at once. Callers
// pass the primary explicitly, so concurrent assignments never share a
// "current" endpoint. Safe for concurrent use.
type Client struct {
	http    *http.Client
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter

	mu        sync.RWMutex
	connected map[string]bool
	maxBlocks map[int64]int64 // userID → highest associated block
	breakers  map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a Client with no endpoints connected.
func NewClient(httpClient *http.Client, cfg Config, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.ConnectAttempts == 0 {
		cfg.ConnectAttempts = def.ConnectAttempts
	}
	if cfg.ConnectDelay <= 0 {
		cfg.ConnectDelay = def.ConnectDelay
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = def.MaxElapsed
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 1
	}
	return &Client{
		http:      httpClient,
		cfg:       cfg,
		logger:    logger,
		limiter:   rate.NewLimiter(limit, cfg.RequestBurst),
		connected: make(map[string]bool),
		maxBlocks: make(map[int64]int64),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Connected reports whether Connect succeeded for endpoint.
func (c *Client) Connected(endpoint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected[endpoint]
}

// MaxBlockNumber returns the highest block passed to AssociateCreator for userID.
func (c *Client) MaxBlockNumber(userID int64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxBlocks[userID]
}

// Connect pings endpoint with retry and marks it usable as a primary.
// Connecting an endpoint that is already connected is a no-op.
func (c *Client) Connect(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return ErrNoEndpoint
	}
	if c.Connected(endpoint) {
		return nil
	}

	err := retry.Do(func() error {
		return c.ping(ctx, endpoint)
	},
		retry.Context(ctx),
		retry.Attempts(c.cfg.ConnectAttempts),
		retry.Delay(c.cfg.ConnectDelay),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Storage node connect retry", zap.String("endpoint", endpoint), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}

	c.mu.Lock()
	c.connected[endpoint] = true
	c.mu.Unlock()
	c.logger.Info("Connected to storage node", zap.String("endpoint", endpoint))
	return nil
}

// primary checks that endpoint went through Connect.
func (c *Client) primary(endpoint string) error {
	if endpoint == "" {
		return ErrNoEndpoint
	}
	if !c.Connected(endpoint) {
		return fmt.Errorf("%w: %s", ErrNotConnected, endpoint)
	}
	return nil
}

func (c *Client) ping(ctx context.Context, endpoint string) error {
	_, err := c.do(ctx, endpoint, http.MethodGet, "/health_check", nil)
	return err
}

// UploadCreatorContent stores the user's metadata on primary.
func (c *Client) UploadCreatorContent(ctx context.Context, primary string, p profile.UserProfile, blockNumber *int64) (UploadResult, error) {
	if err := c.primary(primary); err != nil {
		return UploadResult{}, err
	}
	body, err := c.do(ctx, primary, http.MethodPost, "/audius_users/metadata", map[string]any{
		"metadata":    p,
		"blockNumber": blockNumber,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload metadata: %w", err)
	}
	var out UploadResult
	if err := decodeData(body, &out); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload response: %w", err)
	}
	if out.MetadataFileUUID == "" {
		return UploadResult{}, fmt.Errorf("upload response missing metadataFileUUID")
	}
	return out, nil
}

// AssociateCreator links userID to the uploaded metadata on primary at the
// highest block number seen so far for that user.
func (c *Client) AssociateCreator(ctx context.Context, primary string, userID int64, metadataFileUUID string, blockNumber int64) error {
	if err := c.primary(primary); err != nil {
		return err
	}
	c.mu.Lock()
	if blockNumber > c.maxBlocks[userID] {
		c.maxBlocks[userID] = blockNumber
	}
	block := c.maxBlocks[userID]
	c.mu.Unlock()

	_, err := c.do(ctx, primary, http.MethodPost, "/audius_users", map[string]any{
		"blockchainUserId": userID,
		"metadataFileUUID": metadataFileUUID,
		"blockNumber":      block,
	})
	if err != nil {
		return fmt.Errorf("associate creator %d: %w", userID, err)
	}
	return nil
}

// SyncStatus asks endpoint how far it has synced wallet. A node is behind when
// its latest block is older than userBlock and unconfigured when it reports -1.
func (c *Client) SyncStatus(ctx context.Context, endpoint, wallet string, userBlock int64) (SyncStatus, error) {
	body, err := c.do(ctx, endpoint, http.MethodGet, "/sync_status/"+wallet, nil)
	if err != nil {
		return SyncStatus{}, fmt.Errorf("sync status: %w", err)
	}
	var st SyncStatus
	if err := decodeData(body, &st); err != nil {
		return SyncStatus{}, fmt.Errorf("decode sync status: %w", err)
	}
	st.IsBehind = st.LatestBlockNumber < userBlock
	st.IsConfigured = st.LatestBlockNumber != -1
	return st, nil
}

// do runs one request through the endpoint's breaker with exponential backoff.
// 4xx responses are not retried.
func (c *Client) do(ctx context.Context, endpoint, method, path string, payload any) ([]byte, error) {
	var encoded []byte
	if payload != nil {
		var err error
		if encoded, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
	}
	url := strings.TrimRight(endpoint, "/") + path

	var body []byte
	operation := func() error {
		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(&statusError{code: resp.StatusCode, url: url, body: string(b)})
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &statusError{code: resp.StatusCode, url: url, body: string(b)}
		}
		body = b
		return nil
	}

	_, err := c.breaker(endpoint).Execute(func() (interface{}, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		bo.MaxElapsedTime = c.cfg.MaxElapsed
		return nil, backoff.Retry(operation, backoff.WithContext(bo, ctx))
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) breaker(endpoint string) *gobreaker.CircuitBreaker {
	c.mu.RLock()
	cb, ok := c.breakers[endpoint]
	c.mu.RUnlock()
	if ok {
		return cb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok = c.breakers[endpoint]; ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "storage-" + endpoint,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Storage breaker state changed",
				zap.String("endpoint", endpoint),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	c.breakers[endpoint] = cb
	return cb
}

// decodeData unmarshals the {"data": ...} envelope, or the bare body.
func decodeData(body []byte, v any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return err
	}
	if len(envelope.Data) > 0 && !bytes.Equal(envelope.Data, []byte("null")) {
		return json.Unmarshal(envelope.Data, v)
	}
	return json.Unmarshal(body, v)
}
