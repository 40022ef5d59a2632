package health

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

	"github.com/Masterminds/semver/v3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/replicaset/internal/metrics"
)

const (
	// DefaultTimeout bounds one probe round.
	DefaultTimeout = 7500 * time.Millisecond
	// VerbosePath is the health route every storage node serves.
	VerbosePath = "/health_check/verbose"

	maxBodyBytes = 1 << 20
)

// unreachableError explains why a node was dropped from a probe round.
// It never leaves this package.
type unreachableError struct {
	endpoint string
	reason   string
	err      error
}

func (e *unreachableError) Error() string {
	return fmt.Sprintf("%s unreachable (%s): %v", e.endpoint, e.reason, e.err)
}

func (e *unreachableError) Unwrap() error { return e.err }

// Probe runs concurrent health checks with a per-round deadline.
type Probe struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewProbe creates a Probe. A zero timeout selects DefaultTimeout and a nil
// client selects a fresh http.Client.
func NewProbe(client *http.Client, timeout time.Duration, logger *zap.Logger) *Probe {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Probe{
		client:   client,
		timeout:  timeout,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Timeout returns the per-round deadline.
func (p *Probe) Timeout() time.Duration { return p.timeout }

// Run probes every endpoint that passes f and returns the ones that answered
// with a 2xx and a semantic version before the deadline. Nodes that fail are
// dropped; an empty result is not an error.
func (p *Probe) Run(ctx context.Context, endpoints []string, f Filter) Results {
	targets := f.Apply(endpoints)
	results := make(Results, len(targets))
	if len(targets) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	for _, endpoint := range targets {
		endpoint := endpoint
		eg.Go(func() error {
			c, err := p.probeOne(ctx, endpoint)
			if err != nil {
				var ue *unreachableError
				reason := "unknown"
				if errors.As(err, &ue) {
					reason = ue.reason
				}
				metrics.ProbeFailuresTotal.WithLabelValues(endpoint, reason).Inc()
				p.logger.Debug("Dropping unreachable node", zap.String("endpoint", endpoint), zap.Error(err))
				return nil
			}
			metrics.ProbeDuration.WithLabelValues(endpoint).Observe(c.Latency.Seconds())
			mu.Lock()
			results[endpoint] = c
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	p.logger.Debug("Probe round finished",
		zap.Int("probed", len(targets)),
		zap.Int("responded", len(results)),
	)
	return results
}

func (p *Probe) probeOne(ctx context.Context, endpoint string) (Candidate, error) {
	start := time.Now()
	out, err := p.breaker(endpoint).Execute(func() (interface{}, error) {
		return p.check(ctx, endpoint)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Candidate{}, &unreachableError{endpoint: endpoint, reason: "breaker", err: err}
		}
		return Candidate{}, err
	}
	payload := out.(Payload)
	v, _ := semver.NewVersion(payload.Version)
	return Candidate{
		Endpoint: endpoint,
		Version:  v,
		Latency:  time.Since(start),
		Payload:  payload,
	}, nil
}

func (p *Probe) check(ctx context.Context, endpoint string) (Payload, error) {
	url := strings.TrimRight(endpoint, "/") + VerbosePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Payload{}, &unreachableError{endpoint: endpoint, reason: "request", err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		reason := "transport"
		if ctx.Err() != nil {
			reason = "timeout"
		}
		return Payload{}, &unreachableError{endpoint: endpoint, reason: reason, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Payload{}, &unreachableError{endpoint: endpoint, reason: "status", err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Payload{}, &unreachableError{endpoint: endpoint, reason: "transport", err: err}
	}
	payload, err := DecodePayload(body)
	if err != nil {
		return Payload{}, &unreachableError{endpoint: endpoint, reason: "decode", err: err}
	}
	if _, err := semver.NewVersion(payload.Version); err != nil {
		return Payload{}, &unreachableError{endpoint: endpoint, reason: "version", err: err}
	}
	return payload, nil
}

// DecodePayload accepts both the {"data": {...}} envelope and a bare object.
func DecodePayload(body []byte) (Payload, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Payload{}, err
	}
	raw := body
	if len(envelope.Data) > 0 && !bytes.Equal(envelope.Data, []byte("null")) {
		raw = envelope.Data
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

func (p *Probe) breaker(endpoint string) *gobreaker.CircuitBreaker {
	p.mu.RLock()
	cb, ok := p.breakers[endpoint]
	p.mu.RUnlock()
	if ok {
		return cb
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok = p.breakers[endpoint]; ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "health-" + endpoint,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info("Health breaker state changed",
				zap.String("endpoint", endpoint),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	p.breakers[endpoint] = cb
	return cb
}
