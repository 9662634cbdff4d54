package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"docstore/internal/operation"
)

const maxResponseBytes = 16 << 20

// Config tunes the per-tag transports.
type Config struct {
	// MaxConnsPerHost by connection tag; tags not listed use DefaultMaxConnsPerHost.
	MaxConnsPerHost        map[string]int
	DefaultMaxConnsPerHost int
	DialTimeout            time.Duration
	RetryBackoff           time.Duration
	// RequestTimeout bounds operations that carry no expiration.
	RequestTimeout time.Duration
}

// DefaultConfig returns sensible transport limits.
func DefaultConfig() Config {
	return Config{
		MaxConnsPerHost: map[string]int{
			operation.ConnectionTagReplication: 32,
		},
		DefaultMaxConnsPerHost: 8,
		DialTimeout:            5 * time.Second,
		RetryBackoff:           50 * time.Millisecond,
		RequestTimeout:         30 * time.Second,
	}
}

// ServiceClient sends operations over HTTP, one transport per connection tag.
type ServiceClient struct {
	cfg     Config
	clients *xsync.MapOf[string, *http.Client]

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a service client.
func New(cfg Config) *ServiceClient {
	if cfg.DefaultMaxConnsPerHost <= 0 {
		cfg.DefaultMaxConnsPerHost = 8
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ServiceClient{
		cfg:     cfg,
		clients: xsync.NewMapOf[string, *http.Client](),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Send issues op asynchronously and resolves it with the outcome. Transport
// errors and 5xx responses are retried op.RetryCount times; the whole
// exchange is bounded by op.Expiration.
func (c *ServiceClient) Send(op *operation.Operation) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.send(op)
	}()
}

// Close cancels in-flight sends, waits for their completions and releases
// idle connections.
func (c *ServiceClient) Close() {
	c.cancel()
	c.wg.Wait()
	c.clients.Range(func(_ string, hc *http.Client) bool {
		hc.CloseIdleConnections()
		return true
	})
}

func (c *ServiceClient) send(op *operation.Operation) {
	if op.URI == nil {
		op.StatusCode = http.StatusBadRequest
		op.Fail(errors.New("operation has no target URI"))
		return
	}

	deadline := op.Expiration
	if deadline.IsZero() {
		deadline = time.Now().Add(c.cfg.RequestTimeout)
	}
	ctx, cancel := context.WithDeadline(c.ctx, deadline)
	defer cancel()

	attempts := 1 + max(op.RetryCount, 0)
	var (
		lastErr    error
		lastStatus int
		lastHeader http.Header
		lastBody   []byte
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && !c.backoff(ctx, attempt) {
			break
		}

		status, header, body, err := c.do(ctx, op)
		if err == nil && status < http.StatusInternalServerError {
			c.resolve(op, status, header, body)
			return
		}

		lastErr, lastStatus, lastHeader, lastBody = err, status, header, body
		if err == nil {
			lastErr = &StatusError{Action: op.Action, URI: op.URI.String(), StatusCode: status, Body: body}
		}
		log.Debug().Stringer("uri", op.URI).Int("attempt", attempt+1).Err(lastErr).Msg("Send attempt failed")
	}

	if lastStatus != 0 {
		c.resolve(op, lastStatus, lastHeader, lastBody)
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		op.StatusCode = http.StatusRequestTimeout
		op.Fail(fmt.Errorf("%s %s: operation expired: %w", op.Action, op.URI, lastErrOr(lastErr, ctx.Err())))
		return
	}
	op.StatusCode = http.StatusServiceUnavailable
	op.Fail(lastErrOr(lastErr, ctx.Err()))
}

// resolve completes op from a received response.
func (c *ServiceClient) resolve(op *operation.Operation, status int, header http.Header, body []byte) {
	op.StatusCode = status
	op.Body = body
	op.ContentType = header.Get("Content-Type")
	if status >= operation.StatusCodeFailureThreshold {
		op.Fail(&StatusError{Action: op.Action, URI: op.URI.String(), StatusCode: status, Body: body})
		return
	}
	op.Complete()
}

func lastErrOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

func (c *ServiceClient) backoff(ctx context.Context, attempt int) bool {
	if c.cfg.RetryBackoff <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(c.cfg.RetryBackoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *ServiceClient) do(ctx context.Context, op *operation.Operation) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, string(op.Action), op.URI.String(), bytes.NewReader(op.Body))
	if err != nil {
		return 0, nil, nil, err
	}
	for name, values := range op.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if op.ContentType != "" {
		req.Header.Set("Content-Type", op.ContentType)
	}
	if op.Referer != nil {
		req.Header.Set("Referer", op.Referer.String())
	}
	if op.FromReplication {
		req.Header.Set(operation.FromReplicationHeader, strconv.FormatBool(true))
	}
	for _, cookie := range op.Cookies {
		req.AddCookie(cookie)
	}
	if !op.ConnectionSharing {
		req.Close = true
	}

	resp, err := c.httpClient(op.ConnectionTag).Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (c *ServiceClient) httpClient(tag string) *http.Client {
	if tag == "" {
		tag = operation.ConnectionTagDefault
	}
	hc, _ := c.clients.LoadOrCompute(tag, func() *http.Client {
		limit := c.cfg.DefaultMaxConnsPerHost
		if n, ok := c.cfg.MaxConnsPerHost[tag]; ok && n > 0 {
			limit = n
		}
		dialer := &net.Dialer{Timeout: c.cfg.DialTimeout, KeepAlive: 30 * time.Second}
		return &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxConnsPerHost:     limit,
				MaxIdleConnsPerHost: limit,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}
	})
	return hc
}
