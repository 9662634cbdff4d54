package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docstore/internal/operation"
)

type outcome struct {
	op  *operation.Operation
	err error
}

func sendAndWait(t *testing.T, c *ServiceClient, op *operation.Operation) outcome {
	t.Helper()
	done := make(chan outcome, 1)
	op.Completion = func(o *operation.Operation, err error) { done <- outcome{o, err} }
	c.Send(op)
	select {
	case out := <-done:
		return out
	case <-time.After(10 * time.Second):
		t.Fatal("operation never completed")
		return outcome{}
	}
}

func newOp(t *testing.T, server *httptest.Server, action operation.Action, path string) *operation.Operation {
	t.Helper()
	u, err := url.Parse(server.URL + path)
	require.NoError(t, err)
	op := operation.New(action, u)
	op.Expiration = time.Now().Add(5 * time.Second)
	return op
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func TestSend_SuccessCarriesRequestMetadata(t *testing.T) {
	type received struct {
		req  *http.Request
		body []byte
	}
	captured := make(chan received, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured <- received{req: r.Clone(context.Background()), body: body}
		w.Header().Set("Content-Type", operation.ContentTypeJSON)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := New(testConfig())
	defer c.Close()

	op := newOp(t, server, operation.ActionPost, "/documents/a?x=1")
	op.Body = []byte("payload")
	op.ContentType = operation.ContentTypeMsgpack
	op.Referer = &url.URL{Scheme: "http", Host: "origin", Path: "/docs"}
	op.FromReplication = true
	op.ConnectionTag = operation.ConnectionTagReplication
	op.ConnectionSharing = true
	op.SetRequestHeader("X-Custom", "value")
	op.Cookies = []*http.Cookie{{Name: "session", Value: "abc"}}

	out := sendAndWait(t, c, op)
	require.NoError(t, out.err)
	assert.Equal(t, http.StatusOK, out.op.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(out.op.Body))
	assert.Equal(t, operation.ContentTypeJSON, out.op.ContentType)

	rcv := <-captured
	got, gotBody := rcv.req, rcv.body
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/documents/a", got.URL.Path)
	assert.Equal(t, "x=1", got.URL.RawQuery)
	assert.Equal(t, "payload", string(gotBody))
	assert.Equal(t, operation.ContentTypeMsgpack, got.Header.Get("Content-Type"))
	assert.Equal(t, "http://origin/docs", got.Header.Get("Referer"))
	assert.Equal(t, "true", got.Header.Get(operation.FromReplicationHeader))
	assert.Equal(t, "value", got.Header.Get("X-Custom"))
	cookie, err := got.Cookie("session")
	require.NoError(t, err)
	assert.Equal(t, "abc", cookie.Value)
}

func TestSend_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "conflict", http.StatusConflict)
	}))
	defer server.Close()

	c := New(testConfig())
	defer c.Close()

	op := newOp(t, server, operation.ActionPut, "/documents/a")
	op.RetryCount = 3

	out := sendAndWait(t, c, op)
	require.Error(t, out.err)
	var statusErr *StatusError
	require.True(t, errors.As(out.err, &statusErr))
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
	assert.Equal(t, http.StatusConflict, out.op.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSend_ServerErrorRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer server.Close()

	c := New(testConfig())
	defer c.Close()

	op := newOp(t, server, operation.ActionPut, "/documents/a")
	op.Body = []byte("same body on retry")
	op.RetryCount = 1

	out := sendAndWait(t, c, op)
	require.NoError(t, out.err)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, "same body on retry", string(out.op.Body))
}

func TestSend_ServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(testConfig())
	defer c.Close()

	op := newOp(t, server, operation.ActionPut, "/documents/a")
	op.RetryCount = 1

	out := sendAndWait(t, c, op)
	require.Error(t, out.err)
	assert.Equal(t, http.StatusInternalServerError, out.op.StatusCode)
	assert.EqualValues(t, 2, calls.Load())
}

func TestSend_ExpirationFailsWithTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := New(testConfig())
	defer c.Close()

	op := newOp(t, server, operation.ActionPut, "/documents/a")
	op.Expiration = time.Now().Add(100 * time.Millisecond)
	op.RetryCount = 1

	out := sendAndWait(t, c, op)
	require.Error(t, out.err)
	assert.Equal(t, http.StatusRequestTimeout, out.op.StatusCode)
}

func TestSend_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	c := New(testConfig())
	defer c.Close()

	u, err := url.Parse(addr + "/documents/a")
	require.NoError(t, err)
	op := operation.New(operation.ActionPut, u)
	op.Expiration = time.Now().Add(5 * time.Second)
	op.RetryCount = 1

	out := sendAndWait(t, c, op)
	require.Error(t, out.err)
	assert.Equal(t, http.StatusServiceUnavailable, out.op.StatusCode)
}

func TestHTTPClient_OnePerTag(t *testing.T) {
	c := New(testConfig())
	defer c.Close()

	replication := c.httpClient(operation.ConnectionTagReplication)
	assert.Same(t, replication, c.httpClient(operation.ConnectionTagReplication))
	assert.NotSame(t, replication, c.httpClient(operation.ConnectionTagDefault))
	assert.Same(t, c.httpClient(""), c.httpClient(operation.ConnectionTagDefault))

	transport := replication.Transport.(*http.Transport)
	assert.Equal(t, 32, transport.MaxConnsPerHost)
}
