package operation

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestOperation_CloneIsIndependent(t *testing.T) {
	op := New(ActionPost, mustParse(t, "http://127.0.0.1:8000/documents/a?x=1"))
	op.SetRequestHeader("X-Test", "one")
	op.Referer = mustParse(t, "http://client/")
	op.Cookies = []*http.Cookie{{Name: "session", Value: "s"}}
	op.Body = []byte("payload")

	c := op.Clone()
	c.URI.Host = "127.0.0.1:9000"
	c.SetRequestHeader("X-Test", "two")
	c.Referer.Host = "other"
	c.Cookies = nil

	assert.Equal(t, "127.0.0.1:8000", op.URI.Host)
	v, ok := op.RequestHeader("X-Test")
	assert.True(t, ok)
	assert.Equal(t, "one", v)
	assert.Equal(t, "client", op.Referer.Host)
	assert.Len(t, op.Cookies, 1)
	assert.Equal(t, op.Body, c.Body)
}

func TestOperation_RequestHeaderPresence(t *testing.T) {
	op := New(ActionPut, mustParse(t, "http://h/documents/a"))

	_, ok := op.RequestHeader(ReplicationQuorumHeader)
	assert.False(t, ok)

	op.SetRequestHeader(ReplicationQuorumHeader, "")
	v, ok := op.RequestHeader(ReplicationQuorumHeader)
	assert.True(t, ok)
	assert.Empty(t, v)

	op.RemoveRequestHeader(ReplicationQuorumHeader)
	_, ok = op.RequestHeader(ReplicationQuorumHeader)
	assert.False(t, ok)
}

func TestOperation_CompleteAndFail(t *testing.T) {
	var gotErr error
	calls := 0
	handler := func(_ *Operation, err error) {
		calls++
		gotErr = err
	}

	op := New(ActionPost, mustParse(t, "http://h/documents/a"))
	op.Completion = handler
	op.Complete()
	assert.Equal(t, 1, calls)
	assert.NoError(t, gotErr)
	assert.Equal(t, http.StatusOK, op.StatusCode)

	failing := New(ActionPost, mustParse(t, "http://h/documents/a"))
	failing.Completion = handler
	boom := errors.New("boom")
	failing.Fail(boom)
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, gotErr, boom)
	assert.Equal(t, http.StatusInternalServerError, failing.StatusCode)

	notFound := New(ActionGet, mustParse(t, "http://h/documents/b"))
	notFound.StatusCode = http.StatusNotFound
	notFound.Fail(boom)
	assert.Equal(t, http.StatusNotFound, notFound.StatusCode)
}

func TestOperation_IsExpired(t *testing.T) {
	now := time.Now()
	op := New(ActionGet, mustParse(t, "http://h/"))
	assert.False(t, op.IsExpired(now))

	op.Expiration = now.Add(-time.Second)
	assert.True(t, op.IsExpired(now))

	op.Expiration = now.Add(time.Second)
	assert.False(t, op.IsExpired(now))
}
