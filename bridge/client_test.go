package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.storjnode.dev/core/crypto"
)

func TestContactsDecodesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/contacts", r.URL.Path)
		json.NewEncoder(w).Encode([]Contact{{NodeID: "abc", Address: "1.2.3.4", Port: 4000}})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	contacts, err := c.Contacts()
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, "abc", contacts[0].NodeID)
}

func TestBasicAuthSetsHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "user@example.com", user)
		require.Len(t, pass, 64)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Auth: BasicAuth{Email: "user@example.com", PasswordDigest: HashPassword("hunter2")}}
	require.NoError(t, c.CreateUser(CreateUserRequest{Email: "user@example.com", Password: "hunter2"}))
}

func TestSignatureAuthSignsMethodPathPayload(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("x-pubkey"))
		require.NotEmpty(t, r.Header.Get("x-signature"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Auth: SignatureAuth{KeyPair: kp}}
	require.NoError(t, c.AddShard("frame1", Shard{Hash: "deadbeef", Size: 4096}))
}

func TestRetryRetriesOn5xxAndSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Retry: RetryPolicy{Attempts: 3, Backoff: time.Millisecond}}
	require.NoError(t, c.AddShard("frame1", Shard{Hash: "deadbeef", Size: 4096}))
	require.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestRetryDoesNotRetryOn4xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Retry: RetryPolicy{Attempts: 3, Backoff: time.Millisecond}}
	err := c.AddShard("frame1", Shard{Hash: "deadbeef", Size: 4096})
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&attempts))

	var statusErr *ErrStatus
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.Status)
}
