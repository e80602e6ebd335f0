package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/mailarchive/cache"
	errs "github.com/migadu/mailarchive/pkg/errors"
)

const testKey = "test-key"

type fakeController struct {
	mu       sync.Mutex
	deleted  []string
	enabled  map[int64]bool
	syncWait bool
	syncErr  error
}

func (f *fakeController) SyncNow(ctx context.Context, id int64) ([]cache.Mailbox, error) {
	f.mu.Lock()
	wait, syncErr := f.syncWait, f.syncErr
	f.mu.Unlock()
	if wait {
		<-ctx.Done()
		return nil, errs.Wrap(errs.RequestTimeout, ctx.Err(), "sync of account %d", id)
	}
	if syncErr != nil {
		return nil, syncErr
	}
	return []cache.Mailbox{{ID: cache.MailboxID(id, "INBOX"), AccountID: id, Name: "INBOX", Exists: 3}}, nil
}

func (f *fakeController) DeleteMailboxes(ctx context.Context, id int64, names []string) ([]uint64, error) {
	if len(names) == 0 {
		return nil, errs.New(errs.InvalidParameter, "no mailbox names given")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, names...)
	ids := make([]uint64, len(names))
	for i, n := range names {
		ids[i] = cache.MailboxID(id, n)
	}
	return ids, nil
}

func (f *fakeController) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if id == 404 {
		return errs.New(errs.InvalidParameter, "account %d not found", id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[id] = enabled
	return nil
}

func (f *fakeController) Running() []int64 { return []int64{1, 2} }

func (f *fakeController) set(fn func(*fakeController)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeMailboxes struct{}

func (fakeMailboxes) ListMailboxes(ctx context.Context, id int64, remote bool) ([]cache.Mailbox, error) {
	if id == 8 && remote {
		return nil, errs.New(errs.InvalidParameter, "account 8 is of type import; remote mailbox listing needs an IMAP account")
	}
	name := "cached"
	if remote {
		name = "remote"
	}
	return []cache.Mailbox{{ID: cache.MailboxID(id, name), AccountID: id, Name: name}}, nil
}

type fakeRegistry struct{}

func (fakeRegistry) Len() int              { return 2 }
func (fakeRegistry) Uptime() time.Duration { return 90 * time.Second }

func newTestServer(t *testing.T, mutate func(*ServerOptions)) (*httptest.Server, *fakeController) {
	t.Helper()
	ctrl := &fakeController{enabled: map[int64]bool{}}
	opts := ServerOptions{
		APIKey:     testKey,
		Controller: ctrl,
		Mailboxes:  fakeMailboxes{},
		Registry:   fakeRegistry{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, ctrl
}

func do(t *testing.T, ts *httptest.Server, method, path, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeError(t *testing.T, body []byte) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(ServerOptions{Controller: &fakeController{}, Mailboxes: fakeMailboxes{}, Registry: fakeRegistry{}})
	require.Error(t, err)
}

func TestAuth(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := ts.Client().Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, ts, "GET", "/api/v1/status", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAllowedHosts(t *testing.T) {
	ts, _ := newTestServer(t, func(o *ServerOptions) { o.AllowedHosts = []string{"10.0.0.0/8"} })

	resp, _ := do(t, ts, "GET", "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = do(t, ts, "GET", "/api/v1/status", "", map[string]string{"X-Forwarded-For": "10.1.2.3"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, body := do(t, ts, "GET", "/api/v1/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, StatusResponse{UptimeSeconds: 90, Executors: 2, RunningAccounts: []int64{1, 2}}, status)
}

func TestListMailboxes(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, body := do(t, ts, "GET", "/api/v1/accounts/7/mailboxes", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list MailboxesResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Mailboxes, 1)
	assert.Equal(t, "cached", list.Mailboxes[0].Name)
	assert.Equal(t, cache.MailboxID(7, "cached"), list.Mailboxes[0].ID)

	resp, body = do(t, ts, "GET", "/api/v1/accounts/7/mailboxes?remote=true", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, "remote", list.Mailboxes[0].Name)

	resp, body = do(t, ts, "GET", "/api/v1/accounts/8/mailboxes?remote=true", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, errs.InvalidParameter, decodeError(t, body).Code)

	resp, body = do(t, ts, "GET", "/api/v1/accounts/7/mailboxes?remote=maybe", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeError(t, body).Message, "remote")
}

func TestDeleteMailboxes(t *testing.T) {
	ts, ctrl := newTestServer(t, nil)

	resp, body := do(t, ts, "DELETE", "/api/v1/accounts/7/mailboxes", `{"names":["Work"]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out DeleteMailboxesResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 1, out.Deleted)
	assert.Equal(t, []uint64{cache.MailboxID(7, "Work")}, out.MailboxIDs)
	ctrl.set(func(c *fakeController) { assert.Equal(t, []string{"Work"}, c.deleted) })

	resp, _ = do(t, ts, "DELETE", "/api/v1/accounts/7/mailboxes", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, ts, "DELETE", "/api/v1/accounts/7/mailboxes", `{"names":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSync(t *testing.T) {
	ts, ctrl := newTestServer(t, nil)

	resp, body := do(t, ts, "POST", "/api/v1/accounts/7/sync", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list MailboxesResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, "INBOX", list.Mailboxes[0].Name)

	ctrl.set(func(c *fakeController) {
		c.syncErr = errs.New(errs.ImapUnexpectedResult, "no mailboxes returned from IMAP server for account 7")
	})
	resp, body = do(t, ts, "POST", "/api/v1/accounts/7/sync", "", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	e := decodeError(t, body)
	assert.Equal(t, errs.ImapUnexpectedResult, e.Code)
	assert.Contains(t, e.Message, "no mailboxes")

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Equal(t, float64(30030), raw["code"], "codes are serialized as stable numbers")
}

func TestSetEnabled(t *testing.T) {
	ts, ctrl := newTestServer(t, nil)

	resp, _ := do(t, ts, "POST", "/api/v1/accounts/3/disable", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, ts, "POST", "/api/v1/accounts/4/enable", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ctrl.set(func(c *fakeController) { assert.Equal(t, map[int64]bool{3: false, 4: true}, c.enabled) })

	resp, _ = do(t, ts, "POST", "/api/v1/accounts/404/enable", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRequestTimeout(t *testing.T) {
	ts, ctrl := newTestServer(t, func(o *ServerOptions) { o.DefaultTimeout = 50 * time.Millisecond })
	ctrl.set(func(c *fakeController) { c.syncWait = true })

	start := time.Now()
	resp, body := do(t, ts, "POST", "/api/v1/accounts/7/sync", "", nil)
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	assert.Less(t, time.Since(start), 5*time.Second)

	e := decodeError(t, body)
	assert.Equal(t, errs.RequestTimeout, e.Code)
	assert.Contains(t, e.Message, TimeoutHeader)
}

func TestRequestTimeoutHeader(t *testing.T) {
	s, err := New(ServerOptions{APIKey: testKey, Controller: &fakeController{}, Mailboxes: fakeMailboxes{}, Registry: fakeRegistry{}})
	require.NoError(t, err)

	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 30 * time.Second},
		{"5", 5 * time.Second},
		{" 120 ", 120 * time.Second},
		{"600", 600 * time.Second},
		{"3600", 600 * time.Second},
		{"0", 30 * time.Second},
		{"-1", 30 * time.Second},
		{"soon", 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/v1/status", nil)
			if tt.header != "" {
				r.Header.Set(TimeoutHeader, tt.header)
			}
			assert.Equal(t, tt.want, s.requestTimeout(r))
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, _ := do(t, ts, "GET", "/api/v1/accounts/abc/mailboxes", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
