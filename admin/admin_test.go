package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsenotes/ratelimit"
	"github.com/pulsenotes/ratelimit/guard"
	"github.com/pulsenotes/ratelimit/strategies"
)

type adminFixture struct {
	server  *httptest.Server
	guard   *guard.Guard
	backend *miniredis.Miniredis
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	backend, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(backend.Close)

	client := redis.NewClient(&redis.Options{Addr: backend.Addr()})
	t.Cleanup(func() { client.Close() })

	policy := ratelimit.Policy{
		Name:        "api",
		Algorithm:   ratelimit.AlgFixedWindow,
		Window:      time.Minute,
		MaxRequests: 10,
	}
	strategy, err := strategies.New(policy, client, time.Now)
	require.NoError(t, err)

	registry := ratelimit.NewRegistry()
	require.NoError(t, registry.Register(policy, strategy))

	cfg := &ratelimit.Config{
		Store:    ratelimit.StoreConfig{Timeout: time.Second},
		AutoBan:  ratelimit.AutoBanConfig{Threshold: 10, Window: time.Minute, BanFor: time.Hour},
		Adjust:   ratelimit.AdjustConfig{Factor: 0.5},
		Behavior: ratelimit.BehaviorConfig{BurstGap: 100 * time.Millisecond, MediumRiskThreshold: 3, HighRiskThreshold: 6},
	}
	g := guard.New(registry, client, cfg)

	server := httptest.NewServer(New(g, nil).Routes())
	t.Cleanup(server.Close)

	return &adminFixture{server: server, guard: g, backend: backend}
}

func (f *adminFixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdmin_AllowList(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	resp := f.do(t, http.MethodPut, "/allowlist/user:42", `{"reason":"trusted partner","ttlSeconds":3600}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	entry, err := f.guard.Lists().GetAllow(ctx, "user:42")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "trusted partner", entry.Reason)

	ttl := f.backend.TTL("rl:allow:user:42")
	assert.Equal(t, time.Hour, ttl)

	resp = f.do(t, http.MethodDelete, "/allowlist/user:42", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	entry, err = f.guard.Lists().GetAllow(ctx, "user:42")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestAdmin_DenyListRequiresReason(t *testing.T) {
	f := newAdminFixture(t)

	resp := f.do(t, http.MethodPut, "/denylist/ip:203.0.113.7", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "reason is required")

	resp = f.do(t, http.MethodPut, "/denylist/ip:203.0.113.7", `{"reason":"abuse report #4211"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	entry, err := f.guard.Lists().GetDeny(context.Background(), "ip:203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "abuse report #4211", entry.Reason)

	resp = f.do(t, http.MethodDelete, "/denylist/ip:203.0.113.7", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAdmin_InvalidBody(t *testing.T) {
	f := newAdminFixture(t)

	resp := f.do(t, http.MethodPut, "/allowlist/user:42", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmin_ResetAndStatus(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	for x := 0; x < 4; x++ {
		v := f.guard.Check(ctx, "user:42", "api", ratelimit.RequestMeta{Method: "GET", Path: "/api/notes"})
		require.True(t, v.Allowed)
	}

	resp := f.do(t, http.MethodGet, "/status/user:42", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status guard.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "user:42", status.Identity)
	assert.Equal(t, "low", status.RiskTier)
	require.Len(t, status.Policies, 1)
	assert.Equal(t, "api", status.Policies[0].Policy)
	assert.Equal(t, uint64(4), status.Policies[0].Used)
	assert.Equal(t, uint64(6), status.Policies[0].Remaining)

	resp = f.do(t, http.MethodPost, "/reset/user:42", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/status/user:42", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status = guard.Status{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Len(t, status.Policies, 1)
	assert.Equal(t, uint64(0), status.Policies[0].Used)
}
