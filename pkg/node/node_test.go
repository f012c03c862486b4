package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrring/pkg/gossip"
	"github.com/ryandielhenn/zephyrring/pkg/hashring"
	"github.com/ryandielhenn/zephyrring/pkg/kv"
	"github.com/ryandielhenn/zephyrring/pkg/ring"
)

type testNode struct {
	*Node
	srv *httptest.Server
}

func (tn *testNode) url(key string) string {
	return tn.srv.URL + "/kv/" + key
}

// startNode serves a node whose ring advertises the test server address.
func startNode(t *testing.T, c *gossip.LocalCluster, id string) *testNode {
	t.Helper()
	var handler http.Handler = http.NotFoundHandler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	addr := srv.Listener.Addr().String()

	r, err := hashring.New(c.Member(id), hashring.Config{
		ReplicaPoints: 32,
		Tags:          map[string]string{TagHTTP: addr},
	})
	require.NoError(t, err)
	n := NewNode(kv.NewStore(1<<20), r, addr, nil)
	handler = n.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	done := n.Watch(ctx)
	t.Cleanup(func() {
		cancel()
		<-done
		_ = r.Close(context.Background())
	})
	require.NoError(t, r.Start(ctx))
	<-r.Ready()
	return &testNode{Node: n, srv: srv}
}

func knows(n *testNode, peers int) func() bool {
	return func() bool { return len(n.ring.Peers(false)) == peers }
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestNormalizeHostPort(t *testing.T) {
	for in, want := range map[string]string{
		"node1":                "node1:8080",
		"node1:9000":           "node1:9000",
		"http://node1":         "node1:8080",
		"https://node1:443":    "node1:443",
		"http://10.0.0.1:8081": "10.0.0.1:8081",
		"::1":                  "[::1]:8080",
		"[2001:db8::1]:7000":   "[2001:db8::1]:7000",
	} {
		assert.Equal(t, want, NormalizeHostPort(in, "8080"), in)
	}
}

func TestHealthzAndInfo(t *testing.T) {
	c := gossip.NewLocalCluster()
	a := startNode(t, c, "a")
	b := startNode(t, c, "b")
	require.Eventually(t, knows(a, 1), 5*time.Second, 10*time.Millisecond)

	code, body := do(t, http.MethodGet, a.srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = do(t, http.MethodGet, a.srv.URL+"/info", "")
	require.Equal(t, http.StatusOK, code)
	var info struct {
		ID    string `json:"id"`
		Ready bool   `json:"ready"`
		Self  struct {
			Points int `json:"points"`
		} `json:"self"`
		Peers []struct {
			ID   string `json:"id"`
			HTTP string `json:"http"`
		} `json:"peers"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &info))
	assert.Equal(t, "a", info.ID)
	assert.True(t, info.Ready)
	assert.Equal(t, 32, info.Self.Points)
	require.Len(t, info.Peers, 1)
	assert.Equal(t, "b", info.Peers[0].ID)
	assert.Equal(t, b.Addr(), info.Peers[0].HTTP)
}

func TestRequestsReachTheOwner(t *testing.T) {
	c := gossip.NewLocalCluster()
	a := startNode(t, c, "a")
	b := startNode(t, c, "b")
	require.Eventually(t, knows(a, 1), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, knows(b, 1), 5*time.Second, 10*time.Millisecond)

	const N = 60
	for i := range N {
		code, _ := do(t, http.MethodPut, a.url(fmt.Sprintf("k%d", i)), fmt.Sprintf("v%d", i))
		require.Equal(t, http.StatusNoContent, code)
	}
	assert.Equal(t, N, a.kv.Len()+b.kv.Len())
	assert.NotZero(t, a.kv.Len())
	assert.NotZero(t, b.kv.Len())

	for i := range N {
		k := fmt.Sprintf("k%d", i)
		code, body := do(t, http.MethodGet, b.url(k), "")
		require.Equal(t, http.StatusOK, code, k)
		assert.Equal(t, fmt.Sprintf("v%d", i), body)

		_, local := a.kv.Get(k)
		assert.Equal(t, a.ring.AllocatedToMe(k), local, "%s stored away from its owner", k)
	}

	code, _ := do(t, http.MethodDelete, b.url("k1"), "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, http.MethodGet, a.url("k1"), "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = do(t, http.MethodDelete, a.url("k1"), "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestKeysFollowMovedRanges(t *testing.T) {
	c := gossip.NewLocalCluster()
	a := startNode(t, c, "a")

	const N = 100
	for i := range N {
		code, _ := do(t, http.MethodPut, a.url(fmt.Sprintf("user:%d", i))+"?ttl=3600", "x")
		require.Equal(t, http.StatusNoContent, code)
	}
	require.Equal(t, N, a.kv.Len())

	b := startNode(t, c, "b")
	require.Eventually(t, func() bool {
		return b.kv.Len() > 0 && a.kv.Len()+b.kv.Len() == N
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, knows(b, 1), 5*time.Second, 10*time.Millisecond)

	for i := range N {
		k := fmt.Sprintf("user:%d", i)
		_, onA := a.kv.Get(k)
		assert.Equal(t, a.ring.AllocatedToMe(k), onA, k)
		code, _ := do(t, http.MethodGet, a.url(k), "")
		assert.Equal(t, http.StatusOK, code, k)
	}
}

func TestEmptyRingIsUnavailable(t *testing.T) {
	r, err := hashring.New(gossip.NewLocalCluster().Member("a"), hashring.Config{})
	require.NoError(t, err)
	srv := httptest.NewServer(NewNode(kv.NewStore(1<<10), r, "127.0.0.1:1", nil).Handler())
	defer srv.Close()

	code, _ := do(t, http.MethodGet, srv.URL+"/kv/k", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = do(t, http.MethodPatch, srv.URL+"/kv/k", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestHandoffKeepsKeysWhenOwnerUnreachable(t *testing.T) {
	r, err := hashring.New(gossip.NewLocalCluster().Member("a"), hashring.Config{})
	require.NoError(t, err)
	n := NewNode(kv.NewStore(1<<10), r, "127.0.0.1:1", nil)
	n.handoffTimeout = 50 * time.Millisecond
	for i := range 5 {
		n.kv.Put(fmt.Sprintf("k%d", i), []byte("v"), time.Hour)
	}

	// the whole ring moves to a peer nobody listens for
	n.handoff(context.Background(), hashring.Event{
		Type:  hashring.EventMove,
		Peer:  ring.NewPeer("gone", ring.Meta{Tags: map[string]string{TagHTTP: "127.0.0.1:1"}}, nil),
		Range: ring.Range{},
	})
	assert.Equal(t, 5, n.kv.Len())
	_, ok := n.kv.Get("k3")
	assert.True(t, ok)
}

func TestProxiedRequestsReachTheOwner(t *testing.T) {
	c := gossip.NewLocalCluster()
	a := startNode(t, c, "a")
	b := startNode(t, c, "b")
	require.Eventually(t, knows(a, 1), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, knows(b, 1), 5*time.Second, 10*time.Millisecond)

	var key string
	for i := 0; key == ""; i++ {
		if k := fmt.Sprintf("k%d", i); b.ring.AllocatedToMe(k) {
			key = k
		}
	}

	// a load balancer in front of a stamps X-Forwarded-For
	req, err := http.NewRequest(http.MethodPut, a.url(key), strings.NewReader("v"))
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, ok := b.kv.Get(key)
	require.True(t, ok)
	assert.Equal(t, "v", string(got))
	_, ok = a.kv.Get(key)
	assert.False(t, ok)
}

func TestForwardMarksTheHop(t *testing.T) {
	seen := make(chan http.Header, 1)
	owner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer owner.Close()

	r, err := hashring.New(gossip.NewLocalCluster().Member("a"), hashring.Config{})
	require.NoError(t, err)
	n := NewNode(kv.NewStore(1<<10), r, "127.0.0.1:1", nil)

	req := httptest.NewRequest(http.MethodPut, "/kv/k", strings.NewReader("v"))
	req.RemoteAddr = "192.0.2.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := httptest.NewRecorder()
	n.Forward(rec, req, owner.Listener.Addr().String())
	assert.Equal(t, http.StatusNoContent, rec.Code)

	h := <-seen
	assert.Equal(t, "203.0.113.7, 192.0.2.1", h.Get("X-Forwarded-For"))
	assert.Equal(t, "127.0.0.1:1", h.Get(HeaderForwarded))

	// a request another node already forwarded is not forwarded again
	req = httptest.NewRequest(http.MethodGet, "/kv/k", nil)
	req.Header.Set(HeaderForwarded, "10.0.0.9:8080")
	rec = httptest.NewRecorder()
	n.Forward(rec, req, owner.Listener.Addr().String())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, seen)
}
