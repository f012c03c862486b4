package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrring/pkg/hashring"
	"github.com/ryandielhenn/zephyrring/pkg/kv"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type peerInfo struct {
	ID     string `json:"id"`
	HTTP   string `json:"http,omitempty"`
	Points int    `json:"points"`
}

// Info writes the process, store and ring state as JSON.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID   int        `json:"pid"`
		Now   time.Time  `json:"now"`
		Items int        `json:"items"`
		Bytes int        `json:"bytes"`
		ID    string     `json:"id"`
		Ready bool       `json:"ready"`
		Self  *peerInfo  `json:"self,omitempty"`
		Peers []peerInfo `json:"peers"`
	}
	out := resp{
		PID:   os.Getpid(),
		Now:   time.Now(),
		Items: n.kv.Len(),
		Bytes: n.kv.Bytes(),
		ID:    n.ring.Whoami(),
		Peers: []peerInfo{},
	}
	if me, err := n.ring.MyMeta(); err == nil {
		out.Ready = true
		out.Self = &peerInfo{ID: me.ID, HTTP: me.Meta.Tag(TagHTTP), Points: len(me.Points)}
	}
	for _, p := range n.ring.Peers(false) {
		out.Peers = append(out.Peers, peerInfo{ID: p.ID, HTTP: p.Meta.Tag(TagHTTP), Points: len(p.Points)})
	}
	data, _ := json.Marshal(out)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Forward forwards a http request to the Node that owns the key
func (n *Node) Forward(w http.ResponseWriter, req *http.Request, owner string) {
	hostport := NormalizeHostPort(owner, "8080")
	if NormalizeHostPort(n.addr, "8080") == hostport {
		http.Error(w, "refusing to forward to self", http.StatusInternalServerError)
		return
	}
	if req.Header.Get(HeaderForwarded) != "" {
		// the sender routed here on a ring that disagrees with ours
		http.Error(w, "ring views disagree, retry", http.StatusServiceUnavailable)
		return
	}
	target := *req.URL
	target.Scheme = "http"
	target.Host = hostport

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	out.Header = req.Header.Clone()
	out.Header.Set(HeaderForwarded, NormalizeHostPort(n.addr, "8080"))
	out.Header.Set("X-Forwarded-For", forwardedFor(req))

	resp, err := n.client.Do(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// forwardedFor appends the caller's address to any X-Forwarded-For chain set
// by proxies in front of this node.
func forwardedFor(req *http.Request) string {
	client := req.RemoteAddr
	if host, _, err := net.SplitHostPort(client); err == nil {
		client = host
	}
	if prior := req.Header.Values("X-Forwarded-For"); len(prior) > 0 {
		return strings.Join(prior, ", ") + ", " + client
	}
	return client
}

// route reports whether the request for key is served here, forwarding it
// otherwise.
func (n *Node) route(w http.ResponseWriter, req *http.Request, key string) bool {
	if req.Header.Get(HeaderHandoff) != "" {
		return true
	}
	owner, local, err := n.OwnerForKey(key)
	switch {
	case errors.Is(err, hashring.ErrEmptyRing):
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return false
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return false
	case local:
		return true
	}
	n.logger.Debug("Forwarding request",
		zap.String("method", req.Method),
		zap.String("key", key),
		zap.String("owner", owner))
	n.Forward(w, req, owner)
	return false
}

// Put adds a key/value pair
func (n *Node) Put(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	if !n.route(w, req, key) {
		return
	}

	val, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var ttl time.Duration
	if ttlStr := req.URL.Query().Get("ttl"); ttlStr != "" {
		sec, err := strconv.Atoi(ttlStr)
		if err != nil || sec < 0 {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(sec) * time.Second
	}
	n.kv.Put(key, val, ttl)
	w.WriteHeader(http.StatusNoContent)
}

// Get returns the value for a key
func (n *Node) Get(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	if !n.route(w, req, key) {
		return
	}

	val, ok := n.kv.Get(key)
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(val)
}

// Del removes a key
func (n *Node) Del(w http.ResponseWriter, req *http.Request) {
	key := req.URL.Path[len("/kv/"):]
	if !n.route(w, req, key) {
		return
	}

	if !n.kv.Delete(key) {
		http.NotFound(w, req)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handoff sends every stored key inside a moved range to its new owner. Keys
// that cannot be delivered stay here.
func (n *Node) handoff(ctx context.Context, ev hashring.Event) {
	owner := ev.Peer.Meta.Tag(TagHTTP)
	items := n.kv.Extract(func(key string) bool {
		return ev.Range.Contains(n.ring.Hash(key))
	})
	if len(items) == 0 {
		return
	}
	log := n.logger.With(zap.String("to", ev.Peer.ID), zap.Stringer("range", ev.Range))
	if owner == "" {
		log.Warn("New owner has no http address, keeping keys", zap.Int("keys", len(items)))
		n.kv.Restore(items)
		return
	}

	var failed []kv.Item
	for i, it := range items {
		err := backoff.RetryNotify(func() error {
			return n.send(ctx, owner, it)
		}, n.handoffBackOff(ctx), func(err error, d time.Duration) {
			log.Debug("Retrying handoff", zap.String("key", it.Key), zap.Error(err), zap.Duration("retry-after", d))
		})
		if err != nil {
			log.Warn("Handoff failed, keeping remaining keys", zap.String("key", it.Key), zap.Error(err))
			failed = items[i:]
			break
		}
	}
	n.kv.Restore(failed)
	log.Info("Handed off keys", zap.Int("sent", len(items)-len(failed)), zap.Int("kept", len(failed)))
}

func (n *Node) send(ctx context.Context, owner string, it kv.Item) error {
	target := url.URL{
		Scheme: "http",
		Host:   NormalizeHostPort(owner, "8080"),
		Path:   "/kv/" + it.Key,
	}
	if ttl := it.TTL(time.Now()); ttl > 0 {
		target.RawQuery = url.Values{"ttl": {strconv.Itoa(int(math.Ceil(ttl.Seconds())))}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(it.Value))
	if err != nil {
		return errors.Wrap(err, "build handoff request")
	}
	req.Header.Set(HeaderHandoff, "1")
	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "put %s", target.Host)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode/100 == 4:
		return backoff.Permanent(errors.Errorf("put %s: %s", target.Host, resp.Status))
	default:
		return errors.Errorf("put %s: %s", target.Host, resp.Status)
	}
}

func (n *Node) handoffBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = n.handoffTimeout
	return backoff.WithContext(b, ctx)
}
