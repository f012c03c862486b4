package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func loopbackConfig(name string, seeds ...string) MemberlistConfig {
	return MemberlistConfig{
		Name:           name,
		BindAddr:       "127.0.0.1",
		Seeds:          seeds,
		GossipInterval: 20 * time.Millisecond,
		ProbeInterval:  100 * time.Millisecond,
		ProbeTimeout:   50 * time.Millisecond,
		LeaveTimeout:   time.Second,
	}
}

func nextOfType(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	for {
		ev := nextEvent(t, ch)
		if ev.Type == typ {
			return ev
		}
	}
}

func TestMemberlistTwoPeers(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping gossip loopback test in short mode")
	}
	ctx := context.Background()
	logger := zap.NewNop()

	a := NewMemberlist(loopbackConfig("a"), logger)
	require.NoError(t, a.Join(ctx, []byte(`{"ringName":"test"}`)))
	t.Cleanup(func() { _ = a.Leave(ctx) })
	up := nextEvent(t, a.Events())
	assert.Equal(t, EventUp, up.Type)
	assert.Equal(t, "a", up.Host)
	require.NotEmpty(t, a.Addr())

	b := NewMemberlist(loopbackConfig("b", a.Addr()), logger)
	require.NoError(t, b.Join(ctx, []byte(`{"ringName":"test","client":true}`)))
	assert.Equal(t, EventUp, nextEvent(t, b.Events()).Type)

	peerA := nextOfType(t, b.Events(), EventPeerUp)
	assert.Equal(t, "a", peerA.Host)
	assert.JSONEq(t, `{"ringName":"test"}`, string(peerA.Meta))

	peerB := nextOfType(t, a.Events(), EventPeerUp)
	assert.Equal(t, "b", peerB.Host)

	leaveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, b.Leave(leaveCtx))

	down := nextOfType(t, a.Events(), EventPeerDown)
	assert.Equal(t, "b", down.Host)
	assert.JSONEq(t, `{"ringName":"test","client":true}`, string(down.Meta))
}

func TestMemberlistRejectsOversizedMeta(t *testing.T) {
	m := NewMemberlist(loopbackConfig("big"), nil)
	err := m.Join(context.Background(), make([]byte, 4096))
	assert.Error(t, err)
	assert.NoError(t, m.Leave(context.Background()))
}

func TestMemberName(t *testing.T) {
	assert.Equal(t, "n1", memberName(MemberlistConfig{Name: "n1"}))
	assert.Equal(t, "10.0.0.1:7946", memberName(MemberlistConfig{BindAddr: "10.0.0.1", BindPort: 7946}))
	assert.Equal(t, "192.168.1.5:8000", memberName(MemberlistConfig{
		BindAddr: "0.0.0.0", BindPort: 7946, AdvertiseAddr: "192.168.1.5", AdvertisePort: 8000,
	}))
}
