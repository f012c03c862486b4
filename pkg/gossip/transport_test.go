package gossip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for membership event")
	}
	return Event{}
}

func TestLocalClusterJoinLeave(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCluster()
	a, b := c.Member("a"), c.Member("b")

	require.NoError(t, a.Join(ctx, []byte("meta-a")))
	assert.Equal(t, Event{Type: EventUp, Host: "a", Meta: []byte("meta-a")}, nextEvent(t, a.Events()))

	require.NoError(t, b.Join(ctx, []byte("meta-b")))
	assert.Equal(t, EventUp, nextEvent(t, b.Events()).Type)
	assert.Equal(t, Event{Type: EventPeerUp, Host: "a", Meta: []byte("meta-a")}, nextEvent(t, b.Events()))
	assert.Equal(t, Event{Type: EventPeerUp, Host: "b", Meta: []byte("meta-b")}, nextEvent(t, a.Events()))
	assert.Equal(t, []string{"a", "b"}, c.Members())

	assert.ErrorIs(t, b.Join(ctx, nil), ErrAlreadyJoined)

	require.NoError(t, b.Leave(ctx))
	assert.Equal(t, Event{Type: EventPeerDown, Host: "b", Meta: []byte("meta-b")}, nextEvent(t, a.Events()))
	_, open := <-b.Events()
	assert.False(t, open)
	assert.Equal(t, []string{"a"}, c.Members())
}

func TestLocalClusterFail(t *testing.T) {
	ctx := context.Background()
	c := NewLocalCluster()
	a, b := c.Member("a"), c.Member("b")
	require.NoError(t, a.Join(ctx, nil))
	require.NoError(t, b.Join(ctx, nil))
	nextEvent(t, a.Events()) // up
	nextEvent(t, a.Events()) // peerUp b
	nextEvent(t, b.Events()) // up
	nextEvent(t, b.Events()) // peerUp a

	c.Fail("b")
	assert.Equal(t, EventPeerDown, nextEvent(t, a.Events()).Type)
	ev := nextEvent(t, b.Events())
	assert.Equal(t, EventError, ev.Type)
	assert.ErrorIs(t, ev.Err, ErrMemberFailed)

	boom := errors.New("boom")
	c.SendError("a", boom)
	assert.Equal(t, Event{Type: EventError, Host: "a", Err: boom}, nextEvent(t, a.Events()))
}
