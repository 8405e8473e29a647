package hub

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMultiplexer() (*Multiplexer, *busNode) {
	node := newFakeBus().node()
	node.handler = func(string, []byte) {}
	return NewMultiplexer(node, RetryPolicy{Attempts: 2}), node
}

func TestMultiplexer_RefcountMatchesMembership(t *testing.T) {
	m, node := newTestMultiplexer()
	reg := NewRegistry(m)

	const n = 8
	rooms := []string{"a", "b", "c"}
	conns := make([]*Conn, n)
	for i := range conns {
		conns[i], _ = reg.Register(fmt.Sprintf("u%d", i), &fakeTransport{})
	}

	rng := rand.New(rand.NewSource(42))
	for step := 0; step < 2000; step++ {
		c := conns[rng.Intn(n)]
		roomID := rooms[rng.Intn(len(rooms))]
		if rng.Intn(2) == 0 {
			_, err := m.Join(c, roomID)
			require.NoError(t, err)
		} else {
			_, err := m.Leave(c, roomID)
			require.NoError(t, err)
		}

		for _, r := range rooms {
			members := 0
			for _, c := range conns {
				if c.InRoom(r) {
					members++
				}
			}
			refs := m.Refcount(r)
			require.Equal(t, members, refs, "step %d room %s", step, r)
			require.Equal(t, refs > 0, m.Subscribed(r), "step %d room %s", step, r)
			require.Equal(t, refs > 0, node.isSubscribed("room:"+r), "step %d room %s", step, r)
			require.Len(t, m.Members(r), members)
		}
	}
}

func TestMultiplexer_ConcurrentJoinLeave(t *testing.T) {
	m, node := newTestMultiplexer()
	reg := NewRegistry(m)

	const workers = 32
	conns := make([]*Conn, workers)
	for i := range conns {
		conns[i], _ = reg.Register(fmt.Sprintf("u%d", i), &fakeTransport{})
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(c *Conn, seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < 200; j++ {
				if rng.Intn(2) == 0 {
					_, _ = m.Join(c, "hot")
				} else {
					_, _ = m.Leave(c, "hot")
				}
			}
		}(conns[i], int64(i))
	}
	wg.Wait()

	members := 0
	for _, c := range conns {
		if c.InRoom("hot") {
			members++
		}
	}
	assert.Equal(t, members, m.Refcount("hot"))
	assert.Equal(t, members > 0, node.isSubscribed("room:hot"))

	subs, unsubs, _ := node.counts("room:hot")
	active := 0
	if members > 0 {
		active = 1
	}
	assert.Equal(t, active, subs-unsubs, "never more than one live subscription")
}

func TestMultiplexer_FirstJoinersSubscribeOnce(t *testing.T) {
	m, node := newTestMultiplexer()
	reg := NewRegistry(m)

	const n = 50
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		c, _ := reg.Register(fmt.Sprintf("u%d", i), &fakeTransport{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _ = m.Join(c, "r")
		}()
	}
	close(start)
	wg.Wait()

	subs, _, _ := node.counts("room:r")
	assert.Equal(t, 1, subs)
	assert.Equal(t, n, m.Refcount("r"))
}

func TestRegistry_DisconnectLeavesEveryRoomOnce(t *testing.T) {
	m, node := newTestMultiplexer()
	reg := NewRegistry(m)

	u1, _ := reg.Register("U1", &fakeTransport{})
	u2, _ := reg.Register("U2", &fakeTransport{})
	for _, r := range []string{"A", "B", "C"} {
		_, err := m.Join(u1, r)
		require.NoError(t, err)
	}
	_, err := m.Join(u2, "A")
	require.NoError(t, err)

	rooms, ok := reg.Unregister(u1)
	require.True(t, ok)
	assert.Equal(t, []string{"A", "B", "C"}, rooms)
	assert.Empty(t, u1.Rooms())

	assert.Equal(t, 1, m.Refcount("A"))
	assert.Equal(t, 0, m.Refcount("B"))
	assert.Equal(t, 0, m.Refcount("C"))
	for _, r := range []string{"B", "C"} {
		_, unsubs, _ := node.counts("room:" + r)
		assert.Equal(t, 1, unsubs, "room %s", r)
	}

	// A second teardown changes nothing.
	_, ok = reg.Unregister(u1)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Refcount("A"))
	assert.Nil(t, reg.Lookup("U1"))
}

func TestRegistry_JoinRacingClose(t *testing.T) {
	m, node := newTestMultiplexer()
	reg := NewRegistry(m)

	for i := 0; i < 200; i++ {
		c, _ := reg.Register(fmt.Sprintf("u%d", i), &fakeTransport{})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, r := range []string{"x", "y", "z"} {
				_, _ = m.Join(c, r)
			}
		}()
		go func() {
			defer wg.Done()
			reg.Unregister(c)
		}()
		wg.Wait()

		assert.Empty(t, c.Rooms(), "iteration %d", i)
		_, err := m.Join(c, "x")
		assert.ErrorIs(t, err, ErrConnClosed)
	}

	for _, r := range []string{"x", "y", "z"} {
		assert.Equal(t, 0, m.Refcount(r))
		assert.False(t, node.isSubscribed("room:"+r))
		assert.Empty(t, m.Members(r))
	}
	assert.Equal(t, 0, m.ActiveRooms())
}

func TestRegistry_DuplicateUserEvictsPrevious(t *testing.T) {
	m, _ := newTestMultiplexer()
	reg := NewRegistry(m)

	oldT := &fakeTransport{}
	old, ev := reg.Register("U1", oldT)
	require.Nil(t, ev)
	_, err := m.Join(old, "7")
	require.NoError(t, err)

	newT := &fakeTransport{}
	fresh, ev := reg.Register("U1", newT)
	require.NotNil(t, ev)
	assert.Same(t, old, ev.Conn)
	assert.Equal(t, []string{"7"}, ev.Rooms)

	assert.True(t, oldT.isClosed())
	assert.True(t, old.Closed())
	assert.ErrorIs(t, old.Send([]byte("x")), ErrConnClosed)
	assert.Equal(t, 0, m.Refcount("7"))
	assert.Same(t, fresh, reg.Lookup("U1"))

	// The socket layer later reports the old socket closed; the new
	// connection must survive it.
	_, ok := reg.Unregister(old)
	assert.False(t, ok)
	assert.Same(t, fresh, reg.Lookup("U1"))
	assert.False(t, newT.isClosed())
	assert.Equal(t, 1, reg.Count())
}

func TestMultiplexer_ReleaseUnderflowIsClamped(t *testing.T) {
	m, _ := newTestMultiplexer()

	assert.NoError(t, m.release("room:ghost"))
	assert.Equal(t, 0, m.Refcount("ghost"))
}

func TestMultiplexer_SubscribeRetriesThenSucceeds(t *testing.T) {
	m, node := newTestMultiplexer()
	node.failSubscribe = 1
	reg := NewRegistry(m)
	c, _ := reg.Register("U1", &fakeTransport{})

	added, err := m.Join(c, "7")
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, m.Subscribed("7"))

	subs, _, _ := node.counts("room:7")
	assert.Equal(t, 2, subs)
}
