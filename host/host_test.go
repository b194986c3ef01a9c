package host

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/database"
	"github.com/chatmesh/realtime"
	"github.com/chatmesh/wire"
)

const ownerID = int64(1)

type recorder struct {
	sync.Mutex
	got map[int64][]*realtime.Event
}

func newRecorder() *recorder {
	return &recorder{got: make(map[int64][]*realtime.Event)}
}

func (r *recorder) Send(userID int64, ev *realtime.Event) bool {
	r.Lock()
	defer r.Unlock()
	r.got[userID] = append(r.got[userID], ev)
	return true
}

func (r *recorder) count(userID int64) int {
	r.Lock()
	defer r.Unlock()
	return len(r.got[userID])
}

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startHost(t *testing.T, store database.Store, mutate func(c *Config)) *Host {
	cfg := &Config{
		OwnerID:      ownerID,
		ListenIP:     "127.0.0.1",
		BasePort:     freePort(t),
		PortAttempts: 50,
		Store:        store,
	}
	if mutate != nil {
		mutate(cfg)
	}
	h := NewHost(cfg)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)
	return h
}

func dial(t *testing.T, h *Host, userID int64) *Client {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, fmt.Sprintf("127.0.0.1:%d", h.Port()), userID, fmt.Sprintf("user%d", userID))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAuthorization(t *testing.T) {
	store := database.NewMemStore()
	h := startHost(t, store, nil)
	ch, err := h.CreateChannel("general", false)
	require.NoError(t, err)
	require.NoError(t, h.AddMember(ch.ID, 2))
	assert.Equal(t, h.Port(), h.HostedChannels()[ch.ID])

	ctx := context.Background()
	owner := dial(t, h, ownerID)
	member := dial(t, h, 2)
	stranger := dial(t, h, 3)
	assert.Equal(t, ownerID, member.HostID())

	for _, c := range []*Client{owner, member} {
		info, members, err := c.ChannelInfo(ctx, ch.ID)
		require.NoError(t, err)
		assert.Equal(t, "general", info.Name)
		assert.Len(t, members, 2)
		_, err = c.Messages(ctx, ch.ID, 0, 0)
		require.NoError(t, err)
		_, err = c.SendMessage(ctx, ch.ID, "hello", nil)
		require.NoError(t, err)
	}

	_, _, err = stranger.ChannelInfo(ctx, ch.ID)
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), msgNotMember)
	_, err = stranger.Messages(ctx, ch.ID, 10, 0)
	assert.ErrorIs(t, err, ErrRequestFailed)
	_, err = stranger.SendMessage(ctx, ch.ID, "let me in", nil)
	assert.ErrorIs(t, err, ErrRequestFailed)
	_, err = stranger.FetchUpdates(ctx, ch.ID, 0)
	assert.ErrorIs(t, err, ErrRequestFailed)

	// the connection survives authorization errors
	_, _, err = stranger.ChannelInfo(ctx, 999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), msgNotHosted)
}

func TestStoreMembershipIsReadThrough(t *testing.T) {
	store := database.NewMemStore()
	h := startHost(t, store, nil)
	ch, err := h.CreateChannel("general", true)
	require.NoError(t, err)

	c := dial(t, h, 5)
	_, _, err = c.ChannelInfo(context.Background(), ch.ID)
	require.ErrorIs(t, err, ErrRequestFailed)

	// joined behind the host's back
	require.NoError(t, store.AddMember(ch.ID, 5))
	_, _, err = c.ChannelInfo(context.Background(), ch.ID)
	assert.NoError(t, err)
}

// ownerless hides every membership row
type ownerless struct {
	*database.MemStore
}

func (ownerless) ListMembers(int64) ([]*database.ChannelMembership, error) { return nil, nil }
func (ownerless) IsMember(int64, int64) (bool, error)                       { return false, nil }

func TestOwnerPassesWithoutMembershipRow(t *testing.T) {
	mem := database.NewMemStore()
	ch := &database.Channel{Name: "mine", OwnerID: ownerID}
	require.NoError(t, mem.CreateChannel(ch))

	h := startHost(t, ownerless{mem}, nil)
	require.True(t, h.IsHosted(ch.ID), "owned channels are hosted at start")

	owner := dial(t, h, ownerID)
	_, err := owner.SendMessage(context.Background(), ch.ID, "mine", nil)
	assert.NoError(t, err)

	other := dial(t, h, 2)
	_, err = other.SendMessage(context.Background(), ch.ID, "not mine", nil)
	assert.ErrorIs(t, err, ErrRequestFailed)
}

func TestPostFollowsRequestRules(t *testing.T) {
	rec := newRecorder()
	store := database.NewMemStore()
	h := startHost(t, store, func(c *Config) { c.Notifier = rec })
	ch, err := h.CreateChannel("general", false)
	require.NoError(t, err)
	require.NoError(t, h.AddMember(ch.ID, 2))

	id, err := h.Post(ch.ID, 2, "", &MediaRef{Type: "image", Path: "/tmp/a.png", Name: "a.png"})
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Eventually(t, func() bool { return rec.count(ownerID) == 1 }, time.Second, 10*time.Millisecond)

	msgs, err := store.ListMessages(ch.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].HasMedia)
	assert.Equal(t, "a.png", msgs[0].MediaName)

	_, err = h.Post(ch.ID, 3, "stranger", nil)
	assert.ErrorIs(t, err, ErrRequestFailed)
	_, err = h.Post(ch.ID, 2, "", nil)
	assert.ErrorIs(t, err, ErrRequestFailed)
	_, err = h.Post(999, ownerID, "nowhere", nil)
	assert.ErrorIs(t, err, ErrRequestFailed)

	h.Stop()
	_, err = h.Post(ch.ID, ownerID, "late", nil)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRequestValidation(t *testing.T) {
	h := startHost(t, database.NewMemStore(), nil)
	ch, err := h.CreateChannel("general", false)
	require.NoError(t, err)
	c := dial(t, h, ownerID)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *Request
		want string
	}{
		{"missing action", &Request{ChannelID: ch.ID}, msgMissingAction},
		{"unknown action", &Request{Action: "delete_channel", ChannelID: ch.ID}, "Unknown action: delete_channel"},
		{"missing channel", &Request{Action: ActionGetChannelInfo}, msgMissingChannel},
		{"empty message", &Request{Action: ActionSendMessage, ChannelID: ch.ID}, msgEmptyMessage},
		{"missing last id", &Request{Action: ActionFetchUpdates, ChannelID: ch.ID}, msgMissingLastID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.Call(ctx, tt.req)
			require.ErrorIs(t, err, ErrRequestFailed)
			assert.Equal(t, wire.StatusError, resp.Status)
			assert.Equal(t, tt.want, resp.Message)
		})
	}

	// media without content is a valid message
	id, err := c.SendMessage(ctx, ch.ID, "", &MediaRef{Type: "image", Path: "media/images/a.png", Name: "a.png"})
	require.NoError(t, err)
	msgs, err := c.Messages(ctx, ch.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.True(t, msgs[0].HasMedia)
	assert.Equal(t, "a.png", msgs[0].MediaName)
}

func TestSendThenFetchUpdates(t *testing.T) {
	h := startHost(t, database.NewMemStore(), nil)
	ch, err := h.CreateChannel("general", false)
	require.NoError(t, err)
	c := dial(t, h, ownerID)
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		last, err = c.SendMessage(ctx, ch.ID, fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}

	_, err = c.SendMessage(ctx, ch.ID, "hi", nil)
	require.NoError(t, err)
	updates, err := c.FetchUpdates(ctx, ch.ID, last)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "hi", updates[0].Content)

	all, err := c.FetchUpdates(ctx, ch.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "m0", all[0].Content, "updates are oldest first")
}

func TestCacheBound(t *testing.T) {
	h := startHost(t, database.NewMemStore(), nil)
	ch, err := h.CreateChannel("busy", false)
	require.NoError(t, err)

	send := func(i int) {
		resp := h.handle(&Request{Action: ActionSendMessage, ChannelID: ch.ID, Content: fmt.Sprint(i)}, ownerID)
		require.Equal(t, wire.StatusSuccess, resp.Status, resp.Message)
	}
	for i := 0; i < DefaultCacheSize; i++ {
		send(i)
	}
	assert.Equal(t, DefaultCacheSize, h.cache.size(ch.ID))

	send(DefaultCacheSize)
	assert.Equal(t, DefaultCacheSize/2, h.cache.size(ch.ID), "first overflow trims to half")

	for i := 0; i < 250; i++ {
		send(i)
		assert.LessOrEqual(t, h.cache.size(ch.ID), DefaultCacheSize)
	}
}

func TestMessagesBeforeID(t *testing.T) {
	h := startHost(t, database.NewMemStore(), func(c *Config) { c.CacheSize = 4 })
	ch, err := h.CreateChannel("paged", false)
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 5; i++ {
		resp := h.handle(&Request{Action: ActionSendMessage, ChannelID: ch.ID, Content: fmt.Sprint(i)}, ownerID)
		require.Equal(t, wire.StatusSuccess, resp.Status)
		ids = append(ids, resp.MessageID)
	}
	// five sends overflow four, leaving the two newest cached
	require.Equal(t, 2, h.cache.size(ch.ID))

	get := func(limit int, before int64) []int64 {
		resp := h.handle(&Request{Action: ActionGetChannelMessages, ChannelID: ch.ID, Limit: limit, BeforeID: before}, ownerID)
		require.Equal(t, wire.StatusSuccess, resp.Status)
		var got []int64
		for _, m := range resp.Messages {
			got = append(got, m.ID)
		}
		return got
	}

	assert.Equal(t, []int64{ids[4], ids[3]}, get(10, 0))
	// found in the cache, the rest is paged from the store
	assert.Equal(t, []int64{ids[2], ids[1], ids[0]}, get(10, ids[3]))
	assert.Equal(t, []int64{ids[2]}, get(1, ids[3]))
	// older than everything cached
	assert.Equal(t, []int64{ids[0]}, get(10, ids[1]))
	// unknown and newer than the oldest cached id: unfiltered head
	assert.Equal(t, []int64{ids[4], ids[3]}, get(10, ids[4]+1000))
}

func TestPortProbing(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	base := taken.Addr().(*net.TCPAddr).Port

	h := startHost(t, database.NewMemStore(), func(c *Config) { c.BasePort = base; c.PortAttempts = 20 })
	assert.Greater(t, h.Port(), base)
	assert.LessOrEqual(t, h.Port(), base+19)
	dial(t, h, ownerID)
}

func TestPortExhaustionFailsStart(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	h := NewHost(&Config{
		OwnerID:      ownerID,
		ListenIP:     "127.0.0.1",
		BasePort:     taken.Addr().(*net.TCPAddr).Port,
		PortAttempts: 1,
		Store:        database.NewMemStore(),
	})
	assert.Error(t, h.Start())
	h.Stop()
}

func TestConcurrentSendersLoseNothing(t *testing.T) {
	store := database.NewMemStore()
	h := startHost(t, store, nil)
	ch, err := h.CreateChannel("race", false)
	require.NoError(t, err)
	require.NoError(t, h.AddMember(ch.ID, 2))

	const perSender = 40
	var wg sync.WaitGroup
	for _, uid := range []int64{ownerID, 2} {
		c := dial(t, h, uid)
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := c.SendMessage(context.Background(), ch.ID, "x", nil)
				assert.NoError(t, err)
			}
		}(c)
	}
	wg.Wait()

	persisted, err := store.MessagesSince(ch.ID, 0)
	require.NoError(t, err)
	require.Len(t, persisted, 2*perSender)
	assert.Equal(t, len(persisted), h.cache.size(ch.ID))

	cached, err := h.cache.messages(ch.ID, 1000, 0)
	require.NoError(t, err)
	for i := 1; i < len(cached); i++ {
		assert.Greater(t, cached[i-1].ID, cached[i].ID)
	}
}

func TestFanout(t *testing.T) {
	for _, outbox := range []bool{false, true} {
		t.Run(fmt.Sprintf("outbox=%v", outbox), func(t *testing.T) {
			rec := newRecorder()
			h := startHost(t, database.NewMemStore(), func(c *Config) {
				c.Notifier = rec
				if outbox {
					c.OutboxFile = filepath.Join(t.TempDir(), "outbox.log")
				}
			})
			ch, err := h.CreateChannel("general", false)
			require.NoError(t, err)
			require.NoError(t, h.AddMember(ch.ID, 2))
			require.NoError(t, h.AddMember(ch.ID, 3))

			c := dial(t, h, 2)
			_, err = c.SendMessage(context.Background(), ch.ID, "hi all", nil)
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				return rec.count(ownerID) == 1 && rec.count(3) == 1
			}, 3*time.Second, 10*time.Millisecond)
			assert.Equal(t, 0, rec.count(2), "the sender is not notified")

			rec.Lock()
			ev := rec.got[3][0]
			rec.Unlock()
			assert.Equal(t, realtime.TypeMessage, ev.Type)
			require.NotNil(t, ev.Message)
			assert.Equal(t, "hi all", ev.Message.Content)
			assert.Equal(t, ch.ID, ev.Message.ChannelID)
			assert.False(t, ev.Message.IsDirect)
		})
	}
}

func TestOutboxDeliversPromptlyWithinOneSession(t *testing.T) {
	store := database.NewMemStore()
	file := filepath.Join(t.TempDir(), "outbox.log")
	rec := newRecorder()
	h := startHost(t, store, func(c *Config) {
		c.Notifier = rec
		c.OutboxFile = file
	})
	ch, err := h.CreateChannel("general", false)
	require.NoError(t, err)
	require.NoError(t, h.AddMember(ch.ID, 3))

	start := time.Now()
	_, err = h.Post(ch.ID, ownerID, "now", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count(3) == 1 }, 300*time.Millisecond, 5*time.Millisecond)
	t.Logf("notified after %v", time.Since(start))

	// queued notifications go out before Stop returns
	_, err = h.Post(ch.ID, ownerID, "last", nil)
	require.NoError(t, err)
	h.Stop()
	assert.Equal(t, 2, rec.count(3))

	// and are never pushed again by a later session
	again := newRecorder()
	startHost(t, store, func(c *Config) {
		c.Notifier = again
		c.OutboxFile = file
	})
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, again.count(3))
}

func TestMalformedRecordKeepsConnection(t *testing.T) {
	h := startHost(t, database.NewMemStore(), nil)
	ch, err := h.CreateChannel("general", false)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", h.Port()))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))

	require.NoError(t, wire.WriteRecord(conn, &wire.Auth{UserID: ownerID}))
	ack := &wire.AuthAck{}
	require.NoError(t, wire.ReadRecord(conn, wire.DefaultMaxFrameSize, ack))
	require.NoError(t, ack.Check())
	assert.Equal(t, ownerID, ack.HostID)

	require.NoError(t, wire.WriteBytes(conn, []byte("{oops")))
	require.NoError(t, wire.WriteRecord(conn, &Request{Action: ActionGetChannelInfo, ChannelID: ch.ID}))
	resp := &Response{}
	require.NoError(t, wire.ReadRecord(conn, wire.DefaultMaxFrameSize, resp))
	assert.Equal(t, wire.StatusSuccess, resp.Status)
	assert.Equal(t, "general", resp.ChannelInfo.Name)
}

func TestHandshakeTimeout(t *testing.T) {
	h := startHost(t, database.NewMemStore(), func(c *Config) { c.HandshakeTimeout = 100 * time.Millisecond })

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", h.Port()))
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.False(t, wire.IsTimeout(err), "the host closes the connection first")
}

func TestNewerSessionReplacesOlder(t *testing.T) {
	h := startHost(t, database.NewMemStore(), nil)
	ch, err := h.CreateChannel("general", false)
	require.NoError(t, err)

	first := dial(t, h, ownerID)
	second := dial(t, h, ownerID)
	require.Eventually(t, func() bool { return h.Sessions() == 1 }, time.Second, 10*time.Millisecond)

	_, _, err = second.ChannelInfo(context.Background(), ch.ID)
	assert.NoError(t, err)
	_, _, err = first.ChannelInfo(context.Background(), ch.ID)
	assert.Error(t, err)
}

func TestStop(t *testing.T) {
	h := startHost(t, database.NewMemStore(), nil)
	_, err := h.CreateChannel("general", false)
	require.NoError(t, err)
	c := dial(t, h, ownerID)

	h.Stop()
	h.Stop()
	assert.Empty(t, h.HostedChannels())
	_, err = h.CreateChannel("late", false)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = c.Messages(context.Background(), 1, 10, 0)
	assert.Error(t, err)
}
