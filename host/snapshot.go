package host

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chatmesh/database"
)

// DefaultCacheSize cached messages per channel before a trim
const DefaultCacheSize = 200

var errCacheStopped = errors.New("channel cache stopped")

// snapshot is the cached view of one channel. Only the cache goroutine
// touches it.
type snapshot struct {
	info     database.Channel
	messages []*database.Message // most recent first
	members  map[int64]time.Time
	// complete is true while messages hold the channel's whole history
	complete bool
}

// insert places msg by id, ignoring duplicates, and trims on overflow.
func (s *snapshot) insert(msg *database.Message, max, trimTo int) {
	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].ID <= msg.ID })
	if i < len(s.messages) && s.messages[i].ID == msg.ID {
		return
	}
	s.messages = append(s.messages, nil)
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
	if len(s.messages) > max {
		s.messages = append([]*database.Message(nil), s.messages[:trimTo]...)
		s.complete = false
	}
}

func (s *snapshot) memberList() []Member {
	list := make([]Member, 0, len(s.members))
	for id, joined := range s.members {
		list = append(list, Member{UserID: id, JoinedAt: formatTime(joined)})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	return list
}

// cache owns every snapshot. All reads and writes run as closures on one
// goroutine; cold loads run there too so an insert can never be lost to a
// load that started before the message was persisted.
type cache struct {
	store    database.Store
	max      int
	trimTo   int
	ops      chan func()
	quit     chan struct{}
	once     sync.Once
	channels map[int64]*snapshot
}

func newCache(store database.Store, max int) *cache {
	if max < 2 {
		max = DefaultCacheSize
	}
	c := &cache{
		store:    store,
		max:      max,
		trimTo:   max / 2,
		ops:      make(chan func()),
		quit:     make(chan struct{}),
		channels: make(map[int64]*snapshot),
	}
	go c.loop()
	return c
}

func (c *cache) loop() {
	for {
		select {
		case fn := <-c.ops:
			fn()
		case <-c.quit:
			return
		}
	}
}

func (c *cache) do(fn func()) error {
	done := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(done) }:
	case <-c.quit:
		return errCacheStopped
	}
	<-done
	return nil
}

func (c *cache) stop() {
	c.once.Do(func() { close(c.quit) })
}

// get returns the snapshot for id, loading it from the store on a miss.
// Cache goroutine only.
func (c *cache) get(id int64) (*snapshot, error) {
	if s, ok := c.channels[id]; ok {
		return s, nil
	}
	ch, err := c.store.LoadChannel(id)
	if err != nil {
		return nil, err
	}
	msgs, err := c.store.ListMessages(id, c.trimTo, 0)
	if err != nil {
		return nil, err
	}
	mems, err := c.store.ListMembers(id)
	if err != nil {
		return nil, err
	}
	s := &snapshot{
		info:     *ch,
		messages: msgs,
		members:  make(map[int64]time.Time, len(mems)),
		complete: len(msgs) < c.trimTo,
	}
	for _, m := range mems {
		s.members[m.UserID] = m.JoinedAt
	}
	c.channels[id] = s
	return s, nil
}

// seed installs the snapshot of a channel created by this host.
func (c *cache) seed(ch *database.Channel) error {
	return c.do(func() {
		c.channels[ch.ID] = &snapshot{
			info:     *ch,
			members:  map[int64]time.Time{ch.OwnerID: ch.CreatedAt},
			complete: true,
		}
	})
}

func (c *cache) info(id int64) (*ChannelInfo, []Member, error) {
	var (
		info    *ChannelInfo
		members []Member
		err     error
	)
	if e := c.do(func() {
		var s *snapshot
		if s, err = c.get(id); err != nil {
			return
		}
		info = &ChannelInfo{
			ID:        s.info.ID,
			Name:      s.info.Name,
			IsPrivate: s.info.IsPrivate,
			OwnerID:   s.info.OwnerID,
			CreatedAt: formatTime(s.info.CreatedAt),
		}
		members = s.memberList()
	}); e != nil {
		return nil, nil, e
	}
	return info, members, err
}

// messages serves get_channel_messages. A beforeID found in the cache
// filters to older messages; one older than everything cached pages the
// store; any other unknown id leaves the head unfiltered.
func (c *cache) messages(id int64, limit int, beforeID int64) ([]*database.Message, error) {
	var (
		res      []*database.Message
		pageFrom int64
		err      error
	)
	if e := c.do(func() {
		var s *snapshot
		if s, err = c.get(id); err != nil {
			return
		}
		msgs := s.messages
		filtered := false
		if beforeID > 0 {
			idx := -1
			for i, m := range msgs {
				if m.ID == beforeID {
					idx = i
					break
				}
			}
			switch {
			case idx >= 0:
				msgs = msgs[idx+1:]
				filtered = true
			case len(msgs) > 0 && beforeID < msgs[len(msgs)-1].ID:
				msgs = nil
				filtered = true
			}
		}
		if len(msgs) > limit {
			msgs = msgs[:limit]
		}
		res = append(make([]*database.Message, 0, len(msgs)), msgs...)
		if filtered && len(res) < limit && !s.complete {
			pageFrom = beforeID
			if len(res) > 0 {
				pageFrom = res[len(res)-1].ID
			}
		}
	}); e != nil {
		return nil, e
	}
	if err != nil {
		return nil, err
	}
	if pageFrom > 0 {
		older, err := c.store.ListMessages(id, limit-len(res), pageFrom)
		if err != nil {
			return nil, err
		}
		res = append(res, older...)
	}
	return res, nil
}

// insert adds a persisted message, loading the channel first if needed.
func (c *cache) insert(id int64, msg *database.Message) error {
	var err error
	if e := c.do(func() {
		var s *snapshot
		if s, err = c.get(id); err != nil {
			return
		}
		s.insert(msg, c.max, c.trimTo)
	}); e != nil {
		return e
	}
	return err
}

// isMember is a read-through membership check: the owner and cached
// members pass, anyone else is asked of the store and cached on success.
func (c *cache) isMember(id int64, userID int64) (bool, error) {
	var (
		known bool
		err   error
	)
	if e := c.do(func() {
		var s *snapshot
		if s, err = c.get(id); err != nil {
			return
		}
		_, known = s.members[userID]
		known = known || s.info.OwnerID == userID
	}); e != nil {
		return false, e
	}
	if err != nil || known {
		return known, err
	}

	ok, err := c.store.IsMember(id, userID)
	if err != nil || !ok {
		return false, err
	}
	c.addMember(id, userID, time.Now())
	return true, nil
}

func (c *cache) addMember(id int64, userID int64, joined time.Time) error {
	return c.do(func() {
		if s, ok := c.channels[id]; ok {
			if _, ok := s.members[userID]; !ok {
				s.members[userID] = joined
			}
		}
	})
}

// recipients is every member plus the owner.
func (c *cache) recipients(id int64) ([]int64, error) {
	var (
		ids []int64
		err error
	)
	if e := c.do(func() {
		var s *snapshot
		if s, err = c.get(id); err != nil {
			return
		}
		ids = make([]int64, 0, len(s.members)+1)
		for uid := range s.members {
			ids = append(ids, uid)
		}
		if _, ok := s.members[s.info.OwnerID]; !ok {
			ids = append(ids, s.info.OwnerID)
		}
	}); e != nil {
		return nil, e
	}
	return ids, err
}

// size cached message count of id, -1 when not loaded
func (c *cache) size(id int64) int {
	n := -1
	c.do(func() {
		if s, ok := c.channels[id]; ok {
			n = len(s.messages)
		}
	})
	return n
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
