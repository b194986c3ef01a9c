package database

import (
	"sort"
	"sync"
	"time"
)

// MemStore keeps everything in process memory. It backs tests and nodes
// started without a database.
type MemStore struct {
	mu       sync.RWMutex
	channels map[int64]*Channel
	messages map[int64][]*Message // ascending by id
	members  map[int64][]*ChannelMembership
	nextID   int64
}

// NewMemStore NewMemStore
func NewMemStore() *MemStore {
	return &MemStore{
		channels: make(map[int64]*Channel),
		messages: make(map[int64][]*Message),
		members:  make(map[int64][]*ChannelMembership),
	}
}

func (s *MemStore) id() int64 {
	s.nextID++
	return s.nextID
}

// LoadChannel LoadChannel
func (s *MemStore) LoadChannel(channelID int64) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	c := *ch
	return &c, nil
}

// ListMessages ListMessages
func (s *MemStore) ListMessages(channelID int64, limit int, beforeID int64) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[channelID]
	res := make([]*Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(res) < limit; i-- {
		if beforeID > 0 && all[i].ID >= beforeID {
			continue
		}
		m := *all[i]
		res = append(res, &m)
	}
	return res, nil
}

// AppendMessage AppendMessage
func (s *MemStore) AppendMessage(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = s.id()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m := *msg
	s.messages[msg.ChannelID] = append(s.messages[msg.ChannelID], &m)
	return nil
}

// MessagesSince MessagesSince
func (s *MemStore) MessagesSince(channelID int64, lastID int64) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[channelID]
	idx := sort.Search(len(all), func(i int) bool { return all[i].ID > lastID })
	res := make([]*Message, 0, len(all)-idx)
	for _, msg := range all[idx:] {
		m := *msg
		res = append(res, &m)
	}
	return res, nil
}

// IsMember IsMember
func (s *MemStore) IsMember(channelID int64, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members[channelID] {
		if m.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// ListMembers ListMembers
func (s *MemStore) ListMembers(channelID int64) ([]*ChannelMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*ChannelMembership, 0, len(s.members[channelID]))
	for _, mem := range s.members[channelID] {
		m := *mem
		res = append(res, &m)
	}
	return res, nil
}

// AddMember AddMember
func (s *MemStore) AddMember(channelID int64, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID]; !ok {
		return ErrChannelNotFound
	}
	for _, m := range s.members[channelID] {
		if m.UserID == userID {
			return nil
		}
	}
	s.members[channelID] = append(s.members[channelID], &ChannelMembership{
		ID:        s.id(),
		UserID:    userID,
		ChannelID: channelID,
		Role:      RoleMember,
		JoinedAt:  time.Now(),
	})
	return nil
}

// ListOwnedChannels ListOwnedChannels
func (s *MemStore) ListOwnedChannels(ownerID int64) ([]*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*Channel, 0)
	for _, ch := range s.channels {
		if ch.OwnerID == ownerID {
			c := *ch
			res = append(res, &c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// CreateChannel CreateChannel
func (s *MemStore) CreateChannel(ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.channels {
		if c.Name == ch.Name {
			return ErrInsertFail
		}
	}
	ch.ID = s.id()
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	c := *ch
	s.channels[ch.ID] = &c
	s.members[ch.ID] = append(s.members[ch.ID], &ChannelMembership{
		ID:        s.id(),
		UserID:    ch.OwnerID,
		ChannelID: ch.ID,
		Role:      RoleOwner,
		JoinedAt:  ch.CreatedAt,
	})
	return nil
}
