package database

import (
	"errors"
	"fmt"
	"log"
	"strings"

	// sql drivers
	_ "github.com/go-sql-driver/mysql"
	"github.com/go-xorm/xorm"
	_ "github.com/mattn/go-sqlite3"
	"xorm.io/core"
)

var (
	// ErrInsertFail data insert affected zero rows
	ErrInsertFail = errors.New("data insert fail")
	// ErrUnsupportedDriver only sqlite3 and mysql are wired
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

// DbStore xorm backed Store
type DbStore struct {
	engine *xorm.Engine
}

// NewDbStore syncs the schema and returns the store.
func NewDbStore(engine *xorm.Engine) (*DbStore, error) {
	err := engine.Sync2(new(Channel), new(Message), new(ChannelMembership))
	if err != nil {
		return nil, fmt.Errorf("sync schema: %w", err)
	}
	return &DbStore{engine: engine}, nil
}

// LoadChannel LoadChannel
func (s *DbStore) LoadChannel(channelID int64) (*Channel, error) {
	ch := new(Channel)
	has, err := s.engine.ID(channelID).Get(ch)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

// ListMessages ListMessages
func (s *DbStore) ListMessages(channelID int64, limit int, beforeID int64) ([]*Message, error) {
	sess := s.engine.Where("channel_id = ?", channelID)
	if beforeID > 0 {
		sess = sess.And("id < ?", beforeID)
	}
	msgs := make([]*Message, 0, limit)
	err := sess.Desc("id").Limit(limit).Find(&msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// AppendMessage AppendMessage
func (s *DbStore) AppendMessage(msg *Message) error {
	aff, err := s.engine.Insert(msg)
	if err != nil {
		return err
	}
	if aff == 0 {
		return ErrInsertFail
	}
	return nil
}

// MessagesSince MessagesSince
func (s *DbStore) MessagesSince(channelID int64, lastID int64) ([]*Message, error) {
	msgs := make([]*Message, 0)
	err := s.engine.Where("channel_id = ? AND id > ?", channelID, lastID).Asc("id").Find(&msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// IsMember IsMember
func (s *DbStore) IsMember(channelID int64, userID int64) (bool, error) {
	n, err := s.engine.Where("channel_id = ? AND user_id = ?", channelID, userID).Count(new(ChannelMembership))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMembers ListMembers
func (s *DbStore) ListMembers(channelID int64) ([]*ChannelMembership, error) {
	mems := make([]*ChannelMembership, 0)
	err := s.engine.Where("channel_id = ?", channelID).Asc("id").Find(&mems)
	if err != nil {
		return nil, err
	}
	return mems, nil
}

// AddMember AddMember
func (s *DbStore) AddMember(channelID int64, userID int64) error {
	ok, err := s.IsMember(channelID, userID)
	if err != nil || ok {
		return err
	}
	_, err = s.engine.Insert(&ChannelMembership{ChannelID: channelID, UserID: userID, Role: RoleMember})
	return err
}

// ListOwnedChannels ListOwnedChannels
func (s *DbStore) ListOwnedChannels(ownerID int64) ([]*Channel, error) {
	chs := make([]*Channel, 0)
	err := s.engine.Where("owner_id = ?", ownerID).Asc("id").Find(&chs)
	if err != nil {
		return nil, err
	}
	return chs, nil
}

// CreateChannel inserts the channel and the owner membership in one transaction.
func (s *DbStore) CreateChannel(ch *Channel) error {
	sess := s.engine.NewSession()
	defer sess.Close()

	if err := sess.Begin(); err != nil {
		return err
	}
	if _, err := sess.Insert(ch); err != nil {
		sess.Rollback()
		return err
	}
	owner := &ChannelMembership{ChannelID: ch.ID, UserID: ch.OwnerID, Role: RoleOwner}
	if _, err := sess.Insert(owner); err != nil {
		sess.Rollback()
		return err
	}
	return sess.Commit()
}

// Close closes the engine
func (s *DbStore) Close() error {
	return s.engine.Close()
}

// InitDb opens an engine for driver ("sqlite3" or "mysql").
func InitDb(driver string, source string) (*xorm.Engine, error) {
	url := source
	switch driver {
	case "mysql":
		if !strings.Contains(source, "?") {
			url = fmt.Sprintf("%s?charset=utf8&parseTime=True&loc=Local", source)
		}
	case "sqlite3":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}

	engine, err := xorm.NewEngine(driver, url)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		// sqlite has a single writer; an in-memory db also lives per connection
		engine.SetMaxOpenConns(1)
	}
	// engine.ShowSQL(true)

	engine.SetColumnMapper(core.SnakeMapper{})
	if err := engine.Ping(); err != nil {
		engine.Close()
		return nil, err
	}
	log.Printf("[database] %s store opened", driver)
	return engine, nil
}
