package database

import (
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis"
)

const (
	peersRedis       = "PEER_LIST"
	peerRedisPattern = "PEER_%s"
)

// RedisPeerTable keeps the peer table in a redis hash so several directory
// instances can share it.
type RedisPeerTable struct {
	client *redis.Client
	key    string
}

// NewRedisPeerTable namespace prefixes the hash key; empty uses PEER_LIST.
func NewRedisPeerTable(client *redis.Client, namespace string) *RedisPeerTable {
	key := peersRedis
	if namespace != "" {
		key = namespace + ":" + peersRedis
	}
	return &RedisPeerTable{client: client, key: key}
}

// SetPeer SetPeer
func (c *RedisPeerTable) SetPeer(peer *Peer) error {
	data, err := json.Marshal(peer)
	if err != nil {
		return err
	}
	return c.client.HSet(c.key, fmt.Sprintf(peerRedisPattern, peer.ID), data).Err()
}

// GetPeer GetPeer
func (c *RedisPeerTable) GetPeer(ID string) (*Peer, error) {
	res, err := c.client.HGet(c.key, fmt.Sprintf(peerRedisPattern, ID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	peer := &Peer{}
	if err := json.Unmarshal([]byte(res), peer); err != nil {
		return nil, err
	}
	return peer, nil
}

// DelPeer DelPeer
func (c *RedisPeerTable) DelPeer(ID string) error {
	return c.client.HDel(c.key, fmt.Sprintf(peerRedisPattern, ID)).Err()
}

// GetPeers GetPeers
func (c *RedisPeerTable) GetPeers() ([]Peer, error) {
	res, err := c.client.HGetAll(c.key).Result()
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(res))
	for _, item := range res {
		peer := Peer{}
		if err := json.Unmarshal([]byte(item), &peer); err != nil {
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// Clean Clean
func (c *RedisPeerTable) Clean() error {
	return c.client.Del(c.key).Err()
}

// InitRedis return a redis instance
func InitRedis(addr string, pass string, db int) *redis.Client {
	redisdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
	return redisdb
}
