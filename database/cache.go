package database

// PeerTable 定义了目录服务节点表的操作方法
type PeerTable interface {
	// SetPeer upserts the record keyed by peer.ID.
	SetPeer(peer *Peer) error
	// GetPeer returns nil, nil when the peer is unknown.
	GetPeer(ID string) (*Peer, error)
	DelPeer(ID string) error
	GetPeers() ([]Peer, error)
	// Clean drops every record held by this table.
	Clean() error
}
