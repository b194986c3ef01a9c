package database

const (
	opSet int8 = iota + 1
	opGet
	opDel
	opList
	opClean
)

// MemPeerTable 节点表，所有读写都在一个 goroutine 中完成
type MemPeerTable struct {
	peers map[string]Peer
	event chan oper
	quit  chan struct{}
}

type oper struct {
	op    int8
	peer  Peer
	ID    string
	reply chan []Peer
}

// NewMemPeerTable NewMemPeerTable
func NewMemPeerTable() *MemPeerTable {
	c := &MemPeerTable{
		peers: make(map[string]Peer),
		event: make(chan oper), // no buffer channal
		quit:  make(chan struct{}),
	}
	go handleEvent(c)

	return c
}

func (c *MemPeerTable) do(ev oper) []Peer {
	ev.reply = make(chan []Peer, 1)
	select {
	case c.event <- ev:
	case <-c.quit:
		return nil
	}
	return <-ev.reply
}

// SetPeer SetPeer
func (c *MemPeerTable) SetPeer(peer *Peer) error {
	c.do(oper{op: opSet, peer: *peer})
	return nil
}

// GetPeer GetPeer
func (c *MemPeerTable) GetPeer(ID string) (*Peer, error) {
	res := c.do(oper{op: opGet, ID: ID})
	if len(res) == 0 {
		return nil, nil
	}
	return &res[0], nil
}

// DelPeer DelPeer
func (c *MemPeerTable) DelPeer(ID string) error {
	c.do(oper{op: opDel, ID: ID})
	return nil
}

// GetPeers GetPeers
func (c *MemPeerTable) GetPeers() ([]Peer, error) {
	return c.do(oper{op: opList}), nil
}

// Clean Clean
func (c *MemPeerTable) Clean() error {
	c.do(oper{op: opClean})
	return nil
}

// Close stops the table goroutine; later calls are no-ops.
func (c *MemPeerTable) Close() error {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	return nil
}

func handleEvent(c *MemPeerTable) {
	for {
		select {
		case ev := <-c.event:
			var res []Peer
			switch ev.op {
			case opSet:
				c.peers[ev.peer.ID] = ev.peer
			case opGet:
				if p, ok := c.peers[ev.ID]; ok {
					res = []Peer{p}
				}
			case opDel:
				delete(c.peers, ev.ID)
			case opList:
				res = make([]Peer, 0, len(c.peers))
				for _, p := range c.peers {
					res = append(res, p)
				}
			case opClean:
				c.peers = make(map[string]Peer)
			}
			ev.reply <- res
		case <-c.quit:
			return
		}
	}
}
