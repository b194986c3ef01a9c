package directory

import (
	"errors"

	"github.com/chatmesh/database"
)

// record types
const (
	TypeSubmitInfo = "submit_info"
	TypeSubmitAck  = "submit_ack"
	TypeGetList    = "get_list"
	TypePeerList   = "peer_list"
	TypeIntroduce  = "introduce"
	TypeP2PConnect = "p2p_connect"
	TypeSetStatus  = "set_status"
	TypeStatusAck  = "status_ack"
	TypeError      = "error"
)

// CodeNotFound marks an error response for an unknown peer.
const CodeNotFound = "not_found"

var (
	// ErrPeerNotFound introduce or set_status named an unknown peer
	ErrPeerNotFound = errors.New("peer not found")
	// ErrMissingPeerID a record that needs peer_id did not carry one
	ErrMissingPeerID = errors.New("missing peer_id")
	// ErrServer the directory answered with an error response
	ErrServer = errors.New("directory error")
)

// Request is every record a client sends.
type Request struct {
	Type       string `json:"type"`
	PeerID     string `json:"peer_id,omitempty"`
	IP         string `json:"ip,omitempty"`
	Port       int    `json:"port,omitempty"`
	HostPort   int    `json:"host_port,omitempty"`
	MediaPort  int    `json:"media_port,omitempty"`
	Username   string `json:"username,omitempty"`
	Status     string `json:"status,omitempty"`
	TargetPeer string `json:"target_peer,omitempty"`
}

// Response is every record the server sends.
type Response struct {
	Type     string                   `json:"type"`
	PeerID   string                   `json:"peer_id,omitempty"`
	Peers    map[string]database.Peer `json:"peers,omitempty"`
	PeerInfo *database.Peer           `json:"peer_info,omitempty"`
	Message  string                   `json:"message,omitempty"`
	Code     string                   `json:"code,omitempty"`
}

func errorResponse(msg string) *Response {
	return &Response{Type: TypeError, Message: msg}
}

func notFoundResponse(msg string) *Response {
	return &Response{Type: TypeError, Message: msg, Code: CodeNotFound}
}
