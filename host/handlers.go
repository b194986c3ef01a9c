package host

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chatmesh/database"
	"github.com/chatmesh/filelog"
	"github.com/chatmesh/realtime"
	"github.com/chatmesh/wire"
)

func errorResponse(msg string) *Response {
	return &Response{Status: wire.StatusError, Message: msg}
}

func (h *Host) handle(req *Request, userID int64) *Response {
	switch req.Action {
	case "":
		return errorResponse(msgMissingAction)
	case ActionGetChannelInfo:
		return h.getChannelInfo(req, userID)
	case ActionGetChannelMessages:
		return h.getChannelMessages(req, userID)
	case ActionSendMessage:
		return h.sendMessage(req, userID)
	case ActionFetchUpdates:
		return h.fetchUpdates(req, userID)
	}
	return errorResponse(fmt.Sprintf(msgUnknownAction, req.Action))
}

// authorize checks that the channel is hosted here and that userID owns
// it or is a member. A nil result means the request may proceed.
func (h *Host) authorize(channelID int64, userID int64) *Response {
	if !h.IsHosted(channelID) {
		return errorResponse(msgNotHosted)
	}
	ok, err := h.cache.isMember(channelID, userID)
	if err != nil {
		h.logger.Printf("membership of user %d in channel %d: %v", userID, channelID, err)
		return errorResponse(msgLoadFailed)
	}
	if !ok {
		return errorResponse(msgNotMember)
	}
	return nil
}

func (h *Host) getChannelInfo(req *Request, userID int64) *Response {
	if req.ChannelID == 0 {
		return errorResponse(msgMissingChannel)
	}
	if resp := h.authorize(req.ChannelID, userID); resp != nil {
		return resp
	}
	info, members, err := h.cache.info(req.ChannelID)
	if err != nil {
		h.logger.Printf("load channel %d: %v", req.ChannelID, err)
		return errorResponse(msgLoadFailed)
	}
	return &Response{Status: wire.StatusSuccess, ChannelInfo: info, Members: members}
}

func (h *Host) getChannelMessages(req *Request, userID int64) *Response {
	if req.ChannelID == 0 {
		return errorResponse(msgMissingChannel)
	}
	if resp := h.authorize(req.ChannelID, userID); resp != nil {
		return resp
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	msgs, err := h.cache.messages(req.ChannelID, limit, req.BeforeID)
	if err != nil {
		h.logger.Printf("load channel %d: %v", req.ChannelID, err)
		return errorResponse(msgLoadFailed)
	}
	return &Response{Status: wire.StatusSuccess, Messages: msgs}
}

func (h *Host) sendMessage(req *Request, userID int64) *Response {
	if req.ChannelID == 0 {
		return errorResponse(msgMissingChannel)
	}
	if req.Content == "" && !req.HasMedia {
		return errorResponse(msgEmptyMessage)
	}
	if resp := h.authorize(req.ChannelID, userID); resp != nil {
		return resp
	}

	msg := &database.Message{
		Content:   req.Content,
		SenderID:  userID,
		ChannelID: req.ChannelID,
		HasMedia:  req.HasMedia,
		MediaType: req.MediaType,
		MediaPath: req.MediaPath,
		MediaName: req.MediaName,
	}
	if err := h.store.AppendMessage(msg); err != nil {
		h.logger.Printf("channel %d: append message: %v", req.ChannelID, err)
		return errorResponse(fmt.Sprintf(msgSendFailed, err))
	}
	// persisted; a cache failure only costs a reload later
	if err := h.cache.insert(req.ChannelID, msg); err != nil {
		h.logger.Printf("channel %d: cache message %d: %v", req.ChannelID, msg.ID, err)
	}
	h.fanout(msg)

	return &Response{
		Status:    wire.StatusSuccess,
		MessageID: msg.ID,
		Timestamp: formatTime(msg.CreatedAt),
	}
}

func (h *Host) fetchUpdates(req *Request, userID int64) *Response {
	if req.ChannelID == 0 {
		return errorResponse(msgMissingChannel)
	}
	if req.LastMessageID == nil {
		return errorResponse(msgMissingLastID)
	}
	if resp := h.authorize(req.ChannelID, userID); resp != nil {
		return resp
	}
	msgs, err := h.store.MessagesSince(req.ChannelID, *req.LastMessageID)
	if err != nil {
		h.logger.Printf("channel %d: fetch updates: %v", req.ChannelID, err)
		return errorResponse(fmt.Sprintf(msgFetchFailed, err))
	}
	return &Response{Status: wire.StatusSuccess, ChannelID: req.ChannelID, NewMessages: msgs}
}

// outboxRecord is one queued notification.
type outboxRecord struct {
	To    int64           `json:"to"`
	Event *realtime.Event `json:"event"`
}

// fanout notifies every member but the sender. Delivery is best effort:
// records go through the outbox when there is one, records too large for
// it are sent directly, and failures are only logged.
func (h *Host) fanout(msg *database.Message) {
	if h.config.Notifier == nil {
		return
	}
	ids, err := h.cache.recipients(msg.ChannelID)
	if err != nil {
		h.logger.Printf("channel %d: recipients: %v", msg.ChannelID, err)
		return
	}
	ev := realtime.NewMessageEvent(msg)
	for _, id := range ids {
		if id == msg.SenderID {
			continue
		}
		if h.outbox != nil {
			data, err := json.Marshal(&outboxRecord{To: id, Event: ev})
			if err == nil {
				err = h.outbox.Write(data)
			}
			if err == nil {
				continue
			}
			if !errors.Is(err, filelog.ErrRecordTooLarge) {
				h.logger.Printf("queue notification for user %d: %v", id, err)
			}
		}
		if !h.config.Notifier.Send(id, ev) {
			h.logger.Printf("user %d not reachable for message %d", id, msg.ID)
		}
	}
}

// deliver drains outbox records into the notifier.
func (h *Host) deliver(logs []*bytes.Buffer) error {
	for _, buf := range logs {
		rec := &outboxRecord{}
		if err := json.Unmarshal(buf.Bytes(), rec); err != nil || rec.Event == nil {
			h.logger.Printf("bad outbox record: %v", err)
			continue
		}
		if !h.config.Notifier.Send(rec.To, rec.Event) {
			h.logger.Printf("user %d not reachable for a %s event", rec.To, rec.Event.Type)
		}
	}
	return nil
}
