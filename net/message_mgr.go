package net

import (
	"errors"
	"fmt"
)

// MsgHandler processes one unsolicited message. Returning an error only logs it;
// the channel stays open.
type MsgHandler func(dd *DispatcherDelivery) error

// MsgInfo describes a registered message id.
type MsgInfo struct {
	ID   uint16
	Name string
	// New returns a pointer the payload is decoded into.
	New     func() any
	Handler MsgHandler
	// ResID is the reply id of a request, valid when HasRes is set.
	ResID  uint16
	HasRes bool
}

// IsReq reports whether the message expects a reply.
func (pi *MsgInfo) IsReq() bool { return pi.HasRes }

// MessageManager maps wire message ids to factories and handlers. It is filled
// at startup and read-only afterwards.
type MessageManager struct {
	infos map[uint16]*MsgInfo
}

// NewMessageManager creates a new instance of MessageManager with initialized storage.
func NewMessageManager() *MessageManager {
	return &MessageManager{
		infos: make(map[uint16]*MsgInfo),
	}
}

// Register adds message id with its factory. h may be nil for ids that only
// arrive as RPC responses.
func (m *MessageManager) Register(id uint16, newFn func() any, h MsgHandler) error {
	if newFn == nil {
		return fmt.Errorf("message %d: nil factory", id)
	}
	if _, ok := m.infos[id]; ok {
		return fmt.Errorf("message %d: %w", id, ErrDuplicateMessageID)
	}
	m.infos[id] = &MsgInfo{
		ID:      id,
		Name:    fmt.Sprintf("%T", newFn()),
		New:     newFn,
		Handler: h,
	}
	return nil
}

// RegisterMsg registers id as a *T payload handled by h.
//
// Example usage:
// RegisterMsg(mgr, 5, func(dd *DispatcherDelivery, msg *pb.Move) error { ... })
func RegisterMsg[T any](m *MessageManager, id uint16, h func(dd *DispatcherDelivery, msg *T) error) error {
	var handler MsgHandler
	if h != nil {
		handler = func(dd *DispatcherDelivery) error {
			msg, ok := dd.Msg.(*T)
			if !ok {
				return fmt.Errorf("message %d: unexpected payload %T", id, dd.Msg)
			}
			return h(dd, msg)
		}
	}
	return m.Register(id, func() any { return new(T) }, handler)
}

// SetResponse marks reqID as a request answered by resID.
func (m *MessageManager) SetResponse(reqID, resID uint16) error {
	req, ok := m.infos[reqID]
	if !ok {
		return fmt.Errorf("message %d: %w", reqID, ErrUnknownMessageID)
	}
	if _, ok := m.infos[resID]; !ok {
		return fmt.Errorf("message %d: %w", resID, ErrUnknownMessageID)
	}
	if reqID == resID {
		return errors.New("request and response ids must differ")
	}
	req.ResID = resID
	req.HasRes = true
	return nil
}

// GetMsgInfo retrieves the registration for a message id.
func (m *MessageManager) GetMsgInfo(id uint16) (*MsgInfo, bool) {
	info, ok := m.infos[id]
	return info, ok
}

// CreateMsg creates a new message instance based on the provided message ID.
func (m *MessageManager) CreateMsg(id uint16) (any, error) {
	info, ok := m.GetMsgInfo(id)
	if !ok {
		return nil, fmt.Errorf("message %d: %w", id, ErrUnknownMessageID)
	}
	return info.New(), nil
}

// ContainsMsg checks if a message ID is registered in the manager.
func (m *MessageManager) ContainsMsg(id uint16) bool {
	_, ok := m.infos[id]
	return ok
}

// IsRequestMsg determines if a message ID represents a request message type.
func (m *MessageManager) IsRequestMsg(id uint16) bool {
	info, ok := m.infos[id]
	return ok && info.IsReq()
}

// GetAllMsgList retrieves all message IDs that satisfy the provided check function.
func (m *MessageManager) GetAllMsgList(checkFunc func(info *MsgInfo) bool) []uint16 {
	msgList := make([]uint16, 0, len(m.infos))
	for id, info := range m.infos {
		if !checkFunc(info) {
			continue
		}
		msgList = append(msgList, id)
	}
	return msgList
}
