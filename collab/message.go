package collab

import (
	"time"
)

type MessageKind = string

const (
	KindCreateElement     MessageKind = "create_element"
	KindUpdateElement     MessageKind = "update_element"
	KindMoveElement       MessageKind = "move_element"
	KindDeleteElement     MessageKind = "delete_element"
	KindLockElement       MessageKind = "lock_element"
	KindUnlockElement     MessageKind = "unlock_element"
	KindLockResponse      MessageKind = "lock_response"
	KindElementLocked     MessageKind = "element_locked"
	KindElementUnlocked   MessageKind = "element_unlocked"
	KindGetLockedElements MessageKind = "get_locked_elements"
	KindLockedElements    MessageKind = "locked_elements"
	KindCursorMove        MessageKind = "cursor_move"
	KindCursorUpdate      MessageKind = "cursor_update"
	KindCursorLeave       MessageKind = "cursor_leave"

	// connection control
	KindJoin   MessageKind = "join"
	KindJoined MessageKind = "joined"
	KindError  MessageKind = "error"
)

func IsMutationKind(kind MessageKind) bool {
	switch kind {
	case KindCreateElement, KindUpdateElement, KindMoveElement, KindDeleteElement:
		return true
	default:
		return false
	}
}

// the session and mutation that produced an element message
// a session ignores messages with its own session id
type Origin struct {
	SessionId  string `json:"session_id"`
	MutationId string `json:"mutation_id"`
}

func NewOrigin(sessionId string) *Origin {
	return &Origin{
		SessionId:  sessionId,
		MutationId: NewId().String(),
	}
}

// the full cell of a new element
type CreateElement struct {
	Cell
	Origin *Origin `json:"origin,omitempty"`
}

// Partial element state. Attrs merge into the current cell.
// Link fields, when `Source` is set, replace the current link routing as a unit.
type UpdateElement struct {
	Id       string          `json:"id"`
	Type     string          `json:"type,omitempty"`
	Attrs    map[string]Attr `json:"attrs,omitempty"`
	Position *Point          `json:"position,omitempty"`
	Source   *CellEnd        `json:"source,omitempty"`
	Target   *CellEnd        `json:"target,omitempty"`
	Vertices []Point         `json:"vertices,omitempty"`
	Labels   []*CellLabel    `json:"labels,omitempty"`
	Indices  []*TableIndex   `json:"indices,omitempty"`
	Comment  *string         `json:"comment,omitempty"`
	Origin   *Origin         `json:"origin,omitempty"`
}

type MoveElement struct {
	Id       string  `json:"id"`
	Position Point   `json:"position"`
	Origin   *Origin `json:"origin,omitempty"`
}

type DeleteElement struct {
	Id     string  `json:"id"`
	Origin *Origin `json:"origin,omitempty"`
}

type LockElement struct {
	ElementId  string `json:"element_id"`
	TtlSeconds int    `json:"ttl_seconds"`
}

type UnlockElement struct {
	ElementId string `json:"element_id"`
}

// `LockedByUser` is relative to the receiving session
type LockResponse struct {
	Success      bool      `json:"success"`
	ElementId    string    `json:"element_id"`
	UserId       string    `json:"user_id"`
	LockedByUser bool      `json:"locked_by_user"`
	Message      string    `json:"message"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type ElementLocked struct {
	ElementId string    `json:"element_id"`
	UserId    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

const (
	UnlockReasonReleased   = "released"
	UnlockReasonExpired    = "expired"
	UnlockReasonDisconnect = "disconnect"
	UnlockReasonDeleted    = "deleted"
)

type ElementUnlocked struct {
	ElementId string `json:"element_id"`
	Reason    string `json:"reason,omitempty"`
}

type GetLockedElements struct {
}

type LockInfo struct {
	ElementId    string    `json:"element_id"`
	UserId       string    `json:"user_id"`
	LockedByUser bool      `json:"locked_by_user"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type LockedElements struct {
	LockedElements []*LockInfo `json:"locked_elements"`
}

// outbound cursor position
type CursorMove struct {
	UserId    string  `json:"user_id"`
	UserName  string  `json:"user_name"`
	SessionId string  `json:"session_id,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Color     string  `json:"color"`
}

// inbound cursor position, stamped by the relay in unix millis
type CursorPosition struct {
	UserId    string  `json:"user_id"`
	UserName  string  `json:"user_name"`
	SessionId string  `json:"session_id,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Color     string  `json:"color"`
	Timestamp int64   `json:"timestamp"`
}

// the session id if present, else the user id
func (self *CursorPosition) Key() string {
	if self.SessionId != "" {
		return self.SessionId
	}
	return self.UserId
}

type CursorLeave struct {
	UserId    string `json:"user_id"`
	SessionId string `json:"session_id,omitempty"`
}

func (self *CursorLeave) Key() string {
	if self.SessionId != "" {
		return self.SessionId
	}
	return self.UserId
}

// first frame on a connection
type Join struct {
	SchemaId  string `json:"schema_id"`
	SessionId string `json:"session_id"`
}

// the relay echo of a join
type Joined struct {
	SchemaId  string `json:"schema_id"`
	SessionId string `json:"session_id"`
	UserId    string `json:"user_id"`
	UserName  string `json:"user_name"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}
