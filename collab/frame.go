package collab

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// envelope field names
const (
	frameSchemaIdField = "schema_id"
	frameKindField     = "kind"
	framePayloadField  = "payload"
)

// One message on the connection, scoped to a schema.
// On the wire a frame is a protobuf `Struct` envelope in a websocket binary message.
// An empty binary message is a ping.
type Frame struct {
	SchemaId string
	Kind     MessageKind
	// json object
	Payload json.RawMessage
}

func MessageKindOf(message any) (MessageKind, error) {
	switch v := message.(type) {
	case *CreateElement:
		return KindCreateElement, nil
	case *UpdateElement:
		return KindUpdateElement, nil
	case *MoveElement:
		return KindMoveElement, nil
	case *DeleteElement:
		return KindDeleteElement, nil
	case *LockElement:
		return KindLockElement, nil
	case *UnlockElement:
		return KindUnlockElement, nil
	case *LockResponse:
		return KindLockResponse, nil
	case *ElementLocked:
		return KindElementLocked, nil
	case *ElementUnlocked:
		return KindElementUnlocked, nil
	case *GetLockedElements:
		return KindGetLockedElements, nil
	case *LockedElements:
		return KindLockedElements, nil
	case *CursorMove:
		return KindCursorMove, nil
	case *CursorPosition:
		return KindCursorUpdate, nil
	case *CursorLeave:
		return KindCursorLeave, nil
	case *Join:
		return KindJoin, nil
	case *Joined:
		return KindJoined, nil
	case *ErrorMessage:
		return KindError, nil
	default:
		return "", fmt.Errorf("Unknown message type: %T", v)
	}
}

// a new empty message for the kind
func NewMessage(kind MessageKind) (any, error) {
	switch kind {
	case KindCreateElement:
		return &CreateElement{}, nil
	case KindUpdateElement:
		return &UpdateElement{}, nil
	case KindMoveElement:
		return &MoveElement{}, nil
	case KindDeleteElement:
		return &DeleteElement{}, nil
	case KindLockElement:
		return &LockElement{}, nil
	case KindUnlockElement:
		return &UnlockElement{}, nil
	case KindLockResponse:
		return &LockResponse{}, nil
	case KindElementLocked:
		return &ElementLocked{}, nil
	case KindElementUnlocked:
		return &ElementUnlocked{}, nil
	case KindGetLockedElements:
		return &GetLockedElements{}, nil
	case KindLockedElements:
		return &LockedElements{}, nil
	case KindCursorMove:
		return &CursorMove{}, nil
	case KindCursorUpdate:
		return &CursorPosition{}, nil
	case KindCursorLeave:
		return &CursorLeave{}, nil
	case KindJoin:
		return &Join{}, nil
	case KindJoined:
		return &Joined{}, nil
	case KindError:
		return &ErrorMessage{}, nil
	default:
		return nil, fmt.Errorf("Unknown message kind: %s", kind)
	}
}

func ToFrame(schemaId string, message any) (*Frame, error) {
	kind, err := MessageKindOf(message)
	if err != nil {
		return nil, err
	}
	return ToFrameWithKind(schemaId, kind, message)
}

func ToFrameWithKind(schemaId string, kind MessageKind, payload any) (*Frame, error) {
	if payload == nil {
		return &Frame{
			SchemaId: schemaId,
			Kind:     kind,
		}, nil
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		SchemaId: schemaId,
		Kind:     kind,
		Payload:  payloadBytes,
	}, nil
}

func RequireToFrame(schemaId string, message any) *Frame {
	frame, err := ToFrame(schemaId, message)
	if err != nil {
		panic(err)
	}
	return frame
}

// decodes the payload into the message type of the frame kind
func FromFrame(frame *Frame) (any, error) {
	message, err := NewMessage(frame.Kind)
	if err != nil {
		return nil, err
	}
	if err := frame.DecodePayload(message); err != nil {
		return nil, err
	}
	return message, nil
}

func (self *Frame) DecodePayload(message any) error {
	if len(self.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(self.Payload, message)
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	payload := &structpb.Struct{}
	if 0 < len(frame.Payload) {
		if err := protojson.Unmarshal(frame.Payload, payload); err != nil {
			return nil, err
		}
	}
	envelope := &structpb.Struct{
		Fields: map[string]*structpb.Value{
			frameSchemaIdField: structpb.NewStringValue(frame.SchemaId),
			frameKindField:     structpb.NewStringValue(frame.Kind),
			framePayloadField:  structpb.NewStructValue(payload),
		},
	}
	return proto.Marshal(envelope)
}

func EncodeMessage(schemaId string, message any) ([]byte, error) {
	frame, err := ToFrame(schemaId, message)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(frame)
}

func DecodeFrame(b []byte) (*Frame, error) {
	envelope := &structpb.Struct{}
	if err := proto.Unmarshal(b, envelope); err != nil {
		return nil, err
	}
	kind := envelope.Fields[frameKindField].GetStringValue()
	if kind == "" {
		return nil, errors.New("Frame missing kind.")
	}
	frame := &Frame{
		SchemaId: envelope.Fields[frameSchemaIdField].GetStringValue(),
		Kind:     kind,
	}
	if payload := envelope.Fields[framePayloadField].GetStructValue(); payload != nil {
		payloadBytes, err := protojson.Marshal(payload)
		if err != nil {
			return nil, err
		}
		frame.Payload = payloadBytes
	}
	return frame, nil
}

// One of four element intents decoded from an element message.
// Only the field for the op is set.
type MutationIntent struct {
	Op        GraphOp
	ElementId string
	Origin    *Origin

	// create
	Cell *Cell
	// update
	Update *UpdateElement
	// move
	Position Point
}

var ErrNotMutation = errors.New("not an element mutation")

func DecodeMutationIntent(frame *Frame) (*MutationIntent, error) {
	message, err := FromFrame(frame)
	if err != nil {
		return nil, err
	}
	var intent *MutationIntent
	switch v := message.(type) {
	case *CreateElement:
		intent = &MutationIntent{
			Op:        GraphOpCreate,
			ElementId: v.Id,
			Origin:    v.Origin,
			Cell:      &v.Cell,
		}
	case *UpdateElement:
		intent = &MutationIntent{
			Op:        GraphOpUpdate,
			ElementId: v.Id,
			Origin:    v.Origin,
			Update:    v,
		}
	case *MoveElement:
		intent = &MutationIntent{
			Op:        GraphOpMove,
			ElementId: v.Id,
			Origin:    v.Origin,
			Position:  v.Position,
		}
	case *DeleteElement:
		intent = &MutationIntent{
			Op:        GraphOpDelete,
			ElementId: v.Id,
			Origin:    v.Origin,
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotMutation, frame.Kind)
	}
	if intent.ElementId == "" {
		return nil, fmt.Errorf("%s missing id", frame.Kind)
	}
	return intent, nil
}
