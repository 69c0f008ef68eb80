// Package protocol defines the messages exchanged with a board room and their wire codec.
package protocol

import (
	"fmt"
	"math"
	"time"

	"github.com/astromechza/boardsync/pkg/scene"
)

type Type string

const (
	TypeSceneUpdate     Type = "scene_update"
	TypePointerUpdate   Type = "pointer_update"
	TypeViewportUpdate  Type = "viewport_update"
	TypeUserJoined      Type = "user_joined"
	TypeUserLeft        Type = "user_left"
	TypeConnected       Type = "connected"
	TypeFollowRequest   Type = "user_follow_request"
	TypeUnfollowRequest Type = "user_unfollow_request"
)

type SceneSubtype string

const (
	SceneInit   SceneSubtype = "SCENE_INIT"
	SceneUpdate SceneSubtype = "SCENE_UPDATE"
)

type Button string

const (
	ButtonUp   Button = "up"
	ButtonDown Button = "down"
)

// Message is a decoded envelope. Payload is one of the concrete payload types in this
// package; switch on it to dispatch.
type Message struct {
	Type       Type
	DocumentID *string
	Timestamp  time.Time
	SenderID   string
	Payload    Payload
}

// Payload is implemented only by the payload types in this package.
type Payload interface {
	MessageType() Type
	payload()
}

// New builds a message for the given document stamped with now.
func New(documentID string, payload Payload, now time.Time) Message {
	return Message{
		Type:       payload.MessageType(),
		DocumentID: &documentID,
		Timestamp:  now,
		Payload:    payload,
	}
}

// Document returns the document id or "" when the envelope carried null.
func (m Message) Document() string {
	if m.DocumentID == nil {
		return ""
	}
	return *m.DocumentID
}

type SceneUpdatePayload struct {
	Subtype  SceneSubtype    `json:"update_subtype" validate:"required,oneof=SCENE_INIT SCENE_UPDATE"`
	Elements []scene.Element `json:"elements"`
}

type Pointer struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Tool string  `json:"tool" validate:"required"`
}

type PointerUpdatePayload struct {
	Pointer Pointer `json:"pointer"`
	Button  Button  `json:"button,omitempty" validate:"omitempty,oneof=up down"`
}

// Bounds is a viewport rectangle as [minX, minY, maxX, maxY] in scene coordinates.
type Bounds [4]float64

func (b Bounds) valid() error {
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bounds must be finite")
		}
	}
	if b[2] < b[0] || b[3] < b[1] {
		return fmt.Errorf("bounds max must not be below min")
	}
	return nil
}

type ViewportUpdatePayload struct {
	Bounds Bounds `json:"bounds"`
}

type UserJoinedPayload struct {
	Username string `json:"username,omitempty" validate:"max=256"`
}

type UserLeftPayload struct{}

type Participant struct {
	ID        string `json:"id" validate:"required"`
	Username  string `json:"username,omitempty" validate:"max=256"`
	AvatarURL string `json:"avatarUrl,omitempty" validate:"omitempty,url"`
}

type ConnectedPayload struct {
	Collaborators []Participant `json:"collaboratorsList" validate:"dive"`
}

type FollowRequestPayload struct {
	UserToFollowID string `json:"userToFollowId" validate:"required"`
}

type UnfollowRequestPayload struct {
	UserToFollowID string `json:"userToFollowId" validate:"required"`
}

func (SceneUpdatePayload) MessageType() Type     { return TypeSceneUpdate }
func (PointerUpdatePayload) MessageType() Type   { return TypePointerUpdate }
func (ViewportUpdatePayload) MessageType() Type  { return TypeViewportUpdate }
func (UserJoinedPayload) MessageType() Type      { return TypeUserJoined }
func (UserLeftPayload) MessageType() Type        { return TypeUserLeft }
func (ConnectedPayload) MessageType() Type       { return TypeConnected }
func (FollowRequestPayload) MessageType() Type   { return TypeFollowRequest }
func (UnfollowRequestPayload) MessageType() Type { return TypeUnfollowRequest }

func (SceneUpdatePayload) payload()     {}
func (PointerUpdatePayload) payload()   {}
func (ViewportUpdatePayload) payload()  {}
func (UserJoinedPayload) payload()      {}
func (UserLeftPayload) payload()        {}
func (ConnectedPayload) payload()       {}
func (FollowRequestPayload) payload()   {}
func (UnfollowRequestPayload) payload() {}

// newPayload returns a pointer to an empty payload for t, or nil for unknown types.
func newPayload(t Type) Payload {
	switch t {
	case TypeSceneUpdate:
		return &SceneUpdatePayload{}
	case TypePointerUpdate:
		return &PointerUpdatePayload{}
	case TypeViewportUpdate:
		return &ViewportUpdatePayload{}
	case TypeUserJoined:
		return &UserJoinedPayload{}
	case TypeUserLeft:
		return &UserLeftPayload{}
	case TypeConnected:
		return &ConnectedPayload{}
	case TypeFollowRequest:
		return &FollowRequestPayload{}
	case TypeUnfollowRequest:
		return &UnfollowRequestPayload{}
	}
	return nil
}
