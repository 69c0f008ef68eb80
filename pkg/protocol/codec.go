package protocol

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/astromechza/boardsync/pkg/scene"
)

// TimeLayout is ISO-8601 with microseconds and a numeric offset.
const TimeLayout = "2006-01-02T15:04:05.000000-07:00"

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownType    = errors.New("unknown message type")
)

//go:embed schema/*.json
var schemaFS embed.FS

var payloadSchemaFiles = map[Type]string{
	TypeSceneUpdate:     "schema/scene_update.json",
	TypePointerUpdate:   "schema/pointer_update.json",
	TypeViewportUpdate:  "schema/viewport_update.json",
	TypeUserJoined:      "schema/user_joined.json",
	TypeUserLeft:        "schema/user_left.json",
	TypeConnected:       "schema/connected.json",
	TypeFollowRequest:   "schema/follow_request.json",
	TypeUnfollowRequest: "schema/follow_request.json",
}

type envelope struct {
	Type       Type            `json:"type"`
	DocumentID *string         `json:"document_id"`
	Timestamp  string          `json:"timestamp"`
	SenderID   string          `json:"sender_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Codec validates and converts messages to and from their JSON wire form. Inbound frames are
// checked against JSON schemas; outbound payloads are checked with struct validation and
// then against the same schemas, so nothing is sent that a peer would reject.
type Codec struct {
	envelope *gojsonschema.Schema
	payloads map[Type]*gojsonschema.Schema
	validate *validator.Validate
}

func NewCodec() (*Codec, error) {
	env, err := loadSchema("schema/envelope.json")
	if err != nil {
		return nil, err
	}
	c := &Codec{
		envelope: env,
		payloads: make(map[Type]*gojsonschema.Schema, len(payloadSchemaFiles)),
		validate: validator.New(),
	}
	for t, path := range payloadSchemaFiles {
		s, err := loadSchema(path)
		if err != nil {
			return nil, err
		}
		c.payloads[t] = s
	}
	return c, nil
}

func loadSchema(path string) (*gojsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", path, err)
	}
	return s, nil
}

var defaultCodec = func() *Codec {
	c, err := NewCodec()
	if err != nil {
		panic(err)
	}
	return c
}()

// Decode validates and decodes a frame with the default codec.
func Decode(raw []byte) (Message, error) {
	return defaultCodec.Decode(raw)
}

// Encode validates and encodes a message with the default codec.
func Encode(m Message) ([]byte, error) {
	return defaultCodec.Encode(m)
}

func (c *Codec) Decode(raw []byte) (Message, error) {
	if err := check(c.envelope, raw); err != nil {
		return Message{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return Message{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidMessage, err)
	}
	schema, ok := c.payloads[env.Type]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	data := []byte(env.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := check(schema, data); err != nil {
		return Message{}, fmt.Errorf("%s data: %w", env.Type, err)
	}
	p := newPayload(env.Type)
	if err := json.Unmarshal(data, p); err != nil {
		return Message{}, fmt.Errorf("%w: %s data: %v", ErrInvalidMessage, env.Type, err)
	}
	payload := deref(p)
	if err := c.validatePayload(payload); err != nil {
		return Message{}, err
	}
	return Message{
		Type:       env.Type,
		DocumentID: env.DocumentID,
		Timestamp:  ts,
		SenderID:   env.SenderID,
		Payload:    payload,
	}, nil
}

func (c *Codec) Encode(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrInvalidMessage)
	}
	if m.Type == "" {
		m.Type = m.Payload.MessageType()
	}
	if m.Type != m.Payload.MessageType() {
		return nil, fmt.Errorf("%w: type %q does not match payload %q", ErrInvalidMessage, m.Type, m.Payload.MessageType())
	}
	payload := m.Payload
	if su, ok := payload.(SceneUpdatePayload); ok && su.Elements == nil {
		su.Elements = []scene.Element{}
		payload = su
	}
	if err := c.validatePayload(payload); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s data: %w", m.Type, err)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	out, err := json.Marshal(envelope{
		Type:       m.Type,
		DocumentID: m.DocumentID,
		Timestamp:  m.Timestamp.Format(TimeLayout),
		SenderID:   m.SenderID,
		Data:       data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := check(c.envelope, out); err != nil {
		return nil, err
	}
	if err := check(c.payloads[m.Type], data); err != nil {
		return nil, fmt.Errorf("%s data: %w", m.Type, err)
	}
	return out, nil
}

func (c *Codec) validatePayload(p Payload) error {
	if err := c.validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, formatValidationError(err))
	}
	switch v := p.(type) {
	case SceneUpdatePayload:
		for i, e := range v.Elements {
			if strings.TrimSpace(e.ID) == "" {
				return fmt.Errorf("%w: elements[%d] has no id", ErrInvalidMessage, i)
			}
			if e.Version < 0 {
				return fmt.Errorf("%w: elements[%d] has a negative version", ErrInvalidMessage, i)
			}
		}
	case ViewportUpdatePayload:
		if err := v.Bounds.valid(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	return nil
}

func check(schema *gojsonschema.Schema, raw []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidMessage, strings.Join(msgs, "; "))
	}
	return nil
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := e.Namespace()
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", field, e.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *SceneUpdatePayload:
		return *v
	case *PointerUpdatePayload:
		return *v
	case *ViewportUpdatePayload:
		return *v
	case *UserJoinedPayload:
		return *v
	case *UserLeftPayload:
		return *v
	case *ConnectedPayload:
		return *v
	case *FollowRequestPayload:
		return *v
	case *UnfollowRequestPayload:
		return *v
	}
	return p
}
