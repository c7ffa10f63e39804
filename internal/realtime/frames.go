package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	frameAuth         = "auth"
	frameConnect      = "connect"
	frameConnectError = "connect_error"
	frameDisconnect   = "disconnect"
	frameNotification = "notification"
	framePing         = "ping"
)

type authPayload struct {
	Token string `json:"token"`
}

type clientFrame struct {
	Type          string       `json:"type"`
	Auth          *authPayload `json:"auth,omitempty"`
	CorrelationID string       `json:"correlationId,omitempty"`
}

// Frame is a message received from the server.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Notification reports whether the server is announcing new feed content.
func (f Frame) Notification() bool {
	return f.Type == frameNotification
}

const serverFrameSchemaURL = "https://feedsync.local/schemas/server-frame.json"

const serverFrameSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1},
    "sessionId": {"type": "string"},
    "code": {"type": "string"},
    "message": {"type": "string"},
    "data": {}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"enum": ["connect_error", "disconnect"]}}},
      "then": {"required": ["message"]}
    }
  ]
}`

var (
	frameSchemaOnce sync.Once
	frameSchema     *jsonschema.Schema
	frameSchemaErr  error
)

func compiledFrameSchema() (*jsonschema.Schema, error) {
	frameSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(serverFrameSchema))
		if err != nil {
			frameSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(serverFrameSchemaURL, doc); err != nil {
			frameSchemaErr = err
			return
		}
		frameSchema, frameSchemaErr = compiler.Compile(serverFrameSchemaURL)
	})
	return frameSchema, frameSchemaErr
}

// decodeFrame validates data against the server frame schema and decodes it.
func decodeFrame(data []byte) (Frame, error) {
	schema, err := compiledFrameSchema()
	if err != nil {
		return Frame{}, fmt.Errorf("compile frame schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}
