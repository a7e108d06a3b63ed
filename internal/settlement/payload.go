package settlement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mbd888/settlement/internal/calldata"
	"github.com/mbd888/settlement/internal/chain"
)

// Payload is the persisted form of a contract call. OriginalCall keeps the
// method and arguments so failed jobs stay readable without decoding
// calldata.
type Payload struct {
	ContractAddress string            `json:"contractAddress"`
	Body            chain.ExecuteBody `json:"body"`
	OriginalCall    OriginalCall      `json:"originalCall"`
}

// OriginalCall is the method name and arguments Encode was called with.
type OriginalCall struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

const payloadSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["contractAddress", "body", "originalCall"],
  "properties": {
    "contractAddress": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "body": {
      "type": "object",
      "required": ["caller", "inputData"],
      "properties": {
        "caller": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
        "inputData": {"type": "string", "pattern": "^0x([0-9a-fA-F]{2})+$"},
        "value": {"type": "integer", "minimum": 0}
      }
    },
    "originalCall": {
      "type": "object",
      "required": ["method"],
      "properties": {
        "method": {"type": "string", "minLength": 1},
        "args": {"type": "array"}
      }
    }
  }
}`

var payloadSchema = jsonschema.MustCompileString("settlement-payload.json", payloadSchemaJSON)

// EncodePayload serializes p for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p.OriginalCall.Args == nil {
		p.OriginalCall.Args = []any{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload parses and checks a stored payload. Every failure wraps
// ErrMalformedPayload: the worker treats those as permanent.
func DecodePayload(raw []byte) (*Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := payloadSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var p Payload
	dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := calldata.Verify(p.OriginalCall.Method, p.Body.InputData); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	p.ContractAddress = strings.ToLower(p.ContractAddress)
	p.Body.Caller = strings.ToLower(p.Body.Caller)
	return &p, nil
}
