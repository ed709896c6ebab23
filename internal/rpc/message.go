// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package rpc implements the JSON-RPC 2.0 wire types the gateway proxies:
// parsing, envelope validation, and the tagged-variant classification of a
// message into request / response / notification / invalid. The wire
// bytes are kept alongside the parsed structure so the cache layer can
// preserve byte-equality on forwarded responses.
package rpc

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Message is a parsed JSON-RPC 2.0 message. Raw holds the original bytes
// exactly as received, which the cache and framer forward verbatim.
type Message struct {
	Raw     []byte
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Kind classifies a parsed Message.
type Kind int

const (
	// KindInvalid means the bytes did not parse, or parsed but satisfy
	// none of the other variants.
	KindInvalid Kind = iota
	// KindRequest has a method and (non-null) id.
	KindRequest
	// KindResponse has an id and exactly one of result/error.
	KindResponse
	// KindNotification has a method and no id (or a server-initiated
	// message with no id, treated identically for out-of-band delivery).
	KindNotification
)

// Parse parses a single line of bytes into a Message and classifies it.
// A JSON syntax error returns KindInvalid with a non-nil error; a
// well-formed but semantically invalid JSON-RPC message (e.g. a response
// carrying both result and error) is also KindInvalid but with err == nil,
// since the caller only needs to log the raw bytes in that case.
func Parse(line []byte) (Message, Kind, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, KindInvalid, fmt.Errorf("parse json-rpc message: %w", err)
	}
	msg.Raw = append([]byte(nil), line...)

	hasID := len(msg.ID) > 0 && string(msg.ID) != "null"
	hasResultOrError := len(msg.Result) > 0 || msg.Error != nil
	bothResultAndError := len(msg.Result) > 0 && msg.Error != nil

	switch {
	case hasID && hasResultOrError && !bothResultAndError:
		return msg, KindResponse, nil
	case msg.Method != "":
		if hasID {
			return msg, KindRequest, nil
		}
		return msg, KindNotification, nil
	default:
		return msg, KindInvalid, nil
	}
}

// ValidateEnvelope checks the envelope rules: jsonrpc must
// be "2.0", method must be a non-empty string, and id (if present) must be
// a string or number, never an object or array.
func ValidateEnvelope(msg Message) error {
	if msg.JSONRPC != "2.0" {
		return fmt.Errorf("jsonrpc must be \"2.0\"")
	}
	if msg.Method == "" {
		return fmt.Errorf("method must be a non-empty string")
	}
	if len(msg.ID) > 0 {
		var s string
		var n json.Number
		if err := json.Unmarshal(msg.ID, &s); err != nil {
			if err := json.Unmarshal(msg.ID, &n); err != nil {
				return fmt.Errorf("id must be a string or number")
			}
		}
	}
	return nil
}

// NewErrorResponse builds a JSON-RPC error envelope for the given request
// id (which may be nil/omitted) and code/message.
func NewErrorResponse(id json.RawMessage, code int, message string) Message {
	return Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// Marshal serialises a Message back to wire bytes (used when the gateway
// synthesises a response rather than forwarding one verbatim).
func Marshal(msg Message) ([]byte, error) {
	type wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
	}
	return json.Marshal(wire{
		JSONRPC: msg.JSONRPC,
		ID:      msg.ID,
		Method:  msg.Method,
		Params:  msg.Params,
		Result:  msg.Result,
		Error:   msg.Error,
	})
}
