package protocol

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/luciancaetano/relaysession"
)

const (
	maxPayloadSize        = 10 * 1024 * 1024 // 10MB max frame size
	maxSubscriptionIDSize = 64
)

// Envelope is one decoded wire message: ["TYPE", arg0, arg1, ...].
// Args keep their raw JSON so handlers decode only what they need.
type Envelope struct {
	Type string
	Args []json.RawMessage
	Raw  []byte
}

// Encode marshals typeTag followed by args as a JSON array.
func Encode(typeTag string, args ...any) ([]byte, error) {
	data, err := json.Marshal(append([]any{typeTag}, args...))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}
	return data, nil
}

// Notice builds a ["NOTICE", msg] frame.
func Notice(msg string) []byte {
	data, _ := Encode(relaysession.TypeNotice, msg)
	return data
}

// Decode parses a wire message. Every failure is a *relaysession.ProtocolError.
// Raw references the input data - do not modify it.
func Decode(data []byte) (Envelope, error) {
	if len(data) > maxPayloadSize {
		return Envelope{}, &relaysession.ProtocolError{
			Reason: fmt.Sprintf("payload size %d exceeds maximum %d bytes", len(data), maxPayloadSize),
		}
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Envelope{}, &relaysession.ProtocolError{Reason: "malformed JSON", Err: err}
	}
	if len(parts) == 0 {
		return Envelope{}, &relaysession.ProtocolError{Reason: "empty envelope"}
	}

	var typeTag string
	if err := json.Unmarshal(parts[0], &typeTag); err != nil || typeTag == "" {
		return Envelope{}, &relaysession.ProtocolError{Reason: "type tag must be a non-empty string"}
	}

	return Envelope{Type: typeTag, Args: parts[1:], Raw: data}, nil
}

// TypeTag extracts the type tag without decoding the rest of the message.
func TypeTag(data []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return "", &relaysession.ProtocolError{Reason: "malformed JSON", Err: err}
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return "", &relaysession.ProtocolError{Reason: "envelope must be a JSON array"}
	}
	tok, err = dec.Token()
	if err != nil {
		return "", &relaysession.ProtocolError{Reason: "malformed JSON", Err: err}
	}
	typeTag, ok := tok.(string)
	if !ok || typeTag == "" {
		return "", &relaysession.ProtocolError{Reason: "type tag must be a non-empty string"}
	}
	return typeTag, nil
}

// String decodes argument i as a JSON string.
func (e Envelope) String(i int) (string, bool) {
	if i < 0 || i >= len(e.Args) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.Args[i], &s); err != nil {
		return "", false
	}
	return s, true
}

// SubscriptionID validates the subscription id carried by REQ, CLOSE and COUNT.
// For REQ and COUNT every following argument must be a filter object.
func SubscriptionID(env Envelope) (string, error) {
	id, ok := env.String(0)
	if !ok || id == "" {
		return "", &relaysession.ProtocolError{Reason: env.Type + " requires a subscription id"}
	}
	if len(id) > maxSubscriptionIDSize {
		return "", &relaysession.ProtocolError{Reason: "subscription id too long"}
	}
	if env.Type == relaysession.TypeReq || env.Type == relaysession.TypeCount {
		for _, f := range env.Args[1:] {
			if !isObject(f) {
				return "", &relaysession.ProtocolError{Reason: "filters must be objects"}
			}
		}
	}
	return id, nil
}

// AuthEvent is the signed event carried by ["AUTH", event] (NIP-42).
type AuthEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Tag returns the first value of the first tag named name.
func (a AuthEvent) Tag(name string) (string, bool) {
	for _, tag := range a.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// ParseAuth decodes and structurally checks an AUTH envelope. Signatures are
// not verified here.
func ParseAuth(env Envelope) (AuthEvent, error) {
	if len(env.Args) == 0 || !isObject(env.Args[0]) {
		return AuthEvent{}, &relaysession.ProtocolError{Reason: "AUTH requires an event object"}
	}
	var ev AuthEvent
	if err := json.Unmarshal(env.Args[0], &ev); err != nil {
		return AuthEvent{}, &relaysession.ProtocolError{Reason: "malformed AUTH event", Err: err}
	}
	switch {
	case ev.Kind != relaysession.AuthEventKind:
		return AuthEvent{}, &relaysession.ProtocolError{Reason: fmt.Sprintf("AUTH event kind must be %d", relaysession.AuthEventKind)}
	case !isHex(ev.ID, 32):
		return AuthEvent{}, &relaysession.ProtocolError{Reason: "AUTH event id must be 32 bytes of hex"}
	case !isHex(ev.PubKey, 32):
		return AuthEvent{}, &relaysession.ProtocolError{Reason: "AUTH pubkey must be 32 bytes of hex"}
	case !isHex(ev.Sig, 64):
		return AuthEvent{}, &relaysession.ProtocolError{Reason: "AUTH sig must be 64 bytes of hex"}
	}
	return ev, nil
}

func isHex(s string, size int) bool {
	if len(s) != size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
