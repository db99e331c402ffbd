package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Server-originated notice types. Clients may not send these.
const (
	TypeYourID   = "your_id"
	TypeNewPeer  = "new_peer"
	TypePeerLeft = "peer_left"
)

const (
	fieldType        = "type"
	fieldRecipientID = "recipientId"
	fieldSenderID    = "senderId"
	fieldID          = "id"
)

// Envelope is a JSON object exchanged over the signaling socket. The named
// fields are the ones the relay understands; every other member is carried
// verbatim.
type Envelope struct {
	Type        string
	RecipientID string
	SenderID    string
	ID          string

	fields map[string]json.RawMessage
}

// Notice builds a server-originated lifecycle envelope.
func Notice(typ, id string) Envelope {
	return Envelope{Type: typ, ID: id}
}

// ParseEnvelope decodes a single JSON object. It fails with
// ErrMalformedEnvelope when the input is not an object or has no non-empty
// string "type". A recipientId that is not a string is treated as absent.
func ParseEnvelope(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}

	env := Envelope{fields: fields}
	var ok bool
	if env.Type, ok = stringField(fields, fieldType); !ok || env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	env.RecipientID, _ = stringField(fields, fieldRecipientID)
	env.SenderID, _ = stringField(fields, fieldSenderID)
	env.ID, _ = stringField(fields, fieldID)
	return env, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// IsNotice reports whether the envelope uses a server-originated type.
func (e Envelope) IsNotice() bool {
	switch e.Type {
	case TypeYourID, TypeNewPeer, TypePeerLeft:
		return true
	}
	return false
}

// Addressed reports whether the envelope names a recipient.
func (e Envelope) Addressed() bool {
	return e.RecipientID != ""
}

// Field returns the raw JSON of an arbitrary member.
func (e Envelope) Field(name string) (json.RawMessage, bool) {
	raw, ok := e.fields[name]
	return raw, ok
}

// DecodeField unmarshals an arbitrary member into v.
func (e Envelope) DecodeField(name string, v any) error {
	raw, ok := e.fields[name]
	if !ok {
		return fmt.Errorf("envelope field %q missing", name)
	}
	return json.Unmarshal(raw, v)
}

// With returns a copy of e carrying an extra member encoded from v.
func (e Envelope) With(name string, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode envelope field %q: %w", name, err)
	}
	fields := make(map[string]json.RawMessage, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[name] = raw
	e.fields = fields
	return e, nil
}

// MarshalJSON re-emits every carried member as received. A named field is
// written over its member only when it is set and differs from the received
// value; unset named fields leave the member alone.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.fields)+4)
	for k, v := range e.fields {
		out[k] = v
	}
	for _, f := range [...]struct{ name, value string }{
		{fieldType, e.Type},
		{fieldRecipientID, e.RecipientID},
		{fieldSenderID, e.SenderID},
		{fieldID, e.ID},
	} {
		if f.value == "" {
			continue
		}
		if cur, ok := stringField(e.fields, f.name); ok && cur == f.value {
			continue
		}
		raw, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		out[f.name] = raw
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalJSON allows Envelope to be embedded in larger documents.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	env, err := ParseEnvelope(data)
	if err != nil {
		return err
	}
	*e = env
	return nil
}
