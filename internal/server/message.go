package server

import (
	"bytes"
	"encoding/json"
)

// Control message type codes. The codes, the envelope shape and the payload
// field names are part of the wire contract.
const (
	TypeStoreFile = 0
	TypeGetFile   = 1
)

// Envelope frames every control message as {"type": <int>, "payload": {...}}.
type Envelope struct {
	Type    int             `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StoreFilePayload announces that an encrypted blob follows on the stream.
// Size is the ciphertext size: plaintext length plus the 16-byte IV.
type StoreFilePayload struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Size uint64 `json:"size"`
}

// GetFilePayload asks every peer holding the key to stream it back.
type GetFilePayload struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

func encodeMessage(msgType int, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// decodeStrict rejects unknown keys so schema drift between nodes surfaces
// as an error instead of silent truncation.
func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
