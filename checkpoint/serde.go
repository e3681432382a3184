package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value type tags stored next to serialized blobs in the writes ledger.
const (
	// TypeJSON marks a JSON-encoded value.
	TypeJSON = "json"
	// TypeEmpty marks an absent value, stored without a payload.
	TypeEmpty = "empty"
)

// Serializer encodes pending-write values into a (type, payload) pair and
// back. Implementations must round-trip every value they accept.
type Serializer interface {
	DumpsTyped(v any) (typ string, data []byte, err error)
	LoadsTyped(typ string, data []byte) (any, error)
}

// JSONSerializer is the default Serializer. It stores everything as JSON, so
// values come back as the usual JSON shapes (map[string]any, []any, float64,
// string, bool, nil).
type JSONSerializer struct{}

var _ Serializer = JSONSerializer{}

// DumpsTyped encodes v as JSON.
func (JSONSerializer) DumpsTyped(v any) (string, []byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return TypeJSON, StripNullChars(data), nil
}

// LoadsTyped decodes a value previously produced by DumpsTyped.
func (JSONSerializer) LoadsTyped(typ string, data []byte) (any, error) {
	switch typ {
	case TypeEmpty:
		return nil, nil
	case TypeJSON:
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to decode json value: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported serialization type %q", typ)
	}
}

// DefaultSerializer returns the serializer savers use unless configured
// otherwise.
func DefaultSerializer() Serializer {
	return JSONSerializer{}
}

// StripNullChars removes JSON-escaped null bytes from serialized text.
// Null bytes are tolerated on write and absent on read; no other character
// is touched.
func StripNullChars(data []byte) []byte {
	return bytes.ReplaceAll(data, []byte(`\u0000`), nil)
}

// MarshalMetadata serializes a metadata envelope. A nil envelope serializes
// as an empty mapping.
func MarshalMetadata(md Metadata) ([]byte, error) {
	if md == nil {
		md = Metadata{}
	}
	data, err := json.Marshal(md)
	if err != nil {
		if key, kerr := offendingKey(md); kerr != nil {
			return nil, fmt.Errorf("failed to serialize metadata key %q: %w", key, kerr)
		}
		return nil, fmt.Errorf("failed to serialize metadata: %w", err)
	}
	return StripNullChars(data), nil
}

// UnmarshalMetadata decodes a stored metadata envelope.
func UnmarshalMetadata(data []byte) (Metadata, error) {
	md := Metadata{}
	if len(data) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return md, nil
}

// MarshalChannelValues serializes the channel value mapping. An empty mapping
// is preserved as an empty mapping, distinct from no checkpoint at all.
func MarshalChannelValues(values map[string]any) ([]byte, error) {
	if values == nil {
		values = map[string]any{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		if key, kerr := offendingKey(values); kerr != nil {
			return nil, fmt.Errorf("failed to serialize channel %q: %w", key, kerr)
		}
		return nil, fmt.Errorf("failed to serialize channel values: %w", err)
	}
	return StripNullChars(data), nil
}

// UnmarshalChannelValues decodes a stored channel value mapping. The result
// is never nil.
func UnmarshalChannelValues(data []byte) (map[string]any, error) {
	values := map[string]any{}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to decode channel values: %w", err)
	}
	return values, nil
}

// MarshalPendingSends serializes a pending_sends sequence; nil serializes as
// an empty sequence.
func MarshalPendingSends(sends []any) ([]byte, error) {
	if sends == nil {
		sends = []any{}
	}
	data, err := json.Marshal(sends)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize pending sends: %w", err)
	}
	return StripNullChars(data), nil
}

// UnmarshalPendingSends decodes a stored pending_sends sequence. The result
// is never nil.
func UnmarshalPendingSends(data []byte) ([]any, error) {
	sends := []any{}
	if len(data) == 0 {
		return sends, nil
	}
	if err := json.Unmarshal(data, &sends); err != nil {
		return nil, fmt.Errorf("failed to decode pending sends: %w", err)
	}
	return sends, nil
}

// MarshalCheckpoint serializes the checkpoint envelope. Channel values and
// pending sends are stored in their own columns, so the envelope carries them
// emptied; readers restore them during tuple assembly.
func MarshalCheckpoint(c *Checkpoint) ([]byte, error) {
	env := *c
	env.ChannelValues = nil
	env.PendingSends = nil
	data, err := json.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize checkpoint %q: %w", c.ID, err)
	}
	return StripNullChars(data), nil
}

// UnmarshalCheckpoint decodes a stored checkpoint envelope.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if c.ChannelValues == nil {
		c.ChannelValues = map[string]any{}
	}
	if c.PendingSends == nil {
		c.PendingSends = []any{}
	}
	return &c, nil
}

// offendingKey re-encodes each entry of a failed mapping to name the value
// that cannot be serialized.
func offendingKey(m map[string]any) (string, error) {
	for k, v := range m {
		if _, err := json.Marshal(v); err != nil {
			return k, err
		}
	}
	return "", nil
}
