package commsutil

import "encoding/json"

// EncodePayload serializes a message body. A json.RawMessage is sent as is.
func EncodePayload(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// DecodePayload deserializes a message body into the given target.
func DecodePayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
