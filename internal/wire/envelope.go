package wire

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the message body carried by the broker transport's RPC and
// signal channels: {func_name, args} or {signal_name, args}.
// Descriptor-valued args are pre-encoded with EncodeDescriptorMeta/Value
// and carried as opaque bytes inside Args so that large payloads don't get
// re-escaped through JSON.
type Envelope struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// EncodeEnvelope serializes an Envelope for transmission.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a message produced by EncodeEnvelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(raw, &e)
	return e, err
}
