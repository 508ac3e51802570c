package broker

import (
	"encoding/base64"
	"fmt"

	"github.com/airbus-seclab/rebus/internal/descriptor"
	"github.com/airbus-seclab/rebus/internal/master"
	"github.com/airbus-seclab/rebus/internal/wire"
)

// dispatch maps one decoded RPC envelope to the matching master.Master
// method. Returned values are plain JSON-able data; the caller wraps them
// in a result envelope.
func dispatch(m *master.Master, env wire.Envelope) (interface{}, error) {
	a := args(env.Args)
	switch env.Name {
	case "register":
		return nil, m.Register(a.str("agent_id"), a.str("agent_domain"), a.str("pth"),
			a.str("full_config"), a.str("config_txt"))
	case "unregister":
		m.Unregister(a.str("agent_id"))
		return nil, nil
	case "lock":
		return m.Lock(a.str("agent_id"), a.str("lockid"), a.str("desc_domain"), a.str("selector")), nil
	case "unlock":
		return nil, m.Unlock(a.str("agent_id"), a.str("lockid"), a.str("desc_domain"), a.str("selector"),
			a.boolean("processing_failed"), a.integer("retries"), a.float("wait_time"))
	case "push":
		d, err := a.descriptor("descriptor_meta", "descriptor_value")
		if err != nil {
			return nil, err
		}
		return m.Push(a.str("agent_id"), d)
	case "get":
		d, err := m.Get(a.str("desc_domain"), a.str("selector"))
		if err != nil || d == nil {
			return nil, err
		}
		return wire.EncodeDescriptorMeta(d)
	case "get_value":
		return m.GetValue(a.str("desc_domain"), a.str("selector"))
	case "list_uuids":
		return m.ListUUIDs(a.str("desc_domain"))
	case "find":
		return m.Find(a.str("desc_domain"), a.str("selector_regex"), a.integer("limit"), a.integer("offset"))
	case "find_by_selector":
		ds, err := m.FindBySelector(a.str("desc_domain"), a.str("selector_prefix"), a.integer("limit"), a.integer("offset"))
		return encodeAll(ds), err
	case "find_by_uuid":
		ds, err := m.FindByUUID(a.str("desc_domain"), a.str("uuid"))
		return encodeAll(ds), err
	case "find_by_value":
		ds, err := m.FindByValue(a.str("desc_domain"), a.str("selector_prefix"), a.str("value_regex"))
		return encodeAll(ds), err
	case "mark_processed":
		return nil, m.MarkProcessed(a.str("agent_id"), a.str("desc_domain"), a.str("selector"))
	case "mark_processable":
		return nil, m.MarkProcessable(a.str("agent_id"), a.str("desc_domain"), a.str("selector"))
	case "get_processable":
		return m.GetProcessable(a.str("desc_domain"), a.str("selector"))
	case "list_agents":
		return m.ListAgents(), nil
	case "processed_stats":
		stats, total, err := m.ProcessedStats(a.str("desc_domain"))
		return map[string]interface{}{"stats": stats, "total": total}, err
	case "get_children":
		ds, err := m.GetChildren(a.str("desc_domain"), a.str("selector"), a.boolean("recurse"))
		return encodeAll(ds), err
	case "store_internal_state":
		raw, err := base64.StdEncoding.DecodeString(a.str("state"))
		if err != nil {
			return nil, err
		}
		return nil, m.StoreInternalState(a.str("agent_id"), raw)
	case "load_internal_state":
		return m.LoadInternalState(a.str("agent_id"))
	case "request_processing":
		return nil, m.RequestProcessing(a.str("agent_id"), a.str("desc_domain"), a.str("selector"), a.strSlice("targets"))
	default:
		return nil, fmt.Errorf("broker: unknown RPC method %q", env.Name)
	}
}

// encodeAll pre-encodes each descriptor with the same wire codec the
// client's decodeAll expects; the JSON envelope then carries the msgpack
// bytes base64ed, same as a single "get" reply.
func encodeAll(ds []*descriptor.Descriptor) [][]byte {
	out := make([][]byte, 0, len(ds))
	for _, d := range ds {
		if b, err := wire.EncodeDescriptorMeta(d); err == nil {
			out = append(out, b)
		}
	}
	return out
}

// args is a thin, panic-free accessor over an RPC envelope's argument
// map, converting from jsoniter's untyped JSON decode (float64/bool/
// string/[]interface{}) to concrete Go values.
type args map[string]interface{}

func (a args) str(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

func (a args) integer(key string) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (a args) float(key string) float64 {
	if v, ok := a[key].(float64); ok {
		return v
	}
	return 0
}

func (a args) boolean(key string) bool {
	v, _ := a[key].(bool)
	return v
}

func (a args) strSlice(key string) []string {
	raw, ok := a[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (a args) descriptor(metaKey, valueKey string) (*descriptor.Descriptor, error) {
	metaB64 := a.str(metaKey)
	valueB64 := a.str(valueKey)
	meta, err := base64.StdEncoding.DecodeString(metaB64)
	if err != nil {
		return nil, err
	}
	value, err := base64.StdEncoding.DecodeString(valueB64)
	if err != nil {
		return nil, err
	}
	d, err := wire.DecodeDescriptorMeta(meta)
	if err != nil {
		return nil, err
	}
	v, err := wire.DecodeDescriptorValue(value)
	if err != nil {
		return nil, err
	}
	return d.WithResolver(func() ([]byte, error) { return v, nil }), nil
}
