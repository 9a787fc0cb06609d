// Package signing implements the canonical envelope form and the Ed25519
// signer/verifier used on the telemetry bus.
//
// The canonical form is UTF-8 JSON with object keys sorted lexicographically
// at every level. Only the subset {ts, origin, topic, payload, sessionId?,
// kid?} participates; the sig field never does.
package signing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/roastops/roastd/pkg/models"
)

// CanonicalEnvelopeBytes returns the deterministic signing input for an
// envelope. Two envelopes that differ only in field order or in their sig
// produce identical bytes.
func CanonicalEnvelopeBytes(env models.TelemetryEnvelope) ([]byte, error) {
	payload, err := decodeNumeric(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("signing: payload is not valid JSON: %w", err)
	}

	subset := map[string]any{
		"ts": env.Ts,
		"origin": map[string]any{
			"orgId":     env.Origin.OrgID,
			"siteId":    env.Origin.SiteID,
			"machineId": env.Origin.MachineID,
		},
		"topic":   env.Topic,
		"payload": payload,
	}
	if env.SessionID != "" {
		subset["sessionId"] = env.SessionID
	}
	if env.Kid != "" {
		subset["kid"] = env.Kid
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, subset); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeNumeric parses raw JSON keeping numbers as json.Number so the
// canonical bytes reproduce the sender's numeric representation.
func decodeNumeric(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// writeCanonical serializes v as JSON with sorted object keys at every level.
func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Non-raw values (floats from struct literals, ints) go through the
		// standard encoder. Keys inside are handled above, so this only
		// applies to scalars.
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
