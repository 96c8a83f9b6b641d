// Package codec implements the value codec shared by writers and readers
// (spec.md §6): JSON scalars survive verbatim, and values that are not
// naturally JSON-representable (currently time.Time) are wrapped in an
// object-serializer envelope before being JSON-encoded, so the encoding
// is symmetric no matter which side of the queue produced it.
package codec

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const wrapperType = "time.Time"

type wrapper struct {
	WrapperType string `json:"__type"`
	Value       any    `json:"value"`
}

// Encode serializes v to its wire string form.
func Encode(v any) (string, error) {
	if tv, ok := v.(time.Time); ok {
		b, err := json.Marshal(wrapper{WrapperType: wrapperType, Value: tv.UTC().Format(time.RFC3339Nano)})
		if err != nil {
			return "", errors.Wrap(err, "codec: encode time")
		}
		return string(b), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "codec: encode")
	}
	return string(b), nil
}

// Decode deserializes s into out, unwrapping the object-serializer
// envelope transparently if present.
func Decode(s string, out any) error {
	var probe wrapper
	if err := json.Unmarshal([]byte(s), &probe); err == nil && probe.WrapperType != "" {
		b, err := json.Marshal(probe.Value)
		if err != nil {
			return errors.Wrap(err, "codec: decode wrapped value")
		}
		return errors.Wrap(json.Unmarshal(b, out), "codec: decode wrapped")
	}
	return errors.Wrap(json.Unmarshal([]byte(s), out), "codec: decode")
}

// DecodeAny decodes s into a generic JSON value (map/slice/scalar), for
// callers that don't know the target shape ahead of time: the diff
// engine and the processor's state-write protocol both need this.
func DecodeAny(s string) (any, error) {
	var v any
	if err := Decode(s, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// IsEmptyObject reports whether the decoded value canonicalizes to the
// empty JSON object {}, the sentinel that deletes a versioned state key.
func IsEmptyObject(v any) bool {
	m, ok := v.(map[string]any)
	return ok && len(m) == 0
}
