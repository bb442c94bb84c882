package crypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize encodes v as canonical JSON: NFC strings, sorted object keys,
// null object members dropped, integers only.
//
// Structs are encoded through their json tags first, so omitempty and custom
// marshalers apply before canonical ordering.
func Canonicalize(v any) ([]byte, error) {
	tree, err := toTree(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeNode(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalDigest returns the "sha256:"-prefixed digest of v's canonical form.
func CanonicalDigest(v any) (string, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return DigestWithPrefix(data), nil
}

func toTree(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		var unsupported *json.UnsupportedTypeError
		if errors.As(err, &unsupported) {
			return nil, ErrUnsupportedType
		}
		var unsupportedValue *json.UnsupportedValueError
		if errors.As(err, &unsupportedValue) {
			return nil, ErrFloatNotAllowed
		}
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func encodeNode(buf *bytes.Buffer, node any) error {
	switch value := node.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if value {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, value)
	case json.Number:
		if strings.ContainsAny(value.String(), ".eE") {
			return ErrFloatNotAllowed
		}
		buf.WriteString(value.String())
	case []any:
		buf.WriteByte('[')
		for i, elem := range value {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeNode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		return encodeObject(buf, value)
	default:
		return ErrUnsupportedType
	}
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any) error {
	normalized := make(map[string]any, len(obj))
	keys := make([]string, 0, len(obj))
	for k, v := range obj {
		key := norm.NFC.String(k)
		if _, dup := normalized[key]; dup {
			return ErrKeyCollision
		}
		normalized[key] = v
		if v != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeNode(buf, normalized[key]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}
