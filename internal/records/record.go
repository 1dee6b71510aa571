package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Record is one JSON object of the managed collection. The object bytes are
// kept as received so unknown fields and their order survive a round trip.
type Record struct {
	raw   json.RawMessage
	key   string
	hasID bool
}

// Parse builds a Record from a JSON object.
func Parse(data []byte) (Record, error) {
	trimmed := bytes.TrimSpace(data)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Record{}, fmt.Errorf("record must be a JSON object: %w", err)
	}
	if fields == nil {
		return Record{}, errors.New("record must be a JSON object")
	}
	rec := Record{raw: append(json.RawMessage(nil), trimmed...)}
	if idRaw, ok := fields["id"]; ok {
		rec.key, rec.hasID = identityKey(idRaw)
	}
	return rec, nil
}

// MustParse is Parse for fixtures; it panics on malformed input.
func MustParse(data string) Record {
	rec, err := Parse([]byte(data))
	if err != nil {
		panic(err)
	}
	return rec
}

// ID returns the canonical identifier key. Records whose id is missing,
// null, an object or an array report false and never match an update or
// delete.
func (r Record) ID() (string, bool) {
	return r.key, r.hasID
}

// Raw returns a copy of the object bytes.
func (r Record) Raw() json.RawMessage {
	return append(json.RawMessage(nil), r.raw...)
}

// Equal compares the records structurally, ignoring insignificant whitespace.
func (r Record) Equal(other Record) bool {
	var a, b bytes.Buffer
	if err := json.Compact(&a, r.raw); err != nil {
		return false
	}
	if err := json.Compact(&b, other.raw); err != nil {
		return false
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}

func (r Record) String() string {
	return string(r.raw)
}

func (r Record) MarshalJSON() ([]byte, error) {
	if r.raw == nil {
		return []byte("null"), nil
	}
	return r.raw, nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	rec, err := Parse(data)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// ID is an identifier listed for deletion.
type ID struct {
	raw   json.RawMessage
	key   string
	valid bool
}

// IDOf builds an ID from a Go string or number.
func IDOf(v any) ID {
	data, err := json.Marshal(v)
	if err != nil {
		return ID{}
	}
	key, ok := identityKey(data)
	return ID{raw: data, key: key, valid: ok}
}

func (id ID) Key() (string, bool) {
	return id.key, id.valid
}

func (id ID) String() string {
	return string(id.raw)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.raw == nil {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return errors.New("invalid id")
	}
	id.raw = append(json.RawMessage(nil), trimmed...)
	id.key, id.valid = identityKey(trimmed)
	return nil
}

// identityKey maps an id value to a comparable key. Strings and numbers live
// in separate spaces so "1" never matches 1; numbers compare by value.
func identityKey(raw json.RawMessage) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return "s:" + t, true
	case json.Number:
		f, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return "n:" + string(t), true
		}
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64), true
	case bool:
		return "b:" + strconv.FormatBool(t), true
	default:
		return "", false
	}
}
