package kv

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key has no stored pair.
	ErrNotFound = errors.New("not found")
	// ErrKeyField is returned when a value carries the reserved "key" field.
	ErrKeyField = errors.New(`value contains reserved field "key"`)
	// ErrHook wraps hook failures reported after the write was committed.
	ErrHook = errors.New("hook failed")
)

// Pair is a keyed document. The key is the identity and never changes; the
// value is a free-form mapping that must not contain a field named "key".
type Pair struct {
	Key   string         `json:"key"`
	Value map[string]any `json:"value"`
}

// NewPair builds a pair, rejecting values that carry the reserved key field.
func NewPair(key string, value map[string]any) (*Pair, error) {
	p := &Pair{Key: key, Value: value}
	if p.Value == nil {
		p.Value = map[string]any{}
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pair) validate() error {
	if p.Key == "" {
		return errors.New("empty key")
	}
	if _, ok := p.Value["key"]; ok {
		return ErrKeyField
	}
	return nil
}

// String returns a field rendered as a string. Numbers stored by JSON
// backends come back as float64, so integral values are printed without a
// fractional part.
func (p *Pair) String(field string) (string, bool) {
	v, ok := p.Value[field]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t)), true
		}
		return fmt.Sprintf("%v", t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// Clone returns a deep copy of the pair.
func (p *Pair) Clone() *Pair {
	v, err := normalize(p.Value)
	if err != nil {
		// values are normalized on write, so this only happens for pairs
		// built by hand with unserializable values
		v = make(map[string]any, len(p.Value))
		for k, val := range p.Value {
			v[k] = val
		}
	}
	return &Pair{Key: p.Key, Value: v}
}

// document flattens the pair into its stored form: {"key": ..., ...value}.
func (p *Pair) document() map[string]any {
	doc := make(map[string]any, len(p.Value)+1)
	for k, v := range p.Value {
		doc[k] = v
	}
	doc["key"] = p.Key
	return doc
}

// pairFromDocument is the inverse of document. Backend bookkeeping fields
// such as Mongo's _id are dropped.
func pairFromDocument(doc map[string]any) (*Pair, error) {
	key, ok := doc["key"].(string)
	if !ok {
		return nil, fmt.Errorf("document without string key: %v", doc["key"])
	}
	value := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "key" || k == "_id" {
			continue
		}
		value[k] = v
	}
	value, err := normalize(value)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize document %q: %w", key, err)
	}
	return &Pair{Key: key, Value: value}, nil
}

// normalize round-trips a value through JSON so every backend hands back the
// same scalar types and callers never share maps with the store.
func normalize(v map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeValue(key string, raw []byte) (*Pair, error) {
	value := map[string]any{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("failed to decode value of %q: %w", key, err)
	}
	return &Pair{Key: key, Value: value}, nil
}
