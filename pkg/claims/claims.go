// Package claims implements an ordered claim multimap used for JWT payloads,
// user-info payloads and requester identities.
//
// Merge rule: adding a value under a key that already exists promotes the
// stored value to an array. Adding to an existing array appends. Keys keep the
// position of their first insertion.
package claims

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Well known claim names.
const (
	Issuer    = "iss"
	Subject   = "sub"
	Audience  = "aud"
	IssuedAt  = "iat"
	Expiry    = "exp"
	NotBefore = "nbf"
	JwtID     = "jti"
	Nonce     = "nonce"
	Amr       = "amr"
	AuthTime  = "auth_time"
	ClientID  = "client_id"
	Scope     = "scope"
	Role      = "role"
)

// Set is an ordered claim multimap. The zero value is not usable, use New.
// A nil *Set behaves like an empty set for all read operations.
type Set struct {
	keys   []string
	values map[string]any
}

func New() *Set {
	return &Set{values: make(map[string]any)}
}

// FromMap builds a Set from a map. Keys are sorted to get a deterministic order.
func FromMap(m map[string]any) *Set {
	s := New()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.Put(k, m[k])
	}
	return s
}

// Add adds a value under key following the merge rule of the package.
func (s *Set) Add(key string, value any) {
	existing, ok := s.values[key]
	if !ok {
		s.Put(key, value)
		return
	}
	var merged []any
	if arr, isArr := existing.([]any); isArr {
		merged = append(merged, arr...)
	} else {
		merged = append(merged, existing)
	}
	if arr, isArr := toAnySlice(value); isArr {
		merged = append(merged, arr...)
	} else {
		merged = append(merged, value)
	}
	s.values[key] = merged
}

// Put sets key to value, replacing any previous value. The key keeps its
// original position if it already existed.
func (s *Set) Put(key string, value any) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	if arr, isArr := toAnySlice(value); isArr {
		value = arr
	}
	s.values[key] = value
}

func (s *Set) Delete(key string) {
	if s == nil {
		return
	}
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}
}

func (s *Set) Get(key string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.values[key]
	return v, ok
}

func (s *Set) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// String returns the value of key if it is a string, otherwise "".
func (s *Set) String(key string) string {
	v, _ := s.Get(key)
	str, _ := v.(string)
	return str
}

// Strings returns the values of key as strings. A scalar string yields a
// one-element slice, arrays yield their string elements.
func (s *Set) Strings(key string) []string {
	v, ok := s.Get(key)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Scalars returns the value of key formatted as string when the claim is a
// scalar (string, number or bool). Array and object valued claims yield nil.
func (s *Set) Scalars(key string) []string {
	v, ok := s.Get(key)
	if !ok {
		return nil
	}
	if str, ok := scalarString(v); ok {
		return []string{str}
	}
	return nil
}

func (s *Set) Keys() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

func (s *Set) IsEmpty() bool {
	return s.Len() == 0
}

// Clone returns a deep copy of the key order and a shallow copy of values.
func (s *Set) Clone() *Set {
	if s == nil {
		return nil
	}
	c := New()
	for _, k := range s.keys {
		v := s.values[k]
		if arr, ok := v.([]any); ok {
			cp := make([]any, len(arr))
			copy(cp, arr)
			v = cp
		}
		c.keys = append(c.keys, k)
		c.values[k] = v
	}
	return c
}

// Merge adds all claims of other following the merge rule.
func (s *Set) Merge(other *Set) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		s.Add(k, other.values[k])
	}
}

func (s *Set) Map() map[string]any {
	if s == nil {
		return nil
	}
	m := make(map[string]any, len(s.keys))
	for _, k := range s.keys {
		m[k] = s.values[k]
	}
	return m
}

// Fingerprint returns a stable digest of the set that ignores insertion order.
// Two sets with equal claims have equal fingerprints. A nil or empty set
// yields "".
func (s *Set) Fingerprint() string {
	if s.Len() == 0 {
		return ""
	}
	// encoding/json sorts map keys
	data, err := json.Marshal(s.Map())
	if err != nil {
		return "v:" + s.valueDigest()
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// valueDigest hashes the Go representation of each claim in key order. It
// covers values encoding/json rejects.
func (s *Set) valueDigest() string {
	keys := append([]string(nil), s.keys...)
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%q=%#v;", k, s.values[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Set) Equal(other *Set) bool {
	return s.Fingerprint() == other.Fingerprint()
}

func (s *Set) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(s.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal claim %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *Set) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("claims: expected object, got %v", tok)
	}
	s.keys = nil
	s.values = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("claims: expected key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("claims: decode %q: %w", key, err)
		}
		s.Put(key, normalize(v))
	}
	_, err = dec.Token()
	return err
}

// normalize converts json.Number values to int64 or float64 recursively.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalize(t[k])
		}
		return t
	}
	return v
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	}
	return "", false
}

func toAnySlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}
