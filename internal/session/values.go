// Package session holds per-requester session state and the identity predicates
// the authorization engine evaluates against it.
//
// Purpose:
//   Model the session as a nested key/value map addressed by dotted paths
//   ("union.organize.orgid"), answer login/union/role questions about it without
//   any I/O, and persist it between requests behind an opaque cookie id.
//
// Dependencies:
//   - internal/cache: storage backend for persisted sessions (Redis or memory)
//   - github.com/google/uuid: session ids
//
// Key Responsibilities:
//   - Dotted-path get/set/has/delete over nested maps
//   - Numeric coercion of values decoded from JSON or set by callers
//   - Identity predicates: login, union, organization, store, admin, tester, expiry
//
package session

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Session is the key/value view of a requester's session.
type Session interface {
	Get(path string, def any) any
	Set(path string, value any)
	Has(path string) bool
	Delete(path string)
}

// Values is a map-backed Session. The zero value is not usable; use NewValues.
type Values struct {
	data map[string]any
}

// NewValues returns an empty session.
func NewValues() *Values {
	return &Values{data: make(map[string]any)}
}

// FromMap wraps an existing map. The map is owned by the returned Values.
func FromMap(m map[string]any) *Values {
	if m == nil {
		m = make(map[string]any)
	}
	return &Values{data: m}
}

// Map exposes the underlying map.
func (v *Values) Map() map[string]any {
	return v.data
}

// Get returns the value at path, or def when any segment is missing.
func (v *Values) Get(path string, def any) any {
	val, ok := v.lookup(path)
	if !ok {
		return def
	}
	return val
}

// Has reports whether path resolves to a value.
func (v *Values) Has(path string) bool {
	_, ok := v.lookup(path)
	return ok
}

// Set stores value at path, creating intermediate maps as needed.
// A non-map value on the way is replaced by a map.
func (v *Values) Set(path string, value any) {
	segments := strings.Split(path, ".")
	current := v.data
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// Delete removes the value at path if present.
func (v *Values) Delete(path string) {
	segments := strings.Split(path, ".")
	current := v.data
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, segments[len(segments)-1])
}

func (v *Values) lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = v.data
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// MarshalJSON encodes the session map.
func (v *Values) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.data)
}

// UnmarshalJSON decodes into the session map, using json.Number for numbers.
func (v *Values) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	m := make(map[string]any)
	if err := dec.Decode(&m); err != nil {
		return err
	}
	v.data = m
	return nil
}

// Int64 reads path as an integer, returning def when missing or non-numeric.
func Int64(s Session, path string, def int64) int64 {
	n, ok := ToInt64(s.Get(path, nil))
	if !ok {
		return def
	}
	return n
}

// String reads path as a string, returning def when missing.
func String(s Session, path string, def string) string {
	switch val := s.Get(path, nil).(type) {
	case nil:
		return def
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		if n, ok := ToInt64(val); ok {
			return strconv.FormatInt(n, 10)
		}
		return def
	}
}

// ToInt64 coerces the numeric shapes a session value can take.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
		return 0, false
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
