package model

import (
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

// Feeds and posts round-trip through JSON with their unrecognized fields
// intact: unmarshalling splits the object into typed fields and the Extra
// side map, marshalling folds the two back together. A typed field always
// wins over a stale Extra entry of the same name.

// MarshalJSON implements json.Marshaler.
func (f Feed) MarshalJSON() ([]byte, error) {
	type plain Feed
	return marshalWithExtra(plain(f), f.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Feed) UnmarshalJSON(data []byte) error {
	type plain Feed
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*f = Feed(p)
	extra, err := extraFields(data, reflect.TypeOf(p))
	if err != nil {
		return err
	}
	f.Extra = extra
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p Post) MarshalJSON() ([]byte, error) {
	type plain Post
	return marshalWithExtra(plain(p), p.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Post) UnmarshalJSON(data []byte) error {
	type plain Post
	var pp plain
	if err := json.Unmarshal(data, &pp); err != nil {
		return err
	}
	*p = Post(pp)
	extra, err := extraFields(data, reflect.TypeOf(pp))
	if err != nil {
		return err
	}
	p.Extra = extra
	return nil
}

func marshalWithExtra(v interface{}, extra map[string]json.RawMessage) ([]byte, error) {
	known, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = raw
		}
	}
	return json.Marshal(merged)
}

// extraFields returns the object's members that have no corresponding
// typed field on t.
func extraFields(data []byte, t reflect.Type) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, name := range jsonFieldNames(t) {
		delete(all, name)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

var fieldNameCache sync.Map // reflect.Type -> []string

// jsonFieldNames lists the JSON keys produced by t's fields, including
// fields promoted from embedded structs.
func jsonFieldNames(t reflect.Type) []string {
	if cached, ok := fieldNameCache.Load(t); ok {
		return cached.([]string)
	}
	var names []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Anonymous {
			names = append(names, jsonFieldNames(field.Type)...)
			continue
		}
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		if name == "" {
			name = field.Name
		}
		names = append(names, name)
	}
	fieldNameCache.Store(t, names)
	return names
}
