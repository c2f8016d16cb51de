package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// StringList stores a list of strings as a JSON array column.
type StringList []string

// Value implements driver.Valuer for database serialization.
func (l StringList) Value() (driver.Value, error) {
	cleaned := l.Clean()
	data, errMarshal := json.Marshal([]string(cleaned))
	if errMarshal != nil {
		return nil, fmt.Errorf("string list marshal: %w", errMarshal)
	}
	return data, nil
}

// Scan implements sql.Scanner for database deserialization.
func (l *StringList) Scan(value any) error {
	if l == nil {
		return fmt.Errorf("string list scan: nil receiver")
	}
	if value == nil {
		*l = StringList{}
		return nil
	}

	var data []byte
	switch typed := value.(type) {
	case []byte:
		data = typed
	case string:
		data = []byte(typed)
	default:
		return fmt.Errorf("string list scan: unsupported type %T", value)
	}
	if len(data) == 0 {
		*l = StringList{}
		return nil
	}

	var list []string
	if errList := json.Unmarshal(data, &list); errList == nil {
		*l = StringList(list).Clean()
		return nil
	}

	var single string
	if errSingle := json.Unmarshal(data, &single); errSingle == nil {
		*l = StringList{single}.Clean()
		return nil
	}

	return fmt.Errorf("string list scan: invalid json")
}

// Clean trims entries and removes empties and duplicates, keeping order.
func (l StringList) Clean() StringList {
	if len(l) == 0 {
		return StringList{}
	}
	seen := make(map[string]struct{}, len(l))
	cleaned := make(StringList, 0, len(l))
	for _, item := range l {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		cleaned = append(cleaned, item)
	}
	return cleaned
}

// Contains reports whether the list holds item exactly.
func (l StringList) Contains(item string) bool {
	for _, entry := range l {
		if entry == item {
			return true
		}
	}
	return false
}

// PriorityByFormat stores a per-API-format priority override map as a JSON
// object column, e.g. {"CLAUDE": 1, "OPENAI": 5}.
type PriorityByFormat map[string]int

// Value implements driver.Valuer for database serialization.
func (p PriorityByFormat) Value() (driver.Value, error) {
	if len(p) == 0 {
		return []byte("{}"), nil
	}
	data, errMarshal := json.Marshal(map[string]int(p))
	if errMarshal != nil {
		return nil, fmt.Errorf("priority map marshal: %w", errMarshal)
	}
	return data, nil
}

// Scan implements sql.Scanner for database deserialization.
func (p *PriorityByFormat) Scan(value any) error {
	if p == nil {
		return fmt.Errorf("priority map scan: nil receiver")
	}
	if value == nil {
		*p = PriorityByFormat{}
		return nil
	}

	var data []byte
	switch typed := value.(type) {
	case []byte:
		data = typed
	case string:
		data = []byte(typed)
	default:
		return fmt.Errorf("priority map scan: unsupported type %T", value)
	}
	if len(data) == 0 {
		*p = PriorityByFormat{}
		return nil
	}

	var parsed map[string]int
	if errParse := json.Unmarshal(data, &parsed); errParse != nil {
		return fmt.Errorf("priority map scan: invalid json")
	}
	if parsed == nil {
		parsed = map[string]int{}
	}
	*p = PriorityByFormat(parsed)
	return nil
}

// For returns the override priority for format, falling back to def when no
// override is present.
func (p PriorityByFormat) For(format string, def int) int {
	if v, ok := p[format]; ok {
		return v
	}
	return def
}
