package authdb

import "strings"

// Field is a single key[=value] lookup result entry.
type Field struct {
	Key   string
	Value string
}

// Fields is an ordered list of lookup result entries.
type Fields []Field

// ParseFields parses "key=value" or bare "key" entries.
func ParseFields(entries []string) Fields {
	fields := make(Fields, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, _ := strings.Cut(entry, "=")
		fields = append(fields, Field{Key: strings.ToLower(key), Value: value})
	}
	return fields
}

// Get returns the value of the first entry named key.
func (f Fields) Get(key string) (string, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return "", false
}

// Has reports whether an entry named key is present.
func (f Fields) Has(key string) bool {
	_, ok := f.Get(key)
	return ok
}

// Strings returns the entries in "key=value" form.
func (f Fields) Strings() []string {
	out := make([]string, 0, len(f))
	for _, field := range f {
		if field.Value == "" {
			out = append(out, field.Key)
			continue
		}
		out = append(out, field.Key+"="+field.Value)
	}
	return out
}
