package batch

import (
	"bytes"
	"encoding/json"

	"github.com/chriskillpack/visionbatch/describer"
)

// Entry is the result for one image.
type Entry struct {
	Name   string
	Result describer.Result
}

// ResultMapping maps image names to results, keeping insertion order.
type ResultMapping struct {
	entries []Entry
	index   map[string]int
}

func NewResultMapping() *ResultMapping {
	return &ResultMapping{index: make(map[string]int)}
}

// Set stores r for name. Setting an existing name replaces its result but
// keeps its original position.
func (m *ResultMapping) Set(name string, r describer.Result) {
	if i, ok := m.index[name]; ok {
		m.entries[i].Result = r
		return
	}
	m.index[name] = len(m.entries)
	m.entries = append(m.entries, Entry{Name: name, Result: r})
}

func (m *ResultMapping) Get(name string) (describer.Result, bool) {
	i, ok := m.index[name]
	if !ok {
		return describer.Result{}, false
	}
	return m.entries[i].Result, true
}

func (m *ResultMapping) Len() int { return len(m.entries) }

// Entries returns the entries in insertion order. The slice must not be
// modified.
func (m *ResultMapping) Entries() []Entry { return m.entries }

// Failed returns the number of failed results.
func (m *ResultMapping) Failed() int {
	n := 0
	for _, e := range m.entries {
		if e.Result.Failed() {
			n++
		}
	}
	return n
}

// MarshalJSON encodes the mapping as a flat object of name to reply text,
// failures as their error marker. Keys keep insertion order and neither
// non-ASCII nor HTML characters are escaped. json.Marshal re-escapes U+2028
// and U+2029, so the output file is written from this method directly.
func (m *ResultMapping) MarshalJSON() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	// Encode appends a newline after every value, drop it.
	writeString := func(s string) error {
		if err := enc.Encode(s); err != nil {
			return err
		}
		buf.Truncate(buf.Len() - 1)
		return nil
	}

	buf.WriteByte('{')
	for i, e := range m.entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(e.Name); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeString(e.Result.String()); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')

	return unescapeLineSeparators(buf.Bytes()), nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes that
// encoding/json always emits back into the raw characters. Escaped
// backslashes are skipped so a literal "\\u2028" in the text is left alone.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out = append(out, b[i])
			continue
		}
		if b[i+1] == 'u' && i+6 <= len(b) {
			switch string(b[i+2 : i+6]) {
			case "2028":
				out = append(out, "\u2028"...)
				i += 5
				continue
			case "2029":
				out = append(out, "\u2029"...)
				i += 5
				continue
			}
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}
