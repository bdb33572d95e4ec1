// Package record compiles extractor candidates into the fixed certificate schema.
package record

import (
	"fmt"
	"strings"
)

// Field is a schema field name.
type Field string

const (
	Type        Field = "TYPE"
	Awardee     Field = "AWARDEE"
	Role        Field = "ROLE"
	Event       Field = "EVENT"
	Date        Field = "DATE"
	Location    Field = "LOCATION"
	Signatories Field = "SIGNATORIES"
)

// ImagePathKey is the key under which the source image reference is echoed.
const ImagePathKey = "IMAGE_PATH"

// SignatorySeparator joins multiple signatories.
const SignatorySeparator = ", "

var schema = []Field{Type, Awardee, Role, Event, Date, Location, Signatories}

// Schema returns the field names in output order.
func Schema() []Field {
	out := make([]Field, len(schema))
	copy(out, schema)
	return out
}

// Candidates maps a field name to its candidates, best first.
type Candidates map[string][]string

// Record is a compiled extraction: every schema field plus IMAGE_PATH.
type Record map[string]string

// Get returns the value of a schema field.
func (r Record) Get(f Field) string {
	return r[string(f)]
}

// ImagePath returns the echoed image reference.
func (r Record) ImagePath() string {
	return r[ImagePathKey]
}

// Compile applies the per-field policy. SIGNATORIES keeps all candidates
// joined with ", ", every other field keeps its first candidate. Missing
// fields compile to "". Keys outside the schema are dropped.
func Compile(c Candidates, imagePath string) Record {
	rec := make(Record, len(schema)+1)
	for _, f := range schema {
		values := c[string(f)]
		if f == Signatories {
			rec[string(f)] = strings.Join(values, SignatorySeparator)
			continue
		}
		if len(values) > 0 {
			rec[string(f)] = values[0]
		} else {
			rec[string(f)] = ""
		}
	}
	rec[ImagePathKey] = imagePath
	return rec
}

// Violation describes an extractor field that was not a list of strings.
type Violation struct {
	Field string
	Got   string
}

func (v Violation) Error() string {
	return fmt.Sprintf("field %s: expected list of strings, got %s", v.Field, v.Got)
}

// FromAny converts decoded, untyped extractor output into Candidates. A field
// whose value is not a list of strings is treated as empty and reported as a
// Violation; it never fails the conversion. Nil input yields empty Candidates.
func FromAny(raw map[string]any) (Candidates, []Violation) {
	out := make(Candidates, len(raw))
	var violations []Violation
	for k, v := range raw {
		switch vals := v.(type) {
		case []string:
			out[k] = append([]string(nil), vals...)
		case []any:
			list := make([]string, 0, len(vals))
			ok := true
			for _, item := range vals {
				s, isString := item.(string)
				if !isString {
					ok = false
					break
				}
				list = append(list, s)
			}
			if !ok {
				violations = append(violations, Violation{Field: k, Got: "list with non-string items"})
				out[k] = nil
				continue
			}
			out[k] = list
		case nil:
			out[k] = nil
		default:
			violations = append(violations, Violation{Field: k, Got: fmt.Sprintf("%T", v)})
			out[k] = nil
		}
	}
	return out, violations
}
