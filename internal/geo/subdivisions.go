package geo

import (
	_ "embed"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed subdivisions.yaml
var subdivisionsYAML []byte

// Subdivisions maps two-letter US subdivision codes to full names. It is
// read-only once constructed.
type Subdivisions struct {
	names map[string]string
}

// NewSubdivisions builds a table from a code to name mapping. The map is copied.
func NewSubdivisions(names map[string]string) *Subdivisions {
	cp := make(map[string]string, len(names))
	for k, v := range names {
		cp[k] = v
	}
	return &Subdivisions{names: cp}
}

// ParseSubdivisions decodes a YAML mapping of code to name.
func ParseSubdivisions(data []byte) (*Subdivisions, error) {
	var names map[string]string
	if err := yaml.Unmarshal(data, &names); err != nil {
		return nil, eris.Wrap(err, "geo: parse subdivision table")
	}
	if len(names) == 0 {
		return nil, eris.New("geo: subdivision table is empty")
	}
	return NewSubdivisions(names), nil
}

var (
	usOnce sync.Once
	usSubs *Subdivisions
)

// USSubdivisions returns the embedded US table, decoded on first use.
func USSubdivisions() *Subdivisions {
	usOnce.Do(func() {
		s, err := ParseSubdivisions(subdivisionsYAML)
		if err != nil {
			// The table is compiled into the binary.
			panic(err)
		}
		usSubs = s
	})
	return usSubs
}

// Resolve returns the full name for code.
func (s *Subdivisions) Resolve(code string) (string, error) {
	name, ok := s.names[code]
	if !ok {
		return "", &UnknownSubdivisionError{Code: code}
	}
	return name, nil
}

// Len returns the number of entries.
func (s *Subdivisions) Len() int { return len(s.names) }
