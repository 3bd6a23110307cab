package schema

import (
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// Kind selects the storage codec of a column. It is a closed set: every
// column is stored either as a fixed-width inline array or as per-row offsets
// into the extra region.
type Kind uint8

// Column kinds.
const (
	// KindFixed stores Size bytes per row inline in the main section.
	KindFixed Kind = iota + 1

	// KindVarlena stores a per-row offset into the extra region; the payload
	// is length-prefixed there.
	KindVarlena
)

// MaxNameLength is the number of bytes reserved for a column name in the
// persistent descriptor.
const MaxNameLength = 32

// Column describes one user-defined column.
type Column struct {
	Name     string
	Kind     Kind
	Size     uint32 // fixed-width byte size; 0 for varlena
	Nullable bool
}

// Schema is the ordered set of user-defined columns of a store.
type Schema struct {
	Columns []Column
}

// Validate checks structural sanity of the schema definition.
func (s Schema) Validate() error {
	if len(s.Columns) == 0 {
		return errors.New("schema defines no columns")
	}
	seen := map[string]struct{}{}
	for _, c := range s.Columns {
		if c.Name == "" || len(c.Name) >= MaxNameLength {
			return errors.Errorf("invalid column name %q", c.Name)
		}
		if _, exists := seen[c.Name]; exists {
			return errors.Errorf("duplicated column name %q", c.Name)
		}
		seen[c.Name] = struct{}{}

		switch c.Kind {
		case KindFixed:
			if c.Size == 0 {
				return errors.Errorf("column %q: fixed-width column of size 0", c.Name)
			}
		case KindVarlena:
			if c.Size != 0 {
				return errors.Errorf("column %q: varlena column declares size %d", c.Name, c.Size)
			}
		default:
			return errors.Errorf("column %q: unknown kind %d", c.Name, c.Kind)
		}
	}
	return nil
}

// HasVarlena tells whether any column needs the extra region.
func (s Schema) HasVarlena() bool {
	for _, c := range s.Columns {
		if c.Kind == KindVarlena {
			return true
		}
	}
	return false
}

// Fingerprint derives the schema digest stored in the base file header and
// compared on every open. Two schemas produce the same fingerprint iff they
// derive byte-identical section layouts.
func (s Schema) Fingerprint() [32]byte {
	h := blake3.New()
	for _, c := range s.Columns {
		_, _ = h.Write([]byte(c.Name))
		_, _ = h.Write([]byte{0, byte(c.Kind)})
		_, _ = h.Write([]byte{
			byte(c.Size), byte(c.Size >> 8), byte(c.Size >> 16), byte(c.Size >> 24),
		})
		if c.Nullable {
			_, _ = h.Write([]byte{1})
		} else {
			_, _ = h.Write([]byte{0})
		}
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
