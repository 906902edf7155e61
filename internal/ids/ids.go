// Package ids generates 128-bit time-ordered identifiers.
//
// The layout is UUIDv7-style: a 48-bit millisecond timestamp prefix
// followed by 74 bits of randomness and a 6-bit version/variant
// nibble, so that lexicographic and numeric ordering match insertion
// order. Outbox polling, saga audit ordering, and every primary-key
// index in this module rely on that property.
package ids

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// ID is a 128-bit time-ordered identifier.
type ID [16]byte

// Nil is the zero value of ID.
var Nil ID

// New generates a new time-ordered ID using the current wall clock.
func New() ID {
	return NewAt(time.Now())
}

// NewAt generates a time-ordered ID using the given timestamp, with 74
// bits of cryptographic randomness filling the rest of the value.
func NewAt(t time.Time) ID {
	var id ID

	ms := uint64(t.UnixMilli())
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], ms)
	copy(id[0:6], tsBuf[2:8]) // low 48 bits of the millisecond timestamp

	if _, err := rand.Read(id[6:16]); err != nil {
		// crypto/rand failing means the platform RNG is broken; there is
		// no sane fallback for an identifier that must not collide.
		panic(fmt.Errorf("ids: read random bytes: %w", err))
	}

	// Version nibble (7) in the high bits of byte 6.
	id[6] = (id[6] & 0x0F) | 0x70
	// Variant bits (10) in the high bits of byte 8.
	id[8] = (id[8] & 0x3F) | 0x80

	return id
}

// Time extracts the millisecond timestamp encoded in the ID's prefix.
func (id ID) Time() time.Time {
	var tsBuf [8]byte
	copy(tsBuf[2:8], id[0:6])
	ms := binary.BigEndian.Uint64(tsBuf[:])
	return time.UnixMilli(int64(ms))
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// String renders the ID in canonical 8-4-4-4-12 hyphenated hex form.
func (id ID) String() string {
	var buf [36]byte
	hex.Encode(buf[0:8], id[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], id[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], id[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], id[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:36], id[10:16])
	return string(buf[:])
}

// Parse decodes a canonical hyphenated hex string into an ID.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != 36 || s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		return id, fmt.Errorf("ids: invalid id %q", s)
	}
	hexParts := []struct{ dst []byte; src string }{
		{id[0:4], s[0:8]},
		{id[4:6], s[9:13]},
		{id[6:8], s[14:18]},
		{id[8:10], s[19:23]},
		{id[10:16], s[24:36]},
	}
	for _, p := range hexParts {
		if _, err := hex.Decode(p.dst, []byte(p.src)); err != nil {
			return Nil, fmt.Errorf("ids: invalid id %q: %w", s, err)
		}
	}
	return id, nil
}

// MarshalJSON renders the ID as a quoted canonical string.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON parses a quoted canonical string into the ID.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("ids: invalid json id %s", data)
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer so an ID can be written directly as a
// uuid-typed Postgres column.
func (id ID) Value() (driver.Value, error) {
	return id.String(), nil
}

// Scan implements sql.Scanner for reading a uuid-typed Postgres column
// back into an ID.
func (id *ID) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*id = Nil
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case [16]byte:
		*id = ID(v)
		return nil
	default:
		return fmt.Errorf("ids: cannot scan %T into ID", src)
	}
}
