package ringkv

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
)

// Digit is a single base-16 digit of an ID, stored in the low nibble of a
// byte so it can be compared and indexed directly.
type Digit uint8

// String renders the Digit as a single hexadecimal character.
func (d Digit) String() string {
	return string(hex.EncodeToString([]byte{byte(d) << 4})[0])
}

// ID is a fixed-width hexadecimal identifier, used for both node
// addresses and content keys. Every ID sharing a ring has the same
// length.
type ID []Digit

// IDFromHex parses a hexadecimal string into an ID. The string's length
// becomes the ID's digit width.
func IDFromHex(s string) (ID, error) {
	if len(s) == 0 {
		return nil, errors.New("ringkv: empty identifier")
	}
	id := make(ID, len(s))
	for i := 0; i < len(s); i++ {
		v, err := hex.DecodeString("0" + string(s[i]))
		if err != nil {
			return nil, errors.New("ringkv: identifier contains a non-hexadecimal character")
		}
		id[i] = Digit(v[0])
	}
	return id, nil
}

// mustID is a test and example helper; it panics on malformed input so
// call sites that already know their string is valid hex stay terse.
func mustID(s string) ID {
	id, err := IDFromHex(s)
	if err != nil {
		panic(err)
	}
	return id
}

// HashKey deterministically hashes an arbitrary UTF-8 string down to an
// ID of the given digit width, by SHA-1-hashing the string and keeping
// only the leading nibbles the width requires.
func HashKey(s string, digits int) ID {
	sum := sha1.Sum([]byte(s))
	id := make(ID, digits)
	for i := 0; i < digits; i++ {
		byteIdx := i / 2
		if byteIdx >= len(sum) {
			id[i] = 0
			continue
		}
		b := sum[byteIdx]
		if i%2 == 0 {
			id[i] = Digit(b >> 4)
		} else {
			id[i] = Digit(b & 0x0f)
		}
	}
	return id
}

// String renders the ID as its hexadecimal digits, one character each.
func (id ID) String() string {
	buf := make([]byte, len(id))
	for i, d := range id {
		buf[i] = d.String()[0]
	}
	return string(buf)
}

// Equal reports whether two IDs have the same digits. IDs of different
// widths are never equal.
func (id ID) Equal(other ID) bool {
	if len(id) != len(other) {
		return false
	}
	for i, d := range id {
		if d != other[i] {
			return false
		}
	}
	return true
}

// Less reports whether id sorts before other, comparing digit by digit
// from the most significant end (plain lexicographic/hex order, not
// circular).
func (id ID) Less(other ID) bool {
	n := len(id)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return len(id) < len(other)
}

// HexGreaterOrEqual performs a lexicographic comparison of two
// fixed-width hexadecimal IDs.
func HexGreaterOrEqual(a, b ID) bool {
	return !a.Less(b)
}

// CommonPrefixLen returns the number of leading digits id and other agree
// on, capped at the shorter ID's width.
func (id ID) CommonPrefixLen(other ID) int {
	n := len(id)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if id[i] != other[i] {
			return i
		}
	}
	return n
}

// Uint64 converts the ID's digits into an unsigned integer, most
// significant digit first. It is only meaningful for IDs narrow enough to
// fit (16 hex digits or fewer), which covers every width this package
// supports.
func (id ID) Uint64() uint64 {
	var v uint64
	for _, d := range id {
		v = v<<4 | uint64(d)
	}
	return v
}

// FirstDiff returns the index of the first differing digit between id and
// other (or len(id) if they're equal) along with the unsigned numeric
// distance between the two IDs. The distance is the plain integer
// difference |int(id) - int(other)|: the ring is intentionally NOT
// wrapped when computing this distance.
func (id ID) FirstDiff(other ID) (int, uint64) {
	i := id.CommonPrefixLen(other)
	a, b := id.Uint64(), other.Uint64()
	var delta uint64
	if a > b {
		delta = a - b
	} else {
		delta = b - a
	}
	return i, delta
}

// Distance is shorthand for the second return value of FirstDiff, used
// anywhere only the numeric distance (and not the differing digit index)
// is needed.
func (id ID) Distance(other ID) uint64 {
	_, delta := id.FirstDiff(other)
	return delta
}
