// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

package x

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
)

// ToHex renders an entry ID as a fixed-width hex string, suitable as a map
// key or log field.
func ToHex(id uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return hex.EncodeToString(buf[:])
}

// FromHex parses a hex-encoded entry ID, returning 0 on any malformed
// input (a zero-on-error contract, not an error return).
func FromHex(s string) uint64 {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

var errInvalidID = errors.New("entry ID must be greater than 0")

// ValidateID returns an error if id is the zero value, which this core
// never treats as a legitimate entry identifier.
func ValidateID(id uint64) error {
	if id == 0 {
		return errInvalidID
	}
	return nil
}
