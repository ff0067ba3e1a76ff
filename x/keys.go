// Portions Copyright 2017-2018 Dgraph Labs, Inc. are available under the Apache 2.0 license.
// Portions Copyright 2022 Outcaste, Inc. are available under the Smart License.

package x

import (
	"encoding/binary"

	farm "github.com/dgryski/go-farm"
)

// Key prefixes, one byte each, so a prefix scan over the KV store can tell
// entry rows from index rows apart without parsing the rest of the key.
// This plays the role ParsedKey/x.DataPrefix/x.IndexPrefix play elsewhere
// in this stack, collapsed down to the two prefixes this core actually
// needs.
const (
	PrefixEntry byte = 0x01
	PrefixIndex byte = 0x02
)

// EntryKey returns the storage key for an entry's id2entry row.
func EntryKey(id uint64) []byte {
	key := make([]byte, 9)
	key[0] = PrefixEntry
	binary.BigEndian.PutUint64(key[1:], id)
	return key
}

// IndexKeyPrefix returns the shared prefix for every index row belonging
// to a single attribute, i.e. everything before the per-value fingerprint.
func IndexKeyPrefix(attr string) []byte {
	key := make([]byte, 0, 1+len(attr)+1)
	key = append(key, PrefixIndex)
	key = append(key, attr...)
	key = append(key, 0) // NUL separator between attribute name and value hash
	return key
}

// IndexKey returns the key for a single (attribute, normalized value,
// entry id) index row: prefix | attr | 0x00 | fp64(value) | entry id. The
// entry id suffix lets many entries share one value without collisions:
// index rows are really value->entry-id edges rather than value->single-id
// mappings.
func IndexKey(attr string, normalizedValue []byte, entryID uint64) []byte {
	prefix := IndexKeyPrefix(attr)
	key := make([]byte, len(prefix)+8+8)
	n := copy(key, prefix)
	fp := farm.Fingerprint64(normalizedValue)
	binary.BigEndian.PutUint64(key[n:], fp)
	binary.BigEndian.PutUint64(key[n+8:], entryID)
	return key
}
