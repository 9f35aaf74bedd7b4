// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package flashcrypt

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Key is an AES-128 eFuse key
type Key [KeySize]byte

func KeyFromQuad(q [4]uint32) Key {
	var k Key
	for i, w := range q {
		binary.BigEndian.PutUint32(k[i*4:], w)
	}
	return k
}

// ParseKey accepts the key as 32 hex digits, optionally 0x-prefixed.
// Unlike the nonce, a bad key is never silently replaced.
func ParseKey(text string) (Key, error) {
	s := trimHex(text)
	if len(s) != 32 {
		return Key{}, errors.Errorf("key must be 32 hex digits, got %d", len(s))
	}

	q, err := ParseQuad(quadString(s))
	if err != nil {
		return Key{}, errors.Wrap(err, "Parsing key")
	}

	return KeyFromQuad(q), nil
}
