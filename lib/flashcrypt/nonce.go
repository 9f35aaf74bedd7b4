// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package flashcrypt

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/usedbytes/log"
)

// ErrQuadFallback is returned alongside an all-zero quad when the text
// couldn't be parsed. The zero value is what the vendor tool produces in
// this case, so callers which need to stay compatible can keep going.
var ErrQuadFallback = errors.New("malformed quad word string, using all-zero value")

// Nonce is the 128-bit AES input block, as four words. Word 3 is the block
// counter.
type Nonce [4]uint32

// LegacyNonce is fixed in the legacy (JN513x/JN514x) bootloader
const LegacyNonce = "00000010111213141516171800000000"

// MACNonce is used to encrypt the MAC address written into the
// bootloader's licence area
var MACNonce = Nonce{0x00000010, 0x11121314, 0x15161718, 0x00000000}

// ParseQuad parses "a,b,c,d" where each token is either 0x-prefixed hex or
// decimal. On any error the all-zero quad is returned, along with an error
// wrapping ErrQuadFallback.
func ParseQuad(text string) ([4]uint32, error) {
	var quad [4]uint32

	toks := strings.Split(text, ",")
	if len(toks) != 4 {
		return [4]uint32{}, errors.Wrapf(ErrQuadFallback, "expected 4 tokens, got %d", len(toks))
	}

	for i, tok := range toks {
		tok = strings.TrimSpace(tok)

		var v uint64
		var err error
		if strings.Contains(tok, "0x") {
			v, err = strconv.ParseUint(strings.TrimPrefix(tok, "0x"), 16, 32)
		} else {
			v, err = strconv.ParseUint(tok, 10, 32)
		}
		if err != nil {
			return [4]uint32{}, errors.Wrapf(ErrQuadFallback, "token %d ('%s')", i, tok)
		}
		quad[i] = uint32(v)
	}

	return quad, nil
}

// IsFallback reports whether err signals that a zero quad was substituted.
func IsFallback(err error) bool {
	return err != nil && errors.Cause(err) == ErrQuadFallback
}

func (n Nonce) Bytes() [BlockSize]byte {
	var b [BlockSize]byte
	for i, w := range n {
		binary.BigEndian.PutUint32(b[i*4:], w)
	}
	return b
}

// Next returns the nonce for the following block. Only the last word
// counts, and it wraps at 2^32.
func (n Nonce) Next() Nonce {
	n[3]++
	return n
}

func (n Nonce) String() string {
	return fmt.Sprintf("%08x%08x%08x%08x", n[0], n[1], n[2], n[3])
}

func trimHex(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "0x")
}

func quadString(s string) string {
	return "0x" + s[:8] + ",0x" + s[8:16] + ",0x" + s[16:24] + ",0x" + s[24:32]
}

// NonceFromIV builds the starting nonce from the 32 hex digit
// initialisation vector given by the user. The bootloader only uses the
// top 16 bits of the last word, the rest is the block counter.
func NonceFromIV(iv string) (Nonce, error) {
	iv = trimHex(iv)
	if len(iv) != 32 {
		return Nonce{}, errors.Errorf("nonce must be 32 hex digits, got %d", len(iv))
	}

	if iv[28:32] != "0000" {
		log.Println("WARNING: Lower 2 Bytes Ignored")
	}

	q, err := ParseQuad(quadString(iv[:28] + "0000"))
	return Nonce(q), err
}

// MACFieldNonce derives the per-device nonce from an 8 byte (16 hex digit)
// MAC field value: the MAC fills words 0 and 1, the rest is zero.
func MACFieldNonce(mac string) (Nonce, error) {
	mac = trimHex(mac)
	if len(mac) < 16 {
		return Nonce{}, errors.Wrapf(ErrQuadFallback, "MAC '%s' too short", mac)
	}
	q, err := ParseQuad(fmt.Sprintf("0x%s,0x%s,0x00000000,0x00000000", mac[:8], mac[8:16]))
	return Nonce(q), err
}
