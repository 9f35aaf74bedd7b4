// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package flashcrypt

import (
	"crypto/aes"
	"fmt"
)

const (
	BlockSize = aes.BlockSize
	KeySize   = 16

	// PadByte fills the last block, it's the erased flash value
	PadByte byte = 0xff
)

// KeySizeError is returned when the key isn't AES-128
type KeySizeError int

func (k KeySizeError) Error() string {
	return fmt.Sprintf("flashcrypt: invalid key size %d, must be %d bytes", int(k), KeySize)
}

// PaddedLen returns n rounded up to a whole number of blocks
func PaddedLen(n int) int {
	if n%BlockSize == 0 {
		return n
	}
	return n + (BlockSize - n%BlockSize)
}

// Pad returns a copy of data, filled up to a whole number of blocks with
// PadByte.
func Pad(data []byte) []byte {
	res := make([]byte, PaddedLen(len(data)))
	n := copy(res, data)
	for i := n; i < len(res); i++ {
		res[i] = PadByte
	}
	return res
}

// EncryptBlocks XORs each block of the padded plaintext with
// AES-ECB(key, nonce), incrementing the nonce counter after every block.
// The output keeps the padding.
func EncryptBlocks(nonce Nonce, key []byte, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, KeySizeError(len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	data := Pad(plaintext)
	var ks [BlockSize]byte
	for off := 0; off < len(data); off += BlockSize {
		in := nonce.Bytes()
		block.Encrypt(ks[:], in[:])
		for i := range ks {
			data[off+i] ^= ks[i]
		}
		nonce = nonce.Next()
	}

	return data, nil
}

// DecryptBlocks is the same transform as EncryptBlocks
func DecryptBlocks(nonce Nonce, key []byte, ciphertext []byte) ([]byte, error) {
	return EncryptBlocks(nonce, key, ciphertext)
}
