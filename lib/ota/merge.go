// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package ota

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/usedbytes/jet-tools/lib/crc"
	"github.com/usedbytes/jet-tools/lib/device"
	"github.com/usedbytes/jet-tools/lib/flashcrypt"
	"github.com/usedbytes/log"
)

// Version words at the start of client images, by device type
var versionWords = map[uint32]device.Type{
	0x02060038: device.Type3,
	0x07030008: device.JN516x,
	0x0f03000b: device.JN516x,
	0x0a00030f: device.JN517x,
	0x0a000307: device.JN517x,
	0x0a000304: device.JN517x,
}

var copyMACMagic = []byte{
	0x12, 0x34, 0x56, 0x78, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
}

const (
	clientMACOffset = 16

	// Where the MAC goes in the server (bootloader) image
	serverMACOffset = 48

	// Image CRC, from the start of the embedded header
	crcOffset = 69

	elementTagImage = 0
)

// Client is a client image with its version word split off
type Client struct {
	Type device.Type
	// Version is nil for JN518x, which has no version word
	Version []byte
	Data    []byte
}

// Sniff identifies the client image's device type from its leading version
// word. Anything unrecognised is taken to be a JN518x.
func Sniff(data []byte) (*Client, error) {
	if len(data) < device.VersionLen {
		return nil, &device.LayoutError{What: "version word", Offset: 0, Len: device.VersionLen, ImageLen: len(data)}
	}

	word := binary.BigEndian.Uint32(data)
	t, ok := versionWords[word]
	if !ok {
		return &Client{Type: device.JN518x, Data: data}, nil
	}

	return &Client{
		Type:    t,
		Version: data[:device.VersionLen],
		Data:    data[device.VersionLen:],
	}, nil
}

// HasMAC reports whether the client carries a MAC for the bootloader
func (c *Client) HasMAC() bool {
	return len(c.Data) >= clientMACOffset+device.MACLen && bytes.HasPrefix(c.Data, copyMACMagic)
}

func (c *Client) MAC() []byte {
	return c.Data[clientMACOffset : clientMACOffset+device.MACLen]
}

// Embed replaces skip bytes of image at offset with hdr
func Embed(image []byte, offset int, hdr []byte, skip int) ([]byte, error) {
	if offset < 0 || offset+skip > len(image) {
		return nil, &device.LayoutError{What: "embedded OTA header", Offset: offset, Len: skip, ImageLen: len(image)}
	}

	out := make([]byte, 0, len(image)-skip+len(hdr))
	out = append(out, image[:offset]...)
	out = append(out, hdr...)
	out = append(out, image[offset+skip:]...)
	return out, nil
}

type MergeOptions struct {
	Config *Config
	// OTA header offset in the client image
	HeaderOffset int
	SectorSize   int
	// Prepend the OTA header and element header to the client
	AddHeader bool
	// Write the OTA header into the client image itself
	EmbedHeader bool
	ImageCRC    bool
	CopyMAC     bool
	// Don't write the client's version word
	StripVersion bool
	// Encrypts the copied MAC, if set
	Key *flashcrypt.Key
}

type Merged struct {
	Client *Client
	Header *Header
	Data   []byte
	CRC    uint32
}

// Merge builds an OTA file: the (optional) server image, padded to a
// sector boundary, followed by the client.
func Merge(server, client []byte, opts *MergeOptions) (*Merged, error) {
	c, err := Sniff(client)
	if err != nil {
		return nil, err
	}
	log.Verbosef("Client is %s\n", c.Type)

	hdr, err := Build(opts.Config, c.Type, client, opts.HeaderOffset)
	if err != nil {
		return nil, errors.Wrap(err, "Building OTA header")
	}
	hdrBytes := opts.Config.Bytes(hdr)

	out := &bytes.Buffer{}

	if server != nil {
		if opts.CopyMAC && c.HasMAC() && c.Type != device.JN518x {
			server, err = copyMAC(server, c.MAC(), opts.Key)
			if err != nil {
				return nil, err
			}
		}
		out.Write(server)
	}

	serverSize := out.Len()
	if opts.SectorSize > 0 {
		padding := opts.SectorSize - serverSize%opts.SectorSize
		if padding < opts.SectorSize {
			out.Write(make([]byte, padding))
		}
	}

	log.Println("Sizes:")
	log.Println("|  Server  |OTA Header|  Client  | Total Client")
	log.Printf("|%10d|%10d|%10d|%10d\n", serverSize, opts.Config.Size(), len(c.Data), hdr.TotalImageSize)

	if c.Version != nil && !opts.StripVersion {
		out.Write(c.Version)
	}

	if opts.AddHeader {
		out.Write(hdrBytes)
		binary.Write(out, binary.LittleEndian, uint16(elementTagImage))
		binary.Write(out, binary.LittleEndian, uint32(len(c.Data)))
	}

	image := c.Data
	m := &Merged{Client: c, Header: hdr}
	if opts.EmbedHeader {
		at := opts.HeaderOffset
		if c.Type != device.JN518x {
			at -= device.VersionLen
		}

		image, err = Embed(c.Data, at, hdrBytes, opts.Config.Size())
		if err != nil {
			return nil, err
		}

		if opts.ImageCRC {
			image, m.CRC, err = embedCRC(image, at+crcOffset)
			if err != nil {
				return nil, err
			}
			log.Printf("image crc: 0x%08X\n", m.CRC)
		}
	}

	out.Write(image)
	m.Data = out.Bytes()

	log.Printf("OTA image is %s\n", humanize.IBytes(uint64(len(m.Data))))

	return m, nil
}

func copyMAC(server, mac []byte, key *flashcrypt.Key) ([]byte, error) {
	log.Println("Copying Image MAC to Bootloader MAC")
	log.Verbosef("macAddress: %s\n", hex.EncodeToString(mac))

	encoded := mac
	if key != nil {
		var err error
		encoded, err = flashcrypt.EncryptBlocks(flashcrypt.MACNonce, key[:], mac)
		if err != nil {
			return nil, err
		}
	}

	// The encrypted MAC fills a whole block
	end := serverMACOffset + len(encoded)
	if end > len(server) {
		return nil, &device.LayoutError{What: "bootloader MAC", Offset: serverMACOffset, Len: len(encoded), ImageLen: len(server)}
	}

	patched := make([]byte, len(server))
	copy(patched, server)
	copy(patched[serverMACOffset:], encoded)

	return patched, nil
}

func embedCRC(image []byte, offset int) ([]byte, uint32, error) {
	if offset+4 > len(image) {
		return nil, 0, &device.LayoutError{What: "image CRC", Offset: offset, Len: 4, ImageLen: len(image)}
	}

	binary.LittleEndian.PutUint32(image[offset:], 0)
	sum := crc.ImageCRC(image)
	binary.LittleEndian.PutUint32(image[offset:], sum)

	return image, sum, nil
}
