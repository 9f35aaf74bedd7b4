// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>

// Package ota builds Zigbee OTA upgrade headers and merges server and client
// images into OTA files.
package ota

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/usedbytes/jet-tools/lib/device"
	"github.com/usedbytes/log"
)

const (
	Magic     uint32 = 0x0beef11e
	HeaderLen        = 56

	HeaderStringLen = 32

	// Offsets into an embedded header in the client image
	manufacturerOffset = 10
	imageTypeOffset    = 12
	headerStringOffset = 20
)

// Header is the fixed part of the OTA header, little-endian on the wire
type Header struct {
	Magic          uint32
	HeaderVersion  uint16
	HeaderLength   uint16
	FieldControl   uint16
	Manufacturer   uint16
	ImageType      uint16
	FileVersion    uint32
	StackVersion   uint16
	HeaderString   [HeaderStringLen]byte
	TotalImageSize uint32
}

func (h *Header) Bytes() []byte {
	buf := &bytes.Buffer{}
	// Can't fail, the struct is all fixed-size fields
	binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

func (h *Header) String() string {
	return fmt.Sprintf("OTA header: manufacturer 0x%04x, image type 0x%04x, file version 0x%08x, total size %d, '%s'",
		h.Manufacturer, h.ImageType, h.FileVersion, h.TotalImageSize,
		strings.TrimRight(string(h.HeaderString[:]), "\x00"))
}

// Field control bits
const (
	FieldSecurity    = 1 << 0
	FieldDestination = 1 << 1
	FieldHardware    = 1 << 2
)

// Extension holds the optional header fields. They're serialised in a fixed
// order: security version, destination MAC, hardware versions.
type Extension struct {
	Security    *uint8
	Destination *uint64
	Hardware    *[2]uint16
}

func (e Extension) Control() uint16 {
	var c uint16
	if e.Security != nil {
		c |= FieldSecurity
	}
	if e.Destination != nil {
		c |= FieldDestination
	}
	if e.Hardware != nil {
		c |= FieldHardware
	}
	return c
}

func (e Extension) Bytes() []byte {
	buf := &bytes.Buffer{}
	if e.Security != nil {
		buf.WriteByte(*e.Security)
	}
	if e.Destination != nil {
		binary.Write(buf, binary.LittleEndian, *e.Destination)
	}
	if e.Hardware != nil {
		binary.Write(buf, binary.LittleEndian, e.Hardware[:])
	}
	return buf.Bytes()
}

func (e Extension) Len() int {
	n := 0
	if e.Security != nil {
		n += 1
	}
	if e.Destination != nil {
		n += 8
	}
	if e.Hardware != nil {
		n += 4
	}
	return n
}

// Signature element overheads, by sign_integrity value
var signatureOverhead = map[int]int{
	0: 6,
	1: 18 + 50 + 48,
	2: 18 + 80 + 74,
	3: 6 + 22,
}

// Config is the user's description of the header. Zero Manufacturer or
// ImageType, and an empty HeaderString, are read from the header already
// in the client image.
type Config struct {
	HeaderVersion uint16
	FileVersion   uint32
	StackVersion  uint16
	Manufacturer  uint16
	ImageType     uint16
	HeaderString  string
	Extension     Extension
	SignIntegrity int
}

// Size is the length of the header plus its extension
func (c *Config) Size() int {
	return HeaderLen + c.Extension.Len()
}

// Build fills in the OTA header for client, whose own header template sits
// at otaOffset.
func Build(c *Config, t device.Type, client []byte, otaOffset int) (*Header, error) {
	overhead, ok := signatureOverhead[c.SignIntegrity]
	if !ok {
		return nil, errors.Errorf("invalid signature type %d", c.SignIntegrity)
	}

	total := c.Size() + len(client) + overhead
	switch t {
	case device.Type3, device.JN516x, device.JN517x:
		// The version word doesn't make it into the OTA file
		total -= device.VersionLen
	}

	h := &Header{
		Magic:          Magic,
		HeaderVersion:  c.HeaderVersion,
		HeaderLength:   uint16(c.Size()),
		FieldControl:   c.Extension.Control(),
		Manufacturer:   c.Manufacturer,
		ImageType:      c.ImageType,
		FileVersion:    c.FileVersion,
		StackVersion:   c.StackVersion,
		TotalImageSize: uint32(total),
	}

	if len(c.HeaderString) != 0 {
		if len(c.HeaderString) != HeaderStringLen {
			return nil, errors.Errorf("Invalid OTA Header String Size %d", len(c.HeaderString))
		}
		copy(h.HeaderString[:], c.HeaderString)
		return h, nil
	}

	end := otaOffset + headerStringOffset + HeaderStringLen
	if otaOffset < 0 || end > len(client) {
		return nil, &device.LayoutError{What: "OTA header string", Offset: otaOffset + headerStringOffset,
			Len: HeaderStringLen, ImageLen: len(client)}
	}
	copy(h.HeaderString[:], client[otaOffset+headerStringOffset:end])
	log.Verbosef("OTA Header String Fetched From Bin: %s\n", strings.TrimRight(string(h.HeaderString[:]), "\x00"))

	if h.Manufacturer == 0 {
		h.Manufacturer = binary.LittleEndian.Uint16(client[otaOffset+manufacturerOffset:])
		log.Printf("Manufacturer Code Fetched From Bin: 0x%04x\n", h.Manufacturer)
	}
	if h.ImageType == 0 {
		h.ImageType = binary.LittleEndian.Uint16(client[otaOffset+imageTypeOffset:])
		log.Printf("Image Type Fetched From Bin: 0x%04x\n", h.ImageType)
	}

	return h, nil
}

// Bytes is the header followed by its extension
func (c *Config) Bytes(h *Header) []byte {
	return append(h.Bytes(), c.Extension.Bytes()...)
}

// DefaultName is MANUFACTURER-IMAGETYPE-FILEVERSION-upgrademe.zigbee, with
// the file version right-padded to 8 digits.
func DefaultName(h *Header) string {
	version := fmt.Sprintf("%X", h.FileVersion)
	for len(version) < 8 {
		version += "0"
	}
	return fmt.Sprintf("%X-%X-%s-upgrademe.zigbee", h.Manufacturer, h.ImageType, version)
}
