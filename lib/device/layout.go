// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package device

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	NonceLen    = 16
	MACLen      = 8
	VersionLen  = 4
	SWConfigLen = 2

	// Legacy images keep the code length at 8 and the header runs to 48
	legacyLengthOffset = 8
	legacyHeaderLen    = 48

	// New-header images keep the code length (in words) at 42
	CodeLengthOffset = 42

	// JN518x
	signatureOffset  = 36
	es1PointerOffset = 40
	es2PointerOffset = 36
	es1Signature     = 0x98447902
	magicPointerBias = 12
	jn518xFixedMAC   = "FFFFFFFFFFFFFFFF"
	legacyMagic      = 0xe1e1e1e1
	noOffset         = -1
)

// Layout holds the fixed offsets for one family
type Layout struct {
	Family Family

	// Start of the encrypted region
	DataStart int
	// Where the nonce is stored in the image header, noOffset if there
	// isn't one
	NonceOffset int
	// Offset in the field config which holds the per-device MAC.
	// noOffset means the MAC is fixed.
	MACOffset int
	// MAC sits in the header, in the clear, just before the nonce
	MACInHeader bool
	// Default offset of the embedded OTA header
	OTAHeaderOffset int
	SWConfigOffset  int
	// The programmer can strip the leading version word
	CanStrip bool
	// The image size is found through the magic pointer
	MagicPointer bool
}

var layouts = map[Family]*Layout{
	FamilyLegacy: &Layout{
		Family:          FamilyLegacy,
		DataStart:       48,
		NonceOffset:     noOffset,
		MACOffset:       48,
		OTAHeaderOffset: 104,
		SWConfigOffset:  34,
	},
	FamilyNewHeader: &Layout{
		Family:          FamilyNewHeader,
		DataStart:       40,
		NonceOffset:     24,
		MACOffset:       16,
		MACInHeader:     true,
		OTAHeaderOffset: 104,
		SWConfigOffset:  34,
	},
	FamilyType3: &Layout{
		Family:          FamilyType3,
		DataStart:       44,
		NonceOffset:     28,
		MACOffset:       20,
		MACInHeader:     true,
		OTAHeaderOffset: 108,
		SWConfigOffset:  42,
		CanStrip:        true,
	},
	FamilyJN516x: &Layout{
		Family:          FamilyJN516x,
		DataStart:       36,
		NonceOffset:     20,
		MACOffset:       68,
		OTAHeaderOffset: 84,
		SWConfigOffset:  34,
		CanStrip:        true,
	},
	FamilyJN517x: &Layout{
		Family:          FamilyJN517x,
		DataStart:       36,
		NonceOffset:     20,
		MACOffset:       420,
		OTAHeaderOffset: 436,
		SWConfigOffset:  34,
		CanStrip:        true,
	},
	FamilyJN518x: &Layout{
		Family:          FamilyJN518x,
		DataStart:       352,
		NonceOffset:     336,
		MACOffset:       noOffset,
		OTAHeaderOffset: 352,
		SWConfigOffset:  34,
		MagicPointer:    true,
	},
}

// LayoutError means the image doesn't fit the layout. It only fails the
// image (or row) being processed.
type LayoutError struct {
	What     string
	Offset   int
	Len      int
	ImageLen int
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("image too short for %s: need 0x%x bytes at 0x%x, have 0x%x",
		e.What, e.Len, e.Offset, e.ImageLen)
}

func checkRange(image []byte, what string, offset, length int) error {
	if offset < 0 || offset+length > len(image) {
		return &LayoutError{What: what, Offset: offset, Len: length, ImageLen: len(image)}
	}
	return nil
}

// ProfileOptions are the user-tunable parts of a Profile. Zero offsets take
// the family default.
type ProfileOptions struct {
	StripVersion    bool
	OTAHeaderOffset int
	EncOffset       int
}

// Profile is the immutable per-run description of the target
type Profile struct {
	Type         Type
	Header       HeaderType
	StripVersion bool

	otaHeaderOffset int
	encOffset       int
	layout          *Layout
}

func NewProfile(t Type, h HeaderType, opts ProfileOptions) (*Profile, error) {
	if !t.Valid() {
		return nil, errors.Errorf("invalid device type %d", int(t))
	}
	if !h.Valid() {
		return nil, errors.Errorf("invalid flash header type %d", int(h))
	}

	l := layouts[familyOf(t, h)]
	p := &Profile{
		Type:            t,
		Header:          h,
		StripVersion:    opts.StripVersion && l.CanStrip,
		otaHeaderOffset: l.OTAHeaderOffset,
		encOffset:       l.DataStart,
		layout:          l,
	}

	if opts.OTAHeaderOffset != 0 {
		p.otaHeaderOffset = opts.OTAHeaderOffset
	}
	if opts.EncOffset != 0 {
		p.encOffset = opts.EncOffset
	}

	return p, nil
}

func (p *Profile) Layout() Layout {
	return *p.layout
}

func (p *Profile) Family() Family {
	return p.layout.Family
}

func (p *Profile) DataStart() int {
	return p.layout.DataStart
}

func (p *Profile) OTAHeaderOffset() int {
	return p.otaHeaderOffset
}

// EncOffset is where whole-image encryption starts
func (p *Profile) EncOffset() int {
	if p.layout.Family == FamilyLegacy {
		return p.layout.DataStart
	}
	return p.encOffset
}

// HeaderStart is 4 when the version word is being stripped
func (p *Profile) HeaderStart() int {
	if p.StripVersion {
		return VersionLen
	}
	return 0
}

// FixedMAC is the MAC used to name outputs for families which don't take
// one from the field config.
func (p *Profile) FixedMAC() (string, bool) {
	if p.layout.MACOffset == noOffset {
		return jn518xFixedMAC, true
	}
	return "", false
}

// IsMACField reports whether a field config offset is the device MAC
func (p *Profile) IsMACField(offset int) bool {
	return p.layout.MACOffset != noOffset && offset == p.layout.MACOffset
}

func (p *Profile) String() string {
	return fmt.Sprintf("%s (%s flash header, %s layout)", p.Type, p.Header, p.layout.Family)
}

// Location is what Locate found in an image
type Location struct {
	DataStart int
	OTAHeader int
	MACOffset int

	// Nonce as stored in the image, nil if the family doesn't store one
	Nonce    []byte
	SWConfig []byte

	// JN518x only: where the image size word lives, and its value
	SizeOffset int
	ImageSize  uint32
	Variant    string
}

// Locate checks that image is large enough for the profile, and resolves
// the offsets which depend on the image contents.
func (p *Profile) Locate(image []byte) (*Location, error) {
	l := p.layout
	loc := &Location{
		DataStart:  l.DataStart,
		OTAHeader:  p.otaHeaderOffset,
		MACOffset:  l.MACOffset,
		SizeOffset: noOffset,
	}

	if err := checkRange(image, "header", 0, l.DataStart); err != nil {
		return nil, err
	}

	if l.Family == FamilyLegacy {
		if err := checkRange(image, "legacy header", 0, legacyHeaderLen); err != nil {
			return nil, err
		}
	}

	if l.NonceOffset != noOffset {
		if err := checkRange(image, "nonce", l.NonceOffset, NonceLen); err != nil {
			return nil, err
		}
		loc.Nonce = image[l.NonceOffset : l.NonceOffset+NonceLen]
	}

	if err := checkRange(image, "SW config", l.SWConfigOffset, SWConfigLen); err != nil {
		return nil, err
	}
	loc.SWConfig = image[l.SWConfigOffset : l.SWConfigOffset+SWConfigLen]

	if l.MagicPointer {
		if err := p.locateImageSize(image, loc); err != nil {
			return nil, err
		}
	}

	return loc, nil
}

func (p *Profile) locateImageSize(image []byte, loc *Location) error {
	if err := checkRange(image, "signature", signatureOffset, 8); err != nil {
		return err
	}

	ptrOffset := es2PointerOffset
	loc.Variant = "ES2"
	if binary.LittleEndian.Uint32(image[signatureOffset:]) == es1Signature {
		ptrOffset = es1PointerOffset
		loc.Variant = "ES1"
	}

	ptr := int(binary.LittleEndian.Uint32(image[ptrOffset:])) + magicPointerBias
	if ptr < p.layout.DataStart {
		return &LayoutError{What: "image size (before data start)", Offset: ptr, Len: 4, ImageLen: len(image)}
	}
	if err := checkRange(image, "image size", ptr, 4); err != nil {
		return err
	}

	loc.SizeOffset = ptr
	loc.ImageSize = binary.LittleEndian.Uint32(image[ptr:])

	return nil
}

// CodeLength reads the big-endian code length, in 32-bit words, from a
// new-header image
func CodeLength(image []byte) (uint16, error) {
	if err := checkRange(image, "code length", CodeLengthOffset, 2); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(image[CodeLengthOffset:]), nil
}

// LegacyHeader rewrites the first 48 bytes of a legacy-header image: the
// magic becomes E1E1E1E1 (except JN514x, which keeps its own), and the
// length is rounded up to the next block. An aligned length still gets a
// full extra block, which is what the bootloader expects.
func (p *Profile) LegacyHeader(image []byte) ([]byte, error) {
	if err := checkRange(image, "legacy header", 0, legacyHeaderLen); err != nil {
		return nil, err
	}

	hdr := make([]byte, legacyHeaderLen)
	copy(hdr, image)

	if p.Type != JN514x {
		binary.BigEndian.PutUint32(hdr[0:], legacyMagic)
	}

	length := binary.BigEndian.Uint32(hdr[legacyLengthOffset:])
	length += 16 - length%16
	binary.BigEndian.PutUint32(hdr[legacyLengthOffset:], length)

	return hdr, nil
}
