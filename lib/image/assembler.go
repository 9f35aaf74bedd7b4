// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>

// Package image reassembles JN51xx flash images: per-device fields are
// spliced into the data region, which is then padded and encrypted, and a
// new header is put in front.
package image

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/usedbytes/jet-tools/lib/config"
	"github.com/usedbytes/jet-tools/lib/device"
	"github.com/usedbytes/jet-tools/lib/flashcrypt"
	"github.com/usedbytes/jet-tools/lib/ota"
	"github.com/usedbytes/log"
)

type Options struct {
	Profile *device.Profile

	// Encrypt the data region with Key, starting from the nonce given by IV
	// (32 hex digits). Without Encrypt, Key is only the index key used for
	// private key fields.
	Encrypt bool
	Key     *flashcrypt.Key
	IV      string

	// Pad the new-header code length even when not encrypting
	EnableEncrypt bool
	// Encrypt 21-byte private key fields on JN516x
	PrivateEncrypt bool

	// OTA header and extension, embedded at the profile's OTA header offset
	// when encrypting
	OTAHeader []byte
}

// Output is one finished image
type Output struct {
	Name string
	MAC  string
	Data []byte
}

type Assembler struct {
	opts    *Options
	profile *device.Profile
	image   []byte
	loc     *device.Location

	iv          flashcrypt.Nonce
	headerNonce []byte
	// Data region before any fields are spliced
	template []byte
}

const privateKeyLen = 21

// NewAssembler checks image against the profile and prepares the parts
// shared by every row.
func NewAssembler(image []byte, opts *Options) (*Assembler, error) {
	p := opts.Profile

	loc, err := p.Locate(image)
	if err != nil {
		return nil, err
	}
	log.Verbosef("%s: data at 0x%x, OTA header at 0x%x\n", p, loc.DataStart, loc.OTAHeader)
	if len(loc.Variant) > 0 {
		log.Printf("JN518x %s\n", loc.Variant)
	}

	a := &Assembler{
		opts:    opts,
		profile: p,
		image:   image,
		loc:     loc,
	}

	if opts.Encrypt {
		if opts.Key == nil {
			return nil, errors.New("No eFuse Key provided")
		}

		a.iv, err = flashcrypt.NonceFromIV(opts.IV)
		if flashcrypt.IsFallback(err) {
			log.Println("WARNING:", err)
		} else if err != nil {
			return nil, err
		}
	} else if opts.PrivateEncrypt && opts.Key == nil {
		return nil, errors.New("No Index Key Provided")
	}

	if err := a.prepareNonce(); err != nil {
		return nil, err
	}

	// The JN518x OTA header sits right at the start of the data, the
	// per-device images keep the one from the build
	embedOTA := p.Family() != device.FamilyJN518x
	a.template, err = a.dataRegion(loc.DataStart, embedOTA, true)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// prepareNonce picks the nonce which goes into the image header. When
// encrypting, it's the IV with its last two bytes replaced by the image's
// SW config. Otherwise, it's whatever the image already has.
func (a *Assembler) prepareNonce() error {
	if a.profile.Family() == device.FamilyLegacy {
		return nil
	}

	if a.opts.Encrypt {
		b := a.iv.Bytes()
		copy(b[device.NonceLen-device.SWConfigLen:], a.loc.SWConfig)
		a.headerNonce = b[:]
		log.Verbosef("SWconfig = %x, header nonce = %x\n", a.loc.SWConfig, a.headerNonce)
		return nil
	}

	if a.profile.Family() == device.FamilyNewHeader {
		a.headerNonce = make([]byte, device.NonceLen)
		return nil
	}

	a.headerNonce = append([]byte{}, a.loc.Nonce...)
	log.Verbosef("Nonce: %x\n", a.headerNonce)
	return nil
}

// dataRegion copies the image from start, with the header fields which
// depend on the padding and the OTA header fixed up. The new-header code
// length is only rewritten for the per-device images; whole-image
// encryption leaves it as built.
func (a *Assembler) dataRegion(start int, embedOTA, codeLength bool) ([]byte, error) {
	if start > len(a.image) {
		return nil, &device.LayoutError{What: "data", Offset: start, Len: 0, ImageLen: len(a.image)}
	}

	region := make([]byte, len(a.image)-start)
	copy(region, a.image[start:])

	if codeLength && a.profile.Family() == device.FamilyNewHeader && start <= device.CodeLengthOffset {
		if a.opts.Encrypt || a.opts.EnableEncrypt {
			words, err := device.CodeLength(a.image)
			if err != nil {
				return nil, err
			}
			padded := paddedCodeLength(words)
			log.Verbosef("Code length %d words, padded to %d\n", words, padded)
			binary.BigEndian.PutUint16(region[device.CodeLengthOffset-start:], padded)
		} else {
			log.Println("WARNING: Encrypt Enable option not provided, hence appropriate padding not provided")
		}
	}

	if embedOTA && a.opts.Encrypt && len(a.opts.OTAHeader) > 0 && a.profile.Family() != device.FamilyLegacy {
		var err error
		region, err = ota.Embed(region, a.loc.OTAHeader-start, a.opts.OTAHeader, len(a.opts.OTAHeader))
		if err != nil {
			return nil, errors.Wrap(err, "Embedding OTA header")
		}
	}

	return region, nil
}

// paddedCodeLength rounds a length in words up to the next whole block. An
// aligned length still gains a block, like the legacy header length.
func paddedCodeLength(words uint16) uint16 {
	n := int(words) * 4
	n += flashcrypt.BlockSize - n%flashcrypt.BlockSize
	return uint16(n / 4)
}

// finish pads the region and, for JN518x, adds the padding to the image
// size held in the region
func (a *Assembler) finish(region []byte, start int) []byte {
	padding := flashcrypt.PaddedLen(len(region)) - len(region)
	region = flashcrypt.Pad(region)

	if a.loc.SizeOffset >= start {
		size := a.loc.ImageSize + uint32(padding)
		binary.LittleEndian.PutUint32(region[a.loc.SizeOffset-start:], size)
		log.Verbosef("Image size 0x%x -> 0x%x\n", a.loc.ImageSize, size)
	}

	return region
}

func (a *Assembler) encrypt(region []byte) ([]byte, error) {
	return flashcrypt.EncryptBlocks(a.iv, a.opts.Key[:], region)
}

// header builds everything in front of the data region
func (a *Assembler) header(mac string) ([]byte, error) {
	p := a.profile
	l := p.Layout()

	if l.Family == device.FamilyLegacy {
		return p.LegacyHeader(a.image)
	}

	hdr := []byte{}
	if l.MACInHeader {
		macBytes, err := hex.DecodeString(mac)
		if err != nil || len(macBytes) != device.MACLen {
			return nil, errors.Errorf("invalid MAC address '%s'", mac)
		}
		hdr = append(hdr, a.image[p.HeaderStart():l.MACOffset]...)
		hdr = append(hdr, macBytes...)
	} else {
		hdr = append(hdr, a.image[p.HeaderStart():l.NonceOffset]...)
	}

	return append(hdr, a.headerNonce...), nil
}

// CheckFields makes sure the field set can name every output
func (a *Assembler) CheckFields(fs *config.FieldSet) error {
	if _, ok := a.profile.FixedMAC(); ok {
		return nil
	}

	l := a.profile.Layout()
	f := fs.Find(l.MACOffset)
	if f == nil {
		return errors.Errorf("no MAC address field at 0x%x in the field config", l.MACOffset)
	}
	if f.Length != device.MACLen {
		return errors.Errorf("MAC address field at 0x%x must be %d bytes", l.MACOffset, device.MACLen)
	}

	return nil
}

func (a *Assembler) rowMAC(fs *config.FieldSet, row int) string {
	if mac, ok := a.profile.FixedMAC(); ok {
		return mac
	}
	f := fs.Find(a.profile.Layout().MACOffset)
	if f == nil || row >= len(f.Values) {
		return ""
	}
	return fieldText(f.Values[row])
}

// privateKey encrypts 21-byte private key fields with the index key, using
// the device's MAC as the nonce.
func (a *Assembler) privateKey(mac string) transform {
	if a.opts.Encrypt || !a.opts.PrivateEncrypt || a.profile.Type != device.JN516x {
		return nil
	}

	return func(f *config.Field, value []byte) ([]byte, error) {
		if f.Length != privateKeyLen {
			return value, nil
		}

		nonce, err := flashcrypt.MACFieldNonce(mac)
		if flashcrypt.IsFallback(err) {
			log.Println("WARNING:", err)
		}

		enc, err := flashcrypt.EncryptBlocks(nonce, a.opts.Key[:], value)
		if err != nil {
			return nil, err
		}
		return enc[:privateKeyLen], nil
	}
}

func (a *Assembler) patch(fs *config.FieldSet, row int, mac string) ([]byte, error) {
	start := a.loc.DataStart
	region, err := splice(a.template, start, fs.Sorted(), row, a.privateKey(mac))
	if err != nil {
		return nil, err
	}

	region = a.finish(region, start)

	if a.opts.Encrypt {
		return a.encrypt(region)
	}

	return region, nil
}

// Row builds the output image for one row of the field set
func (a *Assembler) Row(fs *config.FieldSet, row int) (*Output, error) {
	mac := a.rowMAC(fs, row)

	region, err := a.patch(fs, row, mac)
	if err != nil {
		return nil, &RowError{Row: row, MAC: mac, Err: err}
	}

	hdr, err := a.header(mac)
	if err != nil {
		return nil, &RowError{Row: row, MAC: mac, Err: err}
	}

	return &Output{
		Name: "output" + mac + ".bin",
		MAC:  mac,
		Data: append(hdr, region...),
	}, nil
}

// EncryptImage encrypts the whole image from the profile's encryption
// offset, with no per-device fields.
func (a *Assembler) EncryptImage() (*Output, error) {
	if !a.opts.Encrypt {
		return nil, errors.New("EncryptImage needs a key")
	}

	p := a.profile
	start := p.EncOffset()
	region, err := a.dataRegion(start, true, false)
	if err != nil {
		return nil, err
	}

	region, err = a.encrypt(a.finish(region, start))
	if err != nil {
		return nil, err
	}

	var hdr []byte
	if p.Family() == device.FamilyLegacy {
		hdr, err = p.LegacyHeader(a.image)
		if err != nil {
			return nil, err
		}
	} else {
		l := p.Layout()
		hdr = append([]byte{}, a.image[p.HeaderStart():l.NonceOffset]...)
		hdr = append(hdr, a.headerNonce...)
	}

	return &Output{Data: append(hdr, region...)}, nil
}
