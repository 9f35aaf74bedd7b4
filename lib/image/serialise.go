// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package image

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/usedbytes/jet-tools/lib/config"
	"github.com/usedbytes/jet-tools/lib/device"
	"github.com/usedbytes/jet-tools/lib/flashcrypt"
)

const (
	// New-header offsets are in the second 64k page of the licence area
	newHeaderSerialBase = 0x10000
	serialMACOffset     = "0030"
)

// CanSerialise reports whether the family supports serialisation data
func CanSerialise(f device.Family) bool {
	switch f {
	case device.FamilyType3, device.FamilyNewHeader, device.FamilyLegacy:
		return true
	}
	return false
}

func (a *Assembler) serialOffset(f *config.Field) string {
	if a.profile.Family() == device.FamilyNewHeader {
		return fmt.Sprintf("%x", f.Offset+newHeaderSerialBase)
	}
	if a.profile.StripVersion {
		return fmt.Sprintf("%x", f.Offset-device.VersionLen)
	}
	return f.OffsetText
}

// Serialise produces the serialisation line for one row: "0", the
// encrypted bootloader MAC for new-header devices, then
// ",offset,length,value" for each field. Fields in the data region carry
// their encrypted bytes, the MAC in the header is in the clear.
func (a *Assembler) Serialise(fs *config.FieldSet, row int) (string, error) {
	if !CanSerialise(a.profile.Family()) {
		return "", errors.Errorf("serialisation data isn't supported for %s", a.profile.Family())
	}
	if !a.opts.Encrypt {
		return "", errors.New("serialisation data needs a key")
	}

	mac := a.rowMAC(fs, row)
	fail := func(err error) (string, error) {
		return "", &RowError{Row: row, MAC: mac, Err: err}
	}

	region, err := a.patch(fs, row, mac)
	if err != nil {
		return fail(err)
	}

	var sb strings.Builder
	sb.WriteString("0")

	if a.profile.Family() == device.FamilyNewHeader {
		macBytes, err := hex.DecodeString(mac)
		if err != nil || len(macBytes) != device.MACLen {
			return fail(errors.Errorf("invalid MAC address '%s'", mac))
		}
		enc, err := flashcrypt.EncryptBlocks(flashcrypt.MACNonce, a.opts.Key[:], macBytes)
		if err != nil {
			return fail(err)
		}
		fmt.Fprintf(&sb, ",%s,%d,%s", serialMACOffset, device.MACLen, hex.EncodeToString(enc[:device.MACLen]))
	}

	start := a.loc.DataStart
	for _, f := range fs.Fields {
		if a.profile.IsMACField(f.Offset) && f.Offset < start {
			fmt.Fprintf(&sb, ",%s,%d,%s", a.serialOffset(f), f.Length, mac)
		}
		if f.Offset >= start {
			at := f.Offset - start
			fmt.Fprintf(&sb, ",%s,%d,%s", a.serialOffset(f), f.Length,
				hex.EncodeToString(region[at:at+f.Length]))
		}
	}

	return sb.String(), nil
}
