// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package config

import (
	"fmt"
	"strconv"

	"github.com/usedbytes/jet-tools/lib/device"
)

func stringIfNotEmpty(prefix, val string) string {
	if len(val) > 0 {
		return fmt.Sprintf("%s %s\n", prefix, val)
	}
	return ""
}

type Mode string

const (
	ModeBin      Mode = "bin"
	ModeCom      Mode = "com"
	ModeCombine  Mode = "combine"
	ModeSDE      Mode = "sde"
	ModeOTAMerge Mode = "otamerge"
	ModeSign     Mode = "sign"
)

func (m *Mode) String() string {
	return string(*m)
}

func (m *Mode) UnmarshalText(text []byte) error {
	str := Mode(text)
	switch str {
	case ModeBin, ModeCom, ModeCombine, ModeSDE, ModeOTAMerge, ModeSign:
		*m = str
	case "certi":
		*m = ModeSign
	default:
		return fmt.Errorf("unrecognised mode: %s", str)
	}

	return nil
}

func (m *Mode) MarshalText() ([]byte, error) {
	return []byte(string(*m)), nil
}

// OTA describes the OTA header, for embedding in an image or for otamerge
type OTA struct {
	// Header is added (or embedded, for the encryption modes)
	Header        bool   `toml:"header"`
	HeaderVersion uint16 `toml:"header_version"`
	FileVersion   uint32 `toml:"file_version"`
	StackVersion  uint16 `toml:"stack_version"`
	// Zero takes the value from the client image
	Manufacturer uint16 `toml:"manufacturer"`
	ImageType    uint16 `toml:"image_type"`
	HeaderString string `toml:"header_string,omitempty"`

	Security *uint8   `toml:"security,omitempty"`
	DestMAC  *uint64  `toml:"destination,omitempty"`
	Hardware []uint16 `toml:"hardware,omitempty"`

	// otamerge only
	Server        string `toml:"server,omitempty"`
	Client        string `toml:"client,omitempty"`
	SectorSize    int    `toml:"sector_size"`
	EmbedHeader   bool   `toml:"embed_header"`
	NoCRC         bool   `toml:"no_crc"`
	CopyMAC       bool   `toml:"copy_mac"`
	SignIntegrity int    `toml:"sign_integrity"`
}

const (
	DefaultHeaderVersion = 256
	DefaultFileVersion   = 1
	DefaultStackVersion  = 2
	DefaultManufacturer  = 19022
	DefaultImageType     = 20808
	DefaultSectorSize    = 65536
)

func NewOTA() *OTA {
	return &OTA{
		HeaderVersion: DefaultHeaderVersion,
		FileVersion:   DefaultFileVersion,
		StackVersion:  DefaultStackVersion,
		Manufacturer:  DefaultManufacturer,
		ImageType:     DefaultImageType,
		SectorSize:    DefaultSectorSize,
	}
}

func (o *OTA) String() string {
	var s string
	s += "OTA:\n"
	s += fmt.Sprintf("   Header: %s\n", strconv.FormatBool(o.Header))
	s += fmt.Sprintf("   Manufacturer: 0x%04x ImageType: 0x%04x FileVersion: 0x%08x\n",
		o.Manufacturer, o.ImageType, o.FileVersion)
	s += stringIfNotEmpty("   HeaderString:", o.HeaderString)
	s += stringIfNotEmpty("   Server:", o.Server)
	s += stringIfNotEmpty("   Client:", o.Client)
	if o.EmbedHeader {
		s += fmt.Sprintf("   EmbedHeader: true CRC: %s\n", strconv.FormatBool(!o.NoCRC))
	}
	return s
}

// Signing names the external certificate tool, and the file listing the
// private key, MAC and certificate files
type Signing struct {
	Tool        string `toml:"tool,omitempty"`
	Credentials string `toml:"credentials"`
}

// Job is one invocation of the tool. The subcommands build one from their
// flags, "run" loads it from a TOML file.
type Job struct {
	Mode         Mode              `toml:"mode"`
	Device       device.Type       `toml:"device"`
	FlashHeader  device.HeaderType `toml:"flash_header"`
	StripVersion bool              `toml:"strip_version"`

	Key   string `toml:"key,omitempty"`
	Nonce string `toml:"nonce,omitempty"`

	Input     string `toml:"input,omitempty"`
	Output    string `toml:"output,omitempty"`
	Fields    string `toml:"fields,omitempty"`
	OutputDir string `toml:"output_dir,omitempty"`

	EnableEncrypt   bool `toml:"enable_encrypt"`
	PrivateEncrypt  bool `toml:"private_encrypt"`
	OTAHeaderOffset int  `toml:"ota_header_offset,omitempty"`
	EncOffset       int  `toml:"enc_offset,omitempty"`
	Jobs            int  `toml:"jobs,omitempty"`

	OTA  *OTA     `toml:"ota,omitempty"`
	Sign *Signing `toml:"sign,omitempty"`
}

func NewJob(mode Mode) *Job {
	return &Job{
		Mode:        mode,
		Device:      device.JN516x,
		FlashHeader: device.LegacyHeader,
		Nonce:       "",
		OTA:         NewOTA(),
	}
}

func (j *Job) String() string {
	var s string
	s += "Job:\n"
	s += stringIfNotEmpty("   Mode:", string(j.Mode))
	s += fmt.Sprintf("   Device: %s (%s flash header)\n", j.Device, j.FlashHeader)
	s += stringIfNotEmpty("   Input:", j.Input)
	s += stringIfNotEmpty("   Output:", j.Output)
	s += stringIfNotEmpty("   Fields:", j.Fields)
	s += stringIfNotEmpty("   OutputDir:", j.OutputDir)
	s += stringIfNotEmpty("   Nonce:", j.Nonce)
	if j.StripVersion {
		s += "   StripVersion: true\n"
	}
	if j.OTA != nil {
		s += j.OTA.String()
	}
	return s
}
