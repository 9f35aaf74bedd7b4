// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package main

import (
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/usedbytes/jet-tools/lib/config"
	"github.com/usedbytes/jet-tools/lib/device"
	"github.com/usedbytes/jet-tools/lib/sign"
)

var deviceFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "device",
		Aliases: []string{"D"},
		Usage:   "Chip type: JN513x, JN514x, JN516x, JN517x, JN518x (or 1-6)",
		Value:   "JN516x",
	},
	&cli.IntFlag{
		Name:    "flash-header",
		Aliases: []string{"b"},
		Usage:   "Bootloader flash header: 1 for legacy, 2 for new",
		Value:   int(device.LegacyHeader),
	},
	&cli.BoolFlag{
		Name:    "strip-version",
		Aliases: []string{"p"},
		Usage:   "Strip the 4 byte version field from the start of the output",
	},
	&cli.IntFlag{
		Name:  "ota-header-offset",
		Usage: "Offset of the embedded OTA header, if not the default for the device",
	},
}

var keyFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "key",
		Aliases: []string{"k"},
		Usage:   "eFuse key used for encryption, 32 hex digits",
	},
	&cli.StringFlag{
		Name:    "nonce",
		Aliases: []string{"i"},
		Usage:   "Initial vector used for encryption, 32 hex digits",
	},
}

var inputFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "input",
		Aliases:  []string{"f"},
		Usage:    "Input unencrypted binary `FILE`",
		Required: true,
	},
}

var fieldFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "fields",
		Aliases:  []string{"x"},
		Usage:    "Field configuration `FILE`: one 'data_file, hex_offset, length' per line",
		Required: true,
	},
	&cli.StringFlag{
		Name:    "output-dir",
		Aliases: []string{"O"},
		Usage:   "Directory for the per-device images",
		Value:   ".",
	},
	&cli.IntFlag{
		Name:    "jobs",
		Aliases: []string{"j"},
		Usage:   "Number of images to build at once",
		Value:   1,
	},
}

var otaFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:  "ota",
		Usage: "Add the OTA header (embedded in the image before encryption, or at the start in otamerge)",
	},
	&cli.UintFlag{
		Name:    "manufacturer",
		Aliases: []string{"u"},
		Usage:   "OTA manufacturer code, 0 to take it from the image",
		Value:   config.DefaultManufacturer,
	},
	&cli.UintFlag{
		Name:    "image-type",
		Aliases: []string{"t"},
		Usage:   "OTA image type, 0 to take it from the image",
		Value:   config.DefaultImageType,
	},
	&cli.UintFlag{
		Name:    "header-version",
		Aliases: []string{"r"},
		Usage:   "OTA header version",
		Value:   config.DefaultHeaderVersion,
	},
	&cli.UintFlag{
		Name:    "file-version",
		Aliases: []string{"n"},
		Usage:   "OTA file version",
		Value:   config.DefaultFileVersion,
	},
	&cli.UintFlag{
		Name:    "stack-version",
		Aliases: []string{"z"},
		Usage:   "OTA stack version",
		Value:   config.DefaultStackVersion,
	},
	&cli.StringFlag{
		Name:  "header-string",
		Usage: "32 character OTA header string, taken from the image if not set",
	},
	&cli.UintFlag{
		Name:  "security",
		Usage: "Security credential version",
	},
	&cli.Uint64Flag{
		Name:  "destination",
		Usage: "IEEE address of the destination node",
	},
	&cli.IntSliceFlag{
		Name:  "hardware",
		Usage: "Hardware min and max versions (give twice)",
	},
}

var mergeFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Server (bootloader) image `FILE`",
	},
	&cli.StringFlag{
		Name:    "client",
		Aliases: []string{"c"},
		Usage:   "Client image `FILE`",
		Value:   "Client.bin",
	},
	&cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Output OTA image `FILE`, MANUFACTURER-TYPE-VERSION-upgrademe.zigbee in --output-dir if not set",
	},
	&cli.StringFlag{
		Name:    "output-dir",
		Aliases: []string{"O"},
		Value:   ".",
	},
	&cli.IntFlag{
		Name:  "sector-size",
		Usage: "Sector size to align the client image to",
		Value: config.DefaultSectorSize,
	},
	&cli.BoolFlag{
		Name:  "embed-hdr",
		Usage: "Embed the OTA header in the client image, needed for un-encrypted images",
	},
	&cli.BoolFlag{
		Name:  "no-crc",
		Usage: "Don't embed the image CRC (with --embed-hdr)",
	},
	&cli.BoolFlag{
		Name:  "copy-mac",
		Usage: "Copy the image MAC address into the bootloader MAC address",
	},
	&cli.IntFlag{
		Name:  "sign-integrity",
		Usage: "Add a signature (1: curve 1, 2: curve 2) or image integrity code (3)",
	},
}

func outputFlag(usage string) cli.Flag {
	return &cli.StringFlag{
		Name:     "output",
		Aliases:  []string{"o"},
		Usage:    usage,
		Required: true,
	}
}

var binFlags = []cli.Flag{
	outputFlag("Output encrypted binary `FILE`"),
	&cli.IntFlag{
		Name:  "enc-offset",
		Usage: "Start of the region to encrypt, if not the default for the device",
	},
}

var signFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "credentials",
		Usage: "`FILE` naming the private key, MAC and certificate files",
	},
	&cli.StringFlag{
		Name:  "tool",
		Usage: "Signing tool",
		Value: sign.DefaultTool,
	},
}

func concat(sets ...[]cli.Flag) []cli.Flag {
	var flags []cli.Flag
	for _, s := range sets {
		flags = append(flags, s...)
	}
	return flags
}

func otaFromFlags(ctx *cli.Context) (*config.OTA, error) {
	o := config.NewOTA()
	o.Header = ctx.Bool("ota")
	o.Manufacturer = uint16(ctx.Uint("manufacturer"))
	o.ImageType = uint16(ctx.Uint("image-type"))
	o.HeaderVersion = uint16(ctx.Uint("header-version"))
	o.FileVersion = uint32(ctx.Uint("file-version"))
	o.StackVersion = uint16(ctx.Uint("stack-version"))
	o.HeaderString = ctx.String("header-string")

	if ctx.IsSet("security") {
		sec := uint8(ctx.Uint("security"))
		o.Security = &sec
	}
	if ctx.IsSet("destination") {
		mac := ctx.Uint64("destination")
		o.DestMAC = &mac
	}
	if ctx.IsSet("hardware") {
		hw := ctx.IntSlice("hardware")
		if len(hw) != 2 {
			return nil, errors.New("--hardware needs MIN and MAX")
		}
		o.Hardware = []uint16{uint16(hw[0]), uint16(hw[1])}
	}

	return o, nil
}

// jobFromFlags builds a job from whichever flags the command has
func jobFromFlags(ctx *cli.Context, mode config.Mode) (*config.Job, error) {
	job := config.NewJob(mode)

	if ctx.IsSet("device") || mode != config.ModeSign {
		t, err := device.ParseType(ctx.String("device"))
		if err != nil {
			return nil, err
		}
		job.Device = t
	}
	job.FlashHeader = device.HeaderType(ctx.Int("flash-header"))
	job.StripVersion = ctx.Bool("strip-version")
	job.OTAHeaderOffset = ctx.Int("ota-header-offset")
	job.EncOffset = ctx.Int("enc-offset")

	job.Key = ctx.String("key")
	job.Nonce = ctx.String("nonce")
	job.Input = ctx.String("input")
	job.Output = ctx.String("output")
	job.Fields = ctx.String("fields")
	job.OutputDir = ctx.String("output-dir")
	job.Jobs = ctx.Int("jobs")
	job.EnableEncrypt = ctx.Bool("enable-encrypt")
	job.PrivateEncrypt = ctx.Bool("private-encrypt")

	var err error
	job.OTA, err = otaFromFlags(ctx)
	if err != nil {
		return nil, err
	}
	job.OTA.Server = ctx.String("server")
	job.OTA.Client = ctx.String("client")
	job.OTA.SectorSize = ctx.Int("sector-size")
	job.OTA.EmbedHeader = ctx.Bool("embed-hdr")
	job.OTA.NoCRC = ctx.Bool("no-crc")
	job.OTA.CopyMAC = ctx.Bool("copy-mac")
	job.OTA.SignIntegrity = ctx.Int("sign-integrity")
	if job.OTA.SectorSize == 0 {
		job.OTA.SectorSize = config.DefaultSectorSize
	}

	if ctx.IsSet("credentials") || ctx.IsSet("tool") {
		job.Sign = &config.Signing{
			Tool:        ctx.String("tool"),
			Credentials: ctx.String("credentials"),
		}
	}

	return job, nil
}
