// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/usedbytes/jet-tools/lib/config"
	"github.com/usedbytes/jet-tools/lib/device"
	"github.com/usedbytes/jet-tools/lib/flashcrypt"
	"github.com/usedbytes/jet-tools/lib/image"
	"github.com/usedbytes/jet-tools/lib/ota"
	"github.com/usedbytes/jet-tools/lib/sign"
	"github.com/usedbytes/log"
)

// Exit codes
const (
	exitRowsFailed = 2
	exitSignFailed = 3
)

func otaConfig(o *config.OTA) *ota.Config {
	c := &ota.Config{
		HeaderVersion: o.HeaderVersion,
		FileVersion:   o.FileVersion,
		StackVersion:  o.StackVersion,
		Manufacturer:  o.Manufacturer,
		ImageType:     o.ImageType,
		HeaderString:  o.HeaderString,
		SignIntegrity: o.SignIntegrity,
		Extension: ota.Extension{
			Security:    o.Security,
			Destination: o.DestMAC,
		},
	}
	if len(o.Hardware) == 2 {
		c.Extension.Hardware = &[2]uint16{o.Hardware[0], o.Hardware[1]}
	}
	return c
}

func parseKey(job *config.Job) (*flashcrypt.Key, error) {
	if len(job.Key) == 0 {
		return nil, nil
	}
	k, err := flashcrypt.ParseKey(job.Key)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func newAssembler(job *config.Job, encrypt bool) (*image.Assembler, error) {
	p, err := job.Profile()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(job.Input)
	if err != nil {
		return nil, err
	}
	log.Verbosef("Loaded %s (%s)\n", job.Input, humanize.IBytes(uint64(len(data))))

	key, err := parseKey(job)
	if err != nil {
		return nil, errors.Wrap(err, "Please check the Pass key")
	}

	opts := &image.Options{
		Profile:        p,
		Encrypt:        encrypt,
		Key:            key,
		IV:             job.Nonce,
		EnableEncrypt:  job.EnableEncrypt,
		PrivateEncrypt: job.PrivateEncrypt,
	}

	if encrypt && job.OTA.Header && p.Family() != device.FamilyLegacy {
		cfg := otaConfig(job.OTA)
		hdr, err := ota.Build(cfg, job.Device, data, p.OTAHeaderOffset())
		if err != nil {
			return nil, errors.Wrap(err, "Building OTA header")
		}
		log.Verboseln(hdr)
		opts.OTAHeader = cfg.Bytes(hdr)
	}

	return image.NewAssembler(data, opts)
}

func reportRows(failed []*image.RowError, rows int) error {
	if len(failed) == 0 {
		return nil
	}

	return cli.Exit(fmt.Sprintf("%d of %d rows failed", len(failed), rows), exitRowsFailed)
}

func runBin(ctx context.Context, job *config.Job) error {
	a, err := newAssembler(job, true)
	if err != nil {
		return err
	}

	out, err := a.EncryptImage()
	if err != nil {
		return err
	}
	out.Name = filepath.Base(job.Output)

	w := &image.FileWriter{Dir: filepath.Dir(job.Output)}
	return w.WriteOutput(out)
}

func runBatch(ctx context.Context, job *config.Job) error {
	a, err := newAssembler(job, job.Mode == config.ModeCom)
	if err != nil {
		return err
	}

	fs, err := config.LoadFieldConfig(job.Fields)
	if err != nil {
		return err
	}

	if len(job.OutputDir) == 0 {
		job.OutputDir = "."
	}
	if err := os.MkdirAll(job.OutputDir, 0755); err != nil {
		return err
	}

	bar := pb.StartNew(fs.Rows)
	b := &image.Batch{
		Assembler: a,
		Fields:    fs,
		Writer:    &image.FileWriter{Dir: job.OutputDir},
		Jobs:      job.Jobs,
		Progress: func(row int) {
			bar.Increment()
		},
	}

	failed, err := b.Run(ctx)
	bar.Finish()
	if err != nil {
		return err
	}

	return reportRows(failed, fs.Rows)
}

func runSDE(ctx context.Context, job *config.Job) error {
	a, err := newAssembler(job, true)
	if err != nil {
		return err
	}

	fs, err := config.LoadFieldConfig(job.Fields)
	if err != nil {
		return err
	}

	b := &image.Batch{
		Assembler: a,
		Fields:    fs,
		Writer:    &image.FileWriter{Dir: filepath.Dir(job.Output)},
		Jobs:      job.Jobs,
	}

	failed, err := b.Serialise(ctx, filepath.Base(job.Output))
	if err != nil {
		return err
	}

	return reportRows(failed, fs.Rows)
}

var newSigner = func(tool string) sign.Signer {
	return &sign.ExecSigner{Tool: tool}
}

func signImage(ctx context.Context, job *config.Job, mode int, path string, version []byte) error {
	var creds *sign.Credentials
	tool := sign.DefaultTool
	if job.Sign != nil {
		if len(job.Sign.Tool) > 0 {
			tool = job.Sign.Tool
		}
		if len(job.Sign.Credentials) > 0 {
			var err error
			creds, err = sign.LoadCredentials(job.Sign.Credentials)
			if err != nil {
				return err
			}
		}
	}

	signed, err := sign.SignFile(ctx, newSigner(tool), mode, path, creds, version)
	if err != nil {
		if ee, ok := errors.Cause(err).(*sign.ExitError); ok {
			return cli.Exit(ee.Error(), exitSignFailed)
		}
		return err
	}

	log.Verbosef("Signed image: %s\n", signed)
	return nil
}

func runOTAMerge(ctx context.Context, job *config.Job) error {
	p, err := job.Profile()
	if err != nil {
		return err
	}

	client, err := os.ReadFile(job.OTA.Client)
	if err != nil {
		return err
	}

	var server []byte
	if len(job.OTA.Server) > 0 {
		server, err = os.ReadFile(job.OTA.Server)
		if err != nil {
			return err
		}
	}

	key, err := parseKey(job)
	if err != nil {
		return errors.Wrap(err, "Please check the Pass key")
	}

	m, err := ota.Merge(server, client, &ota.MergeOptions{
		Config:       otaConfig(job.OTA),
		HeaderOffset: p.OTAHeaderOffset(),
		SectorSize:   job.OTA.SectorSize,
		AddHeader:    job.OTA.Header,
		EmbedHeader:  job.OTA.EmbedHeader,
		ImageCRC:     !job.OTA.NoCRC,
		CopyMAC:      job.OTA.CopyMAC,
		StripVersion: job.StripVersion,
		Key:          key,
	})
	if err != nil {
		return err
	}

	path := job.Output
	if len(path) == 0 {
		path = filepath.Join(job.OutputDir, ota.DefaultName(m.Header))
	}

	if err := atomicwriter.WriteFile(path, m.Data, 0644); err != nil {
		return errors.Wrapf(err, "Writing %s", path)
	}
	log.Printf("Created %s (%s)\n", path, humanize.IBytes(uint64(len(m.Data))))

	// Integrity codes need no credentials; with credentials the tool runs
	// in every mode, including ModeNone
	mode := job.OTA.SignIntegrity
	if mode != sign.ModeIntegrity && (job.Sign == nil || len(job.Sign.Credentials) == 0) {
		return nil
	}

	// The tool signs from the start of the code, so a leading version word
	// comes off first
	var version []byte
	if !job.StripVersion && len(m.Client.Version) > 0 && bytes.HasPrefix(m.Data, m.Client.Version) {
		version = m.Client.Version
	}

	return signImage(ctx, job, mode, path, version)
}

func runSign(ctx context.Context, job *config.Job) error {
	return signImage(ctx, job, sign.ModeNone, job.Output, nil)
}

func runJob(ctx context.Context, job *config.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	log.Verboseln(job)

	switch job.Mode {
	case config.ModeBin:
		return runBin(ctx, job)
	case config.ModeCom, config.ModeCombine:
		return runBatch(ctx, job)
	case config.ModeSDE:
		return runSDE(ctx, job)
	case config.ModeOTAMerge:
		return runOTAMerge(ctx, job)
	case config.ModeSign:
		return runSign(ctx, job)
	}

	return errors.Errorf("Unknown mode '%s'", job.Mode)
}
