// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/usedbytes/jet-tools/lib/config"
	"github.com/usedbytes/jet-tools/lib/flashcrypt"
	"github.com/usedbytes/jet-tools/lib/image"
	"github.com/usedbytes/jet-tools/lib/ota"
	"github.com/usedbytes/jet-tools/lib/sign"
)

const jobTOML = `
mode = "com"
device = "3"
flash_header = 1
key = "000102030405060708090a0b0c0d0e0f"
nonce = "00112233445566778899aabbccdd0000"
input = "in.bin"
fields = "config.txt"
output_dir = "out"
jobs = 2
`

func writeFiles(t *testing.T, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		if err := os.WriteFile(filepath.Join(dir, name), contents, 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestOTAConfig(t *testing.T) {
	sec := uint8(1)
	dest := uint64(0x00158d0001020304)

	tests := []struct {
		name     string
		security *uint8
		dest     *uint64
		hardware []uint16
		control  uint16
		size     int
	}{
		{"none", nil, nil, nil, 0, 56},
		{"security", &sec, nil, nil, ota.FieldSecurity, 56 + 1},
		{"destination", nil, &dest, nil, ota.FieldDestination, 56 + 8},
		{"hardware", nil, nil, []uint16{3, 5}, ota.FieldHardware, 56 + 4},
		{"security and hardware", &sec, nil, []uint16{3, 5}, ota.FieldSecurity | ota.FieldHardware, 56 + 1 + 4},
		{"all", &sec, &dest, []uint16{3, 5}, ota.FieldSecurity | ota.FieldDestination | ota.FieldHardware, 56 + 1 + 8 + 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := config.NewOTA()
			o.Security = tt.security
			o.DestMAC = tt.dest
			o.Hardware = tt.hardware

			c := otaConfig(o)
			if c.Manufacturer != config.DefaultManufacturer || c.ImageType != config.DefaultImageType {
				t.Errorf("manufacturer 0x%x image type 0x%x", c.Manufacturer, c.ImageType)
			}
			if tt.hardware != nil && (c.Extension.Hardware == nil || *c.Extension.Hardware != [2]uint16{3, 5}) {
				t.Errorf("hardware %v", c.Extension.Hardware)
			}
			if got := c.Extension.Control(); got != tt.control {
				t.Errorf("control 0x%x, want 0x%x", got, tt.control)
			}
			if c.Size() != tt.size {
				t.Errorf("size %d, want %d", c.Size(), tt.size)
			}
		})
	}
}

func TestRunJobCom(t *testing.T) {
	dir := writeFiles(t, map[string][]byte{
		"job.toml":   []byte(jobTOML),
		"in.bin":     make([]byte, 44+32),
		"config.txt": []byte("data.txt, 0034, 4\nmac.txt, 0014, 8\n"),
		"data.txt":   []byte("DEADBEEF\nCAFEF00D\n"),
		"mac.txt":    []byte("0011223344556677\n8899AABBCCDDEEFF\n"),
	})

	job, err := config.LoadJob(filepath.Join(dir, "job.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if err := runJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out", "output8899AABBCCDDEEFF.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 44+32 {
		t.Fatalf("output is %d bytes", len(data))
	}

	key, _ := flashcrypt.ParseKey("000102030405060708090a0b0c0d0e0f")
	nonce := flashcrypt.Nonce{0x00112233, 0x44556677, 0x8899aabb, 0xccdd0000}
	plain, err := flashcrypt.DecryptBlocks(nonce, key[:], data[44:])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain[8:12], []byte{0xca, 0xfe, 0xf0, 0x0d}) {
		t.Errorf("payload = %x", plain[:16])
	}
}

func TestRunJobFailedRows(t *testing.T) {
	dir := writeFiles(t, map[string][]byte{
		"job.toml":   []byte(jobTOML),
		"in.bin":     make([]byte, 44+32),
		"config.txt": []byte("data.txt, 0034, 4\nmac.txt, 0014, 8\n"),
		"data.txt":   []byte("DEADBEEF\nNOTHEX!!\n"),
		"mac.txt":    []byte("0011223344556677\n8899AABBCCDDEEFF\n"),
	})

	job, err := config.LoadJob(filepath.Join(dir, "job.toml"))
	if err != nil {
		t.Fatal(err)
	}

	err = runJob(context.Background(), job)
	ec, ok := err.(cli.ExitCoder)
	if !ok {
		t.Fatalf("expected an exit error, got %v", err)
	}
	if ec.ExitCode() != exitRowsFailed {
		t.Errorf("exit code %d", ec.ExitCode())
	}

	if _, err := os.Stat(filepath.Join(dir, "out", "output0011223344556677.bin")); err != nil {
		t.Errorf("good row not written: %v", err)
	}
}

func TestRunJobInvalid(t *testing.T) {
	job := config.NewJob(config.ModeBin)
	job.Key = "000102030405060708090a0b0c0d0e0f"
	if err := runJob(context.Background(), job); err == nil {
		t.Error("expected an error without an input file")
	}
}

func TestReportRows(t *testing.T) {
	if err := reportRows(nil, 5); err != nil {
		t.Errorf("no failures gave %v", err)
	}

	failed := []*image.RowError{
		{Row: 1, Err: errors.New("bad")},
		{Row: 3, Err: errors.New("bad")},
	}
	err := reportRows(failed, 5)
	ec, ok := err.(cli.ExitCoder)
	if !ok {
		t.Fatalf("expected an exit error, got %v", err)
	}
	if ec.ExitCode() != exitRowsFailed || err.Error() != "2 of 5 rows failed" {
		t.Errorf("got %q, code %d", err, ec.ExitCode())
	}
}

type recordSigner struct {
	modes []int
}

func (r *recordSigner) Sign(ctx context.Context, mode int, path string, creds *sign.Credentials) error {
	r.modes = append(r.modes, mode)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return os.WriteFile(sign.SignedPath(path), data, 0644)
}

func TestOTAMergeSigning(t *testing.T) {
	tests := []struct {
		name        string
		mode        int
		credentials bool
		signed      bool
	}{
		{"no signature", sign.ModeNone, false, false},
		{"credentials only", sign.ModeNone, true, true},
		{"curve without credentials", sign.ModeCurve1, false, false},
		{"curve", sign.ModeCurve1, true, true},
		{"integrity", sign.ModeIntegrity, false, true},
	}

	version := []byte{0x07, 0x03, 0x00, 0x08}
	client := append(append([]byte{}, version...), bytes.Repeat([]byte{0x11}, 300)...)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeFiles(t, map[string][]byte{
				"Client.bin":  client,
				"private.txt": []byte("0102030405060708090a0b0c0d0e0f101112131415\n"),
				"mac.txt":     []byte("00158d0001020304\n"),
				"cert.txt":    []byte("deadbeef\n"),
				"certs.txt":   []byte("private.txt\nmac.txt\ncert.txt\n"),
			})

			rec := &recordSigner{}
			orig := newSigner
			newSigner = func(tool string) sign.Signer { return rec }
			t.Cleanup(func() { newSigner = orig })

			job := config.NewJob(config.ModeOTAMerge)
			job.OTA.Client = filepath.Join(dir, "Client.bin")
			job.OTA.SignIntegrity = tt.mode
			job.Output = filepath.Join(dir, "out.zigbee")
			if tt.credentials {
				job.Sign = &config.Signing{Credentials: filepath.Join(dir, "certs.txt")}
			}

			if err := runJob(context.Background(), job); err != nil {
				t.Fatal(err)
			}

			if !tt.signed {
				if len(rec.modes) != 0 {
					t.Errorf("signed with modes %v", rec.modes)
				}
				return
			}

			if len(rec.modes) != 1 || rec.modes[0] != tt.mode {
				t.Fatalf("signed with modes %v, want [%d]", rec.modes, tt.mode)
			}
			data, err := os.ReadFile(sign.SignedPath(job.Output))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(data, client) {
				t.Errorf("signed image is %d bytes, starts %x", len(data), data[:8])
			}
		})
	}
}
