// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/usedbytes/jet-tools/lib/device"
	"github.com/usedbytes/jet-tools/lib/flashcrypt"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadDataLines(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mac.txt", "# MACs\n\n0011223344556677\n  \n# another\n8899AABBCCDDEEFF  \n")

	lines, err := ReadDataLines(path)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"0011223344556677", "8899AABBCCDDEEFF"}
	if strings.Join(lines, ",") != strings.Join(want, ",") {
		t.Errorf("got %q, want %q", lines, want)
	}

	if _, err := ReadDataLines(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseFieldLine(t *testing.T) {
	tests := []struct {
		line    string
		offset  int
		length  int
		wantErr bool
	}{
		{"mac.txt, 0044, 8", 0x44, 8, false},
		{"key.txt,0x70,16", 0x70, 16, false},
		{"priv.txt, 1A4, 21", 0x1a4, 21, false},
		{"mac.txt, 0044", 0, 0, true},
		{"mac.txt, zz, 8", 0, 0, true},
		{"mac.txt, 44, 0", 0, 0, true},
		{"mac.txt, 44, eight", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			f, err := ParseFieldLine(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFieldLine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if f.Offset != tt.offset || f.Length != tt.length {
				t.Errorf("got offset 0x%x length %d", f.Offset, f.Length)
			}
		})
	}
}

func TestLoadFieldConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "mac.txt", "0011223344556677\n8899AABBCCDDEEFF\n")
	writeFile(t, dir, "key.txt", "# link keys\n000102030405060708090a0b0c0d0e0f\n101112131415161718191a1b1c1d1e1f\n")
	cfg := writeFile(t, dir, "config.txt", "# fields\nkey.txt, 0070, 16\n\nmac.txt, 0044, 8\n")

	fs, err := LoadFieldConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if fs.Rows != 2 || len(fs.Fields) != 2 {
		t.Fatalf("got %d rows, %d fields", fs.Rows, len(fs.Fields))
	}

	sorted := fs.Sorted()
	if sorted[0].Offset != 0x44 || sorted[1].Offset != 0x70 {
		t.Errorf("not sorted: 0x%x 0x%x", sorted[0].Offset, sorted[1].Offset)
	}
	if fs.Fields[0].Offset != 0x70 {
		t.Error("Sorted() modified the field order")
	}

	if sorted[0].Source != filepath.Join(dir, "mac.txt") {
		t.Errorf("source not resolved: %s", sorted[0].Source)
	}

	if f := fs.Find(0x44); f == nil || f.Values[1] != "8899AABBCCDDEEFF" {
		t.Errorf("Find(0x44) = %v", f)
	}
	if fs.Find(0x45) != nil {
		t.Error("Find(0x45) should be nil")
	}
}

func TestRowCountMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "01\n02\n03\n")
	writeFile(t, dir, "b.txt", "01\n02\n03\n04\n")
	cfg := writeFile(t, dir, "config.txt", "a.txt, 30, 1\nb.txt, 31, 1\n")

	_, err := LoadFieldConfig(cfg)
	mismatch, ok := err.(*RowCountMismatchError)
	if !ok {
		t.Fatalf("expected RowCountMismatchError, got %v", err)
	}
	if mismatch.Want != 3 || mismatch.Got != 4 || mismatch.Line != 1 {
		t.Errorf("unexpected mismatch %+v", mismatch)
	}
}

func TestParseJob(t *testing.T) {
	var tomlData = `
mode = "com"
device = "JN5169"
flash_header = 1
strip_version = true
key = "0x000102030405060708090a0b0c0d0e0f"
nonce = "00112233445566778899aabbccdd0000"
input = "app.bin"
fields = "config.txt"

[ota]
header = true
file_version = 0x12
security = 3
hardware = [1, 2]
`

	job := NewJob("")
	_, err := toml.Decode(tomlData, job)
	if err != nil {
		t.Fatal(err)
	}

	if job.Mode != ModeCom || job.Device != device.JN516x || !job.StripVersion {
		t.Errorf("unexpected job %+v", job)
	}

	// Defaults survive a partial [ota] table
	if job.OTA.Manufacturer != DefaultManufacturer || job.OTA.SectorSize != DefaultSectorSize {
		t.Errorf("OTA defaults lost: %+v", job.OTA)
	}
	if job.OTA.FileVersion != 0x12 || job.OTA.Security == nil || *job.OTA.Security != 3 {
		t.Errorf("OTA values not decoded: %+v", job.OTA)
	}

	if err := job.Validate(); err != nil {
		t.Fatal(err)
	}

	buf := &bytes.Buffer{}
	enc := toml.NewEncoder(buf)
	if err := enc.Encode(job); err != nil {
		t.Fatal(err)
	}
}

func TestLoadJobPaths(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "job.toml", "mode = \"bin\"\ndevice = 4\ninput = \"in.bin\"\noutput = \"/tmp/out.bin\"\n")

	job, err := LoadJob(path)
	if err != nil {
		t.Fatal(err)
	}

	if job.Input != filepath.Join(dir, "in.bin") {
		t.Errorf("input = %s", job.Input)
	}
	if job.Output != "/tmp/out.bin" {
		t.Errorf("output = %s", job.Output)
	}
	if job.Device != device.JN516x {
		t.Errorf("device = %s", job.Device)
	}
}

func TestValidate(t *testing.T) {
	key := "000102030405060708090a0b0c0d0e0f"

	tests := []struct {
		name    string
		job     func() *Job
		wantErr bool
	}{
		{"no mode", func() *Job { return NewJob("") }, true},
		{"bin ok", func() *Job {
			j := NewJob(ModeBin)
			j.Input, j.Output, j.Key = "in.bin", "out.bin", key
			return j
		}, false},
		{"bin no output", func() *Job {
			j := NewJob(ModeBin)
			j.Input, j.Key = "in.bin", key
			return j
		}, true},
		{"bin bad key", func() *Job {
			j := NewJob(ModeBin)
			j.Input, j.Output, j.Key = "in.bin", "out.bin", "1234"
			return j
		}, true},
		{"new header needs nonce", func() *Job {
			j := NewJob(ModeCom)
			j.Device, j.FlashHeader = device.JN514x, device.NewHeader
			j.Input, j.Fields, j.Key = "in.bin", "config.txt", key
			return j
		}, true},
		{"combine without key", func() *Job {
			j := NewJob(ModeCombine)
			j.Input, j.Fields = "in.bin", "config.txt"
			return j
		}, false},
		{"combine private needs key", func() *Job {
			j := NewJob(ModeCombine)
			j.Input, j.Fields, j.PrivateEncrypt = "in.bin", "config.txt", true
			return j
		}, true},
		{"otamerge legacy", func() *Job {
			j := NewJob(ModeOTAMerge)
			j.Device = device.JN514x
			j.OTA.Client = "client.bin"
			return j
		}, true},
		{"otamerge", func() *Job {
			j := NewJob(ModeOTAMerge)
			j.OTA.Client = "client.bin"
			return j
		}, false},
		{"bad header string", func() *Job {
			j := NewJob(ModeOTAMerge)
			j.OTA.Client = "client.bin"
			j.OTA.HeaderString = "short"
			return j
		}, true},
		{"sign", func() *Job {
			j := NewJob(ModeSign)
			j.Output = "out.bin"
			j.Sign = &Signing{Credentials: "certs.txt"}
			return j
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job().Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateLegacyNonce(t *testing.T) {
	j := NewJob(ModeBin)
	j.Device = device.JN513x
	j.Input, j.Output, j.Key = "in.bin", "out.bin", "000102030405060708090a0b0c0d0e0f"
	j.Nonce = "ffffffffffffffffffffffffffffffff"

	if err := j.Validate(); err != nil {
		t.Fatal(err)
	}
	if j.Nonce != flashcrypt.LegacyNonce {
		t.Errorf("nonce = %s, want %s", j.Nonce, flashcrypt.LegacyNonce)
	}
}
