// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package sign

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "private.txt", "# key\n0102030405060708090a0b0c0d0e0f101112131415\nignored\n")
	writeFile(t, dir, "mac.txt", "\n00158d0001020304\n")
	writeFile(t, dir, "cert.txt", "deadbeef\n")
	list := writeFile(t, dir, "certs.txt", "private.txt\nmac.txt\n# the certificate\ncert.txt\n")

	creds, err := LoadCredentials(list)
	if err != nil {
		t.Fatal(err)
	}

	want := Credentials{
		PrivateKey:  "0102030405060708090a0b0c0d0e0f101112131415",
		MAC:         "00158d0001020304",
		Certificate: "deadbeef",
	}
	if *creds != want {
		t.Errorf("got %+v, want %+v", creds, want)
	}

	short := writeFile(t, dir, "short.txt", "private.txt\nmac.txt\n")
	if _, err := LoadCredentials(short); err == nil {
		t.Error("expected error for missing certificate")
	}
}

type fakeSigner struct {
	mode   int
	path   string
	signed []byte
	err    error
}

func (f *fakeSigner) Sign(ctx context.Context, mode int, path string, creds *Credentials) error {
	if f.err != nil {
		return f.err
	}
	f.mode = mode
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.signed = data
	f.path = path
	return os.WriteFile(SignedPath(path), append(data, 0x5e, 0x5e), 0644)
}

func TestSignFileVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "image.zigbee", "\x07\x03\x00\x08payload")

	f := &fakeSigner{}
	signed, err := SignFile(context.Background(), f, ModeCurve1, path, &Credentials{}, []byte{0x07, 0x03, 0x00, 0x08})
	if err != nil {
		t.Fatal(err)
	}

	if f.mode != ModeCurve1 || string(f.signed) != "payload" {
		t.Errorf("signer saw mode %d, data %q", f.mode, f.signed)
	}
	if signed != filepath.Join(dir, "Signed_image.zigbee") {
		t.Errorf("signed path = %s", signed)
	}

	data, err := os.ReadFile(signed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("\x07\x03\x00\x08payload\x5e\x5e")) {
		t.Errorf("signed data = %q", data)
	}
}

func TestSignFileError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "image.zigbee", "payload")

	f := &fakeSigner{err: &ExitError{Tool: "fake", Code: 2}}
	_, err := SignFile(context.Background(), f, ModeCurve2, path, nil, nil)
	if e, ok := err.(*ExitError); !ok || e.ExitCode() != 2 {
		t.Errorf("expected ExitError, got %v", err)
	}
}

func TestSignFileErrorRestoresVersion(t *testing.T) {
	dir := t.TempDir()
	contents := "\x07\x03\x00\x08payload"
	path := writeFile(t, dir, "image.zigbee", contents)

	f := &fakeSigner{err: &ExitError{Tool: "fake", Code: 2}}
	_, err := SignFile(context.Background(), f, ModeCurve1, path, nil, []byte{0x07, 0x03, 0x00, 0x08})
	if e, ok := err.(*ExitError); !ok || e.ExitCode() != 2 {
		t.Errorf("expected ExitError, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != contents {
		t.Errorf("image after failed sign = %q (%d bytes), want %d bytes", data, len(data), len(contents))
	}

	if _, err := os.Stat(SignedPath(path)); !os.IsNotExist(err) {
		t.Errorf("signed image exists after failed sign: %v", err)
	}
}

func TestExecSigner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	dir := t.TempDir()
	record := filepath.Join(dir, "args.txt")
	tool := writeFile(t, dir, "certi.sh", "#!/bin/sh\n"+
		"echo \"$@\" > "+record+"\n"+
		"cat \"$4\" >> "+record+"\n"+
		"cp \"$2\" \"Signed_$2\"\n"+
		"exit 0\n")
	if err := os.Chmod(tool, 0755); err != nil {
		t.Fatal(err)
	}

	path := writeFile(t, dir, "image.bin", "payload")
	s := &ExecSigner{Tool: tool}
	if err := s.Sign(context.Background(), ModeIntegrity, path, &Credentials{MAC: "00158d0001020304"}); err != nil {
		t.Fatal(err)
	}

	args, err := os.ReadFile(record)
	if err != nil {
		t.Fatal(err)
	}
	fields := bytes.Fields(args)
	if len(fields) != 6 || string(fields[0]) != "3" || string(fields[1]) != "image.bin" {
		t.Fatalf("tool args = %q", args)
	}
	if string(fields[5]) != "00158d0001020304" {
		t.Errorf("MAC file contained %q", fields[5])
	}

	// Credentials are gone once the tool has finished
	if _, err := os.Stat(string(fields[2])); !os.IsNotExist(err) {
		t.Errorf("credential file %s still exists", fields[2])
	}

	if _, err := os.Stat(filepath.Join(dir, "Signed_image.bin")); err != nil {
		t.Error(err)
	}
}

func TestExecSignerExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	dir := t.TempDir()
	tool := writeFile(t, dir, "certi.sh", "#!/bin/sh\nexit 3\n")
	if err := os.Chmod(tool, 0755); err != nil {
		t.Fatal(err)
	}

	path := writeFile(t, dir, "image.bin", "payload")
	s := &ExecSigner{Tool: tool}
	err := s.Sign(context.Background(), ModeNone, path, nil)
	e, ok := err.(*ExitError)
	if !ok || e.Code != 3 {
		t.Errorf("expected exit status 3, got %v", err)
	}
}
