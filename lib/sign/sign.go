// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>

// Package sign applies certificates to images with the vendor's external
// signing tool.
package sign

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"
	"github.com/usedbytes/jet-tools/lib/config"
	"github.com/usedbytes/log"
)

const (
	DefaultTool = "Certi.exe"

	// The tool writes its output next to the input, with this prefix
	SignedPrefix = "Signed_"
)

// Signature modes, as passed to the tool
const (
	ModeNone      = 0
	ModeCurve1    = 1
	ModeCurve2    = 2
	ModeIntegrity = 3
)

// Credentials are the per-device secrets the tool needs
type Credentials struct {
	PrivateKey  string
	MAC         string
	Certificate string
}

func firstLine(filename string) (string, error) {
	lines, err := config.ReadDataLines(filename)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", errors.Errorf("%s has no data", filename)
	}
	return lines[0], nil
}

// LoadCredentials reads a file naming the private key, MAC and certificate
// files, in that order, and takes the first data line of each.
func LoadCredentials(filename string) (*Credentials, error) {
	files, err := config.ReadDataLines(filename)
	if err != nil {
		return nil, err
	}
	if len(files) < 3 {
		return nil, errors.Errorf("%s must list the private key, MAC and certificate files", filename)
	}

	dir := filepath.Dir(filename)
	var vals [3]string
	for i := range vals {
		path := files[i]
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		vals[i], err = firstLine(path)
		if err != nil {
			return nil, errors.Wrap(err, "Loading credentials")
		}
	}

	creds := &Credentials{PrivateKey: vals[0], MAC: vals[1], Certificate: vals[2]}
	log.Verbosef("The MAC id: %s\n", creds.MAC)
	log.Verbosef("The certificate: %s\n", creds.Certificate)

	return creds, nil
}

// Signer applies a certificate to the image at path. Mode ModeNone leaves
// the mode argument out.
type Signer interface {
	Sign(ctx context.Context, mode int, path string, creds *Credentials) error
}

// ExitError is a failure reported by the signing tool
type ExitError struct {
	Tool string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d: Failed to Add Signature Element to Tag", e.Tool, e.Code)
}

func (e *ExitError) ExitCode() int {
	return e.Code
}

// ExecSigner runs the signing tool as a subprocess, in the image's
// directory. The credentials are only written out for the duration of the
// call.
type ExecSigner struct {
	Tool string
}

func (s *ExecSigner) tool() string {
	if len(s.Tool) == 0 {
		return DefaultTool
	}
	return s.Tool
}

func writeCredentials(dir string, creds *Credentials) ([]string, error) {
	if creds == nil {
		creds = &Credentials{}
	}

	files := []struct {
		name, value string
	}{
		{"tempprivate.txt", creds.PrivateKey},
		{"tempmac.txt", creds.MAC},
		{"certificate.txt", creds.Certificate},
	}

	var paths []string
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, []byte(f.value), 0600); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}

	return paths, nil
}

func (s *ExecSigner) Sign(ctx context.Context, mode int, path string, creds *Credentials) error {
	tmp, err := os.MkdirTemp("", "jet-sign-")
	if err != nil {
		return errors.Wrap(err, "Creating credential directory")
	}
	defer os.RemoveAll(tmp)

	credFiles, err := writeCredentials(tmp, creds)
	if err != nil {
		return errors.Wrap(err, "Writing credentials")
	}

	var args []string
	if mode != ModeNone {
		args = append(args, strconv.Itoa(mode))
	}
	args = append(args, filepath.Base(path))
	args = append(args, credFiles...)

	cmd := exec.CommandContext(ctx, s.tool(), args...)
	cmd.Dir = filepath.Dir(path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	log.Verbosef("Running %s %v\n", s.tool(), args)

	err = cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return &ExitError{Tool: s.tool(), Code: exitErr.ExitCode()}
	} else if err != nil {
		return errors.Wrapf(err, "Running %s", s.tool())
	}

	return nil
}

// restore puts back the unsigned image after a failed signing
func restore(path string, data []byte) {
	if err := atomicwriter.WriteFile(path, data, 0644); err != nil {
		log.Println("WARNING: couldn't restore", path, err)
	}
}

// SignedPath is where the tool leaves the signed copy of path
func SignedPath(path string) string {
	return filepath.Join(filepath.Dir(path), SignedPrefix+filepath.Base(path))
}

// SignFile signs the image at path. If version is set, the version word is
// removed from the front of the image before signing, and put back on the
// signed copy. Returns the signed file's path.
func SignFile(ctx context.Context, s Signer, mode int, path string, creds *Credentials, version []byte) (string, error) {
	var original []byte
	if len(version) > 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		original = data
		if len(data) < len(version) {
			return "", errors.Errorf("%s is too short to strip the version word", path)
		}
		if err := atomicwriter.WriteFile(path, data[len(version):], 0644); err != nil {
			return "", errors.Wrap(err, "Stripping version word")
		}
	}

	if err := s.Sign(ctx, mode, path, creds); err != nil {
		if original != nil {
			restore(path, original)
		}
		return "", err
	}

	signed := SignedPath(path)
	if len(version) > 0 {
		data, err := os.ReadFile(signed)
		if err != nil {
			return "", errors.Wrap(err, "Reading signed image")
		}
		data = append(append([]byte{}, version...), data...)
		if err := atomicwriter.WriteFile(signed, data, 0644); err != nil {
			return "", errors.Wrap(err, "Restoring version word")
		}
	}

	log.Println("Done applying the certificate")
	return signed, nil
}
