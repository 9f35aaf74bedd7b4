// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/usedbytes/jet-tools/lib/device"
	"github.com/usedbytes/jet-tools/lib/flashcrypt"
	"github.com/usedbytes/log"
)

func (j *Job) WriteTOML(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}

	enc := toml.NewEncoder(f)
	err = enc.Encode(j)
	if err != nil {
		f.Close()
		return err
	}

	err = f.Close()
	return err
}

// LoadJob decodes a job file. Unset values keep the same defaults as the
// command line, and relative paths are resolved against the job file's
// directory.
func LoadJob(filename string) (*Job, error) {
	var job = NewJob("")
	_, err := toml.DecodeFile(filename, job)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(filename)
	for _, p := range []*string{&job.Input, &job.Output, &job.Fields, &job.OutputDir} {
		*p = resolve(dir, *p)
	}
	if job.OTA != nil {
		job.OTA.Server = resolve(dir, job.OTA.Server)
		job.OTA.Client = resolve(dir, job.OTA.Client)
	}
	if job.Sign != nil {
		job.Sign.Credentials = resolve(dir, job.Sign.Credentials)
	}

	return job, nil
}

func resolve(dir, path string) string {
	if len(path) == 0 || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Profile builds the device profile described by the job
func (j *Job) Profile() (*device.Profile, error) {
	return device.NewProfile(j.Device, j.FlashHeader, device.ProfileOptions{
		StripVersion:    j.StripVersion,
		OTAHeaderOffset: j.OTAHeaderOffset,
		EncOffset:       j.EncOffset,
	})
}

// Validate checks that everything the mode needs is present, and fills in
// the fixed nonce for legacy bootloaders.
func (j *Job) Validate() error {
	if j.OTA == nil {
		j.OTA = NewOTA()
	}

	switch j.Mode {
	case ModeSign:
		if j.Sign == nil || len(j.Sign.Credentials) == 0 {
			return errors.New("No Config File provided")
		}
		if len(j.Output) == 0 {
			return errors.New("No file to sign provided")
		}
		return nil
	case ModeOTAMerge:
		if len(j.OTA.Client) == 0 {
			return errors.New("No client image provided")
		}
		if j.FlashHeader != device.NewHeader && j.Device < device.Type3 {
			return errors.New("ota is supported only for new bootloader, use flash header type 2")
		}
	case "":
		return errors.New("Mode not provided")
	}

	p, err := j.Profile()
	if err != nil {
		return err
	}

	if err := j.OTA.validate(); err != nil {
		return err
	}

	if j.Mode == ModeOTAMerge {
		if len(j.Key) > 0 {
			if _, err := flashcrypt.ParseKey(j.Key); err != nil {
				return errors.Wrap(err, "Please check the Pass key")
			}
		}
		return nil
	}

	if len(j.Input) == 0 {
		return errors.New("No Input file provided")
	}

	if j.Mode == ModeCombine {
		if len(j.Fields) == 0 {
			return errors.New("No Config File provided")
		}
		if j.PrivateEncrypt {
			if len(j.Key) == 0 {
				return errors.New("No Index Key Provided")
			}
			if _, err := flashcrypt.ParseKey(j.Key); err != nil {
				return errors.Wrap(err, "Please check the Index key")
			}
		}
		return nil
	}

	switch j.Mode {
	case ModeBin, ModeSDE:
		if len(j.Output) == 0 {
			return errors.New("No Output file provided")
		}
	}
	if j.Mode == ModeCom || j.Mode == ModeSDE {
		if len(j.Fields) == 0 {
			return errors.New("No Config File provided")
		}
	}

	if p.Family() == device.FamilyLegacy {
		if len(j.Nonce) != 0 && !strings.EqualFold(strings.TrimPrefix(j.Nonce, "0x"), flashcrypt.LegacyNonce) {
			log.Println("WARNING: Nonce Value for legacy bootloader is fixed so provided value will be ignored")
		}
		j.Nonce = flashcrypt.LegacyNonce
	} else if len(j.Nonce) == 0 {
		if j.FlashHeader == device.NewHeader {
			return errors.New("No Nonce Provided")
		}
		j.Nonce = flashcrypt.LegacyNonce
	}

	if len(j.Key) == 0 {
		return errors.New("No eFuse Key provided")
	}
	if _, err := flashcrypt.ParseKey(j.Key); err != nil {
		return errors.Wrap(err, "Please check the Pass key")
	}
	if len(strings.TrimPrefix(strings.TrimSpace(j.Nonce), "0x")) != 32 {
		return errors.New("Please check the Nonce value")
	}

	return nil
}

func (o *OTA) validate() error {
	if len(o.HeaderString) != 0 && len(o.HeaderString) != 32 {
		return errors.Errorf("Invalid OTA Header String Size %d, must be 32", len(o.HeaderString))
	}
	if o.Hardware != nil && len(o.Hardware) != 2 {
		return errors.New("hardware versions must be [min, max]")
	}
	if o.SectorSize <= 0 {
		return errors.Errorf("invalid sector size %d", o.SectorSize)
	}
	if o.SignIntegrity < 0 || o.SignIntegrity > 3 {
		return errors.Errorf("invalid sign_integrity %d", o.SignIntegrity)
	}
	return nil
}
