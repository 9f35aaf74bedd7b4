// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package image

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/usedbytes/jet-tools/lib/config"
)

// RowError is a failure which only affects one output image
type RowError struct {
	Row int
	MAC string
	Err error
}

func (e *RowError) Error() string {
	if len(e.MAC) > 0 {
		return fmt.Sprintf("row %d (%s): %v", e.Row, e.MAC, e.Err)
	}
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Cause() error {
	return e.Err
}

// SpliceError is a field which doesn't fit in the data region
type SpliceError struct {
	Field     *config.Field
	Reason    string
	RegionLen int
}

func (e *SpliceError) Error() string {
	return fmt.Sprintf("field at 0x%x (%d bytes) %s, region is 0x%x bytes",
		e.Field.Offset, e.Field.Length, e.Reason, e.RegionLen)
}

// fieldText is a data line without its optional 0x prefix
func fieldText(v string) string {
	return strings.TrimPrefix(v, "0x")
}

// FieldValue decodes a field's hex value for row. Extra digits are ignored.
func FieldValue(f *config.Field, row int) ([]byte, error) {
	if row < 0 || row >= len(f.Values) {
		return nil, errors.Errorf("no row %d in %s", row, f.Source)
	}

	v := fieldText(f.Values[row])
	if len(v) < f.Length*2 {
		return nil, errors.Errorf("value '%s' in %s is shorter than %d bytes", v, f.Source, f.Length)
	}

	b, err := hex.DecodeString(v[:f.Length*2])
	if err != nil {
		return nil, errors.Wrapf(err, "Decoding value in %s", f.Source)
	}

	return b, nil
}

// A transform is applied to a field's value before it's spliced
type transform func(f *config.Field, value []byte) ([]byte, error)

// splicer builds the patched region front to back. cursor is the next byte
// of src which hasn't been copied or replaced yet.
type splicer struct {
	src    []byte
	buf    *bytes.Buffer
	cursor int
}

func newSplicer(src []byte) *splicer {
	buf := &bytes.Buffer{}
	buf.Grow(len(src))
	return &splicer{src: src, buf: buf}
}

func (s *splicer) replace(f *config.Field, at int, value []byte) error {
	if at < s.cursor {
		return &SpliceError{Field: f, Reason: "overlaps the previous field", RegionLen: len(s.src)}
	}
	if at+len(value) > len(s.src) {
		return &SpliceError{Field: f, Reason: "is out of bounds", RegionLen: len(s.src)}
	}

	s.buf.Write(s.src[s.cursor:at])
	s.buf.Write(value)
	s.cursor = at + len(value)

	return nil
}

func (s *splicer) finish() []byte {
	s.buf.Write(s.src[s.cursor:])
	return s.buf.Bytes()
}

// splice replaces the data of every field at or after dataStart in region
// (which begins at dataStart in the image). Fields before dataStart live in
// the header and are left alone.
func splice(region []byte, dataStart int, fields []*config.Field, row int, xform transform) ([]byte, error) {
	s := newSplicer(region)

	for _, f := range fields {
		if f.Offset < dataStart {
			continue
		}

		value, err := FieldValue(f, row)
		if err != nil {
			return nil, err
		}

		if xform != nil {
			value, err = xform(f, value)
			if err != nil {
				return nil, err
			}
		}

		if err := s.replace(f, f.Offset-dataStart, value); err != nil {
			return nil, err
		}
	}

	return s.finish(), nil
}
