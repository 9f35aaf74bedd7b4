// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/usedbytes/log"
)

// Field is one line of a field configuration file: a data file holding one
// value per device, and where the value goes in the image.
type Field struct {
	Source string
	// Offset is from the start of the image, as written in the config
	Offset     int
	OffsetText string
	Length     int
	Values     []string
}

func (f *Field) String() string {
	return fmt.Sprintf("%s @ 0x%x (%d bytes, %d rows)", filepath.Base(f.Source), f.Offset, f.Length, len(f.Values))
}

// FieldSet is the parsed configuration. Every field has exactly Rows values.
type FieldSet struct {
	Fields []*Field
	Rows   int
}

// RowCountMismatchError means the data files don't describe the same
// number of devices. Nothing can be produced in this case.
type RowCountMismatchError struct {
	Source string
	Line   int
	Want   int
	Got    int
}

func (e *RowCountMismatchError) Error() string {
	return fmt.Sprintf("number of entries mismatch at location %d: %s has %d rows, expected %d",
		e.Line, e.Source, e.Got, e.Want)
}

// ReadDataLines returns the lines of filename, skipping blank lines and
// '#' comments. Lines are trimmed.
func ReadDataLines(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "Could not open file")
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "Reading %s", filename)
	}

	return lines, nil
}

// ParseFieldLine parses "source, hex_offset, decimal_length"
func ParseFieldLine(line string) (*Field, error) {
	toks := strings.Split(line, ",")
	if len(toks) < 3 {
		return nil, errors.Errorf("expected 'file, offset, length', got '%s'", line)
	}

	f := &Field{
		Source:     strings.TrimSpace(toks[0]),
		OffsetText: strings.TrimSpace(toks[1]),
	}

	offset, err := strconv.ParseUint(strings.TrimPrefix(f.OffsetText, "0x"), 16, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "Parsing offset '%s'", f.OffsetText)
	}
	f.Offset = int(offset)

	length, err := strconv.Atoi(strings.TrimSpace(toks[2]))
	if err != nil || length <= 0 {
		return nil, errors.Errorf("invalid length '%s'", strings.TrimSpace(toks[2]))
	}
	f.Length = length

	return f, nil
}

// LoadFieldConfig reads the field configuration, and the data file of each
// field. Relative data file paths are resolved against the directory of the
// configuration file.
func LoadFieldConfig(filename string) (*FieldSet, error) {
	lines, err := ReadDataLines(filename)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, errors.Errorf("%s: no fields", filename)
	}

	dir := filepath.Dir(filename)
	fs := &FieldSet{}

	for i, line := range lines {
		f, err := ParseFieldLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "%s line %d", filename, i+1)
		}

		if !filepath.IsAbs(f.Source) {
			f.Source = filepath.Join(dir, f.Source)
		}

		f.Values, err = ReadDataLines(f.Source)
		if err != nil {
			return nil, errors.Wrapf(err, "Loading field data %s", f.Source)
		}

		if i == 0 {
			fs.Rows = len(f.Values)
		} else if len(f.Values) != fs.Rows {
			return nil, &RowCountMismatchError{
				Source: f.Source,
				Line:   i,
				Want:   fs.Rows,
				Got:    len(f.Values),
			}
		}

		log.Verbosef("Field %s\n", f)
		fs.Fields = append(fs.Fields, f)
	}

	return fs, nil
}

// Sorted returns the fields in ascending offset order
func (fs *FieldSet) Sorted() []*Field {
	sorted := make([]*Field, len(fs.Fields))
	copy(sorted, fs.Fields)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})
	return sorted
}

// Find returns the field at offset, or nil
func (fs *FieldSet) Find(offset int) *Field {
	for _, f := range fs.Fields {
		if f.Offset == offset {
			return f
		}
	}
	return nil
}
