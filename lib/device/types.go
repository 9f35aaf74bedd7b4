// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Type int

const (
	JN513x Type = 1
	JN514x Type = 2
	// Only selectable by number, it has no chip name in the tool
	Type3  Type = 3
	JN516x Type = 4
	JN517x Type = 5
	JN518x Type = 6
)

var typeNames = map[string]Type{
	"JN513X": JN513x,
	"JN514X": JN514x,
	"JN516X": JN516x,
	"JN5168": JN516x,
	"JN5169": JN516x,
	"JN517X": JN517x,
	"JN5178": JN517x,
	"JN5179": JN517x,
	"JN518X": JN518x,
	"JN5180": JN518x,
}

func (t Type) String() string {
	switch t {
	case JN513x:
		return "JN513x"
	case JN514x:
		return "JN514x"
	case Type3:
		return "type 3"
	case JN516x:
		return "JN516x"
	case JN517x:
		return "JN517x"
	case JN518x:
		return "JN518x"
	}
	return fmt.Sprintf("unknown (%d)", int(t))
}

func (t Type) Valid() bool {
	return t >= JN513x && t <= JN518x
}

// ParseType accepts a chip family name (case insensitive) or the numeric
// device type 1-6.
func ParseType(str string) (Type, error) {
	s := strings.ToUpper(strings.TrimSpace(str))
	if t, ok := typeNames[s]; ok {
		return t, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil || !Type(n).Valid() {
		return 0, errors.Errorf("unrecognised device type '%s'", str)
	}

	return Type(n), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	(*t) = parsed
	return err
}

func (t *Type) MarshalText() ([]byte, error) {
	if *t == Type3 {
		return []byte(strconv.Itoa(int(*t))), nil
	}
	return []byte(t.String()), nil
}

// HeaderType is the bootloader flash header flavour
type HeaderType int

const (
	LegacyHeader HeaderType = 1
	NewHeader    HeaderType = 2
)

func (h HeaderType) String() string {
	switch h {
	case LegacyHeader:
		return "legacy"
	case NewHeader:
		return "new"
	}
	return "???"
}

func (h HeaderType) Valid() bool {
	return h == LegacyHeader || h == NewHeader
}

// Family picks the layout. It's derived from the device type and header
// flavour once, so nothing else needs to look at both.
type Family int

const (
	FamilyLegacy Family = iota
	FamilyNewHeader
	FamilyType3
	FamilyJN516x
	FamilyJN517x
	FamilyJN518x
)

func (f Family) String() string {
	switch f {
	case FamilyLegacy:
		return "legacy header"
	case FamilyNewHeader:
		return "new header"
	case FamilyType3:
		return "type 3"
	case FamilyJN516x:
		return "JN516x"
	case FamilyJN517x:
		return "JN517x"
	case FamilyJN518x:
		return "JN518x"
	}
	return "???"
}

func familyOf(t Type, h HeaderType) Family {
	switch t {
	case Type3:
		return FamilyType3
	case JN516x:
		return FamilyJN516x
	case JN517x:
		return FamilyJN517x
	case JN518x:
		return FamilyJN518x
	}

	if h == NewHeader {
		return FamilyNewHeader
	}
	return FamilyLegacy
}
