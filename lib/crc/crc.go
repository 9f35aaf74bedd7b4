// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>

// Package crc implements the non-reflected CRC-32 used by the JN51xx
// bootloaders to check OTA images. The API follows sigurn/crc16: build a
// table once, then Checksum/Update over it.
package crc

import (
	snk "github.com/snksoft/crc"
)

// ImageParameters describe the bootloader's CRC-32/BZIP2. It's the same
// polynomial as IEEE 802.3, but shifted left rather than reflected, so
// hash/crc32 can't be used.
var ImageParameters = &snk.Parameters{
	Width:      32,
	Polynomial: 0x04C11DB7,
	Init:       0xFFFFFFFF,
	ReflectIn:  false,
	ReflectOut: false,
	FinalXor:   0xFFFFFFFF,
}

// Table is a byte-at-a-time lookup table for one set of 32-bit CRC
// parameters.
type Table struct {
	table *snk.Table
}

// MakeTable builds the table for params, which must have a Width of 32.
func MakeTable(params *snk.Parameters) *Table {
	return &Table{table: snk.NewTable(params)}
}

// Entry is the table value for b: the register after shifting b through
// from zero.
func (t *Table) Entry(b byte) uint32 {
	return uint32(t.table.UpdateCrc(0, []byte{b}))
}

// Init is the accumulator value before any data
func (t *Table) Init() uint32 {
	return uint32(t.table.InitCrc())
}

// Final turns an accumulator into the checksum
func (t *Table) Final(crc uint32) uint32 {
	return uint32(t.table.CRC(uint64(crc)))
}

var ImageTable = MakeTable(ImageParameters)

// Update feeds data into a running (un-finalised) accumulator.
func Update(crc uint32, data []byte, t *Table) uint32 {
	return uint32(t.table.UpdateCrc(uint64(crc), data))
}

// Checksum is the complete CRC of data.
func Checksum(data []byte, t *Table) uint32 {
	return t.Final(Update(t.Init(), data, t))
}

// ImageCRC is the checksum the bootloader stores in the embedded OTA header.
func ImageCRC(data []byte) uint32 {
	return Checksum(data, ImageTable)
}
