// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tlu

import (
	"encoding/binary"
	"testing"

	"github.com/silab-bonn/go-tlu/conn/regio"
	"github.com/silab-bonn/go-tlu/conn/usbxfer/usbtest"
)

func newTestDevice(t *testing.T, transport interface {
	ReadRegister(uint16, int) ([]byte, error)
	WriteRegister(uint16, []byte) error
	ReadData(int) ([]byte, error)
	WriteData([]byte) error
}) *Device {
	t.Helper()
	hw, err := DefaultHardwareDescription()
	if err != nil {
		t.Fatalf("DefaultHardwareDescription: %v", err)
	}
	return &Device{
		reg: &regio.Dev{T: transport, Order: binary.LittleEndian},
		hw:  hw,
	}
}

func mustAddr(t *testing.T, d *Device, block, reg string) uint64 {
	t.Helper()
	addr, _, err := d.hw.Address(block, reg)
	if err != nil {
		t.Fatalf("Address(%s,%s): %v", block, reg, err)
	}
	return addr
}

func TestGetFIFODataEmptyBelowMinBurst(t *testing.T) {
	d := newTestDevice(t, nil)
	sizeAddr := mustAddr(t, d, blockStreamFIFO, regFifoSize)

	play := &usbtest.Playback{Ops: []usbtest.Op{
		{Kind: "read_register", Index: uint16(sizeAddr), Read: []byte{0, 0, 0}},
	}}
	d2 := newTestDevice(t, play)
	records, err := d2.GetFIFOData(4096)
	if err != nil {
		t.Fatalf("GetFIFOData: %v", err)
	}
	if records != nil {
		t.Errorf("expected nil records below minFifoBurst, got %d", len(records))
	}
	if err := play.Close(); err != nil {
		t.Fatalf("playback not fully consumed: %v", err)
	}
}

func TestGetFIFODataDrainsAboveMinBurst(t *testing.T) {
	d := newTestDevice(t, nil)
	sizeAddr := mustAddr(t, d, blockStreamFIFO, regFifoSize)
	setCountAddr := mustAddr(t, d, blockStreamFIFO, regFifoSetCount)

	const howMuch = (32/512 + 1) * 512
	record := encodeRecord(1, 2, 3, 4, 42, 7)
	padding := make([]byte, howMuch-RecordSize)
	raw := append(append([]byte{}, record...), padding...)

	play := &usbtest.Playback{Ops: []usbtest.Op{
		{Kind: "read_register", Index: uint16(sizeAddr), Read: []byte{32, 0, 0}},
		{Kind: "write_register", Index: uint16(setCountAddr), Write: []byte{0, 2, 0}},
		{Kind: "read_data", Read: raw},
	}}
	d2 := newTestDevice(t, play)
	records, err := d2.GetFIFOData(4096)
	if err != nil {
		t.Fatalf("GetFIFOData: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 decoded record, got %d", len(records))
	}
	if records[0].TriggerID != 7 || records[0].TimeStamp != 42 {
		t.Errorf("unexpected decoded record: %+v", records[0])
	}
	if err := play.Close(); err != nil {
		t.Fatalf("playback not fully consumed: %v", err)
	}
}
