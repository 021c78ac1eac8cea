// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package regio

import (
	"encoding/binary"
	"testing"

	"github.com/silab-bonn/go-tlu/conn/usbxfer/usbtest"
)

func TestDevRegisterRoundTrip(t *testing.T) {
	rec := &usbtest.Record{}
	d := &Dev{T: rec, Order: binary.LittleEndian}

	if err := d.WriteUint16(0x10, 0xbeef); err != nil {
		t.Fatalf("WriteUint16: %v", err)
	}

	play := &usbtest.Playback{Ops: rec.Ops}
	d2 := &Dev{T: play, Order: binary.LittleEndian}
	if err := d2.WriteUint16(0x10, 0xbeef); err != nil {
		t.Fatalf("playback WriteUint16: %v", err)
	}
	if err := play.Close(); err != nil {
		t.Fatalf("playback not fully consumed: %v", err)
	}
}

func TestDevOutOfRangeAddress(t *testing.T) {
	d := &Dev{T: &usbtest.Record{}, Order: binary.LittleEndian}
	_, err := d.ReadUint8(0x1_0000_0000)
	if err == nil {
		t.Fatal("expected ErrOutOfRange for address between mmio and stream windows")
	}
	if _, ok := err.(*ErrOutOfRange); !ok {
		t.Fatalf("expected *ErrOutOfRange, got %T: %v", err, err)
	}
}

func TestDevBlockRoutesToStreamWindow(t *testing.T) {
	rec := &usbtest.Record{}
	d := &Dev{T: rec, Order: binary.LittleEndian}
	if _, err := d.ReadBlock(StreamBase, 512); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if len(rec.Ops) != 1 || rec.Ops[0].Kind != "read_data" {
		t.Fatalf("expected one read_data op, got %+v", rec.Ops)
	}
}
