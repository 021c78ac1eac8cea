// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tlu

import (
	"encoding/binary"
	"testing"
)

func encodeRecord(le0, le1, le2, le3 uint8, ts uint64, id uint32) []byte {
	b := make([]byte, RecordSize)
	b[0], b[1], b[2], b[3] = le0, le1, le2, le3
	binary.LittleEndian.PutUint64(b[4:12], ts)
	binary.LittleEndian.PutUint32(b[12:16], id)
	return b
}

func TestDecodeRecordsFiltersZeroTimestamp(t *testing.T) {
	var raw []byte
	raw = append(raw, encodeRecord(1, 2, 3, 4, 100, 0)...)
	raw = append(raw, encodeRecord(0, 0, 0, 0, 0, 0)...) // padding
	raw = append(raw, encodeRecord(5, 6, 7, 8, 120, 1)...)

	records := decodeRecords(raw)
	if len(records) != 2 {
		t.Fatalf("expected 2 records after padding filter, got %d", len(records))
	}
	if records[0].TimeStamp != 100 || records[1].TimeStamp != 120 {
		t.Errorf("unexpected timestamps: %+v", records)
	}
	for _, r := range records {
		if r.TimeStamp == 0 {
			t.Errorf("padding record leaked through: %+v", r)
		}
	}
}

func TestDefaultHardwareDescriptionResolvesVersionAddress(t *testing.T) {
	hw, err := DefaultHardwareDescription()
	if err != nil {
		t.Fatalf("DefaultHardwareDescription: %v", err)
	}
	addr, spec, err := hw.Address(blockTLUMaster, regVersion)
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	if addr != 0x2000 {
		t.Errorf("VERSION address: got %#x, want 0x2000", addr)
	}
	if spec.Access != "ro" {
		t.Errorf("VERSION access: got %q, want ro", spec.Access)
	}
}
