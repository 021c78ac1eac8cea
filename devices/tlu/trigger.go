// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tlu

import "encoding/binary"

// RecordSize is the on-wire size of one TriggerRecord, in bytes.
const RecordSize = 16

// TriggerRecord is one accepted-trigger entry drained from the stream FIFO.
// LE0..LE3 are leading-edge fine times for each scintillator input.
type TriggerRecord struct {
	LE0, LE1, LE2, LE3 uint8
	TimeStamp          uint64
	TriggerID          uint32
}

// decodeRecords reinterprets a raw byte slice as a sequence of 16-byte
// little-endian trigger records, dropping any whose TimeStamp is zero:
// padding the FPGA appends when less than a full 512-byte burst of real
// data was available.
func decodeRecords(raw []byte) []TriggerRecord {
	n := len(raw) / RecordSize
	out := make([]TriggerRecord, 0, n)
	for i := 0; i < n; i++ {
		b := raw[i*RecordSize : (i+1)*RecordSize]
		ts := binary.LittleEndian.Uint64(b[4:12])
		if ts == 0 {
			continue
		}
		out = append(out, TriggerRecord{
			LE0:       b[0],
			LE1:       b[1],
			LE2:       b[2],
			LE3:       b[3],
			TimeStamp: ts,
			TriggerID: binary.LittleEndian.Uint32(b[12:16]),
		})
	}
	return out
}
