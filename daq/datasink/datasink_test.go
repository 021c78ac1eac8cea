// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package datasink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/silab-bonn/go-tlu/devices/tlu"
	"github.com/silab-bonn/go-tlu/devices/tlu/readout"
)

func TestHandleDataMetaRowInvariant(t *testing.T) {
	base := filepath.Join(t.TempDir(), "run")
	sink, err := Open(base, nil, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	chunks := []readout.Chunk{
		{Data: make([]tlu.TriggerRecord, 3), TStart: 1.0, TStop: 1.05},
		{Data: make([]tlu.TriggerRecord, 5), TStart: 1.05, TStop: 1.10},
	}

	var wantIndexStart uint32
	for _, c := range chunks {
		if err := sink.HandleData(c); err != nil {
			t.Fatalf("HandleData: %v", err)
		}
		wantDataLength := uint32(len(c.Data))
		gotStart := sink.nextIndex - wantDataLength
		if gotStart != wantIndexStart {
			t.Errorf("index_start: got %d, want %d", gotStart, wantIndexStart)
		}
		wantIndexStart += wantDataLength
	}
	if sink.nextIndex != wantIndexStart {
		t.Errorf("final nextIndex: got %d, want %d", sink.nextIndex, wantIndexStart)
	}

	for _, p := range []string{base + ".raw.parquet", base + ".meta.parquet"} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected table file %s to exist: %v", p, err)
		}
	}
}

func TestOpenWritesAttributeSnapshots(t *testing.T) {
	base := filepath.Join(t.TempDir(), "run")
	type kwargs struct {
		Scintillators int `yaml:"scintillators"`
	}
	sink, err := Open(base, kwargs{Scintillators: 4}, map[string]int{"threshold": 5}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()

	for _, p := range []string{base + ".kwargs.yaml", base + ".config.yaml"} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected attribute snapshot %s to exist: %v", p, err)
		}
	}
}

// TestMetaDataReadBackYieldsRate mirrors what an offline rate-vs-time
// consumer does: read meta_data sequentially and compute rate from
// data_length/(timestamp_stop-timestamp_start). It validates that the
// schema round-trips through parquet exactly as HandleData wrote it.
func TestMetaDataReadBackYieldsRate(t *testing.T) {
	base := filepath.Join(t.TempDir(), "run")
	sink, err := Open(base, nil, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := sink.HandleData(readout.Chunk{
		Data:   make([]tlu.TriggerRecord, 10),
		TStart: 0.0,
		TStop:  0.5,
	}); err != nil {
		t.Fatalf("HandleData: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(base + ".meta.parquet")
	if err != nil {
		t.Fatalf("opening meta_data table: %v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	reader := parquet.NewGenericReader[MetaRow](f, info.Size())
	defer reader.Close()

	rows := make([]MetaRow, 1)
	n, err := reader.Read(rows)
	if n != 1 {
		t.Fatalf("expected to read back 1 meta_data row, got %d (err=%v)", n, err)
	}

	row := rows[0]
	dt := row.TimestampStop - row.TimestampStart
	rate := float64(row.DataLength) / dt
	if rate != 20 {
		t.Errorf("computed rate: got %v, want 20 (10 records / 0.5s)", rate)
	}
}
