// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package datasink persists trigger records and per-readout meta-data to a
// pair of self-describing parquet table files: a raw_data table,
// Snappy-compressed for throughput, and a meta_data table, Gzip-compressed,
// with one meta_data row written per readout chunk.
package datasink

import (
	"fmt"
	"os"
	"sync"

	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v2"

	"github.com/silab-bonn/go-tlu/devices/tlu"
	"github.com/silab-bonn/go-tlu/devices/tlu/readout"
)

// RawRow mirrors tlu.TriggerRecord with parquet struct tags.
type RawRow struct {
	LE0       uint8  `parquet:"le0"`
	LE1       uint8  `parquet:"le1"`
	LE2       uint8  `parquet:"le2"`
	LE3       uint8  `parquet:"le3"`
	TimeStamp uint64 `parquet:"time_stamp"`
	TriggerID uint32 `parquet:"trigger_id"`
}

// MetaRow is one row of the meta_data table, one per producer drain that
// yielded records. Invariant: IndexStop-IndexStart == DataLength.
type MetaRow struct {
	IndexStart      uint32  `parquet:"index_start"`
	IndexStop       uint32  `parquet:"index_stop"`
	DataLength      uint32  `parquet:"data_length"`
	TimestampStart  float64 `parquet:"timestamp_start"`
	TimestampStop   float64 `parquet:"timestamp_stop"`
	Error           uint32  `parquet:"error"`
	SkippedTriggers uint64  `parquet:"skipped_triggers"`
}

// MonitorPublisher is the narrow interface datasink needs from daq/monitor:
// forwarding a meta row and the raw bytes behind it, best-effort.
type MonitorPublisher interface {
	Publish(meta MetaRow, raw []tlu.TriggerRecord) error
}

// Sink owns one persistent file's worth of raw_data/meta_data rows.
//
// Both tables are owned solely by the goroutine calling HandleData, per
// spec.md §5's "data-sink tables: owned solely by the consumer thread" —
// Sink itself does no internal locking beyond what's needed to make Close
// safe to call concurrently with a final in-flight HandleData.
type Sink struct {
	mu          sync.Mutex
	rawPath     string
	metaPath    string
	rawWriter   *parquet.GenericWriter[RawRow]
	metaWriter  *parquet.GenericWriter[MetaRow]
	rawFile     *os.File
	metaFile    *os.File
	nextIndex   uint32
	monitor     MonitorPublisher
}

// Open creates (or truncates) the raw_data and meta_data table files rooted
// at baseName (baseName+".raw.parquet", baseName+".meta.parquet"), and
// records kwargs/config as attribute-style sidecar YAML files, mirroring
// spec.md §6's "attributes attached to meta_data: kwargs, config" — parquet
// lacks a direct per-table key/value attribute API, so the snapshot is
// written alongside the table it describes.
func Open(baseName string, kwargs, config interface{}, monitor MonitorPublisher) (*Sink, error) {
	rawPath := baseName + ".raw.parquet"
	metaPath := baseName + ".meta.parquet"

	rawFile, err := os.Create(rawPath)
	if err != nil {
		return nil, fmt.Errorf("datasink: creating raw_data file: %w", err)
	}
	metaFile, err := os.Create(metaPath)
	if err != nil {
		rawFile.Close()
		return nil, fmt.Errorf("datasink: creating meta_data file: %w", err)
	}

	rawWriter := parquet.NewGenericWriter[RawRow](rawFile, parquet.Compression(&parquet.Snappy))
	metaWriter := parquet.NewGenericWriter[MetaRow](metaFile, parquet.Compression(&parquet.Gzip))

	s := &Sink{
		rawPath:    rawPath,
		metaPath:   metaPath,
		rawWriter:  rawWriter,
		metaWriter: metaWriter,
		rawFile:    rawFile,
		metaFile:   metaFile,
		monitor:    monitor,
	}

	if err := writeAttributeSnapshot(baseName+".kwargs.yaml", kwargs); err != nil {
		s.Close()
		return nil, err
	}
	if err := writeAttributeSnapshot(baseName+".config.yaml", config); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func writeAttributeSnapshot(path string, v interface{}) error {
	if v == nil {
		return nil
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("datasink: marshalling attribute snapshot: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("datasink: writing attribute snapshot: %w", err)
	}
	return nil
}

// HandleData appends chunk's records to raw_data, flushes, writes one
// meta_data row, flushes, and best-effort-forwards to the online monitor,
// per spec.md §4.5.
func (s *Sink) HandleData(chunk readout.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]RawRow, len(chunk.Data))
	for i, r := range chunk.Data {
		rows[i] = RawRow{LE0: r.LE0, LE1: r.LE1, LE2: r.LE2, LE3: r.LE3, TimeStamp: r.TimeStamp, TriggerID: r.TriggerID}
	}
	if _, err := s.rawWriter.Write(rows); err != nil {
		return fmt.Errorf("datasink: appending raw_data: %w", err)
	}
	if err := s.rawWriter.Flush(); err != nil {
		return fmt.Errorf("datasink: flushing raw_data: %w", err)
	}

	meta := MetaRow{
		IndexStart:      s.nextIndex,
		DataLength:      uint32(len(rows)),
		IndexStop:       s.nextIndex + uint32(len(rows)),
		TimestampStart:  chunk.TStart,
		TimestampStop:   chunk.TStop,
		Error:           chunk.Error,
		SkippedTriggers: chunk.SkippedTriggers,
	}
	s.nextIndex = meta.IndexStop

	if _, err := s.metaWriter.Write([]MetaRow{meta}); err != nil {
		return fmt.Errorf("datasink: appending meta_data: %w", err)
	}
	if err := s.metaWriter.Flush(); err != nil {
		return fmt.Errorf("datasink: flushing meta_data: %w", err)
	}

	if s.monitor != nil {
		if err := s.monitor.Publish(meta, chunk.Data); err != nil {
			s.monitor = nil // best-effort, no retry: spec.md §4.5
		}
	}
	return nil
}

// Close flushes and closes both table files.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if s.rawWriter != nil {
		if err := s.rawWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.metaWriter != nil {
		if err := s.metaWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.rawFile != nil {
		if err := s.rawFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.metaFile != nil {
		if err := s.metaFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
