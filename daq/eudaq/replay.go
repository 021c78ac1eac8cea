// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package eudaq

import (
	"fmt"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/silab-bonn/go-tlu/daq/datasink"
	"github.com/silab-bonn/go-tlu/devices/tlu"
	"github.com/silab-bonn/go-tlu/devices/tlu/readout"
)

// Replayer iterates a previously captured data-sink file instead of a live
// device, pacing playback by t_start deltas so replays match real time, per
// spec.md §4.7's replay mode.
type Replayer struct {
	ctl   Controller
	delay time.Duration // extra fixed delay per chunk, optional
	p     *Producer
}

// NewReplayer creates a Replayer that emits the same event shape as a live
// Producer, without a *tlu.Device or *readout.Engine.
func NewReplayer(ctl Controller, dutMask uint8, delay time.Duration) *Replayer {
	return &Replayer{ctl: ctl, delay: delay, p: &Producer{ctl: ctl, dutMask: dutMask, configured: true}}
}

// Replay reads rawPath/metaPath (as written by daq/datasink) and emits one
// event per accepted trigger, in chunk order, pacing emission by each
// chunk's TStart delta relative to the first chunk.
func (r *Replayer) Replay(rawPath, metaPath string) error {
	rawFile, err := os.Open(rawPath)
	if err != nil {
		return fmt.Errorf("eudaq: replay: opening raw_data: %w", err)
	}
	defer rawFile.Close()
	metaFile, err := os.Open(metaPath)
	if err != nil {
		return fmt.Errorf("eudaq: replay: opening meta_data: %w", err)
	}
	defer metaFile.Close()

	rawStat, err := rawFile.Stat()
	if err != nil {
		return fmt.Errorf("eudaq: replay: stat raw_data: %w", err)
	}
	metaStat, err := metaFile.Stat()
	if err != nil {
		return fmt.Errorf("eudaq: replay: stat meta_data: %w", err)
	}

	rawReader := parquet.NewGenericReader[datasink.RawRow](rawFile, rawStat.Size())
	defer rawReader.Close()
	metaReader := parquet.NewGenericReader[datasink.MetaRow](metaFile, metaStat.Size())
	defer metaReader.Close()

	metas := make([]datasink.MetaRow, metaReader.NumRows())
	if _, err := metaReader.Read(metas); err != nil {
		return fmt.Errorf("eudaq: replay: reading meta_data: %w", err)
	}

	var firstStart float64
	var replayStart time.Time
	for i, m := range metas {
		rows := make([]datasink.RawRow, m.DataLength)
		if _, err := rawReader.Read(rows); err != nil {
			return fmt.Errorf("eudaq: replay: reading raw_data span: %w", err)
		}

		if i == 0 {
			firstStart = m.TimestampStart
			replayStart = time.Now()
		}
		target := replayStart.Add(time.Duration((m.TimestampStart-firstStart)*1e9) * time.Nanosecond).Add(r.delay)
		if d := time.Until(target); d > 0 {
			time.Sleep(d)
		}

		records := make([]tlu.TriggerRecord, len(rows))
		for j, row := range rows {
			records[j] = tlu.TriggerRecord{LE0: row.LE0, LE1: row.LE1, LE2: row.LE2, LE3: row.LE3, TimeStamp: row.TimeStamp, TriggerID: row.TriggerID}
		}
		r.p.handleChunk(readout.Chunk{
			Data:            records,
			TStart:          m.TimestampStart,
			TStop:           m.TimestampStop,
			Error:           m.Error,
			SkippedTriggers: m.SkippedTriggers,
		})
	}
	return nil
}
