// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package monitor

import "testing"

func TestHandleFrameComputesRateInKHz(t *testing.T) {
	c := NewConverter()
	c.HandleFrame(MetaFrame{DataLength: 2000, TimestampStart: 1.0, TimestampStop: 1.5})

	_, rate := c.Series()
	if len(rate) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(rate))
	}
	want := 2000.0 / 0.5 / 1000
	if rate[0] != want {
		t.Errorf("rate: got %v, want %v", rate[0], want)
	}
}

func TestHandleFrameZeroDtYieldsZeroRate(t *testing.T) {
	c := NewConverter()
	c.HandleFrame(MetaFrame{DataLength: 2000, TimestampStart: 1.0, TimestampStop: 1.0})

	_, rate := c.Series()
	if rate[0] != 0 {
		t.Errorf("rate with dt=0: got %v, want 0", rate[0])
	}
}

func TestSeriesOrderingIsChronological(t *testing.T) {
	c := NewConverter()
	for i := 0; i < 5; i++ {
		ts := float64(i)
		c.HandleFrame(MetaFrame{DataLength: 1, TimestampStart: ts, TimestampStop: ts + 1})
	}
	tvals, _ := c.Series()
	for i, want := range []float64{1, 2, 3, 4, 5} {
		if tvals[i] != want {
			t.Errorf("time[%d]: got %v, want %v", i, tvals[i], want)
		}
	}
}

func TestSeriesWrapsAtWindowCapacity(t *testing.T) {
	c := NewConverter()
	for i := 0; i < rateWindow+10; i++ {
		ts := float64(i)
		c.HandleFrame(MetaFrame{DataLength: 1, TimestampStart: ts, TimestampStop: ts + 1})
	}
	tvals, _ := c.Series()
	if len(tvals) != rateWindow {
		t.Fatalf("expected Series to cap at %d samples, got %d", rateWindow, len(tvals))
	}
	if tvals[0] != 11 {
		t.Errorf("oldest retained sample: got %v, want 11", tvals[0])
	}
	if tvals[len(tvals)-1] != float64(rateWindow+9)+1 {
		t.Errorf("newest retained sample: got %v, want %v", tvals[len(tvals)-1], float64(rateWindow+9)+1)
	}
}

func TestFPSStartsAtZeroBeforeSecondFrame(t *testing.T) {
	c := NewConverter()
	if c.FPS() != 0 {
		t.Errorf("FPS before any frame: got %v, want 0", c.FPS())
	}
	c.HandleFrame(MetaFrame{DataLength: 1, TimestampStart: 0, TimestampStop: 1})
	if c.FPS() != 0 {
		t.Errorf("FPS after first frame: got %v, want 0 (EMA needs a prior frame to measure delta)", c.FPS())
	}
}
