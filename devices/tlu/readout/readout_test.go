// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package readout

import (
	"sync"
	"testing"
	"time"

	"github.com/silab-bonn/go-tlu/devices/tlu"
)

// fakeDevice emits exactly total records, one at a time, then stays empty.
type fakeDevice struct {
	mu        sync.Mutex
	remaining int
	nextID    uint32
}

func newFakeDevice(total int) *fakeDevice {
	return &fakeDevice{remaining: total}
}

func (f *fakeDevice) GetFIFOData(size int) ([]tlu.TriggerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining == 0 {
		return nil, nil
	}
	f.remaining--
	f.nextID++
	return []tlu.TriggerRecord{{TimeStamp: uint64(f.nextID), TriggerID: f.nextID - 1}}, nil
}

func (f *fakeDevice) SkipTrigCounter() (uint32, error) { return 0, nil }
func (f *fakeDevice) LostDataCount() (uint8, error)    { return 0, nil }
func (f *fakeDevice) ResetStreamFIFO() error            { return nil }
func (f *fakeDevice) StreamFIFOSize() (uint32, error)   { return 0, nil }

func TestEndToEndRecordCount(t *testing.T) {
	dev := newFakeDevice(100)
	eng := New(dev)

	sess, err := eng.Start(func(Chunk) {}, func(error) {}, false, false, false, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for eng.RecordCount() < 100 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := eng.RecordCount(); got != 100 {
		t.Fatalf("RecordCount after Stop: got %d, want 100", got)
	}
}

func TestStartTwiceFails(t *testing.T) {
	dev := newFakeDevice(0)
	eng := New(dev)
	sess, err := eng.Start(nil, nil, false, false, false, 0)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer sess.Close()

	if _, err := eng.Start(nil, nil, false, false, false, 0); err == nil {
		t.Fatal("expected second concurrent Start to fail")
	}
}
