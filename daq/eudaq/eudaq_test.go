// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package eudaq

import (
	"testing"

	"github.com/silab-bonn/go-tlu/devices/tlu"
	"github.com/silab-bonn/go-tlu/devices/tlu/readout"
)

func TestHandleChunkLastEventCarriesExtraInfo(t *testing.T) {
	mock := NewMock(nil, nil)
	p := &Producer{ctl: mock, dutMask: 0x3f, configured: true}

	chunk := readout.Chunk{
		Data: []tlu.TriggerRecord{
			{TriggerID: 1, TimeStamp: 10},
			{TriggerID: 2, TimeStamp: 20},
		},
	}
	p.handleChunk(chunk)

	if len(mock.Sent) != 2 {
		t.Fatalf("expected 2 events sent, got %d", len(mock.Sent))
	}
	if len(mock.Extra) != 1 {
		t.Fatalf("expected exactly 1 extra-info event (the last), got %d", len(mock.Extra))
	}
	if mock.Sent[1].TriggerID != 2 {
		t.Errorf("last event should carry trigger_id 2, got %d", mock.Sent[1].TriggerID)
	}
}

func TestHandleChunkWarnsOnTriggerIDGapButContinues(t *testing.T) {
	mock := NewMock(nil, nil)
	p := &Producer{ctl: mock, dutMask: 0x3f, configured: true}

	p.handleChunk(readout.Chunk{Data: []tlu.TriggerRecord{{TriggerID: 1, TimeStamp: 1}}})
	p.handleChunk(readout.Chunk{Data: []tlu.TriggerRecord{{TriggerID: 5, TimeStamp: 2}}})

	if len(mock.Sent) != 2 {
		t.Fatalf("expected 2 events sent despite the gap, got %d", len(mock.Sent))
	}
	if p.lastTriggerID != 5 {
		t.Errorf("lastTriggerID should track the most recent record regardless of the gap, got %d", p.lastTriggerID)
	}
}

func TestFormatTxStateDisabledChannelsAreDashes(t *testing.T) {
	p := &Producer{dutMask: 0x05} // CH0 and CH2 enabled
	got := p.formatTxState(0xff)
	want := "1-1---"
	if got != want {
		t.Errorf("formatTxState: got %q, want %q", got, want)
	}
}
