// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package usbtest implements record/playback fakes for package usbxfer,
// adapted from conntest's Record/Playback pair so that conn/regio and
// devices/tlu can be exercised without a real ZestSC1 board attached.
package usbtest

import (
	"bytes"
	"fmt"
	"sync"
)

// Op is one logged transport operation: a register read/write or a bulk
// data read/write.
type Op struct {
	Kind  string // "read_register", "write_register", "read_data", "write_data"
	Index uint16
	Write []byte
	Read  []byte
}

// Record implements the subset of usbxfer.Device's API that conn/regio
// calls, recording every operation for later comparison in a Playback.
type Record struct {
	mu  sync.Mutex
	Ops []Op
}

func (r *Record) ReadRegister(index uint16, length int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	read := make([]byte, length)
	r.Ops = append(r.Ops, Op{Kind: "read_register", Index: index, Read: read})
	return read, nil
}

func (r *Record) WriteRegister(index uint16, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := make([]byte, len(data))
	copy(w, data)
	r.Ops = append(r.Ops, Op{Kind: "write_register", Index: index, Write: w})
	return nil
}

func (r *Record) ReadData(length int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	read := make([]byte, length)
	r.Ops = append(r.Ops, Op{Kind: "read_data", Read: read})
	return read, nil
}

func (r *Record) WriteData(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := make([]byte, len(data))
	copy(w, data)
	r.Ops = append(r.Ops, Op{Kind: "write_data", Write: w})
	return nil
}

// Playback replays a recorded operation list, failing on any mismatch in
// kind, index, or written bytes, and returning the matching recorded read
// payload.
type Playback struct {
	mu    sync.Mutex
	Ops   []Op
	Count int
}

// Close verifies every recorded op was consumed.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Count != len(p.Ops) {
		return fmt.Errorf("usbtest: expected playback to be empty: consumed %d; expected %d", p.Count, len(p.Ops))
	}
	return nil
}

func (p *Playback) next(kind string, index uint16, w []byte) (Op, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Count >= len(p.Ops) {
		return Op{}, fmt.Errorf("usbtest: unexpected %s (count #%d)", kind, p.Count)
	}
	op := p.Ops[p.Count]
	if op.Kind != kind || op.Index != index || !bytes.Equal(op.Write, w) {
		return Op{}, fmt.Errorf("usbtest: unexpected op (count #%d): got %+v, want kind=%s index=%d write=%#v", p.Count, op, kind, index, w)
	}
	p.Count++
	return op, nil
}

func (p *Playback) ReadRegister(index uint16, length int) ([]byte, error) {
	op, err := p.next("read_register", index, nil)
	if err != nil {
		return nil, err
	}
	if len(op.Read) != length {
		return nil, fmt.Errorf("usbtest: read_register length mismatch: got %d, want %d", length, len(op.Read))
	}
	return op.Read, nil
}

func (p *Playback) WriteRegister(index uint16, data []byte) error {
	_, err := p.next("write_register", index, data)
	return err
}

func (p *Playback) ReadData(length int) ([]byte, error) {
	op, err := p.next("read_data", 0, nil)
	if err != nil {
		return nil, err
	}
	if len(op.Read) != length {
		return nil, fmt.Errorf("usbtest: read_data length mismatch: got %d, want %d", length, len(op.Read))
	}
	return op.Read, nil
}

func (p *Playback) WriteData(data []byte) error {
	_, err := p.next("write_data", 0, data)
	return err
}
