// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package regio implements the register/FIFO transport on top of
// conn/usbxfer: a single 64 bit address space split into a memory-mapped
// register window, addressed one byte per control transfer, and a bulk
// stream window, addressed as block bulk transfers. It plays the role
// conn/mmr's Dev8/Dev16 play for a classic I2C/SPI register device, adapted
// to the ZestSC1's two wire protocols.
package regio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
)

// Address space boundaries, per spec.md §4.2.
const (
	// MMIOBase is the first address of the register window.
	MMIOBase uint64 = 0x0
	// MMIOLimit is one past the last address of the register window.
	MMIOLimit uint64 = 0x10000
	// StreamBase is the first address of the bulk stream window.
	StreamBase uint64 = 0x0001_0000_0000_0000
)

// Transport is the narrow subset of *usbxfer.Device that regio depends on.
// It is satisfied by *usbxfer.Device directly and by usbtest's
// Record/Playback fakes.
type Transport interface {
	ReadRegister(index uint16, length int) ([]byte, error)
	WriteRegister(index uint16, data []byte) error
	ReadData(length int) ([]byte, error)
	WriteData(data []byte) error
}

// ErrOutOfRange is returned when an address falls in neither the mmio nor
// the stream window.
type ErrOutOfRange struct{ Addr uint64 }

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("regio: address %#x is in neither the mmio nor the stream window", e.Addr)
}

// Dev is a connection that routes Tx calls to register or bulk transfers
// depending on the address, mirroring conn/mmr's Dev8/Dev16 but over a
// dual-addressed transport rather than a single conn.Conn.
type Dev struct {
	T Transport
	// Order specifies the binary encoding of multi-byte register values.
	Order binary.ByteOrder
}

func (d *Dev) check() error {
	if d.T == nil {
		return errors.New("regio: missing transport")
	}
	if d.Order == nil {
		return errors.New("regio: don't know if big or little endian")
	}
	return nil
}

// classify reports whether addr lies in the mmio window, returning the
// 16 bit register index to use.
func classify(addr uint64) (index uint16, isStream bool, err error) {
	if addr >= MMIOBase && addr < MMIOLimit {
		return uint16(addr), false, nil
	}
	if addr >= StreamBase {
		return 0, true, nil
	}
	return 0, false, &ErrOutOfRange{Addr: addr}
}

// ReadUint8 reads an 8 bit register at addr.
func (d *Dev) ReadUint8(addr uint64) (uint8, error) {
	if err := d.check(); err != nil {
		return 0, err
	}
	index, stream, err := classify(addr)
	if err != nil {
		return 0, err
	}
	if stream {
		return 0, fmt.Errorf("regio: ReadUint8 not valid on stream window address %#x", addr)
	}
	b, err := d.T.ReadRegister(index, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a 16 bit register at addr.
func (d *Dev) ReadUint16(addr uint64) (uint16, error) {
	if err := d.check(); err != nil {
		return 0, err
	}
	index, stream, err := classify(addr)
	if err != nil {
		return 0, err
	}
	if stream {
		return 0, fmt.Errorf("regio: ReadUint16 not valid on stream window address %#x", addr)
	}
	b, err := d.T.ReadRegister(index, 2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(b), nil
}

// ReadUint32 reads a 32 bit register at addr.
func (d *Dev) ReadUint32(addr uint64) (uint32, error) {
	if err := d.check(); err != nil {
		return 0, err
	}
	index, stream, err := classify(addr)
	if err != nil {
		return 0, err
	}
	if stream {
		return 0, fmt.Errorf("regio: ReadUint32 not valid on stream window address %#x", addr)
	}
	b, err := d.T.ReadRegister(index, 4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(b), nil
}

// ReadUint64 reads a 64 bit register at addr.
func (d *Dev) ReadUint64(addr uint64) (uint64, error) {
	if err := d.check(); err != nil {
		return 0, err
	}
	index, stream, err := classify(addr)
	if err != nil {
		return 0, err
	}
	if stream {
		return 0, fmt.Errorf("regio: ReadUint64 not valid on stream window address %#x", addr)
	}
	b, err := d.T.ReadRegister(index, 8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(b), nil
}

// WriteUint8 writes an 8 bit register at addr.
func (d *Dev) WriteUint8(addr uint64, v uint8) error {
	if err := d.check(); err != nil {
		return err
	}
	index, stream, err := classify(addr)
	if err != nil {
		return err
	}
	if stream {
		return fmt.Errorf("regio: WriteUint8 not valid on stream window address %#x", addr)
	}
	return d.T.WriteRegister(index, []byte{v})
}

// WriteUint16 writes a 16 bit register at addr.
func (d *Dev) WriteUint16(addr uint64, v uint16) error {
	if err := d.check(); err != nil {
		return err
	}
	index, stream, err := classify(addr)
	if err != nil {
		return err
	}
	if stream {
		return fmt.Errorf("regio: WriteUint16 not valid on stream window address %#x", addr)
	}
	b := make([]byte, 2)
	d.Order.PutUint16(b, v)
	return d.T.WriteRegister(index, b)
}

// WriteUint32 writes a 32 bit register at addr.
func (d *Dev) WriteUint32(addr uint64, v uint32) error {
	if err := d.check(); err != nil {
		return err
	}
	index, stream, err := classify(addr)
	if err != nil {
		return err
	}
	if stream {
		return fmt.Errorf("regio: WriteUint32 not valid on stream window address %#x", addr)
	}
	b := make([]byte, 4)
	d.Order.PutUint32(b, v)
	return d.T.WriteRegister(index, b)
}

// WriteUint64 writes a 64 bit register at addr.
func (d *Dev) WriteUint64(addr uint64, v uint64) error {
	if err := d.check(); err != nil {
		return err
	}
	index, stream, err := classify(addr)
	if err != nil {
		return err
	}
	if stream {
		return fmt.Errorf("regio: WriteUint64 not valid on stream window address %#x", addr)
	}
	b := make([]byte, 8)
	d.Order.PutUint64(b, v)
	return d.T.WriteRegister(index, b)
}

// ReadStruct reads len(b) bytes of raw register space starting at addr into
// b, marshalled via .Order, mirroring conn/mmr's ReadStruct.
func (d *Dev) ReadStruct(addr uint64, b interface{}) error {
	if err := d.check(); err != nil {
		return err
	}
	index, stream, err := classify(addr)
	if err != nil {
		return err
	}
	if stream {
		return fmt.Errorf("regio: ReadStruct not valid on stream window address %#x", addr)
	}
	v := reflect.ValueOf(b)
	size := structSize(v)
	if size == 0 {
		return fmt.Errorf("regio: ReadStruct requires a pointer or slice to an int or struct, got %T", b)
	}
	raw, err := d.T.ReadRegister(index, size)
	if err != nil {
		return err
	}
	if err := binary.Read(bytes.NewReader(raw), d.Order, b); err != nil {
		return fmt.Errorf("regio: decoding failed: %s", err)
	}
	return nil
}

// WriteStruct writes b, marshalled via .Order, to the register window
// starting at addr.
func (d *Dev) WriteStruct(addr uint64, b interface{}) error {
	if err := d.check(); err != nil {
		return err
	}
	index, stream, err := classify(addr)
	if err != nil {
		return err
	}
	if stream {
		return fmt.Errorf("regio: WriteStruct not valid on stream window address %#x", addr)
	}
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, d.Order, b); err != nil {
		return fmt.Errorf("regio: encoding failed: %s", err)
	}
	return d.T.WriteRegister(index, buf.Bytes())
}

func structSize(v reflect.Value) int {
	switch v.Kind() {
	case reflect.Ptr:
		return int(v.Type().Elem().Size())
	case reflect.Slice:
		return int(v.Type().Elem().Size()) * v.Len()
	default:
		return 0
	}
}

// ReadBlock performs a bulk read of length bytes from the stream window.
// The address argument is accepted for symmetry with WriteBlock and future
// multi-stream hardware but the ZestSC1 firmware routes all bulk reads to
// the single FIFO endpoint regardless of offset within the stream window.
func (d *Dev) ReadBlock(addr uint64, length int) ([]byte, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if _, stream, err := classify(addr); err != nil {
		return nil, err
	} else if !stream {
		return nil, fmt.Errorf("regio: ReadBlock requires a stream window address, got %#x", addr)
	}
	return d.T.ReadData(length)
}

// WriteBlock performs a bulk write of data to the stream window.
func (d *Dev) WriteBlock(addr uint64, data []byte) error {
	if err := d.check(); err != nil {
		return err
	}
	if _, stream, err := classify(addr); err != nil {
		return err
	} else if !stream {
		return fmt.Errorf("regio: WriteBlock requires a stream window address, got %#x", addr)
	}
	return d.T.WriteData(data)
}
