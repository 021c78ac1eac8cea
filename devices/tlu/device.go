// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package tlu implements the typed register façade over the TLU board: I2C
// multiplexer and PCA9555 port-expander bring-up, firmware version gate,
// and FIFO draining into TriggerRecord values.
package tlu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/silab-bonn/go-tlu/conn/regio"
	"github.com/silab-bonn/go-tlu/conn/usbxfer"
)

// ExpectedVersion is the firmware version this driver was written against.
// Open fails with *VersionMismatchError if the board reports anything else.
const ExpectedVersion = 1

// minFifoBurst is the smallest stream-FIFO fill, in bytes, get_fifo_data
// will bother draining; below this there cannot be a full record.
const minFifoBurst = 16

// burstSize is the FPGA's bulk transfer granularity; requests round up to a
// multiple of it to avoid half-records and keep the endpoint aligned.
const burstSize = 512

// VersionMismatchError is returned by Open when the board's firmware
// version does not match ExpectedVersion. It is always fatal.
type VersionMismatchError struct {
	Got, Want uint8
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("tlu: firmware version mismatch: got %d, want %d", e.Got, e.Want)
}

// Device is a typed handle to one TLU board: the register map, the
// register/FIFO transport underneath it, and the hardware-description
// document driving I2C/PCA9555 bring-up.
//
// Exactly one owner holds the *usbxfer.Device; Device borrows it for the
// lifetime of the regio.Dev it builds, per spec.md §9's USB ownership note.
type Device struct {
	mu  sync.Mutex
	reg *regio.Dev
	usb *usbxfer.Device
	hw  HardwareDescription
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("tlu: %s: %w", op, err)
}

// Open opens the ZestSC1 board matching serial (or the unique board found,
// if serial is zero), programs it with firmware, and runs the init
// sequence described in spec.md §4.3. hw may be nil to use
// DefaultHardwareDescription.
func Open(serial uint32, firmware []byte, hw HardwareDescription) (*Device, error) {
	usb, err := usbxfer.Open(serial)
	if err != nil {
		return nil, wrap("open", err)
	}
	if err := usb.OpenCard(); err != nil {
		usb.Close()
		return nil, wrap("open_card", err)
	}
	if firmware != nil {
		if err := usb.Program(firmware); err != nil {
			usb.Close()
			return nil, wrap("program", err)
		}
	}
	if hw == nil {
		hw, err = DefaultHardwareDescription()
		if err != nil {
			usb.Close()
			return nil, wrap("hardware description", err)
		}
	}

	d := &Device{
		reg: &regio.Dev{T: usb, Order: binary.LittleEndian},
		usb: usb,
		hw:  hw,
	}
	if err := d.init(); err != nil {
		usb.Close()
		return nil, err
	}
	return d, nil
}

// Close runs the board's shutdown sequence and releases the underlying USB
// handle.
func (d *Device) Close() error {
	err := d.usb.CloseBoard()
	if cerr := d.usb.Close(); err == nil {
		err = cerr
	}
	return wrap("close", err)
}

func (d *Device) init() error {
	v, err := d.readUint8(blockTLUMaster, regVersion)
	if err != nil {
		return wrap("read version", err)
	}
	if v != ExpectedVersion {
		return &VersionMismatchError{Got: v, Want: ExpectedVersion}
	}

	if _, err := d.reg.ReadBlock(regio.StreamBase, 4096); err != nil {
		return wrap("dummy stream read", err)
	}

	if err := d.writeUint8(blockI2CMux, regMuxSelectMB, muxSelectMotherboard); err != nil {
		return wrap("select i2c mux (motherboard)", err)
	}
	if err := d.writeUint16(blockPCA9555MB, regExpDir, 0x0000); err != nil {
		return wrap("configure pca9555_mb as outputs", err)
	}
	if err := d.writeUint8(blockI2CMux, regMuxSelectLemo, muxSelectLemo); err != nil {
		return wrap("select i2c mux (lemo)", err)
	}
	if err := d.writeUint16(blockPCA9555LEMO, regExpDir, 0x0000); err != nil {
		return wrap("configure pca9555_lemo as outputs", err)
	}

	// LED bits are active-low: all indicators off means all bits set.
	if err := d.writeUint16(blockPCA9555MB, regExpOutput, bitLEDPower|bitLEDTrig|bitLEDBusy); err != nil {
		return wrap("init pca9555_mb output", err)
	}
	if err := d.writeUint16(blockPCA9555LEMO, regExpOutput, 0x0000); err != nil {
		return wrap("init pca9555_lemo output", err)
	}
	return nil
}

// FirmwareVersion reads a human-readable build identifier for diagnostic
// logging. Unlike the numeric version gate in init, a failure here is
// non-fatal.
func (d *Device) FirmwareVersion() string {
	build, err := d.readUint32(blockTLUMaster, regBuildID)
	if err != nil {
		logrus.WithError(err).Warn("tlu: could not read build id")
		return "unknown"
	}
	return fmt.Sprintf("%d.%d.%d", build>>16, (build>>8)&0xff, build&0xff)
}

// ApplyConfiguration validates and pushes cfg's fields to the device,
// exactly once between Open and the first readout, per spec.md §3's
// lifecycle invariant.
func (d *Device) ApplyConfiguration(cfg *Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := d.writeUint8(blockTLUMaster, regEnInput, cfg.EnInputMask()); err != nil {
		return wrap("write EN_INPUT", err)
	}
	if err := d.writeUint8(blockTLUMaster, regInvertInput, cfg.InvertInputMask()); err != nil {
		return wrap("write INVERT_INPUT", err)
	}
	if err := d.writeUint8(blockTLUMaster, regThreshold, cfg.Threshold); err != nil {
		return wrap("write THRESHOLD", err)
	}
	if err := d.writeUint8(blockTLUMaster, regMaxDistance, cfg.CoincidenceWindow); err != nil {
		return wrap("write MAX_DISTANCE", err)
	}
	if err := d.writeUint8(blockTLUMaster, regNBitsTriggerID, cfg.NBitsTriggerID); err != nil {
		return wrap("write N_BITS_TRIGGER_ID", err)
	}
	if err := d.writeUint16(blockTLUMaster, regTimeout, cfg.Timeout); err != nil {
		return wrap("write TIMEOUT", err)
	}
	if err := d.applyOutputChannels(cfg); err != nil {
		return err
	}
	if cfg.Test != nil {
		if err := d.ConfigurePulser(*cfg.Test, 1, 0); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) applyOutputChannels(cfg *Configuration) error {
	chans, err := cfg.OutputChannels()
	if err != nil {
		return err
	}
	if err := d.writeUint8(blockTLUMaster, regEnOutput, cfg.EnOutputMask()); err != nil {
		return wrap("write EN_OUTPUT", err)
	}
	var lemoOut uint16
	for _, ch := range chans {
		ipsel := ipSelRJ45
		if !ch.IsRJ45 {
			ipsel = ipSelLEMO
			lemoOut |= bitTriggerEn(ch.Index) | bitResetEn(ch.Index)
		}
		if ipsel == ipSelLEMO {
			lemoOut |= bitIPSel(ch.Index)
		}
	}
	if err := d.writeUint16(blockPCA9555LEMO, regExpOutput, lemoOut); err != nil {
		return wrap("write pca9555_lemo output", err)
	}
	return nil
}

// ConfigurePulser programs the internal test pulser: delayNs25 is the delay
// in 25ns units, width in samples, count the number of repetitions (0 means
// free-run).
func (d *Device) ConfigurePulser(delayNs25 uint32, width uint8, count uint16) error {
	if err := d.writeUint24(blockPulser, regPulserDelay, delayNs25); err != nil {
		return wrap("write pulser DELAY", err)
	}
	if err := d.writeUint8(blockPulser, regPulserWidth, width); err != nil {
		return wrap("write pulser WIDTH", err)
	}
	if err := d.writeUint16(blockPulser, regPulserCount, count); err != nil {
		return wrap("write pulser COUNT", err)
	}
	return nil
}

// StartPulser pulses the pulser's START register.
func (d *Device) StartPulser() error {
	return wrap("start pulser", d.writeUint8(blockPulser, regPulserStart, 1))
}

// PulserIsReady reports the pulser's IS_READY status bit.
func (d *Device) PulserIsReady() (bool, error) {
	v, err := d.readUint8(blockPulser, regPulserIsReady)
	return v != 0, wrap("read pulser IS_READY", err)
}

// ResetStreamFIFO pulses the stream FIFO's RESET register. Callers should
// wait for the 200ms settle window described in spec.md §8 and then confirm
// SIZE == 0.
func (d *Device) ResetStreamFIFO() error {
	return wrap("reset stream fifo", d.writeUint8(blockStreamFIFO, regFifoReset, 1))
}

// StreamFIFOSize reads the stream FIFO's current fill, in bytes.
func (d *Device) StreamFIFOSize() (uint32, error) {
	v, err := d.readUint24(blockStreamFIFO, regFifoSize)
	return v, wrap("read stream fifo SIZE", err)
}

// GetFIFOData drains trigger records from the stream FIFO, per spec.md
// §4.3: returns an empty slice if the FIFO holds fewer than minFifoBurst
// bytes, otherwise requests the FIFO fill rounded up to the next burstSize
// boundary above it, (fill/burstSize+1)*burstSize bytes, and filters out
// zero-timestamp padding. The size argument does not affect the request.
func (d *Device) GetFIFOData(size int) ([]TriggerRecord, error) {
	n, err := d.StreamFIFOSize()
	if err != nil {
		return nil, err
	}
	if n < minFifoBurst {
		return nil, nil
	}
	howMuch := (int(n)/burstSize + 1) * burstSize
	if err := d.writeUint24(blockStreamFIFO, regFifoSetCount, uint32(howMuch)); err != nil {
		return nil, wrap("write stream fifo SET_COUNT", err)
	}
	raw, err := d.reg.ReadBlock(regio.StreamBase, howMuch)
	if err != nil {
		return nil, wrap("bulk read stream fifo", err)
	}
	return decodeRecords(raw), nil
}

// SkipTrigCounter reads the running count of suppressed triggers.
func (d *Device) SkipTrigCounter() (uint32, error) {
	v, err := d.readUint32(blockTLUMaster, regSkipTrigCounter)
	return v, wrap("read SKIP_TRIG_COUNTER", err)
}

// TriggerIDCounter reads the running accepted-trigger counter.
func (d *Device) TriggerIDCounter() (uint32, error) {
	v, err := d.readUint32(blockTLUMaster, regTriggerID)
	return v, wrap("read TRIGGER_ID", err)
}

// TimeoutCounter reads the saturating busy-timeout counter.
func (d *Device) TimeoutCounter() (uint8, error) {
	v, err := d.readUint8(blockTLUMaster, regTimeoutCounter)
	return v, wrap("read TIMEOUT_COUNTER", err)
}

// LostDataCount reads the hardware FIFO-overflow counter the watchdog polls.
func (d *Device) LostDataCount() (uint8, error) {
	v, err := d.readUint8(blockTLUMaster, regLostDataCnt)
	return v, wrap("read LOST_DATA_CNT", err)
}

// TxState reads the raw per-DUT handshake status byte.
func (d *Device) TxState() (uint8, error) {
	v, err := d.readUint8(blockTLUMaster, regTxState)
	return v, wrap("read TX_STATE", err)
}

// ZeroOutputs clears EN_INPUT and EN_OUTPUT, the run controller's exit-time
// cleanup step.
func (d *Device) ZeroOutputs() error {
	if err := d.writeUint8(blockTLUMaster, regEnInput, 0); err != nil {
		return wrap("zero EN_INPUT", err)
	}
	return wrap("zero EN_OUTPUT", d.writeUint8(blockTLUMaster, regEnOutput, 0))
}

//
// register access helpers, routed through the hardware description.
//

func (d *Device) mustAddress(block, reg string) uint64 {
	addr, _, err := d.hw.Address(block, reg)
	if err != nil {
		panic(err) // names are compiled-in constants; a miss is a programming error.
	}
	return addr
}

func (d *Device) readUint8(block, reg string) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.ReadUint8(d.mustAddress(block, reg))
}

func (d *Device) writeUint8(block, reg string, v uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.WriteUint8(d.mustAddress(block, reg), v)
}

func (d *Device) readUint16(block, reg string) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.ReadUint16(d.mustAddress(block, reg))
}

func (d *Device) writeUint16(block, reg string, v uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.WriteUint16(d.mustAddress(block, reg), v)
}

func (d *Device) readUint32(block, reg string) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.ReadUint32(d.mustAddress(block, reg))
}

// readUint24 reads a 3-byte register into the low 24 bits of a uint32.
func (d *Device) readUint24(block, reg string) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.mustAddress(block, reg)
	var buf [4]byte
	if err := d.reg.ReadStruct(addr, buf[:3]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (d *Device) writeUint24(block, reg string, v uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.mustAddress(block, reg)
	var buf [3]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	return d.reg.WriteStruct(addr, buf[:])
}
