// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tlu

// Block names in the default hardware description.
const (
	blockTLUMaster   = "tlu_master"
	blockStreamFIFO  = "stream_fifo"
	blockI2CMux      = "i2c_mux"
	blockPCA9555MB   = "pca9555_mb"
	blockPCA9555LEMO = "pca9555_lemo"
	blockPulser      = "pulser"
)

// Register names within tlu_master.
const (
	regReset            = "RESET"
	regVersion          = "VERSION"
	regStart            = "START"
	regReady            = "READY"
	regEnInput          = "EN_INPUT"
	regInvertInput      = "INVERT_INPUT"
	regMaxDistance      = "MAX_DISTANCE"
	regThreshold        = "THRESHOLD"
	regEnOutput         = "EN_OUTPUT"
	regTimeout          = "TIMEOUT"
	regNBitsTriggerID   = "N_BITS_TRIGGER_ID"
	regTimeStamp        = "TIME_STAMP"
	regTriggerID        = "TRIGGER_ID"
	regSkipTrigCounter  = "SKIP_TRIG_COUNTER"
	regTimeoutCounter   = "TIMEOUT_COUNTER"
	regLostDataCnt      = "LOST_DATA_CNT"
	regTxState          = "TX_STATE"
	regBuildID          = "BUILD_ID"
)

// Register names within stream_fifo.
const (
	regFifoReset    = "RESET"
	regFifoVersion  = "VERSION"
	regFifoSetCount = "SET_COUNT"
	regFifoSize     = "SIZE"
)

// Register names within i2c_mux.
const (
	regMuxSelectMB   = "SELECT_MB"
	regMuxSelectLemo = "SELECT_LEMO"
)

// Register names within pca9555_mb and pca9555_lemo.
const (
	regExpDir    = "DIR"
	regExpOutput = "OUTPUT"
)

// Register names within pulser.
const (
	regPulserDelay   = "DELAY"
	regPulserWidth   = "WIDTH"
	regPulserCount   = "COUNT"
	regPulserStart   = "START"
	regPulserIsReady = "IS_READY"
)

// I2C mux selector values, one per routed sub-bus.
const (
	muxSelectMotherboard = 0x01
	muxSelectLemo        = 0x02
)

// pca9555_mb.OUTPUT bit layout. The LED bits are active-low: a 0 lights the
// indicator, matching the PCA9555's wiring on the motherboard.
const (
	bitLEDPower = 1 << 0
	bitLEDTrig  = 1 << 1
	bitLEDBusy  = 1 << 2
)

// pca9555_lemo.OUTPUT bit layout, per channel: TRIGGER_EN (bits 0..5) and
// RESET_EN (bits 6..11) gate the DUT handshake lines; IPSEL (bits 12..15,
// channels 0..3 only) is set for a channel signaling over LEMO. No
// BUSY/TRIG/RST indicator bits are defined or driven.
const (
	ipSelRJ45 = 0
	ipSelLEMO = 1
)

func bitTriggerEn(ch uint) uint16 { return 1 << ch }
func bitResetEn(ch uint) uint16   { return 1 << (ch + 6) }
func bitIPSel(ch uint) uint16     { return 1 << (ch + 12) }
