// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package eudaq implements the EUDAQ 1.x producer state machine: polling an
// external run controller's flags, configuring and starting/stopping a TLU
// readout, and emitting one event per accepted trigger.
package eudaq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/silab-bonn/go-tlu/devices/tlu"
	"github.com/silab-bonn/go-tlu/devices/tlu/readout"
)

// Event is one outgoing EUDAQ event.
type Event struct {
	Counter   uint32
	TimeStamp uint64
	TriggerID uint32
}

// Controller is the polled trait the foreign EUDAQ binding exposes, per
// spec.md §9 ("model it behind a trait with methods poll_state, read_config,
// send_event"). A real adapter wraps the foreign binding; Mock implements
// the same interface for replay-mode tests.
type Controller interface {
	PollState() State
	ReadConfig(key, def string) string
	SendEvent(e Event)
	SendEventExtraInfo(e Event, extra string)
}

// State names the run-control flags the producer polls for.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateStartingRun
	StateStoppingRun
	StateTerminating
	StateError
)

const pollInterval = 100 * time.Millisecond

// producerState is the internal state machine position, per spec.md §4.7.
type producerState int

const (
	psIdle producerState = iota
	psConfigure
	psRun
	psStopping
	psTeardown
	psExit
)

// Producer drives dev through the EUDAQ state machine.
type Producer struct {
	ctl Controller
	dev *tlu.Device
	eng *readout.Engine

	triggerInterval uint32 // 25ns units
	andMask         uint8
	dutMask         uint8

	lastTriggerID  uint32
	eventCounter   uint32
	configured     bool
}

// New creates a Producer bound to dev and its readout engine.
func New(ctl Controller, dev *tlu.Device, eng *readout.Engine) *Producer {
	return &Producer{ctl: ctl, dev: dev, eng: eng}
}

// Run drives the state machine until Teardown completes, polling ctl every
// 100ms as described in spec.md §4.7.
func (p *Producer) Run() error {
	state := psIdle
	for {
		switch state {
		case psIdle:
			switch p.ctl.PollState() {
			case StateConfiguring:
				state = psConfigure
			case StateStartingRun:
				state = psRun
			case StateTerminating, StateError:
				state = psTeardown
			default:
				time.Sleep(pollInterval)
			}
		case psConfigure:
			if err := p.configure(); err != nil {
				logrus.WithError(err).Error("eudaq: configure failed")
				state = psTeardown
				continue
			}
			state = psIdle
		case psRun:
			if err := p.run(); err != nil {
				logrus.WithError(err).Error("eudaq: run failed")
			}
			state = psStopping
		case psStopping:
			state = psIdle
		case psTeardown:
			p.teardown()
			state = psExit
		case psExit:
			return nil
		}
	}
}

func (p *Producer) configure() error {
	intervalMs, err := strconv.Atoi(p.ctl.ReadConfig("TriggerInterval", "0"))
	if err != nil {
		return fmt.Errorf("eudaq: parsing TriggerInterval: %w", err)
	}
	p.triggerInterval = uint32(intervalMs) * (1000000 / 25) // ms -> 25ns units

	andMask, err := strconv.ParseUint(p.ctl.ReadConfig("AndMask", "0"), 0, 8)
	if err != nil {
		return fmt.Errorf("eudaq: parsing AndMask: %w", err)
	}
	p.andMask = uint8(andMask)

	dutMask, err := strconv.ParseUint(p.ctl.ReadConfig("DutMask", "0"), 0, 8)
	if err != nil {
		return fmt.Errorf("eudaq: parsing DutMask: %w", err)
	}
	p.dutMask = uint8(dutMask)

	cfg := &tlu.Configuration{}
	for ch := uint(0); ch < 6; ch++ {
		if p.dutMask&(1<<ch) != 0 {
			cfg.OutputEnable = append(cfg.OutputEnable, fmt.Sprintf("CH%d", ch))
		}
	}
	for ch := uint(0); ch < 4; ch++ {
		if p.andMask&(1<<ch) != 0 {
			cfg.InputEnable = append(cfg.InputEnable, tlu.InputChannel(ch))
		}
	}

	if inv := p.ctl.ReadConfig("InvertedInputs", ""); inv != "" {
		mask, err := strconv.ParseUint(inv, 0, 8)
		if err == nil {
			for ch := uint(0); ch < 4; ch++ {
				if mask&(1<<ch) != 0 {
					cfg.InputInvert = append(cfg.InputInvert, tlu.InputChannel(ch))
				}
			}
		}
	}
	if tp := p.ctl.ReadConfig("Testpulse", ""); tp != "" {
		if v, err := strconv.ParseUint(tp, 0, 32); err == nil {
			tv := uint32(v)
			cfg.Test = &tv
		}
	}

	if err := p.dev.ApplyConfiguration(cfg); err != nil {
		return fmt.Errorf("eudaq: applying configuration: %w", err)
	}
	p.lastTriggerID = 0
	p.eventCounter = 0
	p.configured = true
	return nil
}

func (p *Producer) run() error {
	if !p.configured {
		return fmt.Errorf("eudaq: run requested before configure")
	}

	sess, err := p.eng.Start(p.handleChunk, func(err error) {
		logrus.WithError(err).Warn("eudaq: readout error")
	}, true, false, false, 0)
	if err != nil {
		return fmt.Errorf("eudaq: starting readout: %w", err)
	}
	defer sess.Close()

	if p.triggerInterval > 0 {
		if err := p.dev.ConfigurePulser(p.triggerInterval, 1, 0); err != nil {
			return fmt.Errorf("eudaq: configuring pulser: %w", err)
		}
		if err := p.dev.StartPulser(); err != nil {
			return fmt.Errorf("eudaq: starting pulser: %w", err)
		}
	}

	lastLog := time.Now()
	for {
		state := p.ctl.PollState()
		if state == StateStoppingRun || state == StateError || state == StateTerminating {
			return nil
		}
		if time.Since(lastLog) >= time.Second {
			if rate, ok := p.eng.DataWordsPerSecond(); ok {
				logrus.WithField("words_per_second", rate).Info("eudaq: readout rate")
			}
			lastLog = time.Now()
		}
		time.Sleep(pollInterval)
	}
}

// handleChunk emits one event per accepted trigger in the chunk, warning
// (not halting) on a trigger_id discontinuity, per spec.md §4.7.
func (p *Producer) handleChunk(c readout.Chunk) {
	for i, r := range c.Data {
		if r.TriggerID == 0 {
			continue
		}
		expected := p.lastTriggerID + 1
		if p.lastTriggerID != 0 && r.TriggerID != expected {
			logrus.WithFields(logrus.Fields{"expected": expected, "got": r.TriggerID}).Warn("eudaq: trigger_id gap")
		}
		p.lastTriggerID = r.TriggerID

		ev := Event{Counter: p.eventCounter, TimeStamp: r.TimeStamp, TriggerID: r.TriggerID}
		p.eventCounter++

		particles := r.TriggerID + uint32(c.SkippedTriggers)
		var txState uint8
		if p.dev != nil {
			txState, _ = p.dev.TxState()
		}
		txStateHex := p.formatTxState(txState)

		if i == len(c.Data)-1 {
			extra := fmt.Sprintf("particles=%d;tx_state=%s", particles, txStateHex)
			p.ctl.SendEventExtraInfo(ev, extra)
		} else {
			p.ctl.SendEvent(ev)
		}
	}
}

// formatTxState renders one hex digit per enabled DUT, '-' for disabled,
// per spec.md §4.7.
func (p *Producer) formatTxState(raw uint8) string {
	out := make([]byte, 6)
	for ch := 0; ch < 6; ch++ {
		if p.dutMask&(1<<uint(ch)) == 0 {
			out[ch] = '-'
			continue
		}
		bit := (raw >> uint(ch)) & 1
		out[ch] = "01"[bit]
	}
	return string(out)
}

// teardown disables inputs/outputs, resets the pulser (it cannot be
// gracefully stopped, only reset), and closes the device.
func (p *Producer) teardown() {
	if err := p.dev.ZeroOutputs(); err != nil {
		logrus.WithError(err).Warn("eudaq: zeroing outputs during teardown")
	}
	if p.triggerInterval > 0 {
		if err := p.dev.ConfigurePulser(0, 0, 0); err != nil {
			logrus.WithError(err).Warn("eudaq: resetting pulser during teardown")
		}
	}
	if err := p.dev.Close(); err != nil {
		logrus.WithError(err).Warn("eudaq: closing device during teardown")
	}
}
