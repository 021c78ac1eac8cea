// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package runner

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/silab-bonn/go-tlu/daq/datasink"
	"github.com/silab-bonn/go-tlu/daq/monitor"
	"github.com/silab-bonn/go-tlu/devices/tlu"
	"github.com/silab-bonn/go-tlu/devices/tlu/readout"
)

// ExitCode mirrors spec.md §6: 0 on clean termination, non-zero on
// version-mismatch, stop-timeout, or fatal USB errors.
type ExitCode int

const (
	ExitOK              ExitCode = 0
	ExitVersionMismatch ExitCode = 1
	ExitStopTimeout     ExitCode = 2
	ExitTransportError  ExitCode = 3
)

// stopFlag is set exactly once by the signal handler; the handler never
// calls into the device driver directly, per spec.md §9.
type stopFlag struct{ v int32 }

func (f *stopFlag) set()      { atomic.StoreInt32(&f.v, 1) }
func (f *stopFlag) isSet() bool { return atomic.LoadInt32(&f.v) == 1 }

// Run opens the device, applies cfg, runs the 1Hz status loop until Ctrl-C,
// scan_time, or pulser completion, and returns an ExitCode per spec.md §6.
func Run(s *Settings) ExitCode {
	firmware, err := loadFirmware(s.Firmware)
	if err != nil {
		logrus.WithError(err).Error("runner: loading firmware")
		return ExitTransportError
	}

	dev, err := tlu.Open(s.Serial, firmware, nil)
	if err != nil {
		if _, ok := err.(*tlu.VersionMismatchError); ok {
			logrus.WithError(err).Error("runner: firmware version mismatch")
			return ExitVersionMismatch
		}
		logrus.WithError(err).Error("runner: opening device")
		return ExitTransportError
	}
	defer dev.Close()

	if err := dev.ApplyConfiguration(&s.Configuration); err != nil {
		logrus.WithError(err).Error("runner: applying configuration")
		return ExitTransportError
	}

	var pub *monitor.Publisher
	if s.MonitorAddr != "" {
		pub, err = monitor.Dial(s.MonitorAddr)
		if err != nil {
			logrus.WithError(err).Warn("runner: could not connect to online monitor, continuing without it")
		} else {
			defer pub.Close()
		}
	}

	dataPath := filepath.Join(s.OutputFolder, s.DataFile)
	var monitorIface datasink.MonitorPublisher
	if pub != nil {
		monitorIface = pub
	}
	sink, err := datasink.Open(dataPath, s, &s.Configuration, monitorIface)
	if err != nil {
		logrus.WithError(err).Error("runner: opening data sink")
		return ExitTransportError
	}
	defer sink.Close()

	stop := &stopFlag{}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		stop.set()
	}()
	defer signal.Stop(sigCh)

	eng := readout.New(dev)
	errback := func(err error) {
		logrus.WithError(err).Warn("runner: readout error")
	}
	callback := func(c readout.Chunk) {
		if err := sink.HandleData(c); err != nil {
			logrus.WithError(err).Warn("runner: writing data")
		}
	}

	sess, err := eng.Start(callback, errback, s.ResetFifo, false, false, s.NoDataTimeout)
	if err != nil {
		logrus.WithError(err).Error("runner: starting readout")
		return ExitTransportError
	}

	var scanDeadline <-chan time.Time
	if s.ScanTime > 0 {
		scanDeadline = time.After(s.ScanTime)
	}

	exitCode := runLoop(dev, eng, stop, scanDeadline)

	if err := sess.Close(); err != nil {
		logrus.WithError(err).Error("runner: stopping readout")
		if exitCode == ExitOK {
			exitCode = ExitStopTimeout
		}
	}

	if err := dev.ZeroOutputs(); err != nil {
		logrus.WithError(err).Warn("runner: zeroing outputs on exit")
	}
	return exitCode
}

func runLoop(dev *tlu.Device, eng *readout.Engine, stop *stopFlag, scanDeadline <-chan time.Time) ExitCode {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastTick time.Time
	var lastTriggerID, lastSkipped uint32

	for {
		select {
		case <-scanDeadline:
			return ExitOK
		case now := <-ticker.C:
			triggerID, err := dev.TriggerIDCounter()
			if err != nil {
				logrus.WithError(err).Warn("runner: reading TRIGGER_ID")
				continue
			}
			skipped, err := dev.SkipTrigCounter()
			if err != nil {
				logrus.WithError(err).Warn("runner: reading SKIP_TRIG_COUNTER")
				continue
			}
			timeoutCounter, _ := dev.TimeoutCounter()
			txState, _ := dev.TxState()

			if !lastTick.IsZero() {
				dt := now.Sub(lastTick).Seconds()
				dTrigger := float64(triggerID - lastTriggerID)
				dSkipped := float64(skipped - lastSkipped)
				accepted := dTrigger / dt
				real := accepted + dSkipped/dt
				logrus.WithFields(logrus.Fields{
					"accepted_rate":   fmt.Sprintf("%.1f Hz", accepted),
					"real_rate":       fmt.Sprintf("%.1f Hz", real),
					"timeout_counter": timeoutCounter,
					"tx_state":        fmt.Sprintf("%#02x", txState),
				}).Info("runner: status")
			}
			lastTick, lastTriggerID, lastSkipped = now, triggerID, skipped

			if ready, err := dev.PulserIsReady(); err == nil && ready {
				return ExitOK
			}
			if stop.isSet() {
				return ExitOK
			}
		}
	}
}

func loadFirmware(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runner: reading firmware file: %w", err)
	}
	return b, nil
}
