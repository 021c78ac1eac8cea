// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package runner implements the standalone run controller: it configures
// the TLU from a viper-loaded configuration, drives the scoped readout
// context, and logs rate status once per second until Ctrl-C, scan_time, or
// the internal pulser signal the run is done.
package runner

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/silab-bonn/go-tlu/devices/tlu"
)

// Settings is the run controller's full configuration: spec.md §3's
// Configuration enumeration, plus the supplemental fields recovered from
// original_source/pytlu/tlu.py's argparse setup (SPEC_FULL.md §4).
type Settings struct {
	tlu.Configuration

	OutputFolder  string
	LogFile       string
	DataFile      string
	MonitorAddr   string
	ScanTime      time.Duration
	ResetFifo     bool
	NoDataTimeout time.Duration
	Serial        uint32
	Firmware      string
}

// BindFlags registers the CLI surface of spec.md §6 on fs, with viper as
// the backing store so flags, a config file, and defaults layer in the
// usual precedence order.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("output_folder", ".", "directory for the data file and log file")
	fs.String("log_file", "tlu.log", "log file name, relative to output_folder")
	fs.String("data_file", "tlu_data", "data file base name, relative to output_folder")
	fs.String("monitor_addr", "", "online monitor endpoint, e.g. ws://localhost:5500")
	fs.Duration("scan_time", 0, "stop the run after this long (0 = run until Ctrl-C)")
	fs.Bool("reset_fifo", true, "reset the stream fifo before the first read")
	fs.Duration("no_data_timeout", 0, "surface an error if no data arrives for this long (0 = disabled)")
	fs.Uint32("serial", 0, "board serial number (0 = use the only board found)")
	fs.String("firmware", "", "path to a .bit file to program before use (empty = skip programming)")

	fs.StringSlice("input_enable", nil, "scintillator inputs to enable, e.g. CH0,CH1")
	fs.StringSlice("output_enable", nil, "DUT outputs to enable, e.g. CH0,LEMO1")
	fs.StringSlice("input_invert", nil, "scintillator inputs to invert")
	fs.Uint8("threshold", 0, "digital debounce threshold [0,31]")
	fs.Uint8("coincidence_window", 0, "coincidence window [0,31], 0 disables coincidence")
	fs.Uint8("n_bits_trig_id", 0, "trigger id width [0,31]")
	fs.Uint16("timeout", 0, "busy timeout [0,65535], 0 waits forever")
	fs.Int("test", -1, "internal pulser delay in 25ns units, -1 disables")

	v.BindPFlags(fs)
}

// LoadSettings builds a Settings from a bound viper instance, validating the
// embedded Configuration.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		OutputFolder:  v.GetString("output_folder"),
		LogFile:       v.GetString("log_file"),
		DataFile:      v.GetString("data_file"),
		MonitorAddr:   v.GetString("monitor_addr"),
		ScanTime:      v.GetDuration("scan_time"),
		ResetFifo:     v.GetBool("reset_fifo"),
		NoDataTimeout: v.GetDuration("no_data_timeout"),
		Serial:        uint32(v.GetUint("serial")),
		Firmware:      v.GetString("firmware"),
	}

	for _, name := range v.GetStringSlice("input_enable") {
		ch, err := parseChannelDigit(name)
		if err != nil {
			return nil, err
		}
		s.InputEnable = append(s.InputEnable, ch)
	}
	s.OutputEnable = v.GetStringSlice("output_enable")
	for _, name := range v.GetStringSlice("input_invert") {
		ch, err := parseChannelDigit(name)
		if err != nil {
			return nil, err
		}
		s.InputInvert = append(s.InputInvert, ch)
	}
	s.Threshold = uint8(v.GetUint("threshold"))
	s.CoincidenceWindow = uint8(v.GetUint("coincidence_window"))
	s.NBitsTriggerID = uint8(v.GetUint("n_bits_trig_id"))
	s.Timeout = uint16(v.GetUint("timeout"))
	if t := v.GetInt("test"); t >= 0 {
		tv := uint32(t)
		s.Test = &tv
	}

	if err := s.Configuration.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func parseChannelDigit(name string) (tlu.InputChannel, error) {
	var idx uint
	if _, err := fmt.Sscanf(name, "CH%d", &idx); err != nil {
		return 0, fmt.Errorf("runner: invalid input channel %q: %w", name, err)
	}
	return tlu.InputChannel(idx), nil
}
