// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Command tlu-eudaq drives the EUDAQ producer state machine. Wiring against
// a live EUDAQ 1.x run controller requires a foreign binding this module
// does not provide (see DESIGN.md: "not an EUDAQ reimplementation" is an
// explicit non-goal); this entrypoint exercises the fully-specified replay
// mode of spec.md §4.7 against a previously captured data-sink file.
package main

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/silab-bonn/go-tlu/daq/eudaq"
)

func main() {
	fs := pflag.NewFlagSet("tlu-eudaq", pflag.ExitOnError)
	rawPath := fs.String("raw_data", "", "path to a captured raw_data.parquet file")
	metaPath := fs.String("meta_data", "", "path to a captured meta_data.parquet file")
	dutMask := fs.Uint8("dut_mask", 0x3f, "6-bit DUT enable mask used to format TX_STATE")
	delay := fs.Duration("delay", 0, "extra fixed delay applied to each replayed chunk")
	fs.Parse(os.Args[1:])

	if *rawPath == "" || *metaPath == "" {
		logrus.Fatal("tlu-eudaq: --raw_data and --meta_data are required for replay mode")
	}

	ctl := eudaq.NewMock([]eudaq.State{eudaq.StateConfiguring, eudaq.StateStartingRun}, nil)
	r := eudaq.NewReplayer(ctl, *dutMask, *delay)

	start := time.Now()
	if err := r.Replay(*rawPath, *metaPath); err != nil {
		logrus.WithError(err).Fatal("tlu-eudaq: replay failed")
	}
	logrus.WithFields(logrus.Fields{
		"events":   len(ctl.Sent),
		"duration": time.Since(start),
	}).Info("tlu-eudaq: replay complete")
}
