// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Command tlu-daq is the standalone TLU run controller: it configures the
// board from flags/config file, drains the FIFO readout into a data-sink
// file, and logs accepted/real trigger rates once per second.
package main

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/silab-bonn/go-tlu/daq/runner"
)

func main() {
	v := viper.New()
	v.SetConfigName("tlu")
	v.AddConfigPath(".")

	fs := pflag.NewFlagSet("tlu-daq", pflag.ExitOnError)
	runner.BindFlags(fs, v)
	fs.Parse(os.Args[1:])

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.WithError(err).Fatal("tlu-daq: reading config file")
		}
	}

	settings, err := runner.LoadSettings(v)
	if err != nil {
		logrus.WithError(err).Fatal("tlu-daq: invalid configuration")
	}

	if settings.LogFile != "" {
		f, err := os.OpenFile(filepath.Join(settings.OutputFolder, settings.LogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logrus.WithError(err).Warn("tlu-daq: could not open log file, logging to stderr only")
		} else {
			defer f.Close()
			logrus.SetOutput(f)
		}
	}

	os.Exit(int(runner.Run(settings)))
}
