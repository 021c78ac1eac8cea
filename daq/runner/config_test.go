// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package runner

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestLoadSettingsDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	s, err := LoadSettings(v)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.OutputFolder != "." {
		t.Errorf("OutputFolder: got %q, want %q", s.OutputFolder, ".")
	}
	if s.ResetFifo != true {
		t.Errorf("ResetFifo default should be true")
	}
	if s.Test != nil {
		t.Errorf("Test should be nil when unset, got %v", *s.Test)
	}
}

func TestLoadSettingsParsesChannelLists(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	if err := fs.Parse([]string{
		"--input_enable=CH0,CH2",
		"--output_enable=CH1,LEMO0",
		"--threshold=5",
		"--test=100",
	}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	s, err := LoadSettings(v)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if len(s.InputEnable) != 2 || s.InputEnable[0] != 0 || s.InputEnable[1] != 2 {
		t.Errorf("InputEnable: got %+v", s.InputEnable)
	}
	if len(s.OutputEnable) != 2 {
		t.Errorf("OutputEnable: got %+v", s.OutputEnable)
	}
	if s.Threshold != 5 {
		t.Errorf("Threshold: got %d, want 5", s.Threshold)
	}
	if s.Test == nil || *s.Test != 100 {
		t.Errorf("Test: got %v, want 100", s.Test)
	}
}

func TestLoadSettingsRejectsBadChannelName(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	if err := fs.Parse([]string{"--input_enable=bogus"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, err := LoadSettings(v); err == nil {
		t.Fatal("expected an error for an unparseable channel name")
	}
}

func TestLoadSettingsRejectsInvalidConfiguration(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	BindFlags(fs, v)
	if err := fs.Parse([]string{"--threshold=40"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, err := LoadSettings(v); err == nil {
		t.Fatal("expected Validate to reject a threshold above 31")
	}
}
