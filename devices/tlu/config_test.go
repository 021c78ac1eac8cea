// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tlu

import "testing"

func TestConfigurationValidateDuplicateTrailingDigit(t *testing.T) {
	c := &Configuration{OutputEnable: []string{"CH0", "LEMO0"}}
	err := c.Validate()
	if err == nil {
		t.Fatal("expected an error for CH0/LEMO0 sharing trailing digit 0")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
}

func TestConfigurationValidateAcceptsDistinctChannels(t *testing.T) {
	c := &Configuration{OutputEnable: []string{"CH0", "LEMO1", "CH2"}}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigurationValidateRanges(t *testing.T) {
	cases := []struct {
		name string
		cfg  Configuration
	}{
		{"threshold", Configuration{Threshold: 32}},
		{"coincidence_window", Configuration{CoincidenceWindow: 32}},
		{"n_bits_trig_id", Configuration{NBitsTriggerID: 32}},
		{"input_enable", Configuration{InputEnable: []InputChannel{4}}},
	}
	for _, c := range cases {
		if err := c.cfg.Validate(); err == nil {
			t.Errorf("%s: expected range error, got none", c.name)
		}
	}
}

func TestEnOutputMask(t *testing.T) {
	c := &Configuration{OutputEnable: []string{"CH0", "LEMO2"}}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := c.EnOutputMask()
	want := uint8(1<<0 | 1<<2)
	if got != want {
		t.Errorf("EnOutputMask: got %#02x, want %#02x", got, want)
	}
}
