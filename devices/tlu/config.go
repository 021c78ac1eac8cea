// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tlu

import (
	"fmt"
	"sort"
	"strings"
)

// InputChannel names a scintillator input, 0..3.
type InputChannel uint

// OutputChannel names a DUT output line: CHx routes via RJ45, LEMOx via the
// front-panel LEMO connector. Numeric suffixes of CHx and LEMOx must be
// disjoint, since they share the same EN_OUTPUT bitmask.
type OutputChannel struct {
	Name  string // "CH0".."CH5" or "LEMO0".."LEMO3"
	IsRJ45 bool
	Index  uint
}

func parseOutputChannel(name string) (OutputChannel, error) {
	switch {
	case strings.HasPrefix(name, "CH"):
		idx, err := parseDigit(name[2:])
		if err != nil {
			return OutputChannel{}, fmt.Errorf("tlu: invalid output channel %q: %w", name, err)
		}
		return OutputChannel{Name: name, IsRJ45: true, Index: idx}, nil
	case strings.HasPrefix(name, "LEMO"):
		idx, err := parseDigit(name[4:])
		if err != nil {
			return OutputChannel{}, fmt.Errorf("tlu: invalid output channel %q: %w", name, err)
		}
		return OutputChannel{Name: name, IsRJ45: false, Index: idx}, nil
	default:
		return OutputChannel{}, fmt.Errorf("tlu: unrecognized output channel %q", name)
	}
}

func parseDigit(s string) (uint, error) {
	var v uint
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, err
	}
	return v, nil
}

// Configuration is the set of user-provided options pushed to the device at
// the start of a run, per spec.md §3 "Configuration".
type Configuration struct {
	InputEnable       []InputChannel
	OutputEnable      []string // raw CHx/LEMOx names, validated by Validate
	InputInvert       []InputChannel
	Threshold         uint8 // [0,31]
	CoincidenceWindow uint8 // [0,31], 0 disables coincidence
	NBitsTriggerID    uint8 // [0,31]
	Timeout           uint16
	Test              *uint32 // internal pulser delay, 25ns units; nil disables
}

// Validate checks range and uniqueness invariants, returning a
// *ConfigurationError describing the first violation found.
func (c *Configuration) Validate() error {
	for _, ch := range c.InputEnable {
		if ch > 3 {
			return &ConfigurationError{fmt.Sprintf("input_enable channel CH%d out of range [0,3]", ch)}
		}
	}
	for _, ch := range c.InputInvert {
		if ch > 3 {
			return &ConfigurationError{fmt.Sprintf("input_invert channel CH%d out of range [0,3]", ch)}
		}
	}
	if c.Threshold > 31 {
		return &ConfigurationError{"threshold out of range [0,31]"}
	}
	if c.CoincidenceWindow > 31 {
		return &ConfigurationError{"coincidence_window out of range [0,31]"}
	}
	if c.NBitsTriggerID > 31 {
		return &ConfigurationError{"n_bits_trig_id out of range [0,31]"}
	}

	used := map[uint]string{}
	names := append([]string(nil), c.OutputEnable...)
	sort.Strings(names)
	for _, name := range names {
		oc, err := parseOutputChannel(name)
		if err != nil {
			return &ConfigurationError{err.Error()}
		}
		if other, ok := used[oc.Index]; ok {
			return &ConfigurationError{fmt.Sprintf("output channels %s and %s share trailing digit %d", other, oc.Name, oc.Index)}
		}
		used[oc.Index] = oc.Name
	}
	return nil
}

// ConfigurationError reports a fatal, pre-init configuration problem.
type ConfigurationError struct{ msg string }

func (e *ConfigurationError) Error() string { return "tlu: configuration: " + e.msg }

// EnInputMask returns the EN_INPUT bitmask for InputEnable.
func (c *Configuration) EnInputMask() uint8 {
	var m uint8
	for _, ch := range c.InputEnable {
		m |= 1 << ch
	}
	return m
}

// InvertInputMask returns the INVERT_INPUT bitmask for InputInvert.
func (c *Configuration) InvertInputMask() uint8 {
	var m uint8
	for _, ch := range c.InputInvert {
		m |= 1 << ch
	}
	return m
}

// EnOutputMask returns the EN_OUTPUT bitmask for OutputEnable. Callers must
// run Validate first; EnOutputMask does not itself reject duplicates.
func (c *Configuration) EnOutputMask() uint8 {
	var m uint8
	for _, name := range c.OutputEnable {
		oc, err := parseOutputChannel(name)
		if err != nil {
			continue
		}
		m |= 1 << oc.Index
	}
	return m
}

// OutputChannels parses OutputEnable into typed OutputChannel values.
func (c *Configuration) OutputChannels() ([]OutputChannel, error) {
	out := make([]OutputChannel, 0, len(c.OutputEnable))
	for _, name := range c.OutputEnable {
		oc, err := parseOutputChannel(name)
		if err != nil {
			return nil, err
		}
		out = append(out, oc)
	}
	return out, nil
}
