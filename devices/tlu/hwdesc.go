// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tlu

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v2"
)

// RegisterSpec describes one named register within a block: its byte offset
// relative to the block's base address, its width, the bit position within
// that width it occupies, and its access mode.
type RegisterSpec struct {
	AddressOffset uint32 `yaml:"address_offset"`
	SizeBits      uint8  `yaml:"size_bits"`
	BitOffset     uint8  `yaml:"bit_offset"`
	Access        string `yaml:"access"`
}

// Block is one hardware-layer driver: an I2C mux, a PCA9555 expander, the
// pulser, the stream FIFO, or the TLU master, each with its own base address
// and named registers.
type Block struct {
	BaseAddress uint64                  `yaml:"base_address"`
	Registers   map[string]RegisterSpec `yaml:"registers"`
}

// HardwareDescription is the parsed form of the declarative YAML document
// that enumerates hardware drivers and their typed register groups, per
// spec.md §4.3 and §9 ("parse it once into a typed structure keyed by block
// name; every register access goes through this table").
type HardwareDescription map[string]Block

// ParseHardwareDescription parses a hardware description document.
func ParseHardwareDescription(data []byte) (HardwareDescription, error) {
	var hw HardwareDescription
	if err := yaml.Unmarshal(data, &hw); err != nil {
		return nil, fmt.Errorf("tlu: parsing hardware description: %w", err)
	}
	return hw, nil
}

// Address resolves block.register to an absolute address in the register
// window and the register's spec, erroring if either name is unknown.
func (hw HardwareDescription) Address(block, reg string) (uint64, RegisterSpec, error) {
	b, ok := hw[block]
	if !ok {
		return 0, RegisterSpec{}, fmt.Errorf("tlu: unknown block %q", block)
	}
	r, ok := b.Registers[reg]
	if !ok {
		return 0, RegisterSpec{}, fmt.Errorf("tlu: unknown register %q in block %q", reg, block)
	}
	return b.BaseAddress + uint64(r.AddressOffset), r, nil
}

//go:embed hwdesc_default.yaml
var defaultHardwareYAML []byte

// DefaultHardwareDescription parses the register map shipped with this
// package, matching the block and register names of spec.md §3.
func DefaultHardwareDescription() (HardwareDescription, error) {
	return ParseHardwareDescription(defaultHardwareYAML)
}
