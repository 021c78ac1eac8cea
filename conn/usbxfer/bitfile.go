// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package usbxfer

import (
	"encoding/binary"
	"fmt"
)

// Bitfile markers, per Xilinx .bit framing as consumed by the original
// ZestSC1 loader (original_source/pytlu/ZestSC1.py).
const (
	markerName  = 0x61
	markerPart  = 0x62
	markerDate  = 0x63
	markerTime  = 0x64
	markerImage = 0x65
)

// Bitfile is a parsed FPGA bitstream: identity fields plus the raw image.
type Bitfile struct {
	Name  string
	Part  string
	Date  string
	Time  string
	Image []byte
}

// ParseBitfile walks a Xilinx .bit byte stream, reading each
// marker/length/payload section. The first two bytes are a fixed preamble
// length field the loader does not interpret, so the scanner starts at
// offset 0 and skips any byte it does not recognize as a marker, one at a
// time, matching the original's tolerance for header padding.
func ParseBitfile(raw []byte) (*Bitfile, error) {
	bf := &Bitfile{}
	i := 0
	for i < len(raw) {
		switch raw[i] {
		case markerName:
			s, n, err := readField2(raw[i+1:])
			if err != nil {
				return nil, err
			}
			bf.Name = s
			i += 1 + n
		case markerPart:
			s, n, err := readField2(raw[i+1:])
			if err != nil {
				return nil, err
			}
			bf.Part = s
			i += 1 + n
		case markerDate:
			s, n, err := readField2(raw[i+1:])
			if err != nil {
				return nil, err
			}
			bf.Date = s
			i += 1 + n
		case markerTime:
			s, n, err := readField2(raw[i+1:])
			if err != nil {
				return nil, err
			}
			bf.Time = s
			i += 1 + n
		case markerImage:
			img, n, err := readField4(raw[i+1:])
			if err != nil {
				return nil, err
			}
			bf.Image = img
			i += 1 + n
			return bf, nil
		default:
			i++
		}
	}
	return nil, fmt.Errorf("usbxfer: bitfile: no image section found")
}

func readField2(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, fmt.Errorf("usbxfer: bitfile: truncated length field")
	}
	l := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+l {
		return "", 0, fmt.Errorf("usbxfer: bitfile: truncated field payload")
	}
	s := string(b[2 : 2+l])
	n := len(s)
	if n > 0 && s[n-1] == 0 {
		s = s[:n-1]
	}
	return s, 2 + l, nil
}

func readField4(b []byte) ([]byte, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("usbxfer: bitfile: truncated image length field")
	}
	l := int(binary.BigEndian.Uint32(b))
	if len(b) < 4+l {
		return nil, 0, fmt.Errorf("usbxfer: bitfile: truncated image payload")
	}
	return b[4 : 4+l], 4 + l, nil
}

// PadImage zero-pads the image to the transfer length the firmware expects:
// len+511 truncated down to a multiple of 512, plus 512 (equivalently,
// (len+1023) &^ 511).
func PadImage(image []byte) []byte {
	padded := roundUp(len(image)+511, 512) + 512
	out := make([]byte, padded)
	copy(out, image)
	return out
}

// roundUp truncates n down to a multiple of multiple; PadImage adds 511
// first, which makes the result the ceiling of len to a multiple of 512.
func roundUp(n, multiple int) int {
	return (n / multiple) * multiple
}
