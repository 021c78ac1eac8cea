// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package usbxfer

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func field2(tag byte, s string) []byte {
	b := []byte{tag, 0, 0}
	binary.BigEndian.PutUint16(b[1:3], uint16(len(s)+1))
	b = append(b, []byte(s)...)
	b = append(b, 0)
	return b
}

func buildBitfile(image []byte) []byte {
	var buf bytes.Buffer
	buf.Write(field2(markerName, "top.ncd"))
	buf.Write(field2(markerPart, "xc3s400"))
	buf.Write(field2(markerDate, "2017/01/01"))
	buf.Write(field2(markerTime, "12:00:00"))
	buf.WriteByte(markerImage)
	lenField := make([]byte, 4)
	binary.BigEndian.PutUint32(lenField, uint32(len(image)))
	buf.Write(lenField)
	buf.Write(image)
	return buf.Bytes()
}

func TestParseBitfile(t *testing.T) {
	image := []byte{0xff, 0x00, 0xaa, 0x55}
	raw := buildBitfile(image)

	bf, err := ParseBitfile(raw)
	if err != nil {
		t.Fatalf("ParseBitfile: %v", err)
	}
	if bf.Name != "top.ncd" || bf.Part != "xc3s400" {
		t.Errorf("unexpected identity: %+v", bf)
	}
	if !bytes.Equal(bf.Image, image) {
		t.Errorf("image mismatch: got %x want %x", bf.Image, image)
	}
}

func TestParseBitfileSkipsUnknownBytes(t *testing.T) {
	image := []byte{1, 2, 3}
	raw := append([]byte{0x00, 0xff, 0x13}, buildBitfile(image)...)

	bf, err := ParseBitfile(raw)
	if err != nil {
		t.Fatalf("ParseBitfile: %v", err)
	}
	if !bytes.Equal(bf.Image, image) {
		t.Errorf("image mismatch after leading garbage: got %x want %x", bf.Image, image)
	}
}

func TestPadImage(t *testing.T) {
	cases := []struct {
		imageLen int
		want     int
	}{
		{0, 512},
		{1, 1024},
		{512, 1024},
		{513, 1536},
		{1024, 1536},
	}
	for _, c := range cases {
		padded := PadImage(make([]byte, c.imageLen))
		if len(padded) != c.want {
			t.Errorf("PadImage(len=%d): got %d, want %d", c.imageLen, len(padded), c.want)
		}
		for i := c.imageLen; i < len(padded); i++ {
			if padded[i] != 0 {
				t.Fatalf("PadImage(len=%d): byte %d is not zero", c.imageLen, i)
			}
		}
	}
}
