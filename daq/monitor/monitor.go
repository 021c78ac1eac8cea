// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package monitor implements the online-monitor publish/subscribe link.
// spec.md §4.8 specifies a multipart ZeroMQ publication (JSON meta frame,
// then raw bytes); no ZeroMQ Go binding appears anywhere in the retrieval
// pack, so the same two-frame wire shape is carried over a websocket
// connection instead (see DESIGN.md's "online-monitor transport" entry).
package monitor

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silab-bonn/go-tlu/daq/datasink"
	"github.com/silab-bonn/go-tlu/devices/tlu"
)

// MetaFrame is the JSON frame published ahead of each raw-bytes frame.
type MetaFrame struct {
	Name            string  `json:"name"`
	Dtype           string  `json:"dtype"`
	Shape           []int   `json:"shape"`
	DataLength      uint32  `json:"data_length"`
	TimestampStart  float64 `json:"timestamp_start"`
	TimestampStop   float64 `json:"timestamp_stop"`
	ReadoutError    uint32  `json:"readout_error"`
	SkippedTriggers uint64  `json:"skipped_triggers"`
}

// resetMessage is published once on Dial, before any readout data, so a
// fresh subscriber can distinguish "just connected" from "no events yet".
type resetMessage struct {
	Reset bool `json:"reset"`
}

// Publisher connects to a websocket endpoint and publishes a reset message
// followed by one meta/raw frame pair per readout. It implements
// datasink.MonitorPublisher.
type Publisher struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ datasink.MonitorPublisher = (*Publisher)(nil)

// Dial connects to a websocket endpoint of the form "ws://host:port/path"
// and publishes the initial reset message.
func Dial(addr string) (*Publisher, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("monitor: dial %s: %w", addr, err)
	}
	p := &Publisher{conn: conn}
	if err := conn.WriteJSON(resetMessage{Reset: true}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("monitor: writing reset message: %w", err)
	}
	return p, nil
}

// Publish sends one meta/raw frame pair. Any socket error closes the
// connection; callers are expected to drop the Publisher on error rather
// than retry, per spec.md §4.5's best-effort policy.
func (p *Publisher) Publish(meta datasink.MetaRow, raw []tlu.TriggerRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("monitor: publisher closed")
	}

	frame := MetaFrame{
		Name:            "raw_data",
		Dtype:           "trigger_record",
		Shape:           []int{len(raw)},
		DataLength:      meta.DataLength,
		TimestampStart:  meta.TimestampStart,
		TimestampStop:   meta.TimestampStop,
		ReadoutError:    meta.Error,
		SkippedTriggers: meta.SkippedTriggers,
	}
	if err := p.conn.WriteJSON(frame); err != nil {
		p.closeLocked()
		return fmt.Errorf("monitor: writing meta frame: %w", err)
	}

	buf := make([]byte, tlu.RecordSize*len(raw))
	for i, r := range raw {
		b := buf[i*tlu.RecordSize : (i+1)*tlu.RecordSize]
		b[0], b[1], b[2], b[3] = r.LE0, r.LE1, r.LE2, r.LE3
		binary.LittleEndian.PutUint64(b[4:12], r.TimeStamp)
		binary.LittleEndian.PutUint32(b[12:16], r.TriggerID)
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		p.closeLocked()
		return fmt.Errorf("monitor: writing raw frame: %w", err)
	}
	return nil
}

// Close shuts down the websocket connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Publisher) closeLocked() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// rateWindow is the fixed capacity of the converter's sliding-window arrays.
const rateWindow = 1600

// Converter consumes a Publisher's meta frames (fed to HandleFrame, for
// example by ServeConverter's websocket endpoint), maintains a
// rolling (time, rate) series, and smooths a readout-FPS estimate by
// exponential moving average.
type Converter struct {
	mu        sync.Mutex
	time      [rateWindow]float64
	rate      [rateWindow]float64
	pos       int
	count     int
	fpsEMA    float64
	fpsAlpha  float64
	lastFrame time.Time
}

// NewConverter creates a Converter with the alpha=0.3 smoothing factor
// specified in spec.md §4.8.
func NewConverter() *Converter {
	return &Converter{fpsAlpha: 0.3}
}

// HandleFrame ingests one meta frame, computing the readout's rate in kHz
// and updating the rolling arrays and FPS estimate.
func (c *Converter) HandleFrame(frame MetaFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dt := frame.TimestampStop - frame.TimestampStart
	var rate float64
	if dt > 0 {
		rate = float64(frame.DataLength) / dt / 1000
	}
	c.time[c.pos] = frame.TimestampStop
	c.rate[c.pos] = rate
	c.pos = (c.pos + 1) % rateWindow
	if c.count < rateWindow {
		c.count++
	}

	now := time.Now()
	if !c.lastFrame.IsZero() {
		instantaneous := 1.0 / now.Sub(c.lastFrame).Seconds()
		c.fpsEMA = c.fpsAlpha*instantaneous + (1-c.fpsAlpha)*c.fpsEMA
	}
	c.lastFrame = now
}

// Series returns a copy of the rolling (time, rate) arrays in chronological
// order, oldest first.
func (c *Converter) Series() (t, rate []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t = make([]float64, c.count)
	rate = make([]float64, c.count)
	start := c.pos - c.count
	for i := 0; i < c.count; i++ {
		idx := ((start+i)%rateWindow + rateWindow) % rateWindow
		t[i] = c.time[idx]
		rate[i] = c.rate[idx]
	}
	return t, rate
}

// FPS returns the current exponentially-smoothed readout frame rate.
func (c *Converter) FPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fpsEMA
}

// Upgrader is shared by any websocket server endpoint the run controller
// exposes for a Converter subscriber to connect to. Rendering the rate
// curves is out of scope per spec.md's Non-goals; only the wire link and
// the rate conversion live here.
var Upgrader = websocket.Upgrader{}

// ServeConverter upgrades an HTTP request to a websocket and feeds every
// incoming meta frame (raw frames are read and discarded; Converter only
// needs the metadata) to c.HandleFrame until the connection closes.
func ServeConverter(c *Converter, w http.ResponseWriter, r *http.Request) error {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("monitor: upgrading converter connection: %w", err)
	}
	defer conn.Close()

	for {
		var frame MetaFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return nil
		}
		c.HandleFrame(frame)
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}
