// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package readout implements the concurrent FIFO readout engine: a
// producer goroutine that drains the on-board stream FIFO, a consumer
// goroutine that invokes a user callback per chunk, and an optional
// watchdog goroutine that surfaces hardware-lost-data errors.
package readout

import (
	"container/ring"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/silab-bonn/go-tlu/devices/tlu"
)

// interval is the producer's poll period.
const interval = 50 * time.Millisecond

// Chunk is one producer-thread drain.
type Chunk struct {
	Data            []tlu.TriggerRecord
	TStart, TStop   float64
	Error           uint32
	SkippedTriggers uint64
}

// Callback is invoked by the consumer goroutine for every non-poison chunk.
// A panic inside Callback is recovered by the consumer goroutine, reported
// via Errback, and does not stop the consumer.
type Callback func(Chunk)

// Errback reports asynchronous errors: transport failures forwarded from
// the producer, no-data timeouts, FIFO-lost-data from the watchdog, and
// callback panics. A stop timeout is not reported here; Stop returns it.
type Errback func(error)

// NoDataTimeoutError is surfaced once via Errback when the producer goes
// idle for longer than the configured no-data timeout.
type NoDataTimeoutError struct{ Idle time.Duration }

func (e *NoDataTimeoutError) Error() string {
	return fmt.Sprintf("readout: no data for %s", e.Idle)
}

// FIFOLostError is surfaced by the watchdog when LOST_DATA_CNT is nonzero.
type FIFOLostError struct{ Count uint8 }

func (e *FIFOLostError) Error() string {
	return fmt.Sprintf("readout: fifo reports %d lost words", e.Count)
}

// StopTimeoutError is returned by Stop when the producer does not join
// within the grace period even after a forced stop.
type StopTimeoutError struct{ Timeout time.Duration }

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("readout: producer did not stop within %s", e.Timeout)
}

// wordsPerReadWindow bounds how many interval samples feed the rate moving
// average; at interval=50ms this is a 30 second window.
const wordsPerReadWindow = 600

// Device is the narrow subset of *tlu.Device the engine depends on. Tests
// substitute a fake satisfying this interface instead of a real board.
type Device interface {
	GetFIFOData(size int) ([]tlu.TriggerRecord, error)
	SkipTrigCounter() (uint32, error)
	LostDataCount() (uint8, error)
	ResetStreamFIFO() error
	StreamFIFOSize() (uint32, error)
}

// Engine owns the background goroutines draining one Device. Construct one
// per Device; Start/Stop may be called repeatedly but not concurrently with
// themselves.
type Engine struct {
	dev Device

	mu            sync.Mutex
	running       bool
	stopReadout   chan struct{}
	forceStop     chan struct{}
	dataQueue     chan *Chunk // buffered deep enough to behave unbounded in practice
	bufferMu      sync.Mutex
	dataBuffer    []Chunk // bounded ring, optional
	bufferCap     int
	bufferEnabled bool

	wordsMu      sync.Mutex
	wordsPerRead *ring.Ring
	wordsSum     int

	rateRequest chan struct{}
	rateResult  chan int

	recordCount uint64 // atomic

	lastProgress atomic.Value // time.Time
	timestamp    time.Time    // producer-owned: end time of the previous chunk

	wg sync.WaitGroup

	callback Callback
	errback  Errback
}

// New creates an Engine bound to dev. dev must already be opened and
// configured.
func New(dev Device) *Engine {
	return &Engine{dev: dev}
}

// RecordCount returns the total number of trigger records delivered to the
// callback since the last Start.
func (e *Engine) RecordCount() uint64 {
	return atomic.LoadUint64(&e.recordCount)
}

// Session is the scoped readout guard returned by Start: while it is open,
// readout is running; Close stops it. This realizes the "while this block
// runs, readout is on" idiom without relying on a finalizer.
type Session struct {
	e       *Engine
	timeout time.Duration
}

// Close stops the engine, escalating from graceful to forced after the
// Session's timeout, and returns *StopTimeoutError if the producer still
// would not join.
func (s *Session) Close() error {
	return s.e.Stop(s.timeout)
}

// Start begins readout. reset_fifo requests a FIFO reset and 200ms settle
// before the first read; clearBuffer/fillBuffer control the optional bounded
// inspection buffer; noDataTimeout disables the idle watchdog when zero.
func (e *Engine) Start(callback Callback, errback Errback, resetFifo, clearBuffer, fillBuffer bool, noDataTimeout time.Duration) (*Session, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("readout: already running")
	}
	e.running = true
	e.callback = callback
	e.errback = errback
	e.stopReadout = make(chan struct{})
	e.forceStop = make(chan struct{})
	e.dataQueue = make(chan *Chunk, 4096)
	e.rateRequest = make(chan struct{}, 1)
	e.rateResult = make(chan int, 1)
	atomic.StoreUint64(&e.recordCount, 0)
	now := time.Now()
	e.lastProgress.Store(now)
	e.timestamp = now

	if clearBuffer {
		e.bufferMu.Lock()
		e.dataBuffer = nil
		e.bufferMu.Unlock()
	}
	e.bufferEnabled = fillBuffer
	if fillBuffer && e.bufferCap == 0 {
		e.bufferCap = 1024
	}

	e.wordsMu.Lock()
	e.wordsPerRead = ring.New(wordsPerReadWindow)
	e.wordsSum = 0
	e.wordsMu.Unlock()
	e.mu.Unlock()

	if resetFifo {
		if err := e.dev.ResetStreamFIFO(); err != nil {
			return nil, fmt.Errorf("readout: reset fifo: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
		if n, err := e.dev.StreamFIFOSize(); err == nil && n != 0 {
			logrus.WithField("size", n).Warn("readout: stream fifo did not settle to 0 after reset")
		}
	} else if n, err := e.dev.StreamFIFOSize(); err == nil && n != 0 {
		logrus.WithField("size", n).Warn("readout: stream fifo was non-empty at start")
	}

	e.wg.Add(1)
	go e.producer(noDataTimeout)
	if errback != nil {
		e.wg.Add(1)
		go e.watchdog()
	}
	if callback != nil {
		e.wg.Add(1)
		go e.consumer()
	}

	return &Session{e: e, timeout: 10 * time.Second}, nil
}

func (e *Engine) producer(noDataTimeout time.Duration) {
	defer e.wg.Done()
	defer func() {
		if e.callback != nil {
			e.dataQueue <- nil // poison
		}
	}()

	armed := noDataTimeout > 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if armed {
			last := e.lastProgress.Load().(time.Time)
			if idle := time.Since(last); idle > noDataTimeout {
				e.reportError(&NoDataTimeoutError{Idle: idle})
				armed = false
			}
		}

		records, err := e.dev.GetFIFOData(4096)
		now := time.Now()
		if err != nil {
			e.reportError(err)
			armed = false
		} else if len(records) > 0 {
			e.lastProgress.Store(now)
			skipped, serr := e.dev.SkipTrigCounter()
			if serr != nil {
				e.reportError(serr)
			}
			lastTime := e.timestamp
			e.timestamp = now
			c := &Chunk{
				Data:            records,
				TStart:          float64(lastTime.UnixNano()) / 1e9,
				TStop:           float64(now.UnixNano()) / 1e9,
				SkippedTriggers: uint64(skipped),
			}
			e.appendWords(len(records))
			if e.callback != nil {
				e.dataQueue <- c
			}
			if e.bufferEnabled {
				e.appendBuffer(*c)
			}
		} else {
			e.appendWords(0)
			select {
			case <-e.stopReadout:
				return
			default:
			}
		}

		if e.drainRateRequest() {
			e.wordsMu.Lock()
			sum := e.wordsSum
			e.wordsMu.Unlock()
			select {
			case e.rateResult <- sum:
			default:
			}
		}

		select {
		case <-e.forceStop:
			return
		case <-ticker.C:
		case <-e.stopReadout:
			// Finish this iteration's bookkeeping, then let the next loop
			// top check catch the empty-chunk exit path, matching the
			// graceful-drain semantics of a plain stop.
		}
	}
}

func (e *Engine) reportError(err error) {
	if e.errback != nil {
		e.errback(err)
	}
}

func (e *Engine) appendWords(n int) {
	e.wordsMu.Lock()
	defer e.wordsMu.Unlock()
	old, _ := e.wordsPerRead.Value.(int)
	e.wordsSum += n - old
	e.wordsPerRead.Value = n
	e.wordsPerRead = e.wordsPerRead.Next()
}

func (e *Engine) appendBuffer(c Chunk) {
	e.bufferMu.Lock()
	defer e.bufferMu.Unlock()
	if len(e.dataBuffer) >= e.bufferCap {
		e.dataBuffer = e.dataBuffer[1:]
	}
	e.dataBuffer = append(e.dataBuffer, c)
}

func (e *Engine) drainRateRequest() bool {
	select {
	case <-e.rateRequest:
		return true
	default:
		return false
	}
}

func (e *Engine) consumer() {
	defer e.wg.Done()
	for c := range e.dataQueue {
		if c == nil {
			return
		}
		atomic.AddUint64(&e.recordCount, uint64(len(c.Data)))
		e.invokeCallback(*c)
	}
}

func (e *Engine) invokeCallback(c Chunk) {
	defer func() {
		if r := recover(); r != nil {
			e.reportError(fmt.Errorf("readout: callback panicked: %v", r))
		}
	}()
	e.callback(c)
}

func (e *Engine) watchdog() {
	defer e.wg.Done()
	ticker := time.NewTicker(10 * interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopReadout:
			return
		case <-ticker.C:
			n, err := e.dev.LostDataCount()
			if err != nil {
				continue
			}
			if n != 0 {
				e.reportError(&FIFOLostError{Count: n})
			}
		}
	}
}

// DataWordsPerSecond queries the current readout rate, returning false if
// the producer did not respond within 2*interval (e.g. it has stopped).
func (e *Engine) DataWordsPerSecond() (float64, bool) {
	select {
	case <-e.rateResult:
	default:
	}
	select {
	case e.rateRequest <- struct{}{}:
	default:
		return 0, false
	}
	select {
	case sum := <-e.rateResult:
		window := float64(wordsPerReadWindow) * interval.Seconds()
		return float64(sum) / window, true
	case <-time.After(2 * interval):
		return 0, false
	}
}

// Stop requests graceful shutdown, escalating to a forced stop if the
// producer does not exit within timeout, and waits for all goroutines to
// finish. Stop is idempotent after the first call; calling it when not
// running is a no-op.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	stopReadout := e.stopReadout
	forceStop := e.forceStop
	e.mu.Unlock()

	close(stopReadout)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.mu.Lock()
		e.callback, e.errback = nil, nil
		e.mu.Unlock()
		return nil
	case <-time.After(timeout):
	}

	close(forceStop)
	select {
	case <-done:
		e.mu.Lock()
		e.callback, e.errback = nil, nil
		e.mu.Unlock()
		return nil
	case <-time.After(timeout):
		return &StopTimeoutError{Timeout: 2 * timeout}
	}
}

// Buffer returns a snapshot copy of the optional bounded inspection buffer.
func (e *Engine) Buffer() []Chunk {
	e.bufferMu.Lock()
	defer e.bufferMu.Unlock()
	out := make([]Chunk, len(e.dataBuffer))
	copy(out, e.dataBuffer)
	return out
}
