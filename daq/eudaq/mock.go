// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package eudaq

import "sync"

// Mock implements Controller for replay-mode tests, adapted from the
// teacher's record/playback fake pattern: states and config values are
// scripted ahead of time, and sent events are recorded for assertions.
type Mock struct {
	mu sync.Mutex

	states []State
	config map[string]string

	Sent []Event
	Extra []string
}

// NewMock creates a Mock that will return states in order, one per
// PollState call, repeating the last state once exhausted.
func NewMock(states []State, config map[string]string) *Mock {
	return &Mock{states: states, config: config}
}

func (m *Mock) PollState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) == 0 {
		return StateIdle
	}
	s := m.states[0]
	if len(m.states) > 1 {
		m.states = m.states[1:]
	}
	return s
}

func (m *Mock) ReadConfig(key, def string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.config[key]; ok {
		return v
	}
	return def
}

func (m *Mock) SendEvent(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, e)
}

func (m *Mock) SendEventExtraInfo(e Event, extra string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, e)
	m.Extra = append(m.Extra, extra)
}
