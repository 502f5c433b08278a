// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import (
	"testing"
)

// memory is a plain RAM backed window counting accesses
type memory struct {
	regs   [16]uint32
	reads  int
	writes int
	// onRead, when set, is invoked before each read
	onRead func(m *memory, off uint32)
}

func (m *memory) Read(off uint32) uint32 {
	m.reads++

	if m.onRead != nil {
		m.onRead(m, off)
	}

	return m.regs[off/4]
}

func (m *memory) Write(off uint32, val uint32) {
	m.writes++
	m.regs[off/4] = val
}

func TestFields(t *testing.T) {
	m := &memory{}

	Set(m, 0x04, 8)
	SetN(m, 0x04, 0, 0xff, 118)

	if got := m.regs[1]; got != 1<<8|118 {
		t.Fatalf("register value %#x, want %#x", got, 1<<8|118)
	}

	if !IsSet(m, 0x04, 8) {
		t.Errorf("bit 8 not set")
	}

	if got := Get(m, 0x04, 0, 0xff); got != 118 {
		t.Errorf("field value %d, want 118", got)
	}

	SetN(m, 0x04, 11, 0b11, 1)
	Clear(m, 0x04, 8)

	if got := m.regs[1]; got != 1<<11|118 {
		t.Errorf("register value %#x, want %#x", got, 1<<11|118)
	}
}

func TestWaitFor(t *testing.T) {
	tests := []struct {
		name    string
		settle  int
		polls   int
		want    bool
		minRead int
	}{
		{name: "ready at once", settle: 0, polls: 10, want: true, minRead: 1},
		{name: "ready on last poll", settle: 9, polls: 10, want: true, minRead: 10},
		{name: "never ready", settle: 100, polls: 10, want: false, minRead: 10},
		{name: "unbounded", settle: 50, polls: 0, want: true, minRead: 51},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &memory{}
			m.onRead = func(m *memory, off uint32) {
				if m.reads > tt.settle {
					m.regs[off/4] = 1
				}
			}

			if got := WaitFor(tt.polls, m, 0, 0, 1, 1); got != tt.want {
				t.Errorf("WaitFor() = %v, want %v", got, tt.want)
			}

			if m.reads < tt.minRead {
				t.Errorf("%d reads, want at least %d", m.reads, tt.minRead)
			}
		})
	}
}

func TestBusyloop(t *testing.T) {
	m := &memory{}
	Busyloop(m, 0x34, 200)

	if m.reads != 200 || m.writes != 0 {
		t.Errorf("%d reads %d writes, want 200 reads 0 writes", m.reads, m.writes)
	}
}
