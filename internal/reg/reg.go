// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package reg provides primitives for accessing peripheral registers through
// an owned register window.
//
// A Window is handed to exactly one driver instance, which is the only code
// allowed to touch the registers it covers.
package reg

import (
	"sync/atomic"
	"unsafe"

	"github.com/usbarmory/tamago/bits"
)

// Window represents a bank of 32-bit registers addressed by byte offset
// from the peripheral base.
type Window interface {
	Read(off uint32) uint32
	Write(off uint32, val uint32)
}

// MMIO is a Window over memory mapped registers starting at the given
// physical address.
type MMIO uintptr

func (base MMIO) ptr(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(base) + uintptr(off)))
}

// Read loads the register at offset off.
func (base MMIO) Read(off uint32) uint32 {
	return atomic.LoadUint32(base.ptr(off))
}

// Write stores val in the register at offset off.
func (base MMIO) Write(off uint32, val uint32) {
	atomic.StoreUint32(base.ptr(off), val)
}

// Get returns the field of width mask at bit position pos.
func Get(w Window, off uint32, pos int, mask int) uint32 {
	r := w.Read(off)
	return bits.Get(&r, pos, mask)
}

// IsSet reports whether the bit at position pos is set.
func IsSet(w Window, off uint32, pos int) bool {
	return Get(w, off, pos, 1) == 1
}

func Set(w Window, off uint32, pos int) {
	r := w.Read(off)
	bits.Set(&r, pos)
	w.Write(off, r)
}

func Clear(w Window, off uint32, pos int) {
	r := w.Read(off)
	bits.Clear(&r, pos)
	w.Write(off, r)
}

// SetN replaces the field of width mask at bit position pos with val.
func SetN(w Window, off uint32, pos int, mask int, val uint32) {
	r := w.Read(off)
	bits.SetN(&r, pos, mask, val)
	w.Write(off, r)
}

// Wait spins until the field at pos matches val, there is no timeout.
func Wait(w Window, off uint32, pos int, mask int, val uint32) {
	for Get(w, off, pos, mask) != val {
	}
}

// WaitFor spins until the field at pos matches val, giving up after n polls.
// A non positive n waits forever. The return value reports whether the
// field reached val.
func WaitFor(n int, w Window, off uint32, pos int, mask int, val uint32) bool {
	if n <= 0 {
		Wait(w, off, pos, mask, val)
		return true
	}

	for i := 0; i < n; i++ {
		if Get(w, off, pos, mask) == val {
			return true
		}
	}

	return false
}

// Busyloop performs n dummy reads of the register at offset off, letting
// the peripheral settle.
func Busyloop(w Window, off uint32, n int) {
	for i := 0; i < n; i++ {
		w.Read(off)
	}
}
