// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"unsafe"
)

// Mapper resolves memory buffers to the bus addresses programmed in a
// stream.
type Mapper interface {
	// Map returns the bus address of buf, the buffer must not be moved
	// or reused until Unmap is called.
	Map(buf []byte) (addr uint32)
	// Unmap releases a buffer previously returned by Map.
	Unmap(addr uint32, buf []byte)
}

// Direct maps buffers to their own address. This is correct on parts with
// a flat physical address space and no data cache, such as Cortex-M4
// devices, where the stream moves data in place.
type Direct struct{}

func (Direct) Map(buf []byte) (addr uint32) {
	if len(buf) == 0 {
		return
	}

	return uint32(uintptr(unsafe.Pointer(&buf[0])))
}

func (Direct) Unmap(_ uint32, _ []byte) {}
