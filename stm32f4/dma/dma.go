// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma implements a driver for the STM32F4 DMA controller streams,
// adopting the following reference specification:
//   - RM0090 - STM32F405/415, STM32F407/417, STM32F427/437 and
//     STM32F429/439 advanced Arm-based 32-bit MCUs - Rev 19
//
// A Stream is configured once for a fixed peripheral address and then
// re-armed for each transfer with a memory buffer and a direction.
//
// This package is only meant to be used with `GOARCH=arm` on STM32F4 parts or
// against a simulated register window.
package dma

import (
	"github.com/usbarmory/armory-sdio/internal/reg"
	"github.com/usbarmory/armory-sdio/stm32f4/rcc"

	"github.com/usbarmory/tamago/bits"
)

// DMA registers
// (p233, 10.5 DMA registers, RM0090 Rev 19)
const (
	DMA_LISR  = 0x00
	DMA_HISR  = 0x04
	DMA_LIFCR = 0x08
	DMA_HIFCR = 0x0c

	// stream registers, relative to the stream base
	DMA_SxBASE  = 0x10
	DMA_SxSTEP  = 0x18
	DMA_SxCR    = 0x00
	DMA_SxNDTR  = 0x04
	DMA_SxPAR   = 0x08
	DMA_SxM0AR  = 0x0c
	DMA_SxM1AR  = 0x10
	DMA_SxFCR   = 0x14
	NDTR_NDT    = 0
	NDTR_MASK   = 0xffff
	STREAMS     = 8
	FLAG_STREAM = 4
)

// interrupt status/clear flags, relative to the stream flag offset
const (
	FEIF  = 0
	DMEIF = 2
	TEIF  = 3
	HTIF  = 4
	TCIF  = 5

	// all defined flags for one stream
	FLAGS_MASK = 1<<TCIF | 1<<HTIF | 1<<TEIF | 1<<DMEIF | 1<<FEIF
)

// flag offset within LISR/HISR for each stream modulo 4
var flagPos = [FLAG_STREAM]int{0, 6, 16, 22}

// DMA_SxCR bits
const (
	CR_CHSEL  = 25
	CR_MBURST = 23
	CR_PBURST = 21
	CR_PL     = 16
	CR_MSIZE  = 13
	CR_PSIZE  = 11
	CR_MINC   = 10
	CR_PINC   = 9
	CR_DIR    = 6
	CR_PFCTRL = 5
	CR_TCIE   = 4
	CR_EN     = 0

	BURST_SINGLE = 0b00
	BURST_INCR4  = 0b01

	PL_VERY_HIGH = 0b11

	SIZE_WORD = 0b10

	DIR_PERIPHERAL_TO_MEMORY = 0b00
	DIR_MEMORY_TO_PERIPHERAL = 0b01
)

// DMA_SxFCR bits
const (
	FCR_DMDIS = 2
	FCR_FTH   = 0

	FTH_FULL = 0b11
)

// Stream represents a DMA stream instance.
type Stream struct {
	// Regs is the DMA controller register window
	Regs reg.Window
	// RCC is the clock controller used to gate the DMA controller
	RCC *rcc.RCC
	// Gate is the DMA controller clock gate
	Gate rcc.Gate
	// Index is the stream number (0-7)
	Index int
	// Channel is the request channel selected for the stream (0-7)
	Channel int
	// Peripheral is the fixed peripheral side address
	Peripheral uint32
	// Mapper resolves memory buffers to bus addresses, Direct is used
	// when nil
	Mapper Mapper

	// control registers
	cr   uint32
	ndtr uint32
	par  uint32
	m0ar uint32
	fcr  uint32
	isr  uint32
	ifcr uint32
	// flag position for this stream
	flags int

	// buffer currently bound to the stream
	buf  []byte
	addr uint32
}

// Init enables the DMA controller clock and applies the fixed stream
// configuration: peripheral address, channel, 4-beat word bursts on both
// sides, very high priority, memory increment and peripheral flow control
// with the FIFO in full threshold mode.
func (hw *Stream) Init() {
	if hw.Index < 0 || hw.Index >= STREAMS {
		panic("invalid DMA stream")
	}

	if hw.Mapper == nil {
		hw.Mapper = Direct{}
	}

	base := uint32(DMA_SxBASE + DMA_SxSTEP*hw.Index)

	hw.cr = base + DMA_SxCR
	hw.ndtr = base + DMA_SxNDTR
	hw.par = base + DMA_SxPAR
	hw.m0ar = base + DMA_SxM0AR
	hw.fcr = base + DMA_SxFCR

	if hw.Index < FLAG_STREAM {
		hw.isr = DMA_LISR
		hw.ifcr = DMA_LIFCR
	} else {
		hw.isr = DMA_HISR
		hw.ifcr = DMA_HIFCR
	}

	hw.flags = flagPos[hw.Index%FLAG_STREAM]

	if hw.RCC != nil {
		hw.RCC.Enable(hw.Gate)
	}

	hw.Regs.Write(hw.par, hw.Peripheral)

	var cr uint32

	bits.SetN(&cr, CR_CHSEL, 0b111, uint32(hw.Channel)&0b111)
	bits.SetN(&cr, CR_MBURST, 0b11, BURST_INCR4)
	bits.SetN(&cr, CR_PBURST, 0b11, BURST_INCR4)
	bits.SetN(&cr, CR_PL, 0b11, PL_VERY_HIGH)
	bits.SetN(&cr, CR_MSIZE, 0b11, SIZE_WORD)
	bits.SetN(&cr, CR_PSIZE, 0b11, SIZE_WORD)
	bits.Set(&cr, CR_MINC)
	bits.Clear(&cr, CR_PINC)
	bits.Set(&cr, CR_PFCTRL)

	hw.Regs.Write(hw.cr, cr)

	var fcr uint32

	bits.Set(&fcr, FCR_DMDIS)
	bits.SetN(&fcr, FCR_FTH, 0b11, FTH_FULL)

	hw.Regs.Write(hw.fcr, fcr)
}

// ToMemory arms the stream for a peripheral to memory transfer into buf.
func (hw *Stream) ToMemory(buf []byte) {
	hw.arm(buf, DIR_PERIPHERAL_TO_MEMORY)
}

// ToPeripheral arms the stream for a memory to peripheral transfer from
// buf.
func (hw *Stream) ToPeripheral(buf []byte) {
	hw.arm(buf, DIR_MEMORY_TO_PERIPHERAL)
}

func (hw *Stream) arm(buf []byte, dir uint32) {
	hw.disable()

	// clear pending interrupt flags
	hw.Regs.Write(hw.ifcr, FLAGS_MASK<<hw.flags)

	reg.SetN(hw.Regs, hw.cr, CR_DIR, 0b11, dir)

	hw.Release()
	hw.buf = buf
	hw.addr = hw.Mapper.Map(buf)

	hw.Regs.Write(hw.m0ar, hw.addr)
	// ignored by the controller under peripheral flow control
	hw.Regs.Write(hw.ndtr, uint32(len(buf))&NDTR_MASK)

	reg.Set(hw.Regs, hw.cr, CR_EN)
}

func (hw *Stream) disable() {
	reg.Clear(hw.Regs, hw.cr, CR_EN)
	// the stream is effectively disabled only once EN reads back as 0
	reg.Wait(hw.Regs, hw.cr, CR_EN, 1, 0)
}

// TransferComplete reports whether the stream transfer complete flag is
// set.
func (hw *Stream) TransferComplete() bool {
	return reg.IsSet(hw.Regs, hw.isr, hw.flags+TCIF)
}

// Wait spins until the transfer complete flag is set, giving up after n
// polls (or never if n is not positive). The return value reports whether
// the transfer completed.
func (hw *Stream) Wait(n int) bool {
	return reg.WaitFor(n, hw.Regs, hw.isr, hw.flags+TCIF, 1, 1)
}

// Release returns the currently bound buffer to its Mapper.
func (hw *Stream) Release() {
	if hw.buf == nil {
		return
	}

	hw.Mapper.Unmap(hw.addr, hw.buf)
	hw.buf = nil
	hw.addr = 0
}
