// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sdio implements a driver for the STM32F4 SD/SDIO/MMC card host
// interface (SDIO) adopting the following reference specifications:
//   - RM0090 - STM32F405/415, STM32F407/417, STM32F427/437 and
//     STM32F429/439 advanced Arm-based 32-bit MCUs - Rev 19
//   - SD Specifications Part 1 Physical Layer Simplified Specification - 6.00
//
// Only SDHC/SDXC cards at 3.3V are supported, data transfers are performed
// in 512 byte blocks over a 4-bit bus through a DMA controller stream.
//
// This package is only meant to be used with `GOARCH=arm` on STM32F4 parts or
// against a simulated register window.
package sdio

import (
	"errors"
	"sync"

	"github.com/usbarmory/armory-sdio/internal/reg"
	"github.com/usbarmory/armory-sdio/stm32f4/dma"
	"github.com/usbarmory/armory-sdio/stm32f4/rcc"

	"github.com/usbarmory/tamago/bits"
)

// SDIO registers
// (p1070, 31.9 SDIO registers, RM0090 Rev 19)
const (
	SDIO_POWER    = 0x00
	POWER_PWRCTRL = 0
	PWRCTRL_ON    = 0b11

	SDIO_CLKCR   = 0x04
	CLKCR_WIDBUS = 11
	CLKCR_CLKEN  = 8
	CLKCR_CLKDIV = 0

	WIDBUS_1 = 0b00
	WIDBUS_4 = 0b01

	SDIO_ARG = 0x08

	SDIO_CMD       = 0x0c
	CMD_ENCMDCOMPL = 12
	CMD_CPSMEN     = 10
	CMD_WAITRESP   = 6
	CMD_CMDINDEX   = 0
	CMDINDEX_MASK  = 0x3f

	WAITRESP_NONE  = 0b00
	WAITRESP_SHORT = 0b01
	WAITRESP_LONG  = 0b11

	SDIO_RESPCMD = 0x10
	SDIO_RESP1   = 0x14
	SDIO_RESP2   = 0x18
	SDIO_RESP3   = 0x1c
	SDIO_RESP4   = 0x20

	SDIO_DTIMER = 0x24
	SDIO_DLEN   = 0x28

	SDIO_DCTRL       = 0x2c
	DCTRL_DBLOCKSIZE = 4
	DCTRL_DMAEN      = 3
	DCTRL_DTMODE     = 2
	DCTRL_DTDIR      = 1
	DCTRL_DTEN       = 0

	SDIO_DCOUNT = 0x30
	DCOUNT_MASK = 0x1ffffff

	SDIO_STA     = 0x34
	STA_CMDACT   = 11
	STA_DBCKEND  = 10
	STA_DATAEND  = 8
	STA_CMDSENT  = 7
	STA_CMDREND  = 6
	STA_RXOVERR  = 5
	STA_TXUNDERR = 4
	STA_DTIMEOUT = 3
	STA_CTIMEOUT = 2
	STA_DCRCFAIL = 1
	STA_CCRCFAIL = 0

	// ICR clears all static STA flags
	SDIO_ICR = 0x38
	ICR_MASK = 0x00c007ff

	SDIO_MASK = 0x3c
	SDIO_FIFO = 0x80
)

// Configuration defaults
const (
	// 48 MHz / (118 + 2) = 400 kHz identification clock
	InitDivider = 118
	// 48 MHz / (0 + 2) = 24 MHz transfer clock
	WorkDivider = 0

	// BlockSize is the SDHC/SDXC fixed block length
	BlockSize = 512

	// status register reads performed before decoding a response
	settleReads = 200
	// SD_SEND_OP_COND polls before the card is considered absent
	opCondRetries = 0xff
	// data timeout, in card bus clock periods
	dataTimeout = 0xffffffff
)

// Precondition errors, reported without any bus activity.
var (
	ErrBufferSize = errors.New("buffer shorter than transfer length")
	ErrStaleCard  = errors.New("card handle superseded by a later detection")
)

// SDIO represents the SD card host controller instance.
type SDIO struct {
	sync.Mutex

	// Regs is the controller register window
	Regs reg.Window
	// RCC is the clock controller used to gate the peripheral
	RCC *rcc.RCC
	// Gate is the controller clock gate
	Gate rcc.Gate
	// DMA is the stream serving the controller data FIFO
	DMA *dma.Stream

	// InitDivider is the CLKDIV value used during card identification
	InitDivider uint32
	// WorkDivider is the CLKDIV value used for data transfers
	WorkDivider uint32
	// Retries bounds card busy and data phase polling, 0 polls forever
	Retries int

	// R3 responses (SD_SEND_OP_COND) are not protected by CRC
	noCRC bool
	// current card session
	card *Card
}

// New returns a controller instance with default configuration, the
// instance takes ownership of all passed register windows.
func New(regs reg.Window, clk *rcc.RCC, stream *dma.Stream) *SDIO {
	return &SDIO{
		Regs:        regs,
		RCC:         clk,
		Gate:        rcc.SDIO,
		DMA:         stream,
		InitDivider: InitDivider,
		WorkDivider: WorkDivider,
	}
}

// Card returns the current card session, if any.
func (hw *SDIO) Card() *Card {
	hw.Lock()
	defer hw.Unlock()

	return hw.card
}

// powerOn enables the controller clock at identification rate, powers the
// card and configures the DMA stream.
func (hw *SDIO) powerOn() {
	if hw.RCC != nil {
		hw.RCC.Enable(hw.Gate)
	}

	var clkcr uint32

	bits.SetN(&clkcr, CLKCR_CLKDIV, 0xff, hw.InitDivider)
	bits.Set(&clkcr, CLKCR_CLKEN)

	hw.Regs.Write(SDIO_CLKCR, clkcr)
	hw.Regs.Write(SDIO_POWER, PWRCTRL_ON<<POWER_PWRCTRL)

	hw.DMA.Init()
}

// setBusWidth changes the controller bus width, the card clock is gated
// while the field changes.
func (hw *SDIO) setBusWidth(width uint32) {
	reg.Clear(hw.Regs, SDIO_CLKCR, CLKCR_CLKEN)

	clkcr := hw.Regs.Read(SDIO_CLKCR)
	bits.SetN(&clkcr, CLKCR_WIDBUS, 0b11, width)
	bits.Set(&clkcr, CLKCR_CLKEN)

	hw.Regs.Write(SDIO_CLKCR, clkcr)
}

// setClock changes the card clock divider, the card clock is gated while
// the field changes.
func (hw *SDIO) setClock(div uint32) {
	reg.Clear(hw.Regs, SDIO_CLKCR, CLKCR_CLKEN)

	clkcr := hw.Regs.Read(SDIO_CLKCR)
	bits.SetN(&clkcr, CLKCR_CLKDIV, 0xff, div)
	bits.Set(&clkcr, CLKCR_CLKEN)

	hw.Regs.Write(SDIO_CLKCR, clkcr)
}

// clearState clears all static status flags.
func (hw *SDIO) clearState() {
	hw.Regs.Write(SDIO_ICR, ICR_MASK)
}
