// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package rcc implements peripheral clock gating for the STM32F4 Reset and
// Clock Control (RCC) block.
//
// This package is only meant to be used with `GOARCH=arm` on STM32F4 parts or
// against a simulated register window.
package rcc

import (
	"github.com/usbarmory/armory-sdio/internal/reg"
)

// RCC registers
// (p224, 7.3 RCC registers, RM0090 Rev 19)
const (
	RCC_AHB1ENR    = 0x30
	AHB1ENR_DMA2EN = 22
	AHB1ENR_DMA1EN = 21

	RCC_APB2ENR    = 0x44
	APB2ENR_SDIOEN = 11
)

// Gate identifies a peripheral clock enable bit.
type Gate struct {
	// Register offset
	Off uint32
	// Bit position
	Pos int
}

// Peripheral clock gates
var (
	DMA1 = Gate{RCC_AHB1ENR, AHB1ENR_DMA1EN}
	DMA2 = Gate{RCC_AHB1ENR, AHB1ENR_DMA2EN}
	SDIO = Gate{RCC_APB2ENR, APB2ENR_SDIOEN}
)

// RCC represents the clock controller instance.
type RCC struct {
	// Regs is the controller register window
	Regs reg.Window
}

// Enable turns on the peripheral clock for the gate.
func (hw *RCC) Enable(g Gate) {
	reg.Set(hw.Regs, g.Off, g.Pos)
}

// Disable turns off the peripheral clock for the gate.
func (hw *RCC) Disable(g Gate) {
	reg.Clear(hw.Regs, g.Off, g.Pos)
}

// Enabled reports whether the peripheral clock for the gate is on.
func (hw *RCC) Enabled(g Gate) bool {
	return reg.IsSet(hw.Regs, g.Off, g.Pos)
}
