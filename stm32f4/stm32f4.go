// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package stm32f4 provides the STM32F4 peripheral instances used to drive
// the SD card slot.
package stm32f4

import (
	"github.com/usbarmory/armory-sdio/internal/reg"
	"github.com/usbarmory/armory-sdio/stm32f4/dma"
	"github.com/usbarmory/armory-sdio/stm32f4/rcc"
	"github.com/usbarmory/armory-sdio/stm32f4/sdio"
)

// Peripheral registers
const (
	RCC_BASE  = 0x40023800
	DMA2_BASE = 0x40026400
	SDIO_BASE = 0x40012c00
)

// SDIO request mapping (RM0090, Table 43)
const (
	SDIO_DMA_STREAM  = 3
	SDIO_DMA_CHANNEL = 4
)

// Peripheral instances
var (
	// Reset and Clock Control
	RCC = &rcc.RCC{
		Regs: reg.MMIO(RCC_BASE),
	}

	// DMA2 stream serving the SDIO FIFO
	DMA = &dma.Stream{
		Regs:       reg.MMIO(DMA2_BASE),
		RCC:        RCC,
		Gate:       rcc.DMA2,
		Index:      SDIO_DMA_STREAM,
		Channel:    SDIO_DMA_CHANNEL,
		Peripheral: SDIO_BASE + sdio.SDIO_FIFO,
	}

	// SD card controller
	SD = sdio.New(reg.MMIO(SDIO_BASE), RCC, DMA)
)
