// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ums implements a USB Mass Storage Bulk-Only Transport front end
// over an SD card block device, independent of the USB device controller
// that carries it.
package ums

import (
	"errors"
	"fmt"
	"sync"

	"github.com/usbarmory/armory-sdio/stm32f4/sdio"
)

// queue size for device responses (IN)
const queueSize = 1024

// Card represents a block device exported as a logical unit.
type Card interface {
	Info() sdio.CardInfo
	ReadBlocks(lba int, buf []byte) error
	WriteBlocks(lba int, buf []byte) error
}

// Drive represents a single LUN mass storage device.
//
// Setup, Rx and Tx follow the tamago USB device control setup and bulk
// endpoint function signatures, a USB device controller driver binds them
// to the class control requests and to the bulk OUT and IN endpoints
// respectively. The zero value is ready for use with no media.
type Drive struct {
	sync.Mutex

	// Card is the exported block device, nil when no media is present
	Card Card

	queue   chan []byte
	pending *writeOp
}

// Init initializes the drive response queue and binds the exported card.
func (d *Drive) Init(card Card) {
	d.Lock()
	defer d.Unlock()

	d.Card = card
	d.queue = make(chan []byte, queueSize)
	d.pending = nil
}

// init allocates the response queue, the caller must hold the lock.
func (d *Drive) init() {
	if d.queue == nil {
		d.queue = make(chan []byte, queueSize)
	}
}

// Setup handles the class specific control requests specified at
// p7, 3.1 - 3.2, USB Mass Storage Class 1.0
func (d *Drive) Setup(request uint8) (in []byte, err error) {
	d.Lock()
	defer d.Unlock()

	switch request {
	case BULK_ONLY_MASS_STORAGE_RESET:
		// For we ack this request without resetting.
	case GET_MAX_LUN:
		if d.Card == nil {
			return nil, errors.New("unsupported")
		}

		in = []byte{0}
	default:
		err = fmt.Errorf("unsupported request code: %#x", request)
	}

	return
}

// Tx returns the next queued IN transfer, if any.
func (d *Drive) Tx(_ []byte, lastErr error) (in []byte, err error) {
	d.Lock()
	defer d.Unlock()

	d.init()

	select {
	case res := <-d.queue:
		in = res
	default:
	}

	return
}

// Rx handles an OUT transfer, either a CBW or the data stage of a pending
// WRITE (10). A non-empty result sizes the next OUT transfer.
func (d *Drive) Rx(buf []byte, lastErr error) (res []byte, err error) {
	d.Lock()
	defer d.Unlock()

	d.init()

	if d.pending != nil {
		csw := d.pending.csw
		err = d.handleWrite(buf)
		d.pending = nil

		if err != nil {
			csw.DataResidue = uint32(len(buf))
			csw.Status = CSW_STATUS_COMMAND_FAILED
		}

		d.queue <- csw.Bytes()

		return
	}

	cbw, err := ParseCBW(buf)

	if err != nil || cbw == nil {
		return
	}

	if d.Card == nil {
		csw := &CSW{Tag: cbw.Tag, DataResidue: cbw.DataTransferLength}
		csw.SetDefaults()
		csw.Status = CSW_STATUS_COMMAND_FAILED

		d.queue <- csw.Bytes()

		return nil, errors.New("no media")
	}

	csw, data, next, err := d.handleCDB(cbw.CommandBlock, cbw)

	defer func() {
		if csw != nil {
			d.queue <- csw.Bytes()
		}
	}()

	if err != nil {
		csw.DataResidue = cbw.DataTransferLength
		csw.Status = CSW_STATUS_COMMAND_FAILED
		return
	}

	if len(data) > 0 {
		d.queue <- data
	}

	if next != 0 {
		res = make([]byte, next)
	}

	return
}
