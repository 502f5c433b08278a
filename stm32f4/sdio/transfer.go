// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdio

import (
	"github.com/usbarmory/armory-sdio/internal/reg"

	"github.com/usbarmory/tamago/bits"
)

type operation int

const (
	opRead operation = iota
	opWrite
)

// ReadBlock reads one block at byte address into buf.
func (c *Card) ReadBlock(buf []byte, address uint32) error {
	return c.transfer(opRead, buf, address/BlockSize, 1, false)
}

// ReadMultiBlocks reads consecutive blocks starting at byte address into buf.
func (c *Card) ReadMultiBlocks(buf []byte, address uint32, blocks uint32) error {
	return c.transfer(opRead, buf, address/BlockSize, blocks, true)
}

// WriteBlock writes one block from buf at byte address.
func (c *Card) WriteBlock(buf []byte, address uint32) error {
	return c.transfer(opWrite, buf, address/BlockSize, 1, false)
}

// WriteMultiBlocks writes consecutive blocks from buf starting at byte
// address, the target range is pre-erased by the card.
func (c *Card) WriteMultiBlocks(buf []byte, address uint32, blocks uint32) error {
	return c.transfer(opWrite, buf, address/BlockSize, blocks, true)
}

// Erase erases all blocks between the start and end byte addresses,
// inclusive. The range is validated by the card only.
func (c *Card) Erase(start uint32, end uint32) (err error) {
	if err = c.acquire(); err != nil {
		return
	}
	defer c.hw.Unlock()

	hw := c.hw
	rca := c.info.RCA

	if err = hw.prepare(rca); err != nil {
		return
	}

	hw.sendCommand(ERASE_WR_BLK_START, start/BlockSize, ShortResponse)

	if _, err = hw.readResponse(ShortResponse); err != nil {
		return
	}

	hw.sendCommand(ERASE_WR_BLK_END, end/BlockSize, ShortResponse)

	if _, err = hw.readResponse(ShortResponse); err != nil {
		return
	}

	hw.sendCommand(ERASE, 0, ShortResponse)

	if _, err = hw.readResponse(ShortResponse); err != nil {
		return
	}

	if err = hw.waitCardProgramming(rca); err != nil {
		return
	}

	hw.clearState()

	return
}

// Ready reports whether the card is ready for data, without waiting.
func (c *Card) Ready() (ready bool, err error) {
	if err = c.acquire(); err != nil {
		return
	}
	defer c.hw.Unlock()

	return c.hw.cardReady(c.info.RCA)
}

// acquire locks the controller for an exchange with this card session.
func (c *Card) acquire() error {
	c.hw.Lock()

	if c.hw.card != c {
		c.hw.Unlock()
		return ErrStaleCard
	}

	return nil
}

func (c *Card) transfer(op operation, buf []byte, index uint32, blocks uint32, multi bool) (err error) {
	size := int(blocks) * BlockSize

	if blocks == 0 || len(buf) < size {
		return ErrBufferSize
	}

	if err = c.acquire(); err != nil {
		return
	}
	defer c.hw.Unlock()

	hw := c.hw
	rca := c.info.RCA
	buf = buf[:size]

	switch {
	case op == opRead && !multi:
		err = hw.readBlock(buf, index, rca)
	case op == opRead:
		err = hw.readMultiBlocks(buf, index, blocks, rca)
	case !multi:
		err = hw.writeBlock(buf, index, rca)
	default:
		err = hw.writeMultiBlocks(buf, index, blocks, rca)
	}

	return
}

func (hw *SDIO) readBlock(buf []byte, index uint32, rca uint16) (err error) {
	if err = hw.prepare(rca); err != nil {
		return
	}

	hw.DMA.ToMemory(buf)
	hw.dataControl(BlockSize, BlockSize, opRead)

	hw.sendCommand(READ_SINGLE_BLOCK, index, ShortResponse)

	if _, err = hw.readResponse(ShortResponse); err != nil {
		return
	}

	return hw.complete(false)
}

func (hw *SDIO) readMultiBlocks(buf []byte, index uint32, blocks uint32, rca uint16) (err error) {
	if err = hw.prepare(rca); err != nil {
		return
	}

	hw.DMA.ToMemory(buf)
	hw.dataControl(BlockSize*blocks, BlockSize, opRead)

	hw.sendCommand(READ_MULTIPLE_BLOCK, index, ShortResponse)

	if _, err = hw.readResponse(ShortResponse); err != nil {
		return
	}

	return hw.complete(true)
}

// writeBlock programs the data path only after the card accepted
// WRITE_BLOCK, so that the FIFO is not drained before the command.
func (hw *SDIO) writeBlock(buf []byte, index uint32, rca uint16) (err error) {
	if err = hw.prepare(rca); err != nil {
		return
	}

	hw.DMA.ToPeripheral(buf)

	hw.sendCommand(WRITE_BLOCK, index, ShortResponse)

	if _, err = hw.readResponse(ShortResponse); err != nil {
		return
	}

	hw.dataControl(BlockSize, BlockSize, opWrite)

	return hw.complete(false)
}

func (hw *SDIO) writeMultiBlocks(buf []byte, index uint32, blocks uint32, rca uint16) (err error) {
	if err = hw.prepare(rca); err != nil {
		return
	}

	hw.DMA.ToPeripheral(buf)

	if err = hw.sendAppCommand(SET_WR_BLK_ERASE_COUNT, uint32(rca)<<RCA_POS, blocks, ShortResponse); err != nil {
		return
	}

	if _, err = hw.readResponse(ShortResponse); err != nil {
		return
	}

	hw.sendCommand(WRITE_MULTIPLE_BLOCK, index, ShortResponse)

	if _, err = hw.readResponse(ShortResponse); err != nil {
		return
	}

	hw.dataControl(BlockSize*blocks, BlockSize, opWrite)

	return hw.complete(true)
}

// prepare waits for the card to leave the programming state and sets the
// session block length.
func (hw *SDIO) prepare(rca uint16) (err error) {
	if err = hw.waitCardProgramming(rca); err != nil {
		return
	}

	return hw.setBlockSize(BlockSize)
}

// complete waits for both the DMA stream and the data path state machine
// to finish, the FIFO can still hold data after the stream completes.
func (hw *SDIO) complete(stop bool) (err error) {
	defer hw.DMA.Release()

	if !hw.DMA.Wait(hw.Retries) {
		return DTIMEOUT
	}

	if !reg.WaitFor(hw.Retries, hw.Regs, SDIO_DCOUNT, 0, DCOUNT_MASK, 0) {
		return DTIMEOUT
	}

	dataErr := hw.dataState()

	if stop {
		err = hw.stopTransmission()
	}

	hw.clearState()

	if dataErr != nil {
		return dataErr
	}

	return
}

// waitCardProgramming polls the card status until it is ready for data.
func (hw *SDIO) waitCardProgramming(rca uint16) error {
	for i := 0; hw.Retries <= 0 || i < hw.Retries; i++ {
		ready, err := hw.cardReady(rca)

		if err != nil {
			return err
		}

		if ready {
			return nil
		}
	}

	return NoFindCard
}

func (hw *SDIO) cardReady(rca uint16) (ready bool, err error) {
	hw.sendCommand(SEND_STATUS, uint32(rca)<<RCA_POS, ShortResponse)
	rsp, err := hw.readResponse(ShortResponse)

	if err != nil {
		return
	}

	return bits.Get(&rsp.Words[0], STATUS_READY_FOR_DATA, 1) == 1, nil
}

func (hw *SDIO) setBlockSize(size uint32) (err error) {
	hw.sendCommand(SET_BLOCKLEN, size, ShortResponse)
	_, err = hw.readResponse(ShortResponse)
	return
}

func (hw *SDIO) stopTransmission() (err error) {
	hw.sendCommand(STOP_TRANSMISSION, 0, ShortResponse)
	_, err = hw.readResponse(ShortResponse)
	return
}

// dataControl programs the data path state machine for a DMA block mode
// transfer of length bytes in units of blockSize.
func (hw *SDIO) dataControl(length uint32, blockSize uint32, op operation) {
	var exp uint32

	for n := blockSize; n > 1; n >>= 1 {
		exp++
	}

	hw.Regs.Write(SDIO_DTIMER, dataTimeout)
	hw.Regs.Write(SDIO_DLEN, length)

	var dctrl uint32

	bits.SetN(&dctrl, DCTRL_DBLOCKSIZE, 0xf, exp)
	bits.Set(&dctrl, DCTRL_DMAEN)
	bits.Clear(&dctrl, DCTRL_DTMODE)

	if op == opRead {
		bits.Set(&dctrl, DCTRL_DTDIR)
	}

	bits.Set(&dctrl, DCTRL_DTEN)

	hw.Regs.Write(SDIO_DCTRL, dctrl)
}
