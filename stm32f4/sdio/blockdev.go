// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdio

import (
	"fmt"
)

// Read implements block device reads at a block aligned byte address, a
// single block is transferred with READ_SINGLE_BLOCK, more with
// READ_MULTIPLE_BLOCK.
func (c *Card) Read(buf []byte, address uint32, blocks uint32) error {
	switch blocks {
	case 0:
		return nil
	case 1:
		return c.ReadBlock(buf, address)
	default:
		return c.ReadMultiBlocks(buf, address, blocks)
	}
}

// Write implements block device writes at a block aligned byte address, a
// single block is transferred with WRITE_BLOCK, more with
// WRITE_MULTIPLE_BLOCK.
func (c *Card) Write(buf []byte, address uint32, blocks uint32) error {
	switch blocks {
	case 0:
		return nil
	case 1:
		return c.WriteBlock(buf, address)
	default:
		return c.WriteMultiBlocks(buf, address, blocks)
	}
}

// ReadBlocks reads len(buf)/BlockSize blocks starting at the logical block
// address, buf length must be a multiple of BlockSize.
func (c *Card) ReadBlocks(lba int, buf []byte) error {
	blocks, err := c.count(lba, buf)

	if err != nil {
		return err
	}

	return c.transfer(opRead, buf, uint32(lba), blocks, blocks != 1)
}

// WriteBlocks writes len(buf)/BlockSize blocks starting at the logical
// block address, buf length must be a multiple of BlockSize.
func (c *Card) WriteBlocks(lba int, buf []byte) error {
	blocks, err := c.count(lba, buf)

	if err != nil {
		return err
	}

	return c.transfer(opWrite, buf, uint32(lba), blocks, blocks != 1)
}

func (c *Card) count(lba int, buf []byte) (blocks uint32, err error) {
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return 0, fmt.Errorf("invalid buffer size %d, want multiple of %d", len(buf), BlockSize)
	}

	blocks = uint32(len(buf) / BlockSize)

	if lba < 0 || int64(lba)+int64(blocks) > c.info.Blocks {
		return 0, fmt.Errorf("invalid transfer, lba %d blocks %d exceeds %d", lba, blocks, c.info.Blocks)
	}

	return
}
