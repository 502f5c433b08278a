// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ums

import (
	"encoding/binary"
	"fmt"
)

// p65, 3. Direct Access Block commands (SPC-5 and SBC-4), SCSI Commands Reference Manual, Rev. J
const (
	TEST_UNIT_READY  = 0x00
	INQUIRY          = 0x12
	MODE_SENSE_6     = 0x1a
	MODE_SENSE_10    = 0x5a
	READ_CAPACITY_10 = 0x25
	READ_10          = 0x28
	WRITE_10         = 0x2a

	// 04-349r1 SPC-3 MMC-5 Merge PREVENT ALLOW MEDIUM REMOVAL commands
	PREVENT_ALLOW_MEDIUM_REMOVAL = 0x1e
)

const (
	// p376, Table 359 Mode page codes and subpage codes, SCSI Commands Reference Manual, Rev. J
	PAGE_CODE_ALL = 0x3f

	INQUIRY_DATA_MIN_LENGTH = 36

	// p378, 5.3.3 Mode parameter header formats, SCSI Commands Reference Manual, Rev. J
	MODE_HEADER_6_LENGTH  = 4
	MODE_HEADER_10_LENGTH = 8
)

// INQUIRY identification strings, space padded
const (
	VendorID  = "F-Secure"
	ProductID = "STM32 SD card   "
	Revision  = "0.1 "
)

type writeOp struct {
	csw  *CSW
	lba  int
	size int
}

// p94, 3.6.2 Standard INQUIRY data, SCSI Commands Reference Manual, Rev. J
func inquiry() []byte {
	data := make([]byte, INQUIRY_DATA_MIN_LENGTH)

	// peripheral qualifier 0, direct access block device (data[0] = 0)
	// removable medium
	data[1] = 0x80
	// SPC-3
	data[2] = 0x05
	// response data format
	data[3] = 0x02
	data[4] = INQUIRY_DATA_MIN_LENGTH - 5

	copy(data[8:16], VendorID)
	copy(data[16:32], ProductID)
	copy(data[32:36], Revision)

	return data
}

// modeSense returns an empty mode parameter list, only the header is sent
// as no mode page is implemented.
func modeSense(op byte, pageCode byte) (data []byte, err error) {
	if pageCode&0x3f != PAGE_CODE_ALL {
		return nil, fmt.Errorf("unsupported mode page code %#x", pageCode)
	}

	// mode data length excludes itself
	if op == MODE_SENSE_6 {
		data = make([]byte, MODE_HEADER_6_LENGTH)
		data[0] = MODE_HEADER_6_LENGTH - 1
	} else {
		data = make([]byte, MODE_HEADER_10_LENGTH)
		binary.BigEndian.PutUint16(data, MODE_HEADER_10_LENGTH-2)
	}

	return
}

// p155, 3.22 READ CAPACITY (10) command, SCSI Commands Reference Manual, Rev. J
func readCapacity(info cardGeometry) []byte {
	data := make([]byte, 8)
	last := uint64(info.blocks - 1)

	// larger media require READ CAPACITY (16)
	if last > 0xffffffff {
		last = 0xffffffff
	}

	binary.BigEndian.PutUint32(data[0:], uint32(last))
	binary.BigEndian.PutUint32(data[4:], uint32(info.blockSize))

	return data
}

type cardGeometry struct {
	blocks    int64
	blockSize int
}

func (d *Drive) geometry() cardGeometry {
	info := d.Card.Info()
	return cardGeometry{info.Blocks, info.BlockSize}
}

// blockRange decodes the READ (10) and WRITE (10) logical block address and
// transfer length.
func blockRange(cmd [16]byte) (lba int, blocks int) {
	return int(binary.BigEndian.Uint32(cmd[2:])), int(binary.BigEndian.Uint16(cmd[7:]))
}

func (d *Drive) read(cmd [16]byte) (data []byte, err error) {
	lba, blocks := blockRange(cmd)

	if blocks == 0 {
		return
	}

	data = make([]byte, blocks*d.geometry().blockSize)

	if err = d.Card.ReadBlocks(lba, data); err != nil {
		return nil, err
	}

	return
}

// write validates a WRITE (10) command against the CBW transfer length and
// returns the expected data stage size.
func (d *Drive) write(cmd [16]byte, length int) (op *writeOp, err error) {
	lba, blocks := blockRange(cmd)

	if size := blocks * d.geometry().blockSize; size != length {
		return nil, fmt.Errorf("unexpected %d blocks write transfer length (%d)", blocks, length)
	}

	if length == 0 {
		return
	}

	return &writeOp{lba: lba, size: length}, nil
}

// handleCDB executes a command block, a WRITE (10) defers its status to
// the data stage and returns a nil CSW.
func (d *Drive) handleCDB(cmd [16]byte, cbw *CBW) (csw *CSW, data []byte, next int, err error) {
	length := int(cbw.DataTransferLength)

	// p8, 3.3 Host/Device Packet Transfer Order, USB Mass Storage Class 1.0
	csw = &CSW{Tag: cbw.Tag}
	csw.SetDefaults()

	switch op := cmd[0]; op {
	case TEST_UNIT_READY, PREVENT_ALLOW_MEDIUM_REMOVAL:
	case INQUIRY:
		if data = inquiry(); length > len(data) {
			err = fmt.Errorf("invalid INQUIRY transfer length %d > %d", length, len(data))
		}
	case MODE_SENSE_6, MODE_SENSE_10:
		data, err = modeSense(op, cmd[2])
	case READ_CAPACITY_10:
		data = readCapacity(d.geometry())
	case READ_10:
		data, err = d.read(cmd)
	case WRITE_10:
		var w *writeOp

		if w, err = d.write(cmd, length); err != nil || w == nil {
			break
		}

		w.csw = csw
		d.pending = w
		next = w.size
		csw = nil
	default:
		err = fmt.Errorf("unsupported CDB Operation Code %#x %+v", op, cmd)
	}

	return
}

func (d *Drive) handleWrite(buf []byte) (err error) {
	if len(buf) < d.pending.size {
		return fmt.Errorf("short write data stage (%d < %d)", len(buf), d.pending.size)
	}

	return d.Card.WriteBlocks(d.pending.lba, buf[0:d.pending.size])
}
