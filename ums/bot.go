// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ums

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// p7, 3.1 - 3.2, USB Mass Storage Class 1.0
const (
	BULK_ONLY_MASS_STORAGE_RESET = 0xff
	GET_MAX_LUN                  = 0xfe
)

// p13, 5.1 Command Block Wrapper (CBW), USB Mass Storage Class 1.0
const (
	CBW_LENGTH        = 31
	CBW_CB_MAX_LENGTH = 16
	CBW_SIGNATURE     = 0x43425355
)

// p14, 5.2 Command Status Wrapper (CSW), USB Mass Storage Class 1.0
const (
	CSW_LENGTH    = 13
	CSW_SIGNATURE = 0x53425355

	CSW_STATUS_COMMAND_PASSED = 0x00
	CSW_STATUS_COMMAND_FAILED = 0x01
	CSW_STATUS_PHASE_ERROR    = 0x02
)

// CBW implements p13, 5.1 Command Block Wrapper (CBW),
// USB Mass Storage Class 1.0
type CBW struct {
	Signature          uint32
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	Length             uint8
	CommandBlock       [16]byte
}

// CSW implements p14, 5.2 Command Status Wrapper (CSW),
// USB Mass Storage Class 1.0
type CSW struct {
	Signature   uint32
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

// SetDefaults initializes default values for the CSW descriptor.
func (csw *CSW) SetDefaults() {
	csw.Signature = CSW_SIGNATURE
	csw.Status = CSW_STATUS_COMMAND_PASSED
}

// Bytes converts the descriptor structure to byte array format.
func (csw *CSW) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, csw)
	return buf.Bytes()
}

// ParseCBW decodes a Command Block Wrapper, an empty buffer yields a nil
// CBW and no error.
func ParseCBW(buf []byte) (cbw *CBW, err error) {
	if len(buf) == 0 {
		return
	}

	if len(buf) != CBW_LENGTH {
		return nil, fmt.Errorf("invalid CBW size %d != %d", len(buf), CBW_LENGTH)
	}

	cbw = &CBW{}
	err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, cbw)

	if err != nil {
		return
	}

	if cbw.Length < 6 || cbw.Length > CBW_CB_MAX_LENGTH {
		return nil, fmt.Errorf("invalid Command Block Length %d", cbw.Length)
	}

	if cbw.Signature != CBW_SIGNATURE {
		return nil, fmt.Errorf("invalid CBW signature %x", cbw.Signature)
	}

	return
}
