// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdio

// SD commands
// (p105, 4.7.4 Detailed Command Description, SD-PL-6.00)
const (
	GO_IDLE_STATE        = 0
	ALL_SEND_CID         = 2
	SEND_RELATIVE_ADDR   = 3
	SELECT_CARD          = 7
	SEND_IF_COND         = 8
	SEND_CSD             = 9
	STOP_TRANSMISSION    = 12
	SEND_STATUS          = 13
	SET_BLOCKLEN         = 16
	READ_SINGLE_BLOCK    = 17
	READ_MULTIPLE_BLOCK  = 18
	WRITE_BLOCK          = 24
	WRITE_MULTIPLE_BLOCK = 25
	ERASE_WR_BLK_START   = 32
	ERASE_WR_BLK_END     = 33
	ERASE                = 38
	APP_CMD              = 55
)

// SD application specific commands
// (p117, Table 4-32 Application-specific commands, SD-PL-6.00)
const (
	SET_BUS_WIDTH          = 6
	SET_WR_BLK_ERASE_COUNT = 23
	SD_SEND_OP_COND        = 41
)

// Command arguments and response fields
const (
	// p111, Table 4-18 Format of CMD8, SD-PL-6.00
	// 2.7-3.6V supply, 0xaa check pattern
	IF_COND_ARG = 0x000001aa

	// p222, 5.1 OCR register, SD-PL-6.00
	OCR_BUSY     = 31
	OCR_HCS      = 0x40000000
	OCR_VDD_3V3  = 0x80100000
	OP_COND_ARG  = OCR_VDD_3V3 | OCR_HCS
	BUS_WIDTH_4B = 2

	// p126, 4.9.5 R6 (Published RCA response), SD-PL-6.00
	RCA_POS = 16

	// p133, Table 4-42 Card Status, SD-PL-6.00
	STATUS_READY_FOR_DATA = 8
)

// CardInfo holds the card identification and geometry.
type CardInfo struct {
	// Relative Card Address
	RCA uint16
	// Block size in bytes
	BlockSize int
	// Number of addressable blocks
	Blocks int64
	// Capacity in bytes
	Capacity uint64
	// CID register, as returned by ALL_SEND_CID
	CID [4]uint32
	// CSD register, as returned by SEND_CSD
	CSD [4]uint32
}

// Card represents an initialized SD card session, valid until the owning
// controller detects a card again.
type Card struct {
	hw   *SDIO
	info CardInfo
}

// Info returns the card identification and geometry.
func (c *Card) Info() CardInfo {
	return c.info
}

// Capacity decodes the card size in bytes from an SDHC/SDXC (CSD Version
// 2.0) register, ordered as a long response.
//
// p208, 5.3.3 CSD Register (CSD Version 2.0), SD-PL-6.00
func Capacity(csd [4]uint32) uint64 {
	// C_SIZE [69:48]
	size := (csd[2]&0x3f)<<16 | (csd[1]&0xffff0000)>>16
	return (uint64(size) + 1) * 512 * 1024
}

// Detect brings up the card from power on to transfer state, on a 4-bit bus
// at full clock rate. Any previously returned Card is invalidated.
//
// p28, 4.2 Card Identification Mode, SD-PL-6.00
func (hw *SDIO) Detect() (card *Card, err error) {
	hw.Lock()
	defer hw.Unlock()

	hw.card = nil
	hw.powerOn()

	hw.sendCommand(GO_IDLE_STATE, 0, NoResponse)

	hw.sendCommand(SEND_IF_COND, IF_COND_ARG, ShortResponse)

	if _, err = hw.readResponse(ShortResponse); err != nil {
		return
	}

	if err = hw.voltageValidation(); err != nil {
		return
	}

	hw.sendCommand(ALL_SEND_CID, 0, LongResponse)
	cid, err := hw.readResponse(LongResponse)

	if err != nil {
		return
	}

	hw.sendCommand(SEND_RELATIVE_ADDR, 0, ShortResponse)
	rsp, err := hw.readResponse(ShortResponse)

	if err != nil {
		return
	}

	rca := uint16(rsp.Words[0] >> RCA_POS)
	arg := uint32(rca) << RCA_POS

	hw.sendCommand(SEND_CSD, arg, LongResponse)
	csd, err := hw.readResponse(LongResponse)

	if err != nil {
		return
	}

	if err = hw.selectCard(arg); err != nil {
		return
	}

	if err = hw.enableWideBus(arg); err != nil {
		return
	}

	hw.setClock(hw.WorkDivider)

	capacity := Capacity(csd.Words)

	card = &Card{
		hw: hw,
		info: CardInfo{
			RCA:       rca,
			BlockSize: BlockSize,
			Blocks:    int64(capacity / BlockSize),
			Capacity:  capacity,
			CID:       cid.Words,
			CSD:       csd.Words,
		},
	}

	hw.card = card

	return
}

// voltageValidation polls the card until its power up procedure completes,
// requesting high capacity addressing.
//
// p30, 4.2.3 Card Initialization and Identification Process, SD-PL-6.00
func (hw *SDIO) voltageValidation() error {
	for i := 0; i < opCondRetries; i++ {
		if err := hw.sendAppCommand(SD_SEND_OP_COND, 0, OP_COND_ARG, ShortResponse); err != nil {
			return err
		}

		rsp, err := hw.readResponse(ShortResponse)

		if err != nil {
			return err
		}

		if rsp.Words[0]>>OCR_BUSY == 1 {
			return nil
		}
	}

	return NoFindCard
}

func (hw *SDIO) selectCard(arg uint32) (err error) {
	hw.sendCommand(SELECT_CARD, arg, ShortResponse)
	_, err = hw.readResponse(ShortResponse)
	return
}

func (hw *SDIO) enableWideBus(arg uint32) (err error) {
	hw.setBusWidth(WIDBUS_4)

	if err = hw.sendAppCommand(SET_BUS_WIDTH, arg, BUS_WIDTH_4B, ShortResponse); err != nil {
		return
	}

	_, err = hw.readResponse(ShortResponse)

	return
}
