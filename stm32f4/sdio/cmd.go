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

// ResponseType represents the expected command response format.
type ResponseType int

const (
	// NoResponse is used by broadcast commands
	NoResponse ResponseType = iota
	// ShortResponse carries one 32-bit word (R1, R3, R6, R7)
	ShortResponse
	// LongResponse carries four 32-bit words (R2, CID/CSD)
	LongResponse
)

func (rsp ResponseType) waitresp() uint32 {
	switch rsp {
	case ShortResponse:
		return WAITRESP_SHORT
	case LongResponse:
		return WAITRESP_LONG
	default:
		return WAITRESP_NONE
	}
}

// Response represents a decoded command response.
type Response struct {
	Type ResponseType
	// Words holds the response, long responses are ordered from the
	// RESP4 register down to RESP1, short ones use only the first word.
	Words [4]uint32
}

// CmdError represents a command or data phase failure.
type CmdError int

// Command errors, all but NoFindCard mirror a status register flag.
const (
	CCRCFAIL CmdError = iota + 1
	DCRCFAIL
	CTIMEOUT
	DTIMEOUT
	TXUNDERR
	REXOVERR
	NoFindCard
)

func (e CmdError) Error() string {
	switch e {
	case CCRCFAIL:
		return "command response CRC check failed"
	case DCRCFAIL:
		return "data block CRC check failed"
	case CTIMEOUT:
		return "command response timeout"
	case DTIMEOUT:
		return "data timeout"
	case TXUNDERR:
		return "transmit FIFO underrun"
	case REXOVERR:
		return "receive FIFO overrun"
	case NoFindCard:
		return "no card found"
	default:
		return "unknown command error"
	}
}

// status flags in reporting order
var statusErrors = []struct {
	pos int
	err CmdError
}{
	{STA_CCRCFAIL, CCRCFAIL},
	{STA_DCRCFAIL, DCRCFAIL},
	{STA_CTIMEOUT, CTIMEOUT},
	{STA_DTIMEOUT, DTIMEOUT},
	{STA_TXUNDERR, TXUNDERR},
	{STA_RXOVERR, REXOVERR},
}

// data path flags in reporting order
var dataErrors = []struct {
	pos int
	err CmdError
}{
	{STA_DCRCFAIL, DCRCFAIL},
	{STA_DTIMEOUT, DTIMEOUT},
	{STA_TXUNDERR, TXUNDERR},
	{STA_RXOVERR, REXOVERR},
}

// sendCommand issues a command through the command path state machine,
// the response must be collected with readResponse.
func (hw *SDIO) sendCommand(index uint32, arg uint32, rsp ResponseType) {
	hw.noCRC = false

	// wait for any previous command to leave the CPSM
	reg.Wait(hw.Regs, SDIO_STA, STA_CMDACT, 1, 0)

	hw.Regs.Write(SDIO_ARG, arg)

	var cmd uint32

	bits.SetN(&cmd, CMD_CMDINDEX, CMDINDEX_MASK, index&CMDINDEX_MASK)
	bits.SetN(&cmd, CMD_WAITRESP, 0b11, rsp.waitresp())
	bits.Set(&cmd, CMD_CPSMEN)
	bits.Set(&cmd, CMD_ENCMDCOMPL)

	hw.Regs.Write(SDIO_CMD, cmd)
}

// sendAppCommand issues APP_CMD followed by the application specific
// command, the latter response must be collected with readResponse.
func (hw *SDIO) sendAppCommand(acmd uint32, cmdArg uint32, acmdArg uint32, rsp ResponseType) (err error) {
	hw.sendCommand(APP_CMD, cmdArg, ShortResponse)

	if _, err = hw.readResponse(ShortResponse); err != nil {
		return
	}

	hw.sendCommand(acmd, acmdArg, rsp)
	hw.noCRC = acmd == SD_SEND_OP_COND

	return
}

// readResponse waits for command completion and decodes the status flags
// and response registers, all static flags are cleared before returning.
func (hw *SDIO) readResponse(rsp ResponseType) (res Response, err error) {
	defer hw.clearState()

	if err = hw.checkState(); err != nil {
		return
	}

	res.Type = rsp

	switch rsp {
	case ShortResponse:
		res.Words[0] = hw.Regs.Read(SDIO_RESP1)
	case LongResponse:
		res.Words[0] = hw.Regs.Read(SDIO_RESP4)
		res.Words[1] = hw.Regs.Read(SDIO_RESP3)
		res.Words[2] = hw.Regs.Read(SDIO_RESP2)
		res.Words[3] = hw.Regs.Read(SDIO_RESP1)
	}

	return
}

// checkState returns the first error flag raised, in fixed priority order.
func (hw *SDIO) checkState() error {
	reg.Wait(hw.Regs, SDIO_STA, STA_CMDACT, 1, 0)
	reg.Busyloop(hw.Regs, SDIO_STA, settleReads)

	status := hw.Regs.Read(SDIO_STA)

	// R3 is sent with all CRC bits set, the controller always flags it
	if hw.noCRC {
		bits.Clear(&status, STA_CCRCFAIL)
	}

	for _, flag := range statusErrors {
		if bits.Get(&status, flag.pos, 1) == 1 {
			return flag.err
		}
	}

	return nil
}

// dataState returns the first data path error flag raised since the last
// clearState.
func (hw *SDIO) dataState() error {
	status := hw.Regs.Read(SDIO_STA)

	for _, flag := range dataErrors {
		if bits.Get(&status, flag.pos, 1) == 1 {
			return flag.err
		}
	}

	return nil
}
