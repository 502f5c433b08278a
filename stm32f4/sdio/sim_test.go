// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdio

import (
	"testing"

	"github.com/usbarmory/armory-sdio/stm32f4/dma"
	"github.com/usbarmory/armory-sdio/stm32f4/rcc"
)

// memory is a RAM backed register window
type memory map[uint32]uint32

func (m memory) Read(off uint32) uint32       { return m[off] }
func (m memory) Write(off uint32, val uint32) { m[off] = val }

// DMA2 stream 3 registers as seen by the simulated controller
const (
	simStream = 3
	simCR     = dma.DMA_SxBASE + dma.DMA_SxSTEP*simStream + dma.DMA_SxCR
	simM0AR   = dma.DMA_SxBASE + dma.DMA_SxSTEP*simStream + dma.DMA_SxM0AR
	simTCIF   = 22 + dma.TCIF

	// app commands are keyed with this offset in simCard.fail
	simApp = 0x100
)

// simDMA models the DMA controller, it also plays the stream Mapper by
// handing out fake bus addresses.
type simDMA struct {
	regs    memory
	buffers map[uint32][]byte
	next    uint32
}

func (d *simDMA) Read(off uint32) uint32 {
	return d.regs[off]
}

func (d *simDMA) Write(off uint32, val uint32) {
	if off == dma.DMA_LIFCR {
		d.regs[dma.DMA_LISR] &^= val
		return
	}

	d.regs[off] = val
}

func (d *simDMA) Map(buf []byte) uint32 {
	d.next += 0x1000
	d.buffers[d.next] = buf
	return d.next
}

func (d *simDMA) Unmap(addr uint32, _ []byte) {
	delete(d.buffers, addr)
}

// bound returns the buffer armed on the stream and whether the stream moves
// data towards memory.
func (d *simDMA) bound() (buf []byte, toMemory bool, ok bool) {
	cr := d.regs[simCR]

	if cr&1 == 0 {
		return
	}

	buf, ok = d.buffers[d.regs[simM0AR]]
	toMemory = (cr>>dma.CR_DIR)&0b11 == dma.DIR_PERIPHERAL_TO_MEMORY

	return
}

type simCommand struct {
	index uint32
	arg   uint32
	app   bool
}

// simCard models an SDHC card attached to the controller
type simCard struct {
	rca  uint16
	cid  [4]uint32
	csd  [4]uint32
	data []byte

	// SD_SEND_OP_COND polls answered as busy
	powerUp int
	// SEND_STATUS polls answered as not ready
	busy int
	// SEND_STATUS polls answered as not ready after ERASE
	eraseBusy int
	// fail maps command indices (app commands offset by simApp) to the
	// STA flags raised instead of a response
	fail map[uint32]uint32
	// stall never completes data phases
	stall bool
	// STA flags raised at the end of each data phase
	dataFlags uint32

	app        bool
	selected   bool
	width      uint32
	blockLen   uint32
	preErase   uint32
	eraseStart uint32
	eraseEnd   uint32
	polls      int
	pending    *simCommand
	log        []simCommand
}

func newSimCard() *simCard {
	return &simCard{
		rca: 0xb368,
		cid: [4]uint32{0x6c0146a1, 0x80473d5a, 0x55333247, 0x03534453},
		// C_SIZE = 1, 1 MiB
		csd:  [4]uint32{0x0a4040af, 0x00017f80, 0x5b590000, 0x400e0032},
		data: make([]byte, 1<<20),
	}
}

// indices returns the logged command indices, app commands offset by simApp
func (c *simCard) indices() (res []uint32) {
	for _, cmd := range c.log {
		if cmd.app {
			res = append(res, cmd.index|simApp)
		} else {
			res = append(res, cmd.index)
		}
	}

	return
}

func (c *simCard) erase() {
	if c.eraseStart > c.eraseEnd || int(c.eraseEnd+1)*BlockSize > len(c.data) {
		return
	}

	for i := c.eraseStart * BlockSize; i < (c.eraseEnd+1)*BlockSize; i++ {
		c.data[i] = 0xff
	}
}

// sim models the SDIO controller
type sim struct {
	regs memory
	card *simCard
	dma  *simDMA

	// STA reads still reporting CMDACT
	active int
	// CMDACT state observed when the last command was written
	activeAtCommand int
	// DCOUNT reads still reporting pending data after completion
	drain int
	// flags raised on any command when no card is attached
	next uint32
	// STA reads since creation
	staReads int
	// inconsistent data path programming
	mismatch bool
}

func (s *sim) Read(off uint32) uint32 {
	switch off {
	case SDIO_STA:
		s.staReads++
		val := s.regs[off]

		if s.active > 0 {
			s.active--
			val |= 1 << STA_CMDACT
		}

		return val
	case SDIO_DCOUNT:
		if s.drain > 0 {
			s.drain--
			return 4
		}
	}

	return s.regs[off]
}

func (s *sim) Write(off uint32, val uint32) {
	switch off {
	case SDIO_ICR:
		s.regs[SDIO_STA] &^= val & ICR_MASK
	case SDIO_CMD:
		s.regs[off] = val
		s.activeAtCommand = s.active

		if (val>>CMD_CPSMEN)&1 == 1 {
			s.command(val&CMDINDEX_MASK, (val>>CMD_WAITRESP)&0b11)
		}
	case SDIO_DCTRL:
		s.regs[off] = val

		if val&1 == 1 {
			s.regs[SDIO_DCOUNT] = s.regs[SDIO_DLEN]
			s.data()
		}
	default:
		s.regs[off] = val
	}
}

func (s *sim) respondLong(words [4]uint32) {
	s.regs[SDIO_RESP1] = words[3]
	s.regs[SDIO_RESP2] = words[2]
	s.regs[SDIO_RESP3] = words[1]
	s.regs[SDIO_RESP4] = words[0]
	s.regs[SDIO_STA] |= 1 << STA_CMDREND
}

func (s *sim) command(index uint32, waitresp uint32) {
	s.active = 2
	arg := s.regs[SDIO_ARG]

	if s.card == nil {
		s.regs[SDIO_STA] |= s.next
		return
	}

	c := s.card
	app := c.app
	c.app = false
	c.log = append(c.log, simCommand{index, arg, app})

	key := index

	if app {
		key |= simApp
	}

	if flags, ok := c.fail[key]; ok {
		s.regs[SDIO_STA] |= flags
		return
	}

	var r1 uint32

	switch {
	case index == GO_IDLE_STATE:
		c.selected = false
		c.polls = 0
	case index == SEND_IF_COND:
		r1 = arg & 0xfff
	case index == APP_CMD:
		c.app = true
		r1 = 1 << 5
	case app && index == SD_SEND_OP_COND:
		c.polls++
		r1 = 0x00ff8000 | OCR_HCS

		if c.polls > c.powerUp {
			r1 |= 1 << OCR_BUSY
		}

		// R3 carries no valid CRC
		s.regs[SDIO_RESP1] = r1
		s.regs[SDIO_STA] |= 1 << STA_CCRCFAIL
		return
	case index == ALL_SEND_CID:
		s.respondLong(c.cid)
		return
	case index == SEND_RELATIVE_ADDR:
		r1 = uint32(c.rca) << 16
	case index == SEND_CSD:
		if arg>>16 != uint32(c.rca) {
			s.regs[SDIO_STA] |= 1 << STA_CTIMEOUT
			return
		}

		s.respondLong(c.csd)
		return
	case index == SELECT_CARD:
		c.selected = arg>>16 == uint32(c.rca)
	case app && index == SET_BUS_WIDTH:
		c.width = arg
	case index == SEND_STATUS:
		if c.busy > 0 {
			c.busy--
			// prg state
			r1 = 7 << 9
		} else {
			// tran state, ready for data
			r1 = 4<<9 | 1<<8
		}
	case index == SET_BLOCKLEN:
		c.blockLen = arg
	case index == READ_SINGLE_BLOCK, index == READ_MULTIPLE_BLOCK,
		index == WRITE_BLOCK, index == WRITE_MULTIPLE_BLOCK:
		c.pending = &simCommand{index, arg, false}
	case app && index == SET_WR_BLK_ERASE_COUNT:
		c.preErase = arg
	case index == STOP_TRANSMISSION:
		c.pending = nil
	case index == ERASE_WR_BLK_START:
		c.eraseStart = arg
	case index == ERASE_WR_BLK_END:
		c.eraseEnd = arg
	case index == ERASE:
		c.erase()
		c.busy = c.eraseBusy
	}

	if waitresp == WAITRESP_NONE {
		s.regs[SDIO_STA] |= 1 << STA_CMDSENT
	} else {
		s.regs[SDIO_RESP1] = r1
		s.regs[SDIO_STA] |= 1 << STA_CMDREND
	}

	s.data()
}

// data completes the data phase once both the data path and a data
// command are in place
func (s *sim) data() {
	c := s.card

	if c == nil || c.pending == nil || c.stall || s.regs[SDIO_DCTRL]&1 == 0 {
		return
	}

	buf, toMemory, ok := s.dma.bound()

	if !ok {
		return
	}

	dctrl := s.regs[SDIO_DCTRL]
	read := c.pending.index == READ_SINGLE_BLOCK || c.pending.index == READ_MULTIPLE_BLOCK
	n := s.regs[SDIO_DLEN]
	off := c.pending.arg * c.blockLen

	switch {
	case read != ((dctrl>>DCTRL_DTDIR)&1 == 1), read != toMemory:
		s.mismatch = true
	case (dctrl>>DCTRL_DMAEN)&1 != 1, c.blockLen == 0:
		s.mismatch = true
	case int(n) > len(buf), int(off+n) > len(c.data):
		s.mismatch = true
	}

	if s.mismatch {
		return
	}

	if read {
		copy(buf[:n], c.data[off:off+n])
	} else {
		copy(c.data[off:off+n], buf[:n])
	}

	c.pending = nil

	s.regs[SDIO_DCTRL] &^= 1
	s.regs[SDIO_DCOUNT] = 0
	s.regs[SDIO_STA] |= 1<<STA_DATAEND | 1<<STA_DBCKEND | c.dataFlags
	s.drain = 2

	s.dma.regs[dma.DMA_LISR] |= 1 << simTCIF
}

func newTestController(card *simCard) (*SDIO, *sim) {
	d := &simDMA{
		regs:    memory{},
		buffers: make(map[uint32][]byte),
	}

	s := &sim{
		regs: memory{},
		card: card,
		dma:  d,
	}

	stream := &dma.Stream{
		Regs:       d,
		Index:      simStream,
		Channel:    4,
		Peripheral: 0x40012c00 + SDIO_FIFO,
		Mapper:     d,
	}

	return New(s, &rcc.RCC{Regs: memory{}}, stream), s
}

func detect(t *testing.T, card *simCard) (*SDIO, *sim, *Card) {
	t.Helper()

	hw, s := newTestController(card)
	c, err := hw.Detect()

	if err != nil {
		t.Fatalf("Detect() error: %v", err)
	}

	// only transfer commands are of interest from now on
	card.log = nil

	return hw, s, c
}

func checkSim(t *testing.T, s *sim) {
	t.Helper()

	if s.mismatch {
		t.Errorf("inconsistent data path programming, DCTRL %#x DLEN %d", s.regs[SDIO_DCTRL], s.regs[SDIO_DLEN])
	}
}
