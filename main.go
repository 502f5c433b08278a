// https://github.com/usbarmory/armory-sdio
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"log"

	"github.com/usbarmory/armory-sdio/stm32f4"
	"github.com/usbarmory/armory-sdio/stm32f4/sdio"
	"github.com/usbarmory/armory-sdio/ums"
)

// MBR boot signature
const mbrSignature = 0xaa55

func init() {
	log.SetFlags(0)
}

var drive = &ums.Drive{}

func main() {
	card, err := stm32f4.SD.Detect()

	if err != nil {
		log.Printf("stm32f4_sdio: SD card error, %v", err)
		return
	}

	info := card.Info()
	giga := info.Capacity / (1000 * 1000 * 1000)
	gibi := info.Capacity / (1024 * 1024 * 1024)

	log.Printf("stm32f4_sdio: %d GB/%d GiB SD card detected %+v", giga, gibi, info)

	mbr := make([]byte, sdio.BlockSize)

	if err = card.ReadBlocks(0, mbr); err != nil {
		log.Printf("stm32f4_sdio: block 0 read error, %v", err)
		return
	}

	if sig := binary.LittleEndian.Uint16(mbr[510:]); sig == mbrSignature {
		log.Printf("stm32f4_sdio: MBR found")
	} else {
		log.Printf("stm32f4_sdio: no MBR (signature %#04x)", sig)
	}

	// drive.Setup, drive.Rx and drive.Tx serve the USB device controller
	// class requests and bulk endpoints
	drive.Init(card)

	if lun, err := drive.Setup(ums.GET_MAX_LUN); err == nil {
		log.Printf("ums: mass storage ready, max LUN %d", lun[0])
	}
}
