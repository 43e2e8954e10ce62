package services

import (
	"io"
	"log"
	"sync"

	"github.com/marcinbor85/gohex"

	"github.com/LoveWonYoung/microuds/uds"
)

// DefaultMaxBlockLength fits the largest ISO-TP message a classic CAN
// First Frame can announce.
const DefaultMaxBlockLength = 0x0FFF

// Download implements RequestDownload (0x34), TransferData (0x36) and
// RequestTransferExit (0x37) into an in-memory Intel HEX image.
type Download struct {
	mu sync.Mutex

	// MaxBlockLength is reported to the tester, TransferData SID and counter included.
	MaxBlockLength uint16
	// OnComplete receives the image after a successful RequestTransferExit.
	OnComplete func(mem *gohex.Memory)

	security *SecurityAccess
	level    byte

	mem       *gohex.Memory
	active    bool
	address   uint32
	size      uint32
	received  uint32
	nextBlock byte
}

func NewDownload() *Download {
	return &Download{
		MaxBlockLength: DefaultMaxBlockLength,
		mem:            gohex.NewMemory(),
	}
}

// RequireSecurity refuses RequestDownload until level is unlocked on sa.
// Level zero accepts any unlocked level.
func (d *Download) RequireSecurity(sa *SecurityAccess, level byte) {
	d.mu.Lock()
	d.security = sa
	d.level = level
	d.mu.Unlock()
}

func (d *Download) Register(e *uds.Engine) error {
	return e.RegisterServices(
		uds.Service{ID: uds.SIDRequestDownload, Handler: uds.HandlerFunc(d.requestDownload)},
		uds.Service{ID: uds.SIDTransferData, Handler: uds.HandlerFunc(d.transferData)},
		uds.Service{ID: uds.SIDRequestTransferExit, Handler: uds.HandlerFunc(d.transferExit)},
	)
}

// Active reports whether a transfer is open.
func (d *Download) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Image returns the last downloaded region, gaps padded with 0xFF.
func (d *Download) Image() (uint32, []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address, d.mem.ToBinary(d.address, d.received, 0xFF)
}

// DumpHex writes the downloaded image as Intel HEX.
func (d *Download) DumpHex(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mem.DumpIntelHex(w, 16)
}

// 34 DFI ALFID address... size...
func (d *Download) requestDownload(req *uds.Request) uds.ResponseCode {
	if len(req.Data) < 3 {
		return uds.NRCIncorrectMessageLength
	}
	format, alfid := req.Data[1], req.Data[2]
	sizeLen, addrLen := int(alfid>>4), int(alfid&0x0F)
	if len(req.Data) != 3+addrLen+sizeLen {
		return uds.NRCIncorrectMessageLength
	}
	if format != 0x00 || addrLen < 1 || addrLen > 4 || sizeLen < 1 || sizeLen > 4 {
		return uds.NRCRequestOutOfRange
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.security != nil && !d.security.Unlocked(d.level) {
		return uds.NRCSecurityAccessDenied
	}
	if d.active {
		return uds.NRCConditionsNotCorrect
	}
	address := beUint(req.Data[3 : 3+addrLen])
	size := beUint(req.Data[3+addrLen:])
	if size == 0 || uint64(address)+uint64(size) > 1<<32 {
		return uds.NRCRequestOutOfRange
	}

	d.mem = gohex.NewMemory()
	d.active = true
	d.address, d.size = address, size
	d.received = 0
	d.nextBlock = 1
	log.Printf("[services] download 0x%08X, %d bytes", address, size)

	// lengthFormatIdentifier: two bytes of maxNumberOfBlockLength
	req.Reply(0x20, byte(d.MaxBlockLength>>8), byte(d.MaxBlockLength))
	return uds.Success
}

// 36 BSC data...
func (d *Download) transferData(req *uds.Request) uds.ResponseCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return uds.NRCRequestSequenceError
	}
	if len(req.Data) < 3 || len(req.Data) > int(d.MaxBlockLength) {
		return uds.NRCIncorrectMessageLength
	}
	if req.SubFunction != d.nextBlock {
		return uds.NRCWrongBlockSequenceCounter
	}
	block := req.Params()
	if d.received+uint32(len(block)) > d.size {
		return uds.NRCTransferDataSuspended
	}
	if err := d.mem.AddBinary(d.address+d.received, block); err != nil {
		log.Printf("[services] transfer block %d: %v", req.SubFunction, err)
		return uds.NRCGeneralProgrammingFailure
	}
	d.received += uint32(len(block))
	d.nextBlock++
	return uds.Success
}

// 37
func (d *Download) transferExit(req *uds.Request) uds.ResponseCode {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return uds.NRCRequestSequenceError
	}
	if len(req.Data) != 1 {
		d.mu.Unlock()
		return uds.NRCIncorrectMessageLength
	}
	if d.received != d.size {
		log.Printf("[services] transfer exit after %d of %d bytes", d.received, d.size)
		d.mu.Unlock()
		return uds.NRCGeneralProgrammingFailure
	}
	d.active = false
	mem, done, size := d.mem, d.OnComplete, d.size
	d.mu.Unlock()

	log.Printf("[services] download complete, %d bytes", size)
	if done != nil {
		done(mem)
	}
	return uds.Success
}

func beUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}
