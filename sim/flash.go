package sim

import "sync"

// SPI NOR commands the flash model answers
const (
	CmdRead       = 0x03
	CmdReadStatus = 0x05
	CmdWriteEn    = 0x06
	CmdJEDECID    = 0x9F
)

// Status register bits
const (
	StatusBusy = 1 << 0
	StatusWEL  = 1 << 1
)

// Flash models a SPI NOR flash: JEDEC ID, status and plain reads.
// Each selection starts a new command.
type Flash struct {
	mu     sync.Mutex
	id     [3]byte
	mem    []byte
	status byte

	cmd     byte
	count   int // bytes exchanged since select
	addr    uint32
	history []byte // commands seen, in order
}

var _ Device = (*Flash)(nil)

// NewFlash creates a flash with the given JEDEC ID (manufacturer, type,
// capacity) and contents. mem is not copied.
func NewFlash(id [3]byte, mem []byte) *Flash {
	return &Flash{id: id, mem: mem}
}

// SetStatus sets the status register value
func (f *Flash) SetStatus(status byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// Commands returns the commands received so far
func (f *Flash) Commands() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.history...)
}

func (f *Flash) Select() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count = 0
	f.addr = 0
}

func (f *Flash) Deselect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count = 0
}

func (f *Flash) Exchange(mosi byte) byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.count
	f.count++
	if n == 0 {
		f.cmd = mosi
		f.history = append(f.history, mosi)
		if mosi == CmdWriteEn {
			f.status |= StatusWEL
		}
		return 0xFF
	}

	switch f.cmd {
	case CmdJEDECID:
		if n <= len(f.id) {
			return f.id[n-1]
		}
	case CmdReadStatus:
		return f.status
	case CmdRead:
		if n <= 3 {
			f.addr = f.addr<<8 | uint32(mosi)
			return 0xFF
		}
		if len(f.mem) == 0 {
			return 0xFF
		}
		b := f.mem[f.addr%uint32(len(f.mem))]
		f.addr++
		return b
	}
	return 0xFF
}
