package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// BusEvent captures a bus event for post-mortem analysis
type BusEvent struct {
	EventType uint8  // Event type code
	Seq       uint32 // Monotonic event number
	Value1    uint32 // Context-dependent value
	Value2    uint32 // Context-dependent value
}

// Event type codes
const (
	EvtSelect      = 1  // Device selected
	EvtDeselect    = 2  // Device deselected
	EvtBusy        = 3  // Select refused, bus owned
	EvtMismatch    = 4  // Deselect by non-holder
	EvtWriteArmed  = 5  // Non-blocking write armed (v1 = length)
	EvtReadArmed   = 6  // Non-blocking read armed (v1 = length)
	EvtWriteDone   = 7  // Non-blocking write complete
	EvtReadDone    = 8  // Non-blocking read complete
	EvtFault       = 9  // Register access failed in a handler
	EvtPendingStop = 10 // Deselect refused, transfer pending
)

const (
	EventRingSize = 32 // Keep last 32 events for post-mortem
)

var (
	// debugPrintln is the global debug print function (can be set by platform code)
	debugPrintln DebugWriter = func(s string) {} // No-op by default

	// debugEnabled controls whether debug output is active
	debugEnabled bool = false

	// Event capture ring buffer (non-blocking, safe from interrupt handlers)
	eventRing     [EventRingSize]BusEvent
	eventRingHead uint8
	eventSeq      uint32
	eventsEnabled bool = true

	// Async debug output channel
	debugChan chan string
)

// SetDebugWriter sets the platform-specific debug output function
// This allows platforms to redirect debug output to UART, USB, a logger, etc.
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// InitAsyncDebug starts the async debug output goroutine
// Call this from main() after SetDebugWriter
func InitAsyncDebug() {
	InitDebugQueue()
	go debugOutputWorker()
}

// InitDebugQueue creates the async debug queue without a worker, for
// targets without goroutines. The main loop empties it with DrainDebug.
func InitDebugQueue() {
	debugChan = make(chan string, 16)
}

// DrainDebug writes out queued async messages without blocking and returns
// how many were written
func DrainDebug() int {
	n := 0
	for {
		select {
		case msg := <-debugChan:
			if debugPrintln != nil {
				debugPrintln(msg)
			}
			n++
		default:
			return n
		}
	}
}

func debugOutputWorker() {
	for msg := range debugChan {
		if debugPrintln != nil {
			debugPrintln(msg)
		}
	}
}

// DebugPrintln writes a debug message using the platform-specific writer.
// Never call it from an interrupt handler; use DebugAsync there.
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// DebugAsync queues a debug message for async output (non-blocking)
// Returns immediately even if channel is full (drops message)
func DebugAsync(msg string) {
	if debugEnabled && debugChan != nil {
		select {
		case debugChan <- msg:
		default:
		}
	}
}

// RecordEvent captures a bus event in the ring buffer.
// It never blocks and may be called from interrupt handlers.
func RecordEvent(eventType uint8, value1, value2 uint32) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if !eventsEnabled {
		return
	}
	eventSeq++
	eventRing[eventRingHead] = BusEvent{
		EventType: eventType,
		Seq:       eventSeq,
		Value1:    value1,
		Value2:    value2,
	}
	eventRingHead = (eventRingHead + 1) % EventRingSize
}

// Events returns the recorded events, oldest first.
func Events() []BusEvent {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	events := make([]BusEvent, 0, EventRingSize)
	for i := uint8(0); i < EventRingSize; i++ {
		evt := eventRing[(eventRingHead+i)%EventRingSize]
		if evt.EventType == 0 {
			continue
		}
		events = append(events, evt)
	}
	return events
}

// EventName returns a short name for an event type
func EventName(eventType uint8) string {
	switch eventType {
	case EvtSelect:
		return "SELECT"
	case EvtDeselect:
		return "DESELECT"
	case EvtBusy:
		return "BUSY!"
	case EvtMismatch:
		return "MISMATCH!"
	case EvtWriteArmed:
		return "WRITE_ARM"
	case EvtReadArmed:
		return "READ_ARM"
	case EvtWriteDone:
		return "WRITE_DONE"
	case EvtReadDone:
		return "READ_DONE"
	case EvtFault:
		return "FAULT!"
	case EvtPendingStop:
		return "PENDING!"
	default:
		return "UNKNOWN"
	}
}

// DumpEventRing outputs the event ring buffer (call on shutdown/error)
func DumpEventRing() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[BUS] === Event Ring Dump ===")
	for _, evt := range Events() {
		debugPrintln("[BUS] " + EventName(evt.EventType) +
			" seq=" + utoa(evt.Seq) +
			" v1=" + utoa(evt.Value1) +
			" v2=" + utoa(evt.Value2))
	}
	debugPrintln("[BUS] === End Dump ===")
}

// ClearEventRing clears the event buffer
func ClearEventRing() {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	for i := range eventRing {
		eventRing[i] = BusEvent{}
	}
	eventRingHead = 0
	eventSeq = 0
}
