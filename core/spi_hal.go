package core

// BusID identifies one physical bus
type BusID uint8

// MaxBuses is the number of bus handles the registry can publish
const MaxBuses = 4

// Global bus handles, reachable from interrupt vectors that cannot carry a
// receiver of their own.
var buses [MaxBuses]Interface

// RegisterBus is called by target-specific code to publish the handle of
// a bus. Exactly one handle exists per physical bus.
func RegisterBus(id BusID, i Interface) {
	if int(id) >= MaxBuses {
		panic("bus id out of range")
	}
	buses[id] = i
}

// MustBus returns the handle registered for id or panics if missing
func MustBus(id BusID) Interface {
	if int(id) >= MaxBuses || buses[id] == nil {
		panic("bus " + utoa(uint32(id)) + " not configured")
	}
	return buses[id]
}

// GetBus returns the handle registered for id or nil if not available
func GetBus(id BusID) Interface {
	if int(id) >= MaxBuses {
		return nil
	}
	return buses[id]
}
