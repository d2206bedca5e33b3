package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"spiperiph/core"
	"spiperiph/device"
	"spiperiph/host/mcu"
	"spiperiph/host/serial"
	"spiperiph/periphspi"
	"spiperiph/sim"
)

var (
	backend   = flag.String("backend", "sim", "Bus backend: sim, bridge or spidev")
	chip      = flag.String("chip", "atmega328p", "Controller layout for sim and bridge: atmega328p or atmega32u4")
	csPin     = flag.Uint("cs", 2, "Chip select pin on port B (sim, bridge)")
	serialDev = flag.String("device", "/dev/ttyACM0", "Serial device path (bridge)")
	baud      = flag.Int("baud", 115200, "Baud rate (ignored for USB CDC)")
	spiPort   = flag.String("spi", "", "SPI port name, empty for the first one (spidev)")
	csName    = flag.String("cs-gpio", "GPIO8", "Chip select GPIO name (spidev)")
	hz        = flag.Int64("hz", 1000000, "SPI clock in Hz (spidev)")
	verbose   = flag.Bool("verbose", false, "Enable verbose output")
)

// probe is one bus with one flash chip on it
type probe struct {
	bus   core.Interface
	dev   core.Peripheral
	regs  core.Registers // nil when the backend has no register file
	close func() error
}

func main() {
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: logger: %v\n", err)
		os.Exit(1)
	}
	core.SetDebugWriter(func(s string) { logger.Debug(s) })
	core.SetDebugEnabled(*verbose)
	core.InitAsyncDebug()

	p, err := open(*backend, logger)
	if err != nil {
		logger.Fatal("open backend", zap.String("backend", *backend), zap.Error(err))
	}

	err = run(p)
	err = multierr.Append(err, p.close())
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func open(name string, logger *zap.Logger) (*probe, error) {
	switch name {
	case "sim":
		return openSim()
	case "bridge":
		return openBridge(logger)
	case "spidev":
		return openSpidev(logger)
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}

func chipConfig() (core.SPIConfig, error) {
	switch strings.ToLower(*chip) {
	case "atmega328p":
		return core.ATmega328P, nil
	case "atmega32u4":
		return core.ATmega32U4, nil
	}
	return core.SPIConfig{}, fmt.Errorf("unknown chip %q", *chip)
}

// portBSlave describes a flash whose select line is pin of the
// controller's own port
func portBSlave(cfg core.SPIConfig, pin uint) (*core.SPISlave, error) {
	if pin > 7 {
		return nil, fmt.Errorf("chip select pin %d out of range 0-7", pin)
	}
	return &core.SPISlave{
		DataDirectionRegister: cfg.IODirectionRegister,
		DataRegister:          cfg.IODataRegister,
		SelectPin:             uint8(pin),
		ClockRateDivider:      core.Divider16,
		DataOrder:             core.MSBFirst,
		IdleSignal:            core.IdleHigh,
		Mode:                  core.Mode0,
	}, nil
}

func openSim() (*probe, error) {
	cfg, err := chipConfig()
	if err != nil {
		return nil, err
	}
	slave, err := portBSlave(cfg, *csPin)
	if err != nil {
		return nil, err
	}
	regs := sim.NewRegisters(cfg)

	mem := []byte("spiperiph simulated flash\n")
	regs.AttachSlave(sim.NewFlash([3]byte{0xEF, 0x40, 0x18}, mem), slave)

	bus, err := core.NewSPIDriver(regs, cfg)
	if err != nil {
		return nil, err
	}
	if err := bus.ConfigureSlave(slave); err != nil {
		return nil, err
	}
	return &probe{bus: bus, dev: slave, regs: regs, close: func() error { return nil }}, nil
}

func openBridge(logger *zap.Logger) (*probe, error) {
	cfg, err := chipConfig()
	if err != nil {
		return nil, err
	}
	slave, err := portBSlave(cfg, *csPin)
	if err != nil {
		return nil, err
	}

	m := mcu.NewMCU(logger)
	fmt.Printf("Connecting to target on %s...\n", *serialDev)
	scfg := serial.DefaultConfig(*serialDev)
	scfg.Baud = *baud
	if err := m.ConnectWithConfig(scfg, cfg); err != nil {
		return nil, err
	}

	bus, _ := m.Bus()
	regs, _ := m.Registers()
	if err := bus.ConfigureSlave(slave); err != nil {
		return nil, multierr.Append(err, m.Close())
	}
	return &probe{bus: bus, dev: slave, regs: regs, close: m.Close}, nil
}

func openSpidev(logger *zap.Logger) (*probe, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	port, err := spireg.Open(*spiPort)
	if err != nil {
		return nil, fmt.Errorf("open SPI port %q: %w", *spiPort, err)
	}
	pin := gpioreg.ByName(*csName)
	if pin == nil {
		return nil, multierr.Append(fmt.Errorf("no GPIO named %q", *csName), port.Close())
	}

	dev, err := periphspi.NewDevice(port, physic.Frequency(*hz)*physic.Hertz, spi.Mode0, pin, gpio.High)
	if err != nil {
		return nil, multierr.Append(err, port.Close())
	}
	return &probe{bus: periphspi.NewBus(logger), dev: dev, close: port.Close}, nil
}

func run(p *probe) error {
	flash := device.NewFlash(device.NewConn(p.bus, p.dev))

	if err := printID(flash); err != nil {
		return err
	}

	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		var err error
		switch parts[0] {
		case "quit", "exit", "q":
			return nil

		case "help", "?":
			printHelp()

		case "id":
			err = printID(flash)

		case "status":
			var status byte
			if status, err = flash.Status(); err == nil {
				fmt.Printf("Status: 0x%02x\n", status)
			}

		case "read":
			err = readFlash(flash, parts[1:])

		case "load":
			err = loadRegister(p.regs, parts[1:])

		case "store":
			err = storeRegister(p.regs, parts[1:])

		case "events":
			for _, e := range core.Events() {
				fmt.Printf("  #%d %s %d %d\n", e.Seq, core.EventName(e.EventType), e.Value1, e.Value2)
			}

		default:
			fmt.Printf("Unknown command: %s (type 'help' for available commands)\n", parts[0])
		}

		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}

	return scanner.Err()
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  help              - Show this help message")
	fmt.Println("  id                - Read the JEDEC ID")
	fmt.Println("  status            - Read status register 1")
	fmt.Println("  read <addr> <n>   - Read n bytes from addr")
	fmt.Println("  load <reg>        - Read a controller register (sim, bridge)")
	fmt.Println("  store <reg> <val> - Write a controller register (sim, bridge)")
	fmt.Println("  events            - Show recent bus events")
	fmt.Println("  quit/exit/q       - Exit the program")
	fmt.Println()
}

func printID(flash *device.Flash) error {
	id, err := flash.JEDECID()
	if err != nil {
		return err
	}
	fmt.Printf("JEDEC ID: %v (%d bytes)\n", id, id.Size())
	return nil
}

func readFlash(flash *device.Flash, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: read <addr> <n>")
	}
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("bad address: %w", err)
	}
	n, err := strconv.ParseUint(args[1], 0, 16)
	if err != nil {
		return fmt.Errorf("bad length: %w", err)
	}

	buf := make([]byte, n)
	if err := flash.Read(uint32(addr), buf); err != nil {
		return err
	}
	fmt.Print(hex.Dump(buf))
	return nil
}

func loadRegister(regs core.Registers, args []string) error {
	if regs == nil {
		return fmt.Errorf("backend %s has no register file", *backend)
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: load <reg>")
	}
	reg, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("bad register: %w", err)
	}
	v, err := regs.Load(core.Register(reg))
	if err != nil {
		return err
	}
	fmt.Printf("[0x%02x] = 0x%02x\n", reg, v)
	return nil
}

func storeRegister(regs core.Registers, args []string) error {
	if regs == nil {
		return fmt.Errorf("backend %s has no register file", *backend)
	}
	if len(args) != 2 {
		return fmt.Errorf("usage: store <reg> <val>")
	}
	reg, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("bad register: %w", err)
	}
	v, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		return fmt.Errorf("bad value: %w", err)
	}
	return regs.Store(core.Register(reg), uint8(v))
}
