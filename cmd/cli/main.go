package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/gomodbus/modbus"
)

func main() {
	app := &cli.App{
		Name:  "modbus-cli",
		Usage: "Command-line tool for Modbus communication",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "protocol",
				Aliases:  []string{"p"},
				Usage:    "Protocol type: tcp or rtu",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "address",
				Aliases:  []string{"a"},
				Usage:    "Connection address (TCP: host:port, RTU: /dev/ttyUSB0)",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "slave-id",
				Aliases: []string{"s"},
				Usage:   "Modbus slave/unit ID",
				Value:   1,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Timeout duration",
				Value:   5 * time.Second,
			},
			// Serial-specific options
			&cli.IntFlag{
				Name:  "baud",
				Usage: "Baud rate (RTU only)",
				Value: 19200,
			},
			&cli.IntFlag{
				Name:  "data-bits",
				Usage: "Data bits (RTU only)",
				Value: 8,
			},
			&cli.IntFlag{
				Name:  "stop-bits",
				Usage: "Stop bits (RTU only)",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "parity",
				Usage: "Parity: none, odd, even (RTU only)",
				Value: "even",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "read-coils",
				Usage: "Read coils (function code 1)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Usage: "Starting address", Required: true},
					&cli.UintFlag{Name: "count", Usage: "Number of coils to read (1-2000)", Required: true},
					&cli.StringFlag{Name: "format", Usage: "Output format: binary, decimal", Value: "binary"},
				},
				Action: readCoilsAction,
			},
			{
				Name:  "read-discrete-inputs",
				Usage: "Read discrete inputs (function code 2)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Usage: "Starting address", Required: true},
					&cli.UintFlag{Name: "count", Usage: "Number of discrete inputs to read (1-2000)", Required: true},
					&cli.StringFlag{Name: "format", Usage: "Output format: binary, decimal", Value: "binary"},
				},
				Action: readDiscreteInputsAction,
			},
			{
				Name:  "read-holding-registers",
				Usage: "Read holding registers (function code 3)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Usage: "Starting address", Required: true},
					&cli.UintFlag{Name: "count", Usage: "Number of registers to read (1-125)", Required: true},
					&cli.StringFlag{Name: "format", Usage: "Output format: hex, decimal", Value: "hex"},
				},
				Action: readHoldingRegistersAction,
			},
			{
				Name:  "read-input-registers",
				Usage: "Read input registers (function code 4)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Usage: "Starting address", Required: true},
					&cli.UintFlag{Name: "count", Usage: "Number of registers to read (1-125)", Required: true},
					&cli.StringFlag{Name: "format", Usage: "Output format: hex, decimal", Value: "hex"},
				},
				Action: readInputRegistersAction,
			},
			{
				Name:  "write-coil",
				Usage: "Write a single coil (function code 5)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "address", Usage: "Coil address", Required: true},
					&cli.BoolFlag{Name: "value", Usage: "Coil value (true/false)"},
				},
				Action: writeCoilAction,
			},
			{
				Name:  "write-register",
				Usage: "Write a single holding register (function code 6)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "address", Usage: "Register address", Required: true},
					&cli.UintFlag{Name: "value", Usage: "Register value (0-65535)", Required: true},
				},
				Action: writeRegisterAction,
			},
			{
				Name:  "read-exception-status",
				Usage: "Read exception status (function code 7)",
				Action: readExceptionStatusAction,
			},
			{
				Name:  "write-multiple-coils",
				Usage: "Write multiple coils (function code 15)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Usage: "Starting address", Required: true},
					&cli.StringFlag{Name: "values", Usage: "Comma-separated 0/1 values, e.g. 1,0,1,1", Required: true},
				},
				Action: writeMultipleCoilsAction,
			},
			{
				Name:  "write-multiple-registers",
				Usage: "Write multiple holding registers (function code 16)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Usage: "Starting address", Required: true},
					&cli.StringFlag{Name: "values", Usage: "Comma-separated register values, e.g. 10,20,30", Required: true},
				},
				Action: writeMultipleRegistersAction,
			},
			{
				Name:   "report-slave-id",
				Usage:  "Report slave ID (function code 17)",
				Action: reportSlaveIDAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// createClient creates a Modbus client based on the global flags
func createClient(c *cli.Context) (modbus.Client, error) {
	protocol := c.String("protocol")
	address := c.String("address")
	slaveID := byte(c.Int("slave-id"))
	timeout := c.Duration("timeout")

	switch protocol {
	case "tcp":
		handler := modbus.NewTCPClientHandler(address)
		handler.Timeout = timeout
		handler.SlaveID = slaveID
		return modbus.NewClient(handler), nil

	case "rtu":
		handler := modbus.NewRTUClientHandler(address)
		handler.BaudRate = c.Int("baud")
		handler.DataBits = c.Int("data-bits")
		handler.StopBits = parseStopBits(c.Int("stop-bits"))
		handler.Parity = parseParity(c.String("parity"))
		handler.Timeout = timeout
		handler.SlaveID = slaveID
		return modbus.NewClient(handler), nil

	default:
		return nil, fmt.Errorf("unsupported protocol: %s (must be tcp or rtu)", protocol)
	}
}

func parseStopBits(bits int) modbus.StopBits {
	if bits == 2 {
		return modbus.TwoStopBits
	}
	return modbus.OneStopBit
}

func parseParity(parity string) modbus.Parity {
	switch parity {
	case "none":
		return modbus.NoParity
	case "odd":
		return modbus.OddParity
	default:
		return modbus.EvenParity
	}
}

// createContextWithSignalHandler creates a context that is cancelled on SIGINT/SIGTERM
func createContextWithSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Received interrupt signal, cancelling operation...")
		cancel()
	}()

	return ctx, cancel
}

func readCoilsAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))
	if count < 1 || count > modbus.MaxCoilsQuantity {
		return fmt.Errorf("count must be between 1 and %d", modbus.MaxCoilsQuantity)
	}

	results, err := client.ReadCoils(ctx, start, count)
	if err != nil {
		return fmt.Errorf("failed to read coils: %w", err)
	}
	printBitResults(start, count, results, c.String("format"))
	return nil
}

func readDiscreteInputsAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))
	if count < 1 || count > modbus.MaxCoilsQuantity {
		return fmt.Errorf("count must be between 1 and %d", modbus.MaxCoilsQuantity)
	}

	results, err := client.ReadDiscreteInputs(ctx, start, count)
	if err != nil {
		return fmt.Errorf("failed to read discrete inputs: %w", err)
	}
	printBitResults(start, count, results, c.String("format"))
	return nil
}

func readHoldingRegistersAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))
	if count < 1 || count > modbus.MaxRegistersReadQuantity {
		return fmt.Errorf("count must be between 1 and %d", modbus.MaxRegistersReadQuantity)
	}

	results, err := client.ReadHoldingRegisters(ctx, start, count)
	if err != nil {
		return fmt.Errorf("failed to read holding registers: %w", err)
	}
	printRegisterResults(start, count, results, c.String("format"))
	return nil
}

func readInputRegistersAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))
	if count < 1 || count > modbus.MaxRegistersReadQuantity {
		return fmt.Errorf("count must be between 1 and %d", modbus.MaxRegistersReadQuantity)
	}

	results, err := client.ReadInputRegisters(ctx, start, count)
	if err != nil {
		return fmt.Errorf("failed to read input registers: %w", err)
	}
	printRegisterResults(start, count, results, c.String("format"))
	return nil
}

func writeCoilAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	address := uint16(c.Uint("address"))
	value := uint16(0x0000)
	if c.Bool("value") {
		value = 0xFF00
	}

	if _, err := client.WriteSingleCoil(ctx, address, value); err != nil {
		return fmt.Errorf("failed to write coil: %w", err)
	}
	fmt.Printf("0x%04X: wrote %v\n", address, c.Bool("value"))
	return nil
}

func writeRegisterAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	address := uint16(c.Uint("address"))
	value := uint16(c.Uint("value"))

	if _, err := client.WriteSingleRegister(ctx, address, value); err != nil {
		return fmt.Errorf("failed to write register: %w", err)
	}
	fmt.Printf("0x%04X: wrote 0x%04X\n", address, value)
	return nil
}

func readExceptionStatusAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	status, err := client.ReadExceptionStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to read exception status: %w", err)
	}
	fmt.Printf("Exception status: 0x%02X\n", status)
	return nil
}

func writeMultipleCoilsAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	start := uint16(c.Uint("start"))
	bits, err := parseBitList(c.String("values"))
	if err != nil {
		return err
	}

	if _, err := client.WriteMultipleCoils(ctx, start, uint16(len(bits)), modbus.PackBits(bits)); err != nil {
		return fmt.Errorf("failed to write coils: %w", err)
	}
	fmt.Printf("wrote %d coils starting at 0x%04X\n", len(bits), start)
	return nil
}

func writeMultipleRegistersAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	start := uint16(c.Uint("start"))
	values, err := parseRegisterList(c.String("values"))
	if err != nil {
		return err
	}

	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}

	if _, err := client.WriteMultipleRegisters(ctx, start, uint16(len(values)), data); err != nil {
		return fmt.Errorf("failed to write registers: %w", err)
	}
	fmt.Printf("wrote %d registers starting at 0x%04X\n", len(values), start)
	return nil
}

func reportSlaveIDAction(c *cli.Context) error {
	client, err := createClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := createContextWithSignalHandler()
	defer cancel()

	data, err := client.ReportSlaveID(ctx)
	if err != nil {
		return fmt.Errorf("failed to report slave id: %w", err)
	}
	fmt.Printf("Slave ID data: % x\n", data)
	return nil
}

func parseBitList(s string) ([]bool, error) {
	parts := strings.Split(s, ",")
	bits := make([]bool, len(parts))
	for i, p := range parts {
		switch strings.TrimSpace(p) {
		case "1":
			bits[i] = true
		case "0":
			bits[i] = false
		default:
			return nil, fmt.Errorf("invalid bit value %q: must be 0 or 1", p)
		}
	}
	return bits, nil
}

func parseRegisterList(s string) ([]uint16, error) {
	parts := strings.Split(s, ",")
	values := make([]uint16, len(parts))
	for i, p := range parts {
		var v uint32
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &v); err != nil || v > 0xFFFF {
			return nil, fmt.Errorf("invalid register value %q", p)
		}
		values[i] = uint16(v)
	}
	return values, nil
}

// printBitResults prints bit values (coils/discrete inputs)
func printBitResults(start, count uint16, data []byte, format string) {
	for i := uint16(0); i < count; i++ {
		byteIndex := i / 8
		bitIndex := i % 8

		if int(byteIndex) >= len(data) {
			break
		}

		bitValue := (data[byteIndex] >> bitIndex) & 0x01

		switch format {
		case "decimal":
			fmt.Printf("0x%04X: %d\n", start+i, bitValue)
		default: // binary
			fmt.Printf("0x%04X: %d\n", start+i, bitValue)
		}
	}
}

// printRegisterResults prints register values
func printRegisterResults(start, count uint16, data []byte, format string) {
	for i := uint16(0); i < count; i++ {
		offset := i * 2
		if int(offset+1) >= len(data) {
			break
		}

		value := binary.BigEndian.Uint16(data[offset : offset+2])

		switch format {
		case "decimal":
			fmt.Printf("0x%04X: %d\n", start+i, value)
		default: // hex
			fmt.Printf("0x%04X: 0x%04X\n", start+i, value)
		}
	}
}
