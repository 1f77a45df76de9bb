// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Command server runs a standalone Modbus slave, serving a fixed-size
// coil/register map over RTU (a real serial device) or TCP.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gomodbus/modbus"
	"github.com/gomodbus/modbus/slave"
)

func main() {
	mode := flag.String("mode", "tcp", "Modbus mode: rtu or tcp")
	slaveID := flag.Int("slave-id", 1, "Slave ID for rtu mode (1-247)")
	device := flag.String("device", "", "Serial device path for rtu mode (e.g. /dev/ttyUSB0)")
	baudRate := flag.Int("baud", 19200, "Baud rate for rtu mode")
	tcpAddress := flag.String("addr", ":502", "TCP address for tcp mode (host:port)")
	configFile := flag.String("config", "", "JSON config file for initial data values")
	nCoils := flag.Int("coils", 65536, "Number of coils in the data map")
	nDiscreteInputs := flag.Int("discrete-inputs", 65536, "Number of discrete inputs in the data map")
	nHoldingRegs := flag.Int("holding-registers", 65536, "Number of holding registers in the data map")
	nInputRegs := flag.Int("input-registers", 65536, "Number of input registers in the data map")
	flag.Parse()

	if *slaveID < 1 || *slaveID > 247 {
		log.Fatalf("invalid slave ID %d: must be between 1 and 247", *slaveID)
	}

	var config *slave.DataStoreConfig
	if *configFile != "" {
		var err error
		config, err = loadConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		log.Printf("loaded initial data from %s", *configFile)
	}

	ds := slave.NewDataStore(*nCoils, *nDiscreteInputs, *nHoldingRegs, *nInputRegs, config)

	var server interface {
		Start() error
		Stop() error
	}
	var connectionInfo string

	switch *mode {
	case "rtu":
		if *device == "" {
			log.Fatal("rtu mode requires -device")
		}
		rtuServer, err := slave.NewRTUServer(ds, &slave.RTUServerConfig{
			Device:   *device,
			SlaveID:  byte(*slaveID),
			BaudRate: *baudRate,
			DataBits: 8,
			StopBits: modbus.OneStopBit,
			Parity:   modbus.EvenParity,
		})
		if err != nil {
			log.Fatalf("failed to create RTU server: %v", err)
		}
		server = rtuServer
		connectionInfo = fmt.Sprintf("Serial device: %s", *device)

	case "tcp":
		tcpServer := slave.NewTCPServer(ds, &slave.TCPServerConfig{Address: *tcpAddress})
		server = tcpServer
		connectionInfo = fmt.Sprintf("TCP address: %s", *tcpAddress)

	default:
		log.Fatalf("invalid mode %q: must be rtu or tcp", *mode)
	}

	if err := server.Start(); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	fmt.Printf("Modbus %s server running\n", *mode)
	fmt.Printf("%s\n", connectionInfo)
	if *mode == "rtu" {
		fmt.Printf("Slave ID: %d\n", *slaveID)
		fmt.Printf("Baud rate: %d\n", *baudRate)
	}
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	if err := server.Stop(); err != nil {
		log.Printf("error stopping server: %v", err)
	}
}

// loadConfig loads a DataStoreConfig from a JSON file.
func loadConfig(filename string) (*slave.DataStoreConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var config slave.DataStoreConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &config, nil
}
