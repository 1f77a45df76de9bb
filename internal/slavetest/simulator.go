// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package slavetest

import (
	"testing"

	"github.com/gomodbus/modbus/slave"
)

// testDataStoreSize is the per-array size given to simulators started by
// this package. Production deployments size a slave.DataStore to their
// actual device map via cmd/server's flags; tests instead want enough
// headroom that a handful of arbitrary fixture addresses (0, 15, 100, 200,
// ...) never collide with the array bound itself.
const testDataStoreSize = 65536

// RTUSimulatorOption configures an RTU simulator started by StartRTUSimulator.
type RTUSimulatorOption func(*simulatorConfig)

// TCPSimulatorOption configures a TCP simulator started by StartTCPSimulator.
type TCPSimulatorOption func(*simulatorConfig)

type simulatorConfig struct {
	slaveID  byte
	baudRate int
	config   *slave.DataStoreConfig
}

// WithSlaveID sets the RTU slave ID for the simulator.
func WithSlaveID(id byte) RTUSimulatorOption {
	return func(c *simulatorConfig) { c.slaveID = id }
}

// WithBaudRate sets the baud rate for the RTU simulator.
func WithBaudRate(rate int) RTUSimulatorOption {
	return func(c *simulatorConfig) { c.baudRate = rate }
}

// WithDataStoreConfig seeds the RTU simulator's DataStore.
func WithDataStoreConfig(config *slave.DataStoreConfig) RTUSimulatorOption {
	return func(c *simulatorConfig) { c.config = config }
}

// WithTCPDataStoreConfig seeds the TCP simulator's DataStore.
func WithTCPDataStoreConfig(config *slave.DataStoreConfig) TCPSimulatorOption {
	return func(c *simulatorConfig) { c.config = config }
}

// StartRTUSimulator starts a pty-backed RTU simulator for testing. It
// returns a cleanup function that should be deferred, and the device path
// clients should connect to.
//
// Example:
//
//	cleanup, devicePath := slavetest.StartRTUSimulator(t,
//	    slavetest.WithSlaveID(17), slavetest.WithBaudRate(19200))
//	defer cleanup()
//	client := modbus.NewRTUClientHandler(devicePath)
func StartRTUSimulator(t *testing.T, opts ...RTUSimulatorOption) (cleanup func(), devicePath string) {
	t.Helper()

	config := &simulatorConfig{slaveID: 1, baudRate: 19200}
	for _, opt := range opts {
		opt(config)
	}

	ds := slave.NewDataStore(testDataStoreSize, testDataStoreSize, testDataStoreSize, testDataStoreSize, config.config)

	harness, err := newRTUHarness(ds, config.slaveID, config.baudRate)
	if err != nil {
		t.Fatalf("failed to create RTU simulator: %v", err)
	}
	harness.start()

	devicePath = harness.devicePath()
	t.Logf("RTU simulator started on %s (slave ID: %d)", devicePath, config.slaveID)

	cleanup = func() {
		if err := harness.stop(); err != nil {
			t.Errorf("failed to stop RTU simulator: %v", err)
		}
	}
	return cleanup, devicePath
}

// StartTCPSimulator starts a TCP simulator listening on 127.0.0.1:0. It
// returns a cleanup function that should be deferred, and the address
// clients should dial.
//
// Example:
//
//	cleanup, address := slavetest.StartTCPSimulator(t)
//	defer cleanup()
//	client := modbus.TCPClient(address)
func StartTCPSimulator(t *testing.T, opts ...TCPSimulatorOption) (cleanup func(), address string) {
	t.Helper()

	config := &simulatorConfig{}
	for _, opt := range opts {
		opt(config)
	}

	ds := slave.NewDataStore(testDataStoreSize, testDataStoreSize, testDataStoreSize, testDataStoreSize, config.config)

	server := slave.NewTCPServer(ds, &slave.TCPServerConfig{Address: "127.0.0.1:0"})
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start TCP simulator: %v", err)
	}

	address = server.Address()
	t.Logf("TCP simulator started on %s", address)

	cleanup = func() {
		if err := server.Stop(); err != nil {
			t.Errorf("failed to stop TCP simulator: %v", err)
		}
	}
	return cleanup, address
}
