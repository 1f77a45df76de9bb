// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package slavetest

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/gomodbus/modbus"
	"github.com/gomodbus/modbus/slave"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256
)

// rtuHarness drives the master side of a pty pair with the same RTU framing
// rtu_server.go uses against a real serial.Port, so the same Dispatcher
// exercises both the production server and this test double. It exists
// because go.bug.st/serial opens device paths, and a pty master side isn't
// one: only the slave side (SlavePath) is a reopenable device path, and
// that's given to the client under test instead.
type rtuHarness struct {
	dispatcher *slave.Dispatcher
	pty        *ptyPair
	slaveID    byte
	baudRate   int
	logger     *log.Logger
	stopChan   chan struct{}
	doneChan   chan struct{}
}

func newRTUHarness(ds *slave.DataStore, slaveID byte, baudRate int) (*rtuHarness, error) {
	pair, err := createPtyPair()
	if err != nil {
		return nil, fmt.Errorf("creating pty pair: %w", err)
	}
	return &rtuHarness{
		dispatcher: slave.NewDispatcher(ds),
		pty:        pair,
		slaveID:    slaveID,
		baudRate:   baudRate,
		logger:     log.New(os.Stderr, "slavetest-rtu: ", log.LstdFlags),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// devicePath returns the path a client should connect to.
func (h *rtuHarness) devicePath() string {
	return h.pty.SlavePath
}

func (h *rtuHarness) start() {
	go h.serve()
	time.Sleep(200 * time.Millisecond)
}

func (h *rtuHarness) stop() error {
	close(h.stopChan)
	err := h.pty.Close()
	select {
	case <-h.doneChan:
	case <-time.After(1 * time.Second):
		h.logger.Printf("RTU harness stop timed out")
	}
	return err
}

func (h *rtuHarness) serve() {
	defer close(h.doneChan)

	for {
		select {
		case <-h.stopChan:
			return
		default:
			if err := h.handleRequest(); err != nil {
				if err == io.EOF {
					return
				}
				h.logger.Printf("error handling request: %v", err)
			}
		}
	}
}

func (h *rtuHarness) handleRequest() error {
	if err := h.pty.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
		h.logger.Printf("warning: failed to set read deadline: %v", err)
	}

	adu, err := h.readFrame()
	if err != nil {
		if os.IsTimeout(err) {
			return nil
		}
		if err == io.EOF || err == os.ErrClosed {
			return io.EOF
		}
		return nil
	}
	if adu == nil {
		return nil
	}

	length := len(adu)
	checksum := uint16(adu[length-1])<<8 | uint16(adu[length-2])
	if checksum != modbus.CRC16(adu[:length-2]) {
		return nil
	}

	address := adu[0]
	broadcast := address == modbus.BroadcastSlaveID
	if address != h.slaveID && !broadcast {
		return nil
	}

	req := &modbus.ProtocolDataUnit{FunctionCode: adu[1], Data: adu[2 : length-2]}
	resp := h.dispatcher.Handle(req)
	if resp == nil {
		return nil
	}
	if broadcast {
		return nil
	}

	responseADU := h.encodeFrame(resp)
	time.Sleep(h.calculateDelay(len(adu)))

	if _, err := h.pty.Write(responseADU); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	h.pty.Sync()
	return nil
}

func (h *rtuHarness) encodeFrame(pdu *modbus.ProtocolDataUnit) []byte {
	length := len(pdu.Data) + 4
	adu := make([]byte, length)
	adu[0] = h.slaveID
	adu[1] = pdu.FunctionCode
	copy(adu[2:], pdu.Data)
	checksum := modbus.CRC16(adu[:length-2])
	adu[length-2] = byte(checksum)
	adu[length-1] = byte(checksum >> 8)
	return adu
}

func (h *rtuHarness) readFrame() ([]byte, error) {
	var buffer [rtuMaxSize]byte

	n, err := io.ReadAtLeast(h.pty, buffer[:], rtuMinSize)
	if err != nil {
		return nil, err
	}

	expectedLength := calculateRequestLength(buffer[:n])
	if expectedLength > n && expectedLength <= rtuMaxSize {
		n2, err := io.ReadFull(h.pty, buffer[n:expectedLength])
		if err != nil {
			return nil, err
		}
		n += n2
	}
	return buffer[:n], nil
}

func calculateRequestLength(data []byte) int {
	if len(data) < 2 {
		return rtuMinSize
	}
	functionCode := data[1]
	switch functionCode {
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		if len(data) >= 7 {
			byteCount := int(data[6])
			return 7 + byteCount + 2
		}
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		return 8
	case modbus.FuncCodeReadExceptionStatus, modbus.FuncCodeReportSlaveID:
		return 4
	}
	return rtuMaxSize
}

func (h *rtuHarness) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int
	if h.baudRate <= 0 || h.baudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / h.baudRate
		frameDelay = 35000000 / h.baudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}
