// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package slave

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"go.bug.st/serial"

	"github.com/gomodbus/modbus"
)

const (
	rtuMinSize = 4
	rtuMaxSize = 256
)

// RTUServer answers Modbus RTU requests arriving on a real serial device. It
// drops anything not addressed to it (per spec §4.5: bad CRC or a slave id
// mismatch are both silent, never answered), and sends no reply at all for
// a request addressed to the RTU broadcast id after applying the write.
type RTUServer struct {
	dispatcher *Dispatcher
	port       serial.Port
	device     string
	slaveID    byte
	baudRate   int
	logger     *log.Logger
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// RTUServerConfig configures an RTUServer.
type RTUServerConfig struct {
	Device   string
	SlaveID  byte
	BaudRate int
	DataBits int
	StopBits modbus.StopBits
	Parity   modbus.Parity
	Logger   *log.Logger
}

// NewRTUServer opens device and returns an RTUServer ready to Start.
func NewRTUServer(ds *DataStore, config *RTUServerConfig) (*RTUServer, error) {
	if config == nil {
		config = &RTUServerConfig{}
	}
	if config.SlaveID == 0 {
		config.SlaveID = 1
	}
	if config.BaudRate == 0 {
		config.BaudRate = 19200
	}
	if config.DataBits == 0 {
		config.DataBits = 8
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "rtu-server: ", log.LstdFlags)
	}

	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
		StopBits: toSerialStopBits(config.StopBits),
		Parity:   toSerialParity(config.Parity),
	}
	port, err := serial.Open(config.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", config.Device, err)
	}
	if err := port.SetReadTimeout(500 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("setting read timeout: %w", err)
	}

	return &RTUServer{
		dispatcher: NewDispatcher(ds),
		port:       port,
		device:     config.Device,
		slaveID:    config.SlaveID,
		baudRate:   config.BaudRate,
		logger:     config.Logger,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

func toSerialStopBits(sb modbus.StopBits) serial.StopBits {
	if sb == modbus.TwoStopBits {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

func toSerialParity(p modbus.Parity) serial.Parity {
	switch p {
	case modbus.NoParity:
		return serial.NoParity
	case modbus.OddParity:
		return serial.OddParity
	default:
		return serial.EvenParity
	}
}

// Start runs the serve loop in a goroutine.
func (s *RTUServer) Start() error {
	go s.serve()
	return nil
}

// Stop stops the server and waits for the serve loop to exit.
func (s *RTUServer) Stop() error {
	close(s.stopChan)
	err := s.port.Close()
	select {
	case <-s.doneChan:
	case <-time.After(1 * time.Second):
		s.logger.Printf("RTU server stop timed out")
	}
	return err
}

func (s *RTUServer) serve() {
	defer close(s.doneChan)
	s.logger.Printf("RTU server listening on %s (slave ID: %d)", s.device, s.slaveID)

	for {
		select {
		case <-s.stopChan:
			return
		default:
			if err := s.handleRequest(); err != nil {
				if err == io.EOF {
					return
				}
				s.logger.Printf("error handling request: %v", err)
			}
		}
	}
}

func (s *RTUServer) handleRequest() error {
	adu, err := s.readFrame()
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

	s.logger.Printf("received: % x", adu)

	length := len(adu)
	checksum := uint16(adu[length-1])<<8 | uint16(adu[length-2])
	if checksum != modbus.CRC16(adu[:length-2]) {
		s.logger.Printf("dropping frame: bad CRC")
		return nil
	}

	address := adu[0]
	broadcast := address == modbus.BroadcastSlaveID
	if address != s.slaveID && !broadcast {
		return nil
	}

	req := &modbus.ProtocolDataUnit{FunctionCode: adu[1], Data: adu[2 : length-2]}
	resp := s.dispatcher.Handle(req)
	if resp == nil {
		// Fault injection: simulate a slave that never answers.
		return nil
	}

	if broadcast {
		// Broadcast requests are writes with no reply.
		return nil
	}

	responseADU := s.encodeFrame(resp)
	time.Sleep(s.calculateDelay(len(adu) + len(responseADU)))

	s.logger.Printf("sending: % x", responseADU)
	if _, err := s.port.Write(responseADU); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

func (s *RTUServer) encodeFrame(pdu *modbus.ProtocolDataUnit) []byte {
	length := len(pdu.Data) + 4
	adu := make([]byte, length)
	adu[0] = s.slaveID
	adu[1] = pdu.FunctionCode
	copy(adu[2:], pdu.Data)
	checksum := modbus.CRC16(adu[:length-2])
	adu[length-2] = byte(checksum)
	adu[length-1] = byte(checksum >> 8)
	return adu
}

func (s *RTUServer) readFrame() ([]byte, error) {
	var buffer [rtuMaxSize]byte

	n, err := io.ReadAtLeast(s.port, buffer[:], rtuMinSize)
	if err != nil {
		return nil, err
	}

	expectedLength := calculateRequestLength(buffer[:n])
	if expectedLength > n && expectedLength <= rtuMaxSize {
		n2, err := io.ReadFull(s.port, buffer[n:expectedLength])
		if err != nil {
			return nil, err
		}
		n += n2
	}
	return buffer[:n], nil
}

// calculateRequestLength estimates the expected request frame length from
// the function code, so the server knows how many more bytes to read
// before attempting to decode.
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
	case modbus.FuncCodeReadExceptionStatus:
		return 4
	case modbus.FuncCodeReportSlaveID:
		return 4
	}
	return rtuMaxSize
}

// calculateDelay roughly calculates time needed for the next frame.
// See MODBUS over Serial Line - Specification and Implementation Guide (page 13).
func (s *RTUServer) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int
	if s.baudRate <= 0 || s.baudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / s.baudRate
		frameDelay = 35000000 / s.baudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}
