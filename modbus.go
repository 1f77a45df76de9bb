// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package modbus implements a Modbus RTU and Modbus TCP master, the frame
// codec shared by both, and the error taxonomy surfaced to callers. The
// slave (server) side lives in the sibling package "slave".
package modbus

import (
	"context"
	"errors"
	"fmt"
)

// Function codes, restricted to the set this library understands.
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeReadExceptionStatus    = 0x07
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10
	FuncCodeReportSlaveID          = 0x11
)

// exceptionBit is set in the function code byte of an exception response.
const exceptionBit = 0x80

// Modbus application protocol exception codes (1:1 with
// original_source/src/modbus.h's MODBUS_EXCEPTION_* enum). Code 9 is
// reserved by the protocol and has no named sentinel.
const (
	ExceptionCodeIllegalFunction              = 0x01
	ExceptionCodeIllegalDataAddress           = 0x02
	ExceptionCodeIllegalDataValue             = 0x03
	ExceptionCodeSlaveDeviceFailure           = 0x04
	ExceptionCodeAcknowledge                  = 0x05
	ExceptionCodeSlaveDeviceBusy              = 0x06
	ExceptionCodeNegativeAcknowledge          = 0x07
	ExceptionCodeMemoryParityError            = 0x08
	ExceptionCodeGatewayPathUnavailable       = 0x0A
	ExceptionCodeGatewayTargetFailedToRespond = 0x0B
)

// Address-space constants (Modbus Application Protocol v1.1b).
const (
	MaxCoilsQuantity          = 2000
	MaxRegistersReadQuantity  = 125
	MaxCoilsWriteQuantity     = 1968
	MaxRegistersWriteQuantity = 123
	MaxReportSlaveIDLength    = 75
	MaxPDULength              = 253

	// TCPDefaultPort is the well-known Modbus TCP port.
	TCPDefaultPort = 502
	// BroadcastSlaveID is the RTU broadcast address: writes only, no reply.
	BroadcastSlaveID = 255
)

// StopBits is the number of serial stop bits.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// Parity is the serial parity mode.
type Parity int

const (
	EvenParity Parity = iota
	OddParity
	NoParity
)

// ProtocolDataUnit is the function code plus function-specific payload
// shared by RTU and TCP framing.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// Packager translates a ProtocolDataUnit to/from an Application Data Unit
// for one framing (RTU or TCP) and verifies a response ADU against its
// request ADU.
type Packager interface {
	Encode(pdu *ProtocolDataUnit) (adu []byte, err error)
	Decode(adu []byte) (pdu *ProtocolDataUnit, err error)
	Verify(aduRequest, aduResponse []byte) (err error)
}

// Transporter sends a request ADU and returns the matching response ADU.
type Transporter interface {
	Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error)
}

// ClientHandler groups the Packager and Transporter methods needed by a
// Client implementation.
type ClientHandler interface {
	Packager
	Transporter
}

// Client issues the ten function-coded requests this library supports and
// parses the matching replies.
type Client interface {
	ReadCoils(ctx context.Context, address, quantity uint16) (results []byte, err error)
	ReadDiscreteInputs(ctx context.Context, address, quantity uint16) (results []byte, err error)
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) (results []byte, err error)
	ReadInputRegisters(ctx context.Context, address, quantity uint16) (results []byte, err error)
	WriteSingleCoil(ctx context.Context, address, value uint16) (results []byte, err error)
	WriteSingleRegister(ctx context.Context, address, value uint16) (results []byte, err error)
	WriteMultipleCoils(ctx context.Context, address, quantity uint16, value []byte) (results []byte, err error)
	WriteMultipleRegisters(ctx context.Context, address, quantity uint16, value []byte) (results []byte, err error)
	ReadExceptionStatus(ctx context.Context) (status byte, err error)
	ReportSlaveID(ctx context.Context) (data []byte, err error)
}

// Usage errors: rejected before any I/O.
var (
	ErrInvalidQuantity = errors.New("modbus: invalid quantity")
	ErrInvalidData     = errors.New("modbus: invalid data")
	ErrNotConnected    = errors.New("modbus: not connected")
)

// Framing errors: a well-formed transport read that fails codec validation.
// Never recovered by TCP error-recovery.
var (
	ErrShortFrame      = errors.New("modbus: response too short")
	ErrBadCRC          = errors.New("modbus: CRC mismatch")
	ErrBadMBAP         = errors.New("modbus: MBAP header mismatch")
	ErrInvalidResponse = errors.New("modbus: response does not match request")
)

// Transport error: wraps an underlying I/O failure (dial, write, read,
// timeout). May be recovered once on TCP when ErrorRecovery is enabled.
var ErrTransport = errors.New("modbus: transport error")

// Protocol exceptions: one per code in [0x01, 0x0B] except the reserved 0x09.
var (
	ErrIllegalFunction              = errors.New("modbus: illegal function")
	ErrIllegalDataAddress           = errors.New("modbus: illegal data address")
	ErrIllegalDataValue             = errors.New("modbus: illegal data value")
	ErrSlaveDeviceFailure           = errors.New("modbus: slave or server failure")
	ErrAcknowledge                  = errors.New("modbus: acknowledge")
	ErrSlaveDeviceBusy              = errors.New("modbus: slave or server busy")
	ErrNegativeAcknowledge          = errors.New("modbus: negative acknowledge")
	ErrMemoryParityError            = errors.New("modbus: memory parity error")
	ErrGatewayPathUnavailable       = errors.New("modbus: gateway path unavailable")
	ErrGatewayTargetFailedToRespond = errors.New("modbus: gateway target device failed to respond")
	ErrBadExceptionCode             = errors.New("modbus: malformed exception response")
	ErrUnknownException             = errors.New("modbus: unknown exception code")
)

// exceptionSentinels maps a wire exception code to its typed sentinel.
var exceptionSentinels = map[byte]error{
	ExceptionCodeIllegalFunction:              ErrIllegalFunction,
	ExceptionCodeIllegalDataAddress:           ErrIllegalDataAddress,
	ExceptionCodeIllegalDataValue:             ErrIllegalDataValue,
	ExceptionCodeSlaveDeviceFailure:           ErrSlaveDeviceFailure,
	ExceptionCodeAcknowledge:                  ErrAcknowledge,
	ExceptionCodeSlaveDeviceBusy:              ErrSlaveDeviceBusy,
	ExceptionCodeNegativeAcknowledge:          ErrNegativeAcknowledge,
	ExceptionCodeMemoryParityError:            ErrMemoryParityError,
	ExceptionCodeGatewayPathUnavailable:       ErrGatewayPathUnavailable,
	ExceptionCodeGatewayTargetFailedToRespond: ErrGatewayTargetFailedToRespond,
}

// exceptionStrings gives the human-readable string for each exception code.
var exceptionStrings = map[byte]string{
	ExceptionCodeIllegalFunction:              "illegal function",
	ExceptionCodeIllegalDataAddress:           "illegal data address",
	ExceptionCodeIllegalDataValue:             "illegal data value",
	ExceptionCodeSlaveDeviceFailure:           "slave or server failure",
	ExceptionCodeAcknowledge:                  "acknowledge",
	ExceptionCodeSlaveDeviceBusy:              "slave or server busy",
	ExceptionCodeNegativeAcknowledge:          "negative acknowledge",
	ExceptionCodeMemoryParityError:            "memory parity error",
	ExceptionCodeGatewayPathUnavailable:       "gateway path unavailable",
	ExceptionCodeGatewayTargetFailedToRespond: "gateway target device failed to respond",
}

// ModbusError is a well-formed protocol exception response: the reply's
// function byte had its high bit set and carried a one-byte cause code.
type ModbusError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *ModbusError) Error() string {
	if s, ok := exceptionStrings[e.ExceptionCode]; ok {
		return fmt.Sprintf("modbus: function %#x: %s", e.FunctionCode&^exceptionBit, s)
	}
	return fmt.Sprintf("modbus: function %#x: unknown exception code %#x", e.FunctionCode&^exceptionBit, e.ExceptionCode)
}

// Unwrap lets callers use errors.Is against the typed sentinels above.
func (e *ModbusError) Unwrap() error {
	if sentinel, ok := exceptionSentinels[e.ExceptionCode]; ok {
		return sentinel
	}
	return ErrUnknownException
}
