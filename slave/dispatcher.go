// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package slave

import (
	"encoding/binary"

	"github.com/gomodbus/modbus"
)

// Dispatcher decodes a request PDU, applies it to a DataStore, and builds
// the reply PDU. It is the slave-side counterpart of the Client in the
// root package: one manage(query, data) -> reply operation per function
// code this library supports.
type Dispatcher struct {
	dataStore *DataStore
}

// NewDispatcher creates a Dispatcher backed by the given DataStore.
func NewDispatcher(ds *DataStore) *Dispatcher {
	return &Dispatcher{dataStore: ds}
}

// Handle processes one request PDU and returns the response PDU, or nil if
// the DataStore's configured fault injection (DelayConfig.TimeoutProbability)
// decided this request should go unanswered, simulating a slave that never
// replies. An unsupported or malformed request still yields an exception
// PDU, never nil: nil means "send nothing", not "request failed".
func (d *Dispatcher) Handle(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return d.handleReadCoils(req)
	case modbus.FuncCodeReadDiscreteInputs:
		return d.handleReadDiscreteInputs(req)
	case modbus.FuncCodeReadHoldingRegisters:
		return d.handleReadHoldingRegisters(req)
	case modbus.FuncCodeReadInputRegisters:
		return d.handleReadInputRegisters(req)
	case modbus.FuncCodeWriteSingleCoil:
		return d.handleWriteSingleCoil(req)
	case modbus.FuncCodeWriteSingleRegister:
		return d.handleWriteSingleRegister(req)
	case modbus.FuncCodeReadExceptionStatus:
		return d.handleReadExceptionStatus(req)
	case modbus.FuncCodeWriteMultipleCoils:
		return d.handleWriteMultipleCoils(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return d.handleWriteMultipleRegisters(req)
	case modbus.FuncCodeReportSlaveID:
		return d.handleReportSlaveID(req)
	default:
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}
}

func (d *Dispatcher) handleReadCoils(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > modbus.MaxCoilsQuantity {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if !d.dataStore.ApplyDelay(RegisterTypeCoil, address) {
		return nil
	}
	coils, err := d.dataStore.ReadCoils(address, quantity)
	if err != nil {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return bitResponse(req.FunctionCode, coils)
}

func (d *Dispatcher) handleReadDiscreteInputs(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > modbus.MaxCoilsQuantity {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if !d.dataStore.ApplyDelay(RegisterTypeDiscreteInput, address) {
		return nil
	}
	inputs, err := d.dataStore.ReadDiscreteInputs(address, quantity)
	if err != nil {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return bitResponse(req.FunctionCode, inputs)
}

func (d *Dispatcher) handleReadHoldingRegisters(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > modbus.MaxRegistersReadQuantity {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if !d.dataStore.ApplyDelay(RegisterTypeHoldingReg, address) {
		return nil
	}
	registers, err := d.dataStore.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return registerResponse(req.FunctionCode, registers)
}

func (d *Dispatcher) handleReadInputRegisters(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	if quantity < 1 || quantity > modbus.MaxRegistersReadQuantity {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if !d.dataStore.ApplyDelay(RegisterTypeInputReg, address) {
		return nil
	}
	registers, err := d.dataStore.ReadInputRegisters(address, quantity)
	if err != nil {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return registerResponse(req.FunctionCode, registers)
}

func (d *Dispatcher) handleWriteSingleCoil(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])
	if value != 0x0000 && value != 0xFF00 {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if err := d.dataStore.WriteSingleCoil(address, value == 0xFF00); err != nil {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return &modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: req.Data}
}

func (d *Dispatcher) handleWriteSingleRegister(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 4 {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])
	if err := d.dataStore.WriteSingleRegister(address, value); err != nil {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return &modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: req.Data}
}

func (d *Dispatcher) handleWriteMultipleCoils(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 5 {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]
	if quantity < 1 || quantity > modbus.MaxCoilsWriteQuantity {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	expectedByteCount := (quantity + 7) / 8
	if uint16(byteCount) != expectedByteCount || len(req.Data) < int(5+byteCount) {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	coils := modbus.SetBitsFromBytes(req.Data[5:5+byteCount], int(quantity))
	if err := d.dataStore.WriteMultipleCoils(address, coils); err != nil {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return addressQuantityResponse(req.FunctionCode, address, quantity)
}

func (d *Dispatcher) handleWriteMultipleRegisters(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	if len(req.Data) < 5 {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]
	if quantity < 1 || quantity > modbus.MaxRegistersWriteQuantity {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if byteCount != byte(quantity*2) || len(req.Data) < int(5+byteCount) {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	registers := bytesToRegisters(req.Data[5 : 5+byteCount])
	if err := d.dataStore.WriteMultipleRegisters(address, registers); err != nil {
		return exceptionPDU(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	return addressQuantityResponse(req.FunctionCode, address, quantity)
}

func (d *Dispatcher) handleReadExceptionStatus(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	return &modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         []byte{d.dataStore.ReadExceptionStatus()},
	}
}

func (d *Dispatcher) handleReportSlaveID(req *modbus.ProtocolDataUnit) *modbus.ProtocolDataUnit {
	data := d.dataStore.ReportSlaveID()
	response := make([]byte, 1+len(data))
	response[0] = byte(len(data))
	copy(response[1:], data)
	return &modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: response}
}

// exceptionPDU builds a protocol-exception reply: the high bit of the
// function code set, one data byte carrying the exception code.
func exceptionPDU(functionCode, exceptionCode byte) *modbus.ProtocolDataUnit {
	return &modbus.ProtocolDataUnit{
		FunctionCode: functionCode | 0x80,
		Data:         []byte{exceptionCode},
	}
}

// bitResponse builds a byte-count-prefixed coil/discrete-input reply.
func bitResponse(functionCode byte, bits []bool) *modbus.ProtocolDataUnit {
	packed := modbus.PackBits(bits)
	data := make([]byte, 1+len(packed))
	data[0] = byte(len(packed))
	copy(data[1:], packed)
	return &modbus.ProtocolDataUnit{FunctionCode: functionCode, Data: data}
}

// registerResponse builds a byte-count-prefixed register reply.
func registerResponse(functionCode byte, registers []uint16) *modbus.ProtocolDataUnit {
	data := make([]byte, 1+len(registers)*2)
	data[0] = byte(len(registers) * 2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(data[1+i*2:], reg)
	}
	return &modbus.ProtocolDataUnit{FunctionCode: functionCode, Data: data}
}

// addressQuantityResponse builds the address+quantity reply shared by the
// two multiple-write function codes.
func addressQuantityResponse(functionCode byte, address, quantity uint16) *modbus.ProtocolDataUnit {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], address)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	return &modbus.ProtocolDataUnit{FunctionCode: functionCode, Data: data}
}

// bytesToRegisters decodes a flat byte slice into big-endian uint16s.
func bytesToRegisters(data []byte) []uint16 {
	count := len(data) / 2
	result := make([]uint16, count)
	for i := 0; i < count; i++ {
		result[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return result
}
