// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package slave implements the Modbus slave (server) side: an in-memory
// data map, a request dispatcher that enforces the application-protocol
// bounds, and the RTU/TCP listeners that drive it.
package slave

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gomodbus/modbus"
)

// DataStore is the slave's addressable image: coils, discrete inputs,
// holding registers and input registers, each independently sized at
// construction and immutable thereafter. It also holds the exception
// status byte (function code 0x07) and the vendor slave-id payload
// (function code 0x11), which are not part of any of the four arrays.
type DataStore struct {
	mu sync.RWMutex

	coils          []bool
	discreteInputs []bool
	holdingRegs    []uint16
	inputRegs      []uint16

	coilNames          map[uint16]string
	discreteInputNames map[uint16]string
	holdingRegNames    map[uint16]string
	inputRegNames      map[uint16]string

	exceptionStatus byte
	slaveIDData     []byte

	delayConfig *DelayConfigSet
}

// RegisterConfig is a named register with an initial value.
type RegisterConfig struct {
	Name  string `json:"name"`
	Value uint16 `json:"value"`
}

// CoilConfig is a named coil with an initial value.
type CoilConfig struct {
	Name  string `json:"name"`
	Value bool   `json:"value"`
}

// DelayConfig controls delay and timeout fault injection for register
// access, exercised in integration tests against the RTU/TCP simulators.
type DelayConfig struct {
	// Delay is the base delay applied before responding (e.g. "100ms").
	Delay string `json:"delay,omitempty"`
	// Jitter is a percentage (0-100) of Delay applied as random variance.
	Jitter int `json:"jitter,omitempty"`
	// TimeoutProbability is the probability (0.0-1.0) of not responding at
	// all, simulating a slave that never answers.
	TimeoutProbability float64 `json:"timeoutProbability,omitempty"`
}

// RegisterType identifies one of the four Modbus register types.
type RegisterType string

const (
	RegisterTypeCoil          RegisterType = "coils"
	RegisterTypeDiscreteInput RegisterType = "discreteInputs"
	RegisterTypeHoldingReg    RegisterType = "holdingRegs"
	RegisterTypeInputReg      RegisterType = "inputRegs"
)

// DelayConfigSet holds global per-type defaults plus per-address overrides.
type DelayConfigSet struct {
	Global         map[RegisterType]DelayConfig `json:"global,omitempty"`
	Coils          map[uint16]DelayConfig       `json:"coils,omitempty"`
	DiscreteInputs map[uint16]DelayConfig       `json:"discreteInputs,omitempty"`
	HoldingRegs    map[uint16]DelayConfig       `json:"holdingRegs,omitempty"`
	InputRegs      map[uint16]DelayConfig       `json:"inputRegs,omitempty"`
}

// DataStoreConfig seeds a DataStore's initial values. Addresses are
// relative to the sizes passed to NewDataStore; an address outside those
// sizes is a programming error and panics, the same way indexing past the
// end of any other fixed-size Go slice would.
type DataStoreConfig struct {
	Coils          map[uint16]bool   `json:"Coils,omitempty"`
	DiscreteInputs map[uint16]bool   `json:"DiscreteInputs,omitempty"`
	HoldingRegs    map[uint16]uint16 `json:"HoldingRegs,omitempty"`
	InputRegs      map[uint16]uint16 `json:"InputRegs,omitempty"`

	NamedCoils          map[uint16]CoilConfig     `json:"NamedCoils,omitempty"`
	NamedDiscreteInputs map[uint16]CoilConfig     `json:"NamedDiscreteInputs,omitempty"`
	NamedHoldingRegs    map[uint16]RegisterConfig `json:"NamedHoldingRegs,omitempty"`
	NamedInputRegs      map[uint16]RegisterConfig `json:"NamedInputRegs,omitempty"`

	// ExceptionStatus seeds the function-code-0x07 status byte.
	ExceptionStatus byte `json:"exceptionStatus,omitempty"`
	// SlaveIDData seeds the function-code-0x11 vendor payload, capped at
	// modbus.MaxReportSlaveIDLength.
	SlaveIDData []byte `json:"slaveIdData,omitempty"`

	Delays *DelayConfigSet `json:"delays,omitempty"`
}

// NewDataStore allocates a DataStore with the given per-array sizes and
// applies the optional initial configuration. Sizes are fixed for the
// life of the DataStore.
func NewDataStore(nCoils, nDiscreteInputs, nHoldingRegisters, nInputRegisters int, config *DataStoreConfig) *DataStore {
	ds := &DataStore{
		coils:              make([]bool, nCoils),
		discreteInputs:     make([]bool, nDiscreteInputs),
		holdingRegs:        make([]uint16, nHoldingRegisters),
		inputRegs:          make([]uint16, nInputRegisters),
		coilNames:          make(map[uint16]string),
		discreteInputNames: make(map[uint16]string),
		holdingRegNames:    make(map[uint16]string),
		inputRegNames:      make(map[uint16]string),
	}

	if config != nil {
		ds.delayConfig = config.Delays
		ds.exceptionStatus = config.ExceptionStatus
		ds.setSlaveIDData(config.SlaveIDData)

		for addr, val := range config.Coils {
			ds.coils[addr] = val
		}
		for addr, val := range config.DiscreteInputs {
			ds.discreteInputs[addr] = val
		}
		for addr, val := range config.HoldingRegs {
			ds.holdingRegs[addr] = val
		}
		for addr, val := range config.InputRegs {
			ds.inputRegs[addr] = val
		}

		for addr, cfg := range config.NamedCoils {
			ds.coils[addr] = cfg.Value
			if cfg.Name != "" {
				ds.coilNames[addr] = cfg.Name
			}
		}
		for addr, cfg := range config.NamedDiscreteInputs {
			ds.discreteInputs[addr] = cfg.Value
			if cfg.Name != "" {
				ds.discreteInputNames[addr] = cfg.Name
			}
		}
		for addr, cfg := range config.NamedHoldingRegs {
			ds.holdingRegs[addr] = cfg.Value
			if cfg.Name != "" {
				ds.holdingRegNames[addr] = cfg.Name
			}
		}
		for addr, cfg := range config.NamedInputRegs {
			ds.inputRegs[addr] = cfg.Value
			if cfg.Name != "" {
				ds.inputRegNames[addr] = cfg.Name
			}
		}
	}

	return ds
}

// ReadCoils reads quantity coils starting at address.
func (ds *DataStore) ReadCoils(address, quantity uint16) ([]bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if err := validateRange(len(ds.coils), address, quantity); err != nil {
		return nil, err
	}
	result := make([]bool, quantity)
	copy(result, ds.coils[address:int(address)+int(quantity)])
	return result, nil
}

// ReadDiscreteInputs reads quantity discrete inputs starting at address.
func (ds *DataStore) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if err := validateRange(len(ds.discreteInputs), address, quantity); err != nil {
		return nil, err
	}
	result := make([]bool, quantity)
	copy(result, ds.discreteInputs[address:int(address)+int(quantity)])
	return result, nil
}

// ReadHoldingRegisters reads quantity holding registers starting at address.
func (ds *DataStore) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if err := validateRange(len(ds.holdingRegs), address, quantity); err != nil {
		return nil, err
	}
	result := make([]uint16, quantity)
	copy(result, ds.holdingRegs[address:int(address)+int(quantity)])
	return result, nil
}

// ReadInputRegisters reads quantity input registers starting at address.
func (ds *DataStore) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if err := validateRange(len(ds.inputRegs), address, quantity); err != nil {
		return nil, err
	}
	result := make([]uint16, quantity)
	copy(result, ds.inputRegs[address:int(address)+int(quantity)])
	return result, nil
}

// WriteSingleCoil writes a single coil at address.
func (ds *DataStore) WriteSingleCoil(address uint16, value bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := validateRange(len(ds.coils), address, 1); err != nil {
		return err
	}
	ds.coils[address] = value
	return nil
}

// WriteMultipleCoils writes values starting at address.
func (ds *DataStore) WriteMultipleCoils(address uint16, values []bool) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	quantity := uint16(len(values))
	if err := validateRange(len(ds.coils), address, quantity); err != nil {
		return err
	}
	copy(ds.coils[address:int(address)+int(quantity)], values)
	return nil
}

// WriteSingleRegister writes a single holding register at address.
func (ds *DataStore) WriteSingleRegister(address, value uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := validateRange(len(ds.holdingRegs), address, 1); err != nil {
		return err
	}
	ds.holdingRegs[address] = value
	return nil
}

// WriteMultipleRegisters writes values starting at address.
func (ds *DataStore) WriteMultipleRegisters(address uint16, values []uint16) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	quantity := uint16(len(values))
	if err := validateRange(len(ds.holdingRegs), address, quantity); err != nil {
		return err
	}
	copy(ds.holdingRegs[address:int(address)+int(quantity)], values)
	return nil
}

// ReadExceptionStatus returns the status byte answered by function code 0x07.
func (ds *DataStore) ReadExceptionStatus() byte {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.exceptionStatus
}

// SetExceptionStatus sets the status byte answered by function code 0x07.
func (ds *DataStore) SetExceptionStatus(status byte) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.exceptionStatus = status
}

// ReportSlaveID returns the vendor payload answered by function code 0x11.
func (ds *DataStore) ReportSlaveID() []byte {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	out := make([]byte, len(ds.slaveIDData))
	copy(out, ds.slaveIDData)
	return out
}

// SetSlaveIDData sets the vendor payload answered by function code 0x11,
// truncating to modbus.MaxReportSlaveIDLength.
func (ds *DataStore) SetSlaveIDData(data []byte) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.setSlaveIDData(data)
}

func (ds *DataStore) setSlaveIDData(data []byte) {
	if len(data) > modbus.MaxReportSlaveIDLength {
		data = data[:modbus.MaxReportSlaveIDLength]
	}
	ds.slaveIDData = append([]byte(nil), data...)
}

// validateRange reports whether [address, address+quantity) fits size.
func validateRange(size int, address, quantity uint16) error {
	if quantity == 0 {
		return fmt.Errorf("slave: quantity must be greater than 0")
	}
	if int(address)+int(quantity) > size {
		return fmt.Errorf("slave: address range %d-%d exceeds size %d", address, int(address)+int(quantity)-1, size)
	}
	return nil
}

// GetCoilName returns the name configured for a coil, if any.
func (ds *DataStore) GetCoilName(address uint16) string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.coilNames[address]
}

// GetDiscreteInputName returns the name configured for a discrete input, if any.
func (ds *DataStore) GetDiscreteInputName(address uint16) string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.discreteInputNames[address]
}

// GetHoldingRegName returns the name configured for a holding register, if any.
func (ds *DataStore) GetHoldingRegName(address uint16) string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.holdingRegNames[address]
}

// GetInputRegName returns the name configured for an input register, if any.
func (ds *DataStore) GetInputRegName(address uint16) string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.inputRegNames[address]
}

// GetDelayConfig returns the applicable delay configuration for regType and
// address: an address-specific override if one exists, else the type's
// global default, else nil.
func (ds *DataStore) GetDelayConfig(regType RegisterType, address uint16) *DelayConfig {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.delayConfig == nil {
		return nil
	}

	var override map[uint16]DelayConfig
	switch regType {
	case RegisterTypeCoil:
		override = ds.delayConfig.Coils
	case RegisterTypeDiscreteInput:
		override = ds.delayConfig.DiscreteInputs
	case RegisterTypeHoldingReg:
		override = ds.delayConfig.HoldingRegs
	case RegisterTypeInputReg:
		override = ds.delayConfig.InputRegs
	}
	if cfg, ok := override[address]; ok {
		return &cfg
	}
	if ds.delayConfig.Global != nil {
		if cfg, ok := ds.delayConfig.Global[regType]; ok {
			return &cfg
		}
	}
	return nil
}

// ApplyDelay applies the configured delay for regType/address and reports
// whether the request should proceed (false means simulate a timeout: the
// caller should send no reply at all).
func (ds *DataStore) ApplyDelay(regType RegisterType, address uint16) bool {
	cfg := ds.GetDelayConfig(regType, address)
	if cfg == nil {
		return true
	}

	if cfg.TimeoutProbability > 0 && rand.Float64() < cfg.TimeoutProbability {
		return false
	}

	if cfg.Delay != "" {
		base, err := time.ParseDuration(cfg.Delay)
		if err != nil {
			return true
		}
		delay := base
		if cfg.Jitter > 0 && cfg.Jitter <= 100 {
			jitterRange := float64(base) * (float64(cfg.Jitter) / 100.0)
			delay = base + time.Duration((rand.Float64()*2-1)*jitterRange)
			if delay < 0 {
				delay = 0
			}
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return true
}
