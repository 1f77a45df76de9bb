// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package integration

import (
	"context"
	"testing"

	"github.com/gomodbus/modbus"
)

// ClientTestAll exercises every operation a modbus.Client supports against
// a live simulator. TestTCPClient runs it against the TCP transport; no RTU
// test calls it.
func ClientTestAll(t *testing.T, client modbus.Client) {
	t.Helper()
	ctx := context.Background()

	if _, err := client.ReadCoils(ctx, 0, 8); err != nil {
		t.Errorf("ReadCoils: %v", err)
	}
	if _, err := client.ReadDiscreteInputs(ctx, 0, 8); err != nil {
		t.Errorf("ReadDiscreteInputs: %v", err)
	}
	if _, err := client.ReadHoldingRegisters(ctx, 0, 4); err != nil {
		t.Errorf("ReadHoldingRegisters: %v", err)
	}
	if _, err := client.ReadInputRegisters(ctx, 0, 4); err != nil {
		t.Errorf("ReadInputRegisters: %v", err)
	}
	if _, err := client.WriteSingleCoil(ctx, 0, 0xFF00); err != nil {
		t.Errorf("WriteSingleCoil: %v", err)
	}
	if _, err := client.WriteSingleRegister(ctx, 0, 1234); err != nil {
		t.Errorf("WriteSingleRegister: %v", err)
	}
	if _, err := client.WriteMultipleCoils(ctx, 0, 8, []byte{0xFF}); err != nil {
		t.Errorf("WriteMultipleCoils: %v", err)
	}
	if _, err := client.WriteMultipleRegisters(ctx, 0, 2, []byte{0, 1, 0, 2}); err != nil {
		t.Errorf("WriteMultipleRegisters: %v", err)
	}
	if _, err := client.ReadExceptionStatus(ctx); err != nil {
		t.Errorf("ReadExceptionStatus: %v", err)
	}
	if _, err := client.ReportSlaveID(ctx); err != nil {
		t.Errorf("ReportSlaveID: %v", err)
	}

	results, err := client.ReadHoldingRegisters(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters after write: %v", err)
	}
	got := uint16(results[0])<<8 | uint16(results[1])
	if got != 1 {
		t.Errorf("expected register 0 to read back 1, got %d", got)
	}
}
