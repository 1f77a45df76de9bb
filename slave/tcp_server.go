// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package slave

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gomodbus/modbus"
)

const (
	tcpProtocolIdentifier uint16 = 0x0000
	tcpHeaderSize         uint16 = 7
	tcpMaxLength          uint16 = 260
)

// TCPServer answers Modbus TCP requests, one goroutine per connection.
type TCPServer struct {
	dispatcher *Dispatcher
	listener   net.Listener
	address    string
	logger     *log.Logger
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// TCPServerConfig configures a TCPServer.
type TCPServerConfig struct {
	Address string
	Logger  *log.Logger
}

// NewTCPServer creates a TCPServer bound to ds, not yet listening.
func NewTCPServer(ds *DataStore, config *TCPServerConfig) *TCPServer {
	if config == nil {
		config = &TCPServerConfig{}
	}
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", modbus.TCPDefaultPort)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "tcp-server: ", log.LstdFlags)
	}

	return &TCPServer{
		dispatcher: NewDispatcher(ds),
		address:    config.Address,
		logger:     config.Logger,
		stopChan:   make(chan struct{}),
	}
}

// Address returns the address the server is listening on.
func (s *TCPServer) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Start opens the listener and begins accepting connections.
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.listener = listener
	s.logger.Printf("TCP server listening on %s", s.listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and waits for all connections to close.
func (s *TCPServer) Stop() error {
	close(s.stopChan)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Printf("TCP server stopped")
	return nil
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(500 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if opErr, ok := err.(*net.OpError); ok && opErr.Err.Error() == "use of closed network connection" {
					return
				}
				s.logger.Printf("error accepting connection: %v", err)
				continue
			}
		}

		s.logger.Printf("accepted connection from %s", conn.RemoteAddr())
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		select {
		case <-s.stopChan:
			return
		default:
			if err := conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
				return
			}

			header := make([]byte, tcpHeaderSize)
			if _, err := io.ReadFull(conn, header); err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if err != io.EOF {
					s.logger.Printf("error reading header from %s: %v", conn.RemoteAddr(), err)
				}
				return
			}

			transactionID := binary.BigEndian.Uint16(header[0:2])
			protocolID := binary.BigEndian.Uint16(header[2:4])
			length := binary.BigEndian.Uint16(header[4:6])
			unitID := header[6]

			// A bad MBAP header means the byte stream is no longer
			// framable: close the connection rather than try to
			// resynchronize on the next read.
			if protocolID != tcpProtocolIdentifier {
				s.logger.Printf("closing connection from %s: invalid protocol id %d", conn.RemoteAddr(), protocolID)
				return
			}
			if length < 2 || length > tcpMaxLength {
				s.logger.Printf("closing connection from %s: invalid length %d", conn.RemoteAddr(), length)
				return
			}

			pduData := make([]byte, int(length)-1)
			if _, err := io.ReadFull(conn, pduData); err != nil {
				s.logger.Printf("error reading PDU from %s: %v", conn.RemoteAddr(), err)
				return
			}

			req := &modbus.ProtocolDataUnit{FunctionCode: pduData[0], Data: pduData[1:]}
			resp := s.dispatcher.Handle(req)
			if resp == nil {
				// Fault injection: simulate a slave that never answers.
				continue
			}

			responseLength := uint16(1 + 1 + len(resp.Data))
			response := make([]byte, tcpHeaderSize+2+uint16(len(resp.Data)))
			binary.BigEndian.PutUint16(response[0:2], transactionID)
			binary.BigEndian.PutUint16(response[2:4], protocolID)
			binary.BigEndian.PutUint16(response[4:6], responseLength)
			response[6] = unitID
			response[tcpHeaderSize] = resp.FunctionCode
			copy(response[tcpHeaderSize+1:], resp.Data)

			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if _, err := conn.Write(response); err != nil {
				s.logger.Printf("error writing response to %s: %v", conn.RemoteAddr(), err)
				return
			}
		}
	}
}
