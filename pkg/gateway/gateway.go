// Copyright 2024 The myiot-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway runs the MQTT ingestion endpoint. It owns the listener
// and the per-connection packet loop, delegates CONNECT to the
// authenticator and PUBLISH to the router, and removes the session binding
// on disconnect. The gateway is a terminal sink for device traffic: nothing
// it receives is ever relayed to other subscribers.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync/atomic"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/psxbox/myiot-go/pkg/auth"
	"github.com/psxbox/myiot-go/pkg/metrics"
	"github.com/psxbox/myiot-go/pkg/router"
	"github.com/psxbox/myiot-go/pkg/session"
)

// Gateway accepts device connections and feeds the ingestion pipeline.
type Gateway struct {
	auth     *auth.Authenticator
	router   *router.Router
	registry *session.Registry

	// connSeq disambiguates connections that present the same MQTT client
	// identifier, so each live connection gets its own session binding.
	connSeq atomic.Uint64
}

// New creates a Gateway.
func New(authenticator *auth.Authenticator, r *router.Router, registry *session.Registry) *Gateway {
	return &Gateway{
		auth:     authenticator,
		router:   r,
		registry: registry,
	}
}

// StartServer begins listening for incoming TCP connections on the specified
// address. It blocks until ctx is cancelled.
func (g *Gateway) StartServer(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer listener.Close()
	log.Printf("MQTT gateway listening on %s", addr)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Println("MQTT gateway is shutting down.")
				return nil
			default:
				log.Printf("Failed to accept connection: %v", err)
				continue
			}
		}
		go g.handleConnection(ctx, conn)
	}
}

// handleConnection manages a single device connection. Each connection gets
// its own goroutine; each PUBLISH is dispatched on its own goroutine so slow
// store writes never stall the connection's packet loop or unrelated
// connections.
func (g *Gateway) handleConnection(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	var connID string
	authenticated := false
	defer func() {
		if authenticated {
			g.registry.Unbind(connID)
			log.Printf("Client disconnected: %s", connID)
		}
	}()

	for {
		pk, err := readPacket(reader)
		if err != nil {
			if err != io.EOF {
				log.Printf("Error reading packet from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		switch pk.FixedHeader.Type {
		case packets.Connect:
			if authenticated {
				log.Printf("Duplicate CONNECT from %s. Closing.", connID)
				return
			}
			clientID := pk.Connect.ClientIdentifier
			if clientID == "" {
				log.Printf("CONNECT from %s has empty client ID. Closing.", conn.RemoteAddr())
				return
			}
			connID = fmt.Sprintf("%s-%d", clientID, g.connSeq.Add(1))

			decision := g.auth.Authenticate(ctx, connID, string(pk.Connect.Username))
			resp := packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Connack},
				ReasonCode:  connackCode(decision),
			}
			err = writePacket(conn, &resp)
			if decision != auth.Accepted {
				if err != nil {
					log.Printf("Error writing CONNACK to %s: %v", conn.RemoteAddr(), err)
				}
				return
			}
			authenticated = true

		case packets.Publish:
			if !authenticated {
				log.Println("PUBLISH received before CONNECT. Closing.")
				return
			}
			if pk.FixedHeader.Qos > 0 {
				// Acknowledge before processing: ingestion is
				// publish-and-forget, the outcome never reaches the sender.
				resp := packets.Packet{
					FixedHeader: packets.FixedHeader{Type: packets.Puback},
					PacketID:    pk.PacketID,
				}
				err = writePacket(conn, &resp)
			}
			topic, payload := pk.TopicName, pk.Payload
			id := connID
			go g.router.Route(ctx, id, topic, payload)

		case packets.Subscribe:
			if !authenticated {
				log.Println("SUBSCRIBE received before CONNECT. Closing.")
				return
			}
			// Subscriptions are granted but never receive ingested traffic;
			// this endpoint does not relay.
			codes := make([]byte, len(pk.Filters))
			for i, sub := range pk.Filters {
				codes[i] = packets.CodeGrantedQos0.Code
				log.Printf("Client %s subscribed to %s (sink only, no delivery)", connID, sub.Filter)
			}
			resp := packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Suback},
				PacketID:    pk.PacketID,
				ReasonCodes: codes,
			}
			err = writePacket(conn, &resp)

		case packets.Pingreq:
			resp := packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}}
			err = writePacket(conn, &resp)

		case packets.Disconnect:
			return

		default:
			log.Printf("Received unhandled packet type: %v", pk.FixedHeader.Type)
		}

		if err != nil {
			log.Printf("Error handling packet for %s: %v", connID, err)
			return
		}
	}
}

// connackCode maps an authentication decision to an MQTT CONNACK reason
// code.
func connackCode(d auth.Decision) byte {
	switch d {
	case auth.Accepted:
		return packets.CodeSuccess.Code
	case auth.RejectedServerError:
		return packets.ErrServerUnavailable.Code
	default:
		return packets.ErrBadUsernameOrPassword.Code
	}
}

// readPacket reads a full MQTT packet from a connection.
func readPacket(r *bufio.Reader) (*packets.Packet, error) {
	fh := new(packets.FixedHeader)
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	err = fh.Decode(b)
	if err != nil {
		return nil, err
	}
	rem, _, err := packets.DecodeLength(r)
	if err != nil {
		return nil, err
	}
	fh.Remaining = rem

	buf := make([]byte, fh.Remaining)
	if fh.Remaining > 0 {
		_, err = io.ReadFull(r, buf)
		if err != nil {
			return nil, err
		}
	}

	pk := &packets.Packet{FixedHeader: *fh}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Subscribe:
		err = pk.SubscribeDecode(buf)
	case packets.Pingreq:
		err = pk.PingreqDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	}
	if err != nil {
		return nil, err
	}

	return pk, nil
}

// writePacket encodes and writes a packet to a connection.
func writePacket(w io.Writer, pk *packets.Packet) error {
	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connack:
		err = pk.ConnackEncode(&buf)
	case packets.Puback:
		err = pk.PubackEncode(&buf)
	case packets.Suback:
		err = pk.SubackEncode(&buf)
	case packets.Pingresp:
		err = pk.PingrespEncode(&buf)
	default:
		return fmt.Errorf("unsupported packet type for writing: %v", pk.FixedHeader.Type)
	}

	if err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}
