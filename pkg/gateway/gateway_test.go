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

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psxbox/myiot-go/pkg/attributes"
	"github.com/psxbox/myiot-go/pkg/auth"
	"github.com/psxbox/myiot-go/pkg/device"
	"github.com/psxbox/myiot-go/pkg/router"
	"github.com/psxbox/myiot-go/pkg/session"
)

type fakeDeviceStore struct {
	byToken map[string]*device.Device
}

func (f *fakeDeviceStore) FindByToken(_ context.Context, token string) (*device.Device, error) {
	d, ok := f.byToken[token]
	if !ok {
		return nil, device.ErrNotFound
	}
	return d, nil
}

func (f *fakeDeviceStore) GetByID(context.Context, uuid.UUID) (*device.Device, error) {
	return nil, device.ErrNotFound
}

func (f *fakeDeviceStore) Create(context.Context, *device.Device) error { return nil }

func (f *fakeDeviceStore) List(context.Context) ([]device.Device, error) { return nil, nil }

type telemetryCall struct {
	deviceID uuid.UUID
	values   map[string]float64
}

// chanTelemetrySink hands each save to the test over a channel because the
// gateway dispatches publishes on their own goroutines.
type chanTelemetrySink struct {
	calls chan telemetryCall
}

func (c *chanTelemetrySink) Save(_ context.Context, deviceID uuid.UUID, values map[string]float64) error {
	c.calls <- telemetryCall{deviceID: deviceID, values: values}
	return nil
}

type noopAttributeSink struct{}

func (noopAttributeSink) Save(context.Context, uuid.UUID, map[string]json.RawMessage, attributes.Scope) error {
	return nil
}

type testHarness struct {
	gateway  *Gateway
	registry *session.Registry
	sink     *chanTelemetrySink
	deviceID uuid.UUID
	conn     net.Conn
	reader   *bufio.Reader
}

const testToken = "test-access-token"

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	deviceID := uuid.New()
	store := &fakeDeviceStore{byToken: map[string]*device.Device{
		testToken: {ID: deviceID, Name: "sensor-1"},
	}}
	registry := session.NewRegistry()
	sink := &chanTelemetrySink{calls: make(chan telemetryCall, 8)}
	r := router.New(registry, sink, noopAttributeSink{})
	g := New(auth.New(store, registry), r, registry)

	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	go g.handleConnection(ctx, server)

	return &testHarness{
		gateway:  g,
		registry: registry,
		sink:     sink,
		deviceID: deviceID,
		conn:     client,
		reader:   bufio.NewReader(client),
	}
}

// send encodes a client-side packet and writes it to the connection.
func (h *testHarness) send(t *testing.T, pk *packets.Packet) {
	t.Helper()
	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectEncode(&buf)
	case packets.Publish:
		err = pk.PublishEncode(&buf)
	case packets.Subscribe:
		err = pk.SubscribeEncode(&buf)
	case packets.Pingreq:
		err = pk.PingreqEncode(&buf)
	case packets.Disconnect:
		err = pk.DisconnectEncode(&buf)
	default:
		t.Fatalf("unsupported packet type for sending: %v", pk.FixedHeader.Type)
	}
	require.NoError(t, err)
	require.NoError(t, h.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err = h.conn.Write(buf.Bytes())
	require.NoError(t, err)
}

// recv reads one server-side packet from the connection.
func (h *testHarness) recv(t *testing.T) *packets.Packet {
	t.Helper()
	require.NoError(t, h.conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	fh := new(packets.FixedHeader)
	b, err := h.reader.ReadByte()
	require.NoError(t, err)
	require.NoError(t, fh.Decode(b))
	rem, _, err := packets.DecodeLength(h.reader)
	require.NoError(t, err)
	fh.Remaining = rem

	buf := make([]byte, fh.Remaining)
	if fh.Remaining > 0 {
		_, err = io.ReadFull(h.reader, buf)
		require.NoError(t, err)
	}

	pk := &packets.Packet{FixedHeader: *fh}
	switch pk.FixedHeader.Type {
	case packets.Connack:
		err = pk.ConnackDecode(buf)
	case packets.Puback:
		err = pk.PubackDecode(buf)
	case packets.Suback:
		err = pk.SubackDecode(buf)
	case packets.Pingresp:
		err = pk.PingrespDecode(buf)
	default:
		t.Fatalf("unexpected packet type from gateway: %v", pk.FixedHeader.Type)
	}
	require.NoError(t, err)
	return pk
}

func connectPacket(clientID, token string) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connect},
		ProtocolVersion: 4,
		Connect: packets.ConnectParams{
			ProtocolName:     []byte("MQTT"),
			ClientIdentifier: clientID,
			Clean:            true,
			Keepalive:        60,
		},
	}
	if token != "" {
		pk.Connect.UsernameFlag = true
		pk.Connect.Username = []byte(token)
	}
	return pk
}

// connect performs the CONNECT handshake and asserts acceptance.
func (h *testHarness) connect(t *testing.T) {
	t.Helper()
	h.send(t, connectPacket("sensor-1", testToken))
	ack := h.recv(t)
	require.Equal(t, packets.Connack, ack.FixedHeader.Type)
	require.Equal(t, packets.CodeSuccess.Code, ack.ReasonCode)
}

// expectClosed asserts the gateway has closed its end of the connection.
func (h *testHarness) expectClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, h.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := h.reader.ReadByte()
	require.Error(t, err)
}

func TestConnectValidToken(t *testing.T) {
	h := newHarness(t)

	h.connect(t)
	assert.Equal(t, 1, h.registry.Len())
}

func TestConnectBadToken(t *testing.T) {
	testCases := []struct {
		name  string
		token string
	}{
		{name: "unknown token", token: "wrong-token"},
		{name: "missing username", token: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)

			h.send(t, connectPacket("sensor-1", tc.token))
			ack := h.recv(t)
			assert.Equal(t, packets.Connack, ack.FixedHeader.Type)
			assert.Equal(t, packets.ErrBadUsernameOrPassword.Code, ack.ReasonCode)

			// A rejected CONNECT leaves no binding and closes the
			// connection.
			h.expectClosed(t)
			assert.Equal(t, 0, h.registry.Len())
		})
	}
}

func TestConnectEmptyClientID(t *testing.T) {
	h := newHarness(t)

	h.send(t, connectPacket("", testToken))
	h.expectClosed(t)
	assert.Equal(t, 0, h.registry.Len())
}

func TestPublishTelemetry(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	payload := []byte(`{"temperature": 23.5}`)
	h.send(t, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   router.TopicTelemetry,
		PacketID:    7,
		Payload:     payload,
	})

	// QoS 1 is acknowledged regardless of processing outcome.
	ack := h.recv(t)
	assert.Equal(t, packets.Puback, ack.FixedHeader.Type)
	assert.Equal(t, uint16(7), ack.PacketID)

	select {
	case call := <-h.sink.calls:
		assert.Equal(t, h.deviceID, call.deviceID)
		assert.Equal(t, map[string]float64{"temperature": 23.5}, call.values)
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry write was never dispatched")
	}
}

func TestPublishQos0NoAck(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.send(t, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish},
		TopicName:   router.TopicTelemetry,
		Payload:     []byte(`{"humidity": 55}`),
	})

	select {
	case call := <-h.sink.calls:
		assert.Equal(t, map[string]float64{"humidity": 55}, call.values)
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry write was never dispatched")
	}
}

func TestPublishBeforeConnect(t *testing.T) {
	h := newHarness(t)

	h.send(t, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish},
		TopicName:   router.TopicTelemetry,
		Payload:     []byte(`{"temperature": 23.5}`),
	})
	h.expectClosed(t)
}

func TestSubscribeGrantedButSinkOnly(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.send(t, &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		PacketID:    3,
		Filters: packets.Subscriptions{
			{Filter: "v1/devices/me/attributes"},
		},
	})

	ack := h.recv(t)
	assert.Equal(t, packets.Suback, ack.FixedHeader.Type)
	assert.Equal(t, uint16(3), ack.PacketID)
	require.Len(t, ack.ReasonCodes, 1)
	assert.Equal(t, packets.CodeGrantedQos0.Code, ack.ReasonCodes[0])
}

func TestPingreq(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.send(t, &packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}})
	resp := h.recv(t)
	assert.Equal(t, packets.Pingresp, resp.FixedHeader.Type)
}

func TestDisconnectUnbindsSession(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	require.Equal(t, 1, h.registry.Len())

	h.send(t, &packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}})

	require.Eventually(t, func() bool {
		return h.registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSameClientIDGetsDistinctBindings(t *testing.T) {
	deviceID := uuid.New()
	store := &fakeDeviceStore{byToken: map[string]*device.Device{
		testToken: {ID: deviceID, Name: "sensor-1"},
	}}
	registry := session.NewRegistry()
	sink := &chanTelemetrySink{calls: make(chan telemetryCall, 8)}
	g := New(auth.New(store, registry), router.New(registry, sink, noopAttributeSink{}), registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 2; i++ {
		client, server := net.Pipe()
		go g.handleConnection(ctx, server)
		defer client.Close()

		var buf bytes.Buffer
		pk := connectPacket("sensor-1", testToken)
		require.NoError(t, pk.ConnectEncode(&buf))
		require.NoError(t, client.SetDeadline(time.Now().Add(2*time.Second)))
		_, err := client.Write(buf.Bytes())
		require.NoError(t, err)

		reader := bufio.NewReader(client)
		fh := new(packets.FixedHeader)
		b, err := reader.ReadByte()
		require.NoError(t, err, "connection %d", i)
		require.NoError(t, fh.Decode(b))
		rem, _, err := packets.DecodeLength(reader)
		require.NoError(t, err)
		ackBuf := make([]byte, rem)
		_, err = io.ReadFull(reader, ackBuf)
		require.NoError(t, err)

		ack := &packets.Packet{FixedHeader: *fh}
		require.NoError(t, ack.ConnackDecode(ackBuf))
		require.Equal(t, packets.CodeSuccess.Code, ack.ReasonCode, "connection %d", i)
	}

	// Both live connections hold their own binding for the same device.
	assert.Equal(t, 2, registry.Len())
}
