package telemetry

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/capnetwork/capnode/common"
	"github.com/capnetwork/capnode/log"
	"github.com/capnetwork/capnode/types"
)

// Event discriminators. One byte after the timestamp selects the payload
// layout; the collector dispatches on it.
const (
	EventNodeInfo        = byte(0x01)
	EventPlanReport      = byte(0x02)
	EventChallengeServed = byte(0x03)
	EventKeepAlive       = byte(0x04)
)

// NodeInfo is the hello message sent once per connection.
type NodeInfo struct {
	Address     common.Address
	NodeName    string
	NodeVersion string
}

// Client streams node events to a telemetry collector over plain TCP.
// Framing: little-endian uint32 length prefix, then timestamp (8 bytes,
// little-endian microseconds since the Unix epoch), discriminator byte and
// the event payload. Sends are fire-and-forget; telemetry must never stall
// the node.
type Client struct {
	addr     string
	disabled bool

	mu   sync.Mutex
	conn net.Conn
}

// NewNoOpClient creates a disabled telemetry client that does nothing.
func NewNoOpClient() *Client {
	return &Client{disabled: true}
}

// NewClient builds a telemetry client targeting addr ("host:port").
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Connect dials the collector and sends the node information message.
func (c *Client) Connect(info NodeInfo) error {
	if c.disabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return fmt.Errorf("telemetry client already connected to %s", c.addr)
	}

	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to telemetry collector at %s: %w", c.addr, err)
	}

	var payload []byte
	payload = append(payload, 0) // protocol version
	payload = append(payload, info.Address.Bytes()...)
	payload = append(payload, encodeString(info.NodeName, 32)...)
	payload = append(payload, encodeString(info.NodeVersion, 32)...)
	if err := writeFrame(conn, EventNodeInfo, payload); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send node info: %w", err)
	}

	c.conn = conn
	log.Info(log.TelemetryModule, "telemetry connected", "addr", c.addr)
	return nil
}

// Close terminates the telemetry connection and clears the stored state.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// SendPlanReport reports the outcome of a planning run.
func (c *Client) SendPlanReport(report types.PlanReport) {
	var payload []byte
	payload = append(payload, common.Uint64ToBytes(report.TotalAllocatedBytes)...)
	payload = append(payload, common.Uint64ToBytes(report.ShortfallBytes)...)
	payload = append(payload, common.Uint32ToBytes(uint32(report.ShardCount))...)
	c.sendEvent(EventPlanReport, payload)
}

// SendChallengeServed reports one answered challenge.
func (c *Client) SendChallengeServed(challengeID string, offsets int, chunkSize, responseMs uint32, success bool) {
	var payload []byte
	payload = append(payload, encodeString(challengeID, 64)...)
	payload = append(payload, common.Uint32ToBytes(uint32(offsets))...)
	payload = append(payload, common.Uint32ToBytes(chunkSize)...)
	payload = append(payload, common.Uint32ToBytes(responseMs)...)
	if success {
		payload = append(payload, 1)
	} else {
		payload = append(payload, 0)
	}
	c.sendEvent(EventChallengeServed, payload)
}

// SendKeepAlive reports cumulative keep-alive touches.
func (c *Client) SendKeepAlive(touches uint64) {
	c.sendEvent(EventKeepAlive, common.Uint64ToBytes(touches))
}

// sendEvent prepends the timestamp and discriminator and writes one frame.
// Write errors are dropped on the floor along with the frame.
func (c *Client) sendEvent(discriminator byte, payload []byte) {
	if c.disabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if err := writeFrame(c.conn, discriminator, payload); err != nil {
		log.Trace(log.TelemetryModule, "telemetry frame dropped", "err", err)
	}
}

func writeFrame(conn net.Conn, discriminator byte, payload []byte) error {
	message := make([]byte, 0, 9+len(payload))
	message = append(message, common.Uint64ToBytes(currentTimestamp())...)
	message = append(message, discriminator)
	message = append(message, payload...)

	if _, err := conn.Write(common.Uint32ToBytes(uint32(len(message)))); err != nil {
		return err
	}
	_, err := conn.Write(message)
	return err
}

// currentTimestamp is microseconds since the Unix epoch, UTC.
func currentTimestamp() uint64 {
	return uint64(time.Now().UTC().UnixMicro())
}

// encodeString writes a little-endian uint16 length then the bytes, capped
// at maxLen.
func encodeString(s string, maxLen int) []byte {
	raw := []byte(s)
	if len(raw) > maxLen {
		raw = raw[:maxLen]
	}
	out := make([]byte, 2, 2+len(raw))
	out[0] = byte(len(raw))
	out[1] = byte(len(raw) >> 8)
	return append(out, raw...)
}
