package telemetry

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/capnetwork/capnode/common"
)

// Decoder turns an event payload into a pipe-delimited key:value string.
type Decoder func(payload []byte) string

var eventName = map[byte]string{
	EventNodeInfo:        "NODE_INFO",
	EventPlanReport:      "PLAN_REPORT",
	EventChallengeServed: "CHALLENGE_SERVED",
	EventKeepAlive:       "KEEP_ALIVE",
}

var eventDecoder = map[byte]Decoder{
	EventNodeInfo:        decodeNodeInfo,
	EventPlanReport:      decodePlanReport,
	EventChallengeServed: decodeChallengeServed,
	EventKeepAlive:       decodeKeepAlive,
}

const eventTimeLayout = "2006-01-02T15:04:05.000000Z"

// Frames are tiny (strings are capped at the sender); anything bigger is a
// broken or hostile peer.
const maxFrameBytes = 64 << 10

// Server accepts collector connections and logs one line per event.
type Server struct {
	addr     string
	listener net.Listener
	logFile  *os.File
	logger   *log.Logger
	stopped  atomic.Bool
}

// NewServer creates a collector listening on addr. Events are appended to
// logFilePath, or written to stdout when the path is empty.
func NewServer(addr, logFilePath string) (*Server, error) {
	s := &Server{addr: addr, logger: log.New(os.Stdout, "", 0)}
	if logFilePath != "" {
		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		s.logFile = logFile
		s.logger = log.New(logFile, "", 0)
	}
	return s, nil
}

// Start listens for connections and blocks until Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.listener = listener
	fmt.Printf("Telemetry collector listening on %s\n", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.stopped.Load() {
				fmt.Printf("Telemetry collector stopped\n")
				return nil
			}
			fmt.Printf("Failed to accept connection: %v\n", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

// Stop closes the listener and the log file.
func (s *Server) Stop() error {
	s.stopped.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	if s.logFile != nil {
		return s.logFile.Close()
	}
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	fmt.Printf("New telemetry connection from %s\n", conn.RemoteAddr())

	for {
		if err := s.readEvent(conn); err != nil {
			if err == io.EOF {
				fmt.Printf("Telemetry connection from %s closed\n", conn.RemoteAddr())
			} else {
				fmt.Printf("Error reading telemetry event: %v\n", err)
			}
			return
		}
	}
}

// readEvent reads one length-prefixed frame and logs the decoded event.
func (s *Server) readEvent(conn net.Conn) error {
	var length uint32
	if err := binary.Read(conn, binary.LittleEndian, &length); err != nil {
		return err
	}
	if length > maxFrameBytes {
		return fmt.Errorf("oversized telemetry frame: %d bytes", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return fmt.Errorf("failed to read event content: %w", err)
	}
	if len(data) < 9 {
		return fmt.Errorf("event data too short: %d bytes", len(data))
	}

	timestamp := binary.LittleEndian.Uint64(data[:8])
	discriminator := data[8]
	payload := data[9:]

	timeStr := time.UnixMicro(int64(timestamp)).UTC().Format(eventTimeLayout)
	s.processEvent(timeStr, discriminator, payload, conn.RemoteAddr().String())
	return nil
}

func (s *Server) processEvent(timestamp string, discriminator byte, payload []byte, peerAddr string) {
	name, hasName := eventName[discriminator]
	decoder, hasDecoder := eventDecoder[discriminator]
	if hasName && hasDecoder {
		s.logEvent(timestamp, peerAddr, name, decoder(payload))
		return
	}
	s.logEvent(timestamp, peerAddr, "UNKNOWN_EVENT", fmt.Sprintf("discriminator:%d|raw:0x%x", discriminator, payload))
}

func (s *Server) logEvent(timestamp, peerAddr, eventType, decoded string) {
	s.logger.Printf("%s|%s|%s|peer:%s", timestamp, eventType, decoded, peerAddr)
}

// DecodeEvent decodes an event payload, or returns "" when the discriminator
// is unknown.
func DecodeEvent(discriminator byte, payload []byte) string {
	if decoder, ok := eventDecoder[discriminator]; ok {
		return decoder(payload)
	}
	return ""
}

// EventName returns the log name for a discriminator, or "" when unknown.
func EventName(discriminator byte) string {
	return eventName[discriminator]
}

func decodeNodeInfo(payload []byte) string {
	version, offset := parseByte(payload, 0)
	address, offset := parseAddress(payload, offset)
	name, offset := parseString(payload, offset)
	nodeVersion, _ := parseString(payload, offset)
	return fmt.Sprintf("proto:%d|address:%s|name:%s|version:%s", version, address, name, nodeVersion)
}

func decodePlanReport(payload []byte) string {
	total, offset := parseUint64(payload, 0)
	shortfall, offset := parseUint64(payload, offset)
	shards, _ := parseUint32(payload, offset)
	return fmt.Sprintf("total_bytes:%d|shortfall_bytes:%d|shards:%d", total, shortfall, shards)
}

func decodeChallengeServed(payload []byte) string {
	challengeID, offset := parseString(payload, 0)
	offsets, offset := parseUint32(payload, offset)
	chunkSize, offset := parseUint32(payload, offset)
	responseMs, offset := parseUint32(payload, offset)
	success, _ := parseByte(payload, offset)
	return fmt.Sprintf("challenge:%s|offsets:%d|chunk_size:%d|response_ms:%d|success:%t",
		challengeID, offsets, chunkSize, responseMs, success == 1)
}

func decodeKeepAlive(payload []byte) string {
	touches, _ := parseUint64(payload, 0)
	return fmt.Sprintf("touches:%d", touches)
}

func parseUint64(payload []byte, offset int) (uint64, int) {
	if offset+8 > len(payload) {
		return 0, offset
	}
	return binary.LittleEndian.Uint64(payload[offset : offset+8]), offset + 8
}

func parseUint32(payload []byte, offset int) (uint32, int) {
	if offset+4 > len(payload) {
		return 0, offset
	}
	return binary.LittleEndian.Uint32(payload[offset : offset+4]), offset + 4
}

func parseByte(payload []byte, offset int) (byte, int) {
	if offset >= len(payload) {
		return 0, offset
	}
	return payload[offset], offset + 1
}

func parseAddress(payload []byte, offset int) (string, int) {
	if offset+20 > len(payload) {
		return common.Address{}.Hex(), offset
	}
	var a common.Address
	copy(a[:], payload[offset:offset+20])
	return a.Hex(), offset + 20
}

// parseString reads a little-endian uint16 length then that many bytes.
func parseString(payload []byte, offset int) (string, int) {
	if offset+2 > len(payload) {
		return "", offset
	}
	strLen := int(binary.LittleEndian.Uint16(payload[offset : offset+2]))
	offset += 2
	if offset+strLen > len(payload) {
		return "", offset
	}
	return string(payload[offset : offset+strLen]), offset + strLen
}
