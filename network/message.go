// Package network implements the framed RPC wire protocol: message codec,
// client-side reply matching, transports, channels and the RPC server.
package network

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/najoast/dsngo/core"
)

// Fixed header layout, all fields big-endian:
//
//	0  magic
//	4  request id
//	8  body length
//	12 dynamic header length
//	16 flags (bits 0-7 message flags, bits 24-31 header format id)
const (
	// HeaderMagic marks the start of every frame ("DSN1")
	HeaderMagic uint32 = 0x44534E31

	// HeaderSize is the size of the fixed header in bytes
	HeaderSize = 20

	// DefaultMaxMessageSize bounds header + body + dynamic header
	DefaultMaxMessageSize = 64 * 1024 * 1024 // 64MB

	formatShift = 24
	flagMask    = 0xFF
)

// MessageFlag defines message flags
type MessageFlag uint32

const (
	FlagNone     MessageFlag = 0
	FlagRequest  MessageFlag = 1 << 0
	FlagResponse MessageFlag = 1 << 1
	FlagOneWay   MessageFlag = 1 << 2
)

// Message is one RPC frame. Fields below Body travel in the dynamic header.
type Message struct {
	ID    uint32
	Flags MessageFlag

	RPCName       string
	Error         ErrorCode
	Timeout       time.Duration
	PartitionHash uint64
	From          string

	Body []byte

	// Format is the dynamic header format the message was decoded or
	// prepared with
	Format HeaderFormat

	// Code is resolved locally from RPCName and never sent
	Code core.TaskCode

	// Encoded dynamic header; a nonzero length marks the message prepared
	dynHeader    []byte
	dynHeaderLen uint32
}

// NewRequest creates a request message.
func NewRequest(rpcName string, body []byte, timeout time.Duration) *Message {
	return &Message{
		Flags:   FlagRequest,
		RPCName: rpcName,
		Timeout: timeout,
		Body:    body,
	}
}

// CreateResponse creates the response skeleton for a request. It carries
// the request id, partition hash and the ACK name of the RPC.
func (m *Message) CreateResponse() *Message {
	return &Message{
		ID:            m.ID,
		Flags:         FlagResponse,
		RPCName:       m.RPCName + core.AckSuffix,
		PartitionHash: m.PartitionHash,
		Format:        m.Format,
	}
}

// SetFlag sets a message flag
func (m *Message) SetFlag(flag MessageFlag) {
	m.Flags |= flag
}

// HasFlag checks if a message flag is set
func (m *Message) HasFlag(flag MessageFlag) bool {
	return m.Flags&flag != 0
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool {
	return m.HasFlag(FlagRequest)
}

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool {
	return m.HasFlag(FlagResponse)
}

// IsOneWay reports whether the sender expects no response.
func (m *Message) IsOneWay() bool {
	return m.HasFlag(FlagOneWay)
}

// Prepared reports whether the dynamic header has been encoded.
func (m *Message) Prepared() bool {
	return m.dynHeaderLen != 0
}

// Size returns the encoded size. It is exact only once prepared.
func (m *Message) Size() int {
	return HeaderSize + len(m.Body) + int(m.dynHeaderLen)
}

// String returns a short description for logs.
func (m *Message) String() string {
	kind := "request"
	if m.IsResponse() {
		kind = "response"
	}
	return fmt.Sprintf("%s[id=%d rpc=%s err=%d body=%d]", kind, m.ID, m.RPCName, m.Error, len(m.Body))
}

// header is the decoded fixed header
type header struct {
	magic   uint32
	id      uint32
	bodyLen uint32
	dynLen  uint32
	flags   uint32
}

func (h header) format() HeaderFormat {
	return HeaderFormat(h.flags >> formatShift)
}

func (h header) frameSize() uint64 {
	return HeaderSize + uint64(h.bodyLen) + uint64(h.dynLen)
}

func putHeader(buf []byte, h header) {
	binary.BigEndian.PutUint32(buf[0:4], h.magic)
	binary.BigEndian.PutUint32(buf[4:8], h.id)
	binary.BigEndian.PutUint32(buf[8:12], h.bodyLen)
	binary.BigEndian.PutUint32(buf[12:16], h.dynLen)
	binary.BigEndian.PutUint32(buf[16:20], h.flags)
}

func parseHeader(buf []byte) header {
	return header{
		magic:   binary.BigEndian.Uint32(buf[0:4]),
		id:      binary.BigEndian.Uint32(buf[4:8]),
		bodyLen: binary.BigEndian.Uint32(buf[8:12]),
		dynLen:  binary.BigEndian.Uint32(buf[12:16]),
		flags:   binary.BigEndian.Uint32(buf[16:20]),
	}
}
