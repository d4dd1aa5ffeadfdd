package network

import (
	"fmt"
	"math"
	"net"
	"time"
)

const defaultReadBufferSize = 4096

// PrepareOnSend encodes the dynamic header of msg with format. It is a no-op
// for a message that is already prepared, so a message keeps the format it
// was first prepared with.
func PrepareOnSend(msg *Message, format HeaderFormat) error {
	if msg == nil {
		return ErrNilMessage
	}
	if msg.Prepared() {
		return nil
	}
	if !format.IsValid() {
		return fmt.Errorf("%w: %d", ErrUnknownFormat, uint8(format))
	}

	dh := dynamicHeader{
		RPCName:   msg.RPCName,
		Error:     int32(msg.Error),
		TimeoutMS: msg.Timeout.Milliseconds(),
		Hash:      msg.PartitionHash,
		From:      msg.From,
	}
	b, err := encodeDynamicHeader(format, &dh)
	if err != nil {
		return fmt.Errorf("encode %s header: %w", format, err)
	}
	if len(b) == 0 || uint64(len(b)) > math.MaxUint32 {
		return fmt.Errorf("encode %s header: invalid length %d", format, len(b))
	}

	msg.dynHeader = b
	msg.dynHeaderLen = uint32(len(b))
	msg.Format = format
	return nil
}

// Buffers returns the frame of a prepared message as header, body and
// dynamic header segments, ready for a vectored write.
func Buffers(msg *Message) (net.Buffers, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	if !msg.Prepared() {
		return nil, fmt.Errorf("message %d: dynamic header not prepared", msg.ID)
	}
	if uint64(len(msg.Body))+uint64(msg.dynHeaderLen)+HeaderSize > math.MaxUint32 {
		return nil, fmt.Errorf("%w: body %d bytes", ErrMessageTooLarge, len(msg.Body))
	}

	hdr := make([]byte, HeaderSize)
	putHeader(hdr, header{
		magic:   HeaderMagic,
		id:      msg.ID,
		bodyLen: uint32(len(msg.Body)),
		dynLen:  msg.dynHeaderLen,
		flags:   uint32(msg.Flags)&flagMask | uint32(msg.Format)<<formatShift,
	})

	bufs := net.Buffers{hdr}
	if len(msg.Body) > 0 {
		bufs = append(bufs, msg.Body)
	}
	bufs = append(bufs, msg.dynHeader)

	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	if want := HeaderSize + len(msg.Body) + int(msg.dynHeaderLen); total != want {
		return nil, fmt.Errorf("%w: %d != %d", ErrLengthMismatch, total, want)
	}
	return bufs, nil
}

// ReaderOption configures a MessageReader.
type ReaderOption func(*MessageReader)

// WithMaxMessageSize bounds the frame size accepted by the reader.
func WithMaxMessageSize(n int) ReaderOption {
	return func(r *MessageReader) {
		if n > HeaderSize {
			r.maxSize = n
		}
	}
}

// WithBufferSize sets the minimum size handed out by ReadBuffer.
func WithBufferSize(n int) ReaderOption {
	return func(r *MessageReader) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// MessageReader reassembles frames from a byte stream. Callers write into
// the slice returned by ReadBuffer, commit with MarkRead and call Decode
// until it asks for more bytes.
//
// A MessageReader is not safe for concurrent use; each channel owns one and
// drives it from its read path only.
type MessageReader struct {
	format     HeaderFormat
	maxSize    int
	bufferSize int

	// Unread bytes are buf[start:end]
	buf   []byte
	start int
	end   int

	// Bytes of a dropped frame that have not arrived yet
	skip uint64
}

// NewMessageReader creates a reader that accepts frames of format.
func NewMessageReader(format HeaderFormat, opts ...ReaderOption) *MessageReader {
	r := &MessageReader{
		format:     format,
		maxSize:    DefaultMaxMessageSize,
		bufferSize: defaultReadBufferSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Format returns the header format the reader accepts.
func (r *MessageReader) Format() HeaderFormat {
	return r.format
}

// Buffered returns the number of committed bytes not yet decoded.
func (r *MessageReader) Buffered() int {
	return r.end - r.start
}

// ReadBuffer returns a writable slice of at least hint bytes.
func (r *MessageReader) ReadBuffer(hint int) []byte {
	if hint < r.bufferSize {
		hint = r.bufferSize
	}
	if len(r.buf)-r.end >= hint {
		return r.buf[r.end:]
	}

	n := r.end - r.start
	if r.start > 0 && len(r.buf)-n >= hint {
		copy(r.buf, r.buf[r.start:r.end])
	} else {
		grown := make([]byte, n+hint)
		copy(grown, r.buf[r.start:r.end])
		r.buf = grown
	}
	r.start, r.end = 0, n
	return r.buf[r.end:]
}

// MarkRead commits n bytes written into the last ReadBuffer slice.
func (r *MessageReader) MarkRead(n int) {
	if n < 0 || r.end+n > len(r.buf) {
		panic(fmt.Sprintf("network: MarkRead(%d) beyond read buffer", n))
	}
	r.end += n

	if r.skip > 0 {
		d := uint64(r.end - r.start)
		if d > r.skip {
			d = r.skip
		}
		r.start += int(d)
		r.skip -= d
		r.compact()
	}
}

// Decode returns the next complete message. When more bytes are needed it
// returns a nil message and the exact count still missing; while the fixed
// header is incomplete the count covers the header only. ErrCorruption is
// returned once a full header fails validation and stays until Reset.
func (r *MessageReader) Decode() (*Message, int, error) {
	avail := r.end - r.start
	if avail < HeaderSize {
		return nil, HeaderSize - avail, nil
	}

	h := parseHeader(r.buf[r.start:r.end])
	if err := r.validate(h); err != nil {
		return nil, 0, err
	}

	size := h.frameSize()
	if uint64(avail) < size {
		return nil, int(size - uint64(avail)), nil
	}

	frame := r.buf[r.start : r.start+int(size)]
	msg := &Message{
		ID:     h.id,
		Flags:  MessageFlag(h.flags & flagMask),
		Format: h.format(),
	}

	bodyEnd := HeaderSize + int(h.bodyLen)
	if h.bodyLen > 0 {
		msg.Body = make([]byte, h.bodyLen)
		copy(msg.Body, frame[HeaderSize:bodyEnd])
	}

	// The dynamic header is optional; without it those fields stay zero
	if h.dynLen > 0 {
		var dh dynamicHeader
		if err := decodeDynamicHeader(msg.Format, frame[bodyEnd:], &dh); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrCorruption, err)
		}
		msg.RPCName = dh.RPCName
		msg.Error = ErrorCode(dh.Error)
		msg.Timeout = time.Duration(dh.TimeoutMS) * time.Millisecond
		msg.PartitionHash = dh.Hash
		msg.From = dh.From
	}

	r.start += int(size)
	r.compact()
	return msg, 0, nil
}

// Reset drops the frame being assembled. A frame whose length is known is
// discarded, including bytes of it that arrive later, while bytes past its
// end are kept. Without a parseable header everything buffered is dropped.
func (r *MessageReader) Reset() {
	avail := r.end - r.start
	if avail >= HeaderSize {
		h := parseHeader(r.buf[r.start:r.end])
		if r.validate(h) == nil {
			size := h.frameSize()
			if uint64(avail) >= size {
				r.start += int(size)
			} else {
				r.skip += size - uint64(avail)
				r.start = r.end
			}
			r.compact()
			return
		}
	}

	r.start, r.end = 0, 0
}

func (r *MessageReader) validate(h header) error {
	if h.magic != HeaderMagic {
		return fmt.Errorf("%w: bad magic %#08x", ErrCorruption, h.magic)
	}
	if f := h.format(); f != r.format {
		return fmt.Errorf("%w: header format %s, want %s", ErrCorruption, f, r.format)
	}
	if size := h.frameSize(); size > uint64(r.maxSize) {
		return fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrCorruption, size, r.maxSize)
	}
	return nil
}

func (r *MessageReader) compact() {
	if r.start == r.end {
		r.start, r.end = 0, 0
	}
}
