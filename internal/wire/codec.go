// Package wire implements the speed-enforcement server's binary protocol:
// big-endian integers, single-byte-length-prefixed strings, and a small
// closed set of tagged messages. The codec is stateless and safe for
// concurrent use.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Tag identifies a message's wire shape.
type Tag byte

const (
	TagError         Tag = 0x10
	TagPlate         Tag = 0x20
	TagTicket        Tag = 0x21
	TagWantHeartbeat Tag = 0x40
	TagHeartbeat     Tag = 0x41
	TagIAmCamera     Tag = 0x80
	TagIAmDispatcher Tag = 0x81
)

// ErrUnknownTag is returned when the leading byte of a frame is not one of
// the tags above.
var ErrUnknownTag = errors.New("wire: unknown message tag")

// ErrStringTooLong is returned by Encode when a string field exceeds 255
// bytes; the wire format has no room to represent it and this is treated as
// a protocol invariant violation rather than a recoverable condition.
var ErrStringTooLong = errors.New("wire: string exceeds 255 bytes")

// Ticket is the payload of a Ticket message. Fields mirror region.Ticket;
// kept distinct so the codec has no dependency on the Region's internal
// types.
type Ticket struct {
	Plate      string
	Road       uint16
	Mile1      uint16
	Timestamp1 uint32
	Mile2      uint16
	Timestamp2 uint32
	Speed      uint16
}

// Message is a tagged union over every message the protocol defines. Only
// the fields relevant to Tag are populated; this mirrors the teacher's use
// of a single flat value type (can.Frame) instead of an interface
// hierarchy, appropriate for a small closed tag set.
type Message struct {
	Tag Tag

	// TagError
	ErrorMsg string

	// TagPlate
	Plate     string
	Timestamp uint32

	// TagTicket
	Ticket Ticket

	// TagWantHeartbeat
	Deciseconds uint32

	// TagIAmCamera
	Road  uint16
	Mile  uint16
	Limit uint16

	// TagIAmDispatcher
	Roads []uint16
}

// ErrorMessage builds an Error frame.
func ErrorMessage(msg string) Message { return Message{Tag: TagError, ErrorMsg: msg} }

// HeartbeatMessage builds the empty Heartbeat frame.
func HeartbeatMessage() Message { return Message{Tag: TagHeartbeat} }

// TicketMessage builds a Ticket frame.
func TicketMessage(t Ticket) Message { return Message{Tag: TagTicket, Ticket: t} }

// Decode reads exactly one message from r. Any stream end mid-frame
// surfaces as the underlying io error (typically io.ErrUnexpectedEOF); a
// clean end-of-stream before the tag byte surfaces as io.EOF. An unknown
// tag byte returns ErrUnknownTag.
func Decode(r io.Reader) (Message, error) {
	var m Message
	var tagb [1]byte
	if _, err := io.ReadFull(r, tagb[:]); err != nil {
		return m, err // io.EOF at a frame boundary passes through untouched
	}
	m.Tag = Tag(tagb[0])
	switch m.Tag {
	case TagError:
		msg, err := readString(r)
		m.ErrorMsg = msg
		return m, err
	case TagHeartbeat:
		return m, nil
	case TagTicket:
		plate, err := readString(r)
		var b [16]byte
		if err == nil {
			_, err = io.ReadFull(r, b[:])
		}
		be := binary.BigEndian
		m.Ticket = Ticket{Plate: plate, Road: be.Uint16(b[0:]), Mile1: be.Uint16(b[2:]), Timestamp1: be.Uint32(b[4:]),
			Mile2: be.Uint16(b[8:]), Timestamp2: be.Uint32(b[10:]), Speed: be.Uint16(b[14:])}
		return m, err
	case TagPlate:
		plate, err := readString(r)
		if err != nil {
			return m, err
		}
		ts, err := readU32(r)
		if err != nil {
			return m, err
		}
		m.Plate = plate
		m.Timestamp = ts
		return m, nil
	case TagWantHeartbeat:
		d, err := readU32(r)
		if err != nil {
			return m, err
		}
		m.Deciseconds = d
		return m, nil
	case TagIAmCamera:
		road, err := readU16(r)
		if err != nil {
			return m, err
		}
		mile, err := readU16(r)
		if err != nil {
			return m, err
		}
		limit, err := readU16(r)
		if err != nil {
			return m, err
		}
		m.Road, m.Mile, m.Limit = road, mile, limit
		return m, nil
	case TagIAmDispatcher:
		var nb [1]byte
		if _, err := io.ReadFull(r, nb[:]); err != nil {
			return m, err
		}
		n := int(nb[0])
		roads := make([]uint16, n)
		for i := 0; i < n; i++ {
			road, err := readU16(r)
			if err != nil {
				return m, err
			}
			roads[i] = road
		}
		m.Roads = roads
		return m, nil
	default:
		return m, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tagb[0])
	}
}

// Encode serializes m to w. Only server-originated messages (Error,
// Ticket, Heartbeat) are meaningful to encode; encoding a client-only tag
// is a programmer error and returns ErrUnknownTag.
func Encode(w io.Writer, m Message) error {
	switch m.Tag {
	case TagError:
		if len(m.ErrorMsg) > 255 {
			return ErrStringTooLong
		}
		if _, err := w.Write([]byte{byte(TagError)}); err != nil {
			return err
		}
		return writeString(w, m.ErrorMsg)
	case TagHeartbeat:
		_, err := w.Write([]byte{byte(TagHeartbeat)})
		return err
	case TagTicket:
		t := m.Ticket
		if len(t.Plate) > 255 {
			return ErrStringTooLong
		}
		if _, err := w.Write([]byte{byte(TagTicket)}); err != nil {
			return err
		}
		if err := writeString(w, t.Plate); err != nil {
			return err
		}
		if err := writeU16(w, t.Road); err != nil {
			return err
		}
		if err := writeU16(w, t.Mile1); err != nil {
			return err
		}
		if err := writeU32(w, t.Timestamp1); err != nil {
			return err
		}
		if err := writeU16(w, t.Mile2); err != nil {
			return err
		}
		if err := writeU32(w, t.Timestamp2); err != nil {
			return err
		}
		return writeU16(w, t.Speed)
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownTag, byte(m.Tag))
	}
}

// NewReader wraps r in a buffered reader sized for small protocol frames;
// callers decoding many messages from one connection should use this
// instead of calling Decode directly against a raw net.Conn.
func NewReader(r io.Reader) *bufio.Reader { return bufio.NewReaderSize(r, 512) }

func readString(r io.Reader) (string, error) {
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return "", err
	}
	n := int(lb[0])
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeString(w io.Writer, s string) error {
	if _, err := w.Write([]byte{byte(len(s))}); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func writeU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}
