package wire

import (
	"bytes"
	"reflect"
	"testing"
)

// FuzzDecode ensures the decoder never panics on arbitrary input and always
// terminates with either a message or an error.
func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x41})
	f.Add([]byte{0x20, 4, 'U', 'N', '1', 'X', 0, 0, 0, 45})
	f.Add([]byte{0x80, 0, 123, 0, 8, 0, 60})
	f.Add([]byte{0x81, 2, 0, 1, 0, 2})
	f.Add([]byte{0x10, 3, 'b', 'a', 'd'})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Decode(bytes.NewReader(data))
	})
}

// FuzzEncodeDecodeTicket checks that any ticket with a plate under the
// 255-byte limit survives an encode/decode cycle unchanged.
func FuzzEncodeDecodeTicket(f *testing.F) {
	f.Add("UN1X", uint16(123), uint16(8), uint32(0), uint16(9), uint32(45), uint16(8000))
	f.Fuzz(func(t *testing.T, plate string, road, mile1 uint16, ts1 uint32, mile2 uint16, ts2 uint32, speed uint16) {
		if len(plate) > 255 {
			t.Skip()
		}
		in := TicketMessage(Ticket{
			Plate: plate, Road: road, Mile1: mile1, Timestamp1: ts1,
			Mile2: mile2, Timestamp2: ts2, Speed: speed,
		})
		var buf bytes.Buffer
		if err := Encode(&buf, in); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		out, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !reflect.DeepEqual(out, in) {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", out, in)
		}
	})
}
