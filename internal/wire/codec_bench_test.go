package wire

import (
	"bytes"
	"testing"
)

func benchTicket(i int) Ticket {
	return Ticket{
		Plate: "UN1X", Road: uint16(100 + i), Mile1: 8, Timestamp1: 0,
		Mile2: 9, Timestamp2: 45, Speed: 8000,
	}
}

func BenchmarkEncode_Ticket(b *testing.B) {
	t := TicketMessage(benchTicket(0))
	var buf bytes.Buffer
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		_ = Encode(&buf, t)
	}
}

func BenchmarkDecode_Ticket(b *testing.B) {
	t := TicketMessage(benchTicket(0))
	var buf bytes.Buffer
	_ = Encode(&buf, t)
	wireBytes := buf.Bytes()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r := bytes.NewReader(wireBytes)
		_, _ = Decode(r)
	}
}
