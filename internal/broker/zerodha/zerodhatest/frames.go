// Package zerodhatest builds Kite binary frames for tests.
package zerodhatest

import (
	"encoding/binary"
)

// Level is one market depth entry in wire units.
type Level struct {
	Qty    uint32
	Price  int32
	Orders uint16
}

// Quote holds quote packet fields; prices are raw paise.
type Quote struct {
	Token    uint32
	LTP      int32
	LastQty  uint32
	AvgPrice int32
	Volume   uint32
	BuyQty   uint32
	SellQty  uint32
	Open     int32
	High     int32
	Low      int32
	Close    int32
}

// Full extends Quote with the full-mode tail.
type Full struct {
	Quote
	LastTradeTime uint32
	OI            uint32
	OIDayHigh     uint32
	OIDayLow      uint32
	ExchangeTime  uint32
	Bids          [5]Level
	Asks          [5]Level
}

// Index holds an index packet; Length selects 44 or 184 bytes.
type Index struct {
	Token        uint32
	LTP          int32
	High         int32
	Low          int32
	Open         int32
	Close        int32
	Change       int32
	ExchangeTime uint32
	Length       int
}

func LTP(token uint32, ltp int32) []byte {
	b := make([]byte, 8)
	put(b, 0, token)
	put(b, 4, uint32(ltp))
	return b
}

func QuotePacket(q Quote) []byte {
	b := make([]byte, 44)
	writeQuote(b, q)
	return b
}

func FullPacket(f Full) []byte {
	b := make([]byte, 184)
	writeQuote(b, f.Quote)
	put(b, 44, f.LastTradeTime)
	put(b, 48, f.OI)
	put(b, 52, f.OIDayHigh)
	put(b, 56, f.OIDayLow)
	put(b, 60, f.ExchangeTime)
	for i := 0; i < 5; i++ {
		writeLevel(b, 64+i*12, f.Bids[i])
		writeLevel(b, 124+i*12, f.Asks[i])
	}
	return b
}

func IndexPacket(x Index) []byte {
	n := x.Length
	if n == 0 {
		n = 44
	}
	b := make([]byte, n)
	put(b, 0, x.Token)
	put(b, 4, uint32(x.LTP))
	put(b, 8, uint32(x.High))
	put(b, 12, uint32(x.Low))
	put(b, 16, uint32(x.Open))
	put(b, 20, uint32(x.Close))
	put(b, 24, uint32(x.Change))
	put(b, 28, x.ExchangeTime)
	return b
}

// Frame prefixes the packet count and each packet's length.
func Frame(packets ...[]byte) []byte {
	size := 2
	for _, p := range packets {
		size += 2 + len(p)
	}
	b := make([]byte, 0, size)
	b = binary.BigEndian.AppendUint16(b, uint16(len(packets)))
	for _, p := range packets {
		b = binary.BigEndian.AppendUint16(b, uint16(len(p)))
		b = append(b, p...)
	}
	return b
}

func writeQuote(b []byte, q Quote) {
	put(b, 0, q.Token)
	put(b, 4, uint32(q.LTP))
	put(b, 8, q.LastQty)
	put(b, 12, uint32(q.AvgPrice))
	put(b, 16, q.Volume)
	put(b, 20, q.BuyQty)
	put(b, 24, q.SellQty)
	put(b, 28, uint32(q.Open))
	put(b, 32, uint32(q.High))
	put(b, 36, uint32(q.Low))
	put(b, 40, uint32(q.Close))
}

func writeLevel(b []byte, off int, l Level) {
	put(b, off, l.Qty)
	put(b, off+4, uint32(l.Price))
	binary.BigEndian.PutUint16(b[off+8:], l.Orders)
}

func put(b []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(b[off:], v)
}
