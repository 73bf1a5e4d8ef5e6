package zerodha

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"kite-marketfeed/internal/logger"

	"github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"
)

// Packet sizes of the Kite binary protocol.
const (
	PacketLenLTP   = 8
	PacketLenQuote = 44
	PacketLenFull  = 184
)

// Index instruments occupy this token range. Their packets carry no open
// interest, so the exchange timestamp moves from offset 60 to 28.
const (
	IndexTokenMin uint32 = 260000
	IndexTokenMax uint32 = 270000
)

const (
	depthOffsetBuy  = 64
	depthOffsetSell = 124
	depthEntryLen   = 12
	depthLevels     = 5
)

var ErrTruncatedFrame = errors.New("zerodha: truncated frame")

// IsIndexToken reports whether token belongs to an index instrument.
func IsIndexToken(token uint32) bool {
	return token >= IndexTokenMin && token < IndexTokenMax
}

// Parser decodes Kite binary frames into ticks. It holds no state and is
// safe for concurrent use.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes every packet in frame whose token passes interested (nil
// accepts all). A truncated frame returns the ticks decoded before the cut
// together with an error wrapping ErrTruncatedFrame. Frames shorter than the
// count header are heartbeats and yield nothing.
func (p *Parser) Parse(ctx context.Context, frame []byte, interested func(token uint32) bool) ([]models.Tick, error) {
	if len(frame) < 2 {
		return nil, nil
	}

	count := int(binary.BigEndian.Uint16(frame[0:2]))
	ticks := make([]models.Tick, 0, count)
	offset := 2

	for i := 0; i < count; i++ {
		if offset+2 > len(frame) {
			return ticks, fmt.Errorf("%w: packet %d/%d header at offset %d exceeds %d bytes",
				ErrTruncatedFrame, i+1, count, offset, len(frame))
		}
		length := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		offset += 2

		if offset+length > len(frame) {
			return ticks, fmt.Errorf("%w: packet %d/%d declares %d bytes, %d remain",
				ErrTruncatedFrame, i+1, count, length, len(frame)-offset)
		}
		packet := frame[offset : offset+length]
		offset += length

		if length != PacketLenLTP && length != PacketLenQuote && length != PacketLenFull {
			logger.Debug(ctx, "Skipping packet with unrecognized length", "length", length, "index", i)
			continue
		}

		token := binary.BigEndian.Uint32(packet[0:4])
		if interested != nil && !interested(token) {
			continue
		}

		ticks = append(ticks, decodePacket(token, packet))
	}

	return ticks, nil
}

func decodePacket(token uint32, b []byte) models.Tick {
	tick := models.Tick{
		InstrumentToken: token,
		IsIndex:         IsIndexToken(token),
		IsTradable:      !IsIndexToken(token),
		LastPrice:       price(b, 4),
	}

	switch {
	case len(b) == PacketLenLTP:
		tick.Mode = string(kiteticker.ModeLTP)
	case tick.IsIndex:
		decodeIndex(&tick, b)
	default:
		decodeQuote(&tick, b)
		if len(b) == PacketLenFull {
			decodeFull(&tick, b)
		}
	}

	return tick
}

func decodeIndex(tick *models.Tick, b []byte) {
	tick.Mode = string(kiteticker.ModeQuote)
	if len(b) == PacketLenFull {
		tick.Mode = string(kiteticker.ModeFull)
	}
	tick.OHLC = models.OHLC{
		InstrumentToken: tick.InstrumentToken,
		High:            price(b, 8),
		Low:             price(b, 12),
		Open:            price(b, 16),
		Close:           price(b, 20),
	}
	tick.NetChange = price(b, 24)
	tick.Timestamp = unixTime(b, 28)
}

func decodeQuote(tick *models.Tick, b []byte) {
	tick.Mode = string(kiteticker.ModeQuote)
	tick.LastTradedQuantity = uint32At(b, 8)
	tick.AverageTradePrice = price(b, 12)
	tick.VolumeTraded = uint32At(b, 16)
	tick.TotalBuyQuantity = uint32At(b, 20)
	tick.TotalSellQuantity = uint32At(b, 24)
	tick.OHLC = models.OHLC{
		InstrumentToken: tick.InstrumentToken,
		Open:            price(b, 28),
		High:            price(b, 32),
		Low:             price(b, 36),
		Close:           price(b, 40),
	}
	if tick.OHLC.Close != 0 {
		tick.NetChange = tick.LastPrice - tick.OHLC.Close
	}
}

func decodeFull(tick *models.Tick, b []byte) {
	tick.Mode = string(kiteticker.ModeFull)
	tick.LastTradeTime = unixTime(b, 44)
	tick.OI = uint32At(b, 48)
	tick.OIDayHigh = uint32At(b, 52)
	tick.OIDayLow = uint32At(b, 56)
	tick.Timestamp = unixTime(b, 60)

	for i := 0; i < depthLevels; i++ {
		tick.Depth.Buy[i] = depthItem(b, depthOffsetBuy+i*depthEntryLen)
		tick.Depth.Sell[i] = depthItem(b, depthOffsetSell+i*depthEntryLen)
	}
}

// depthItem reads quantity(4) price(4) orders(2); the trailing 2 bytes are padding.
func depthItem(b []byte, off int) models.DepthItem {
	return models.DepthItem{
		Quantity: uint32At(b, off),
		Price:    price(b, off+4),
		Orders:   uint32(binary.BigEndian.Uint16(b[off+8 : off+10])),
	}
}

func uint32At(b []byte, off int) uint32 {
	return binary.BigEndian.Uint32(b[off : off+4])
}

// price converts the wire's paise fixed point to rupees.
func price(b []byte, off int) float64 {
	return float64(int32(uint32At(b, off))) / 100.0
}

func unixTime(b []byte, off int) models.Time {
	sec := uint32At(b, off)
	if sec == 0 {
		return models.Time{}
	}
	return models.Time{Time: time.Unix(int64(sec), 0)}
}
