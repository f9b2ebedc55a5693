package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"marketfeed/models"
)

var (
	// ErrMalformedFrame means the frame is not valid JSON.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrInvalidShape means the frame is JSON but not an event object with an id.
	ErrInvalidShape = errors.New("invalid event shape")
)

// wireEvent is the JSON shape pushed by the event source. Numbers may arrive
// as JSON numbers or as quoted strings.
type wireEvent struct {
	ID          json.RawMessage `json:"id"`
	Feed        string          `json:"feed"`
	Type        string          `json:"type"`
	Side        string          `json:"side"`
	Description string          `json:"description"`
	Price       json.RawMessage `json:"price"`
	Quantity    json.RawMessage `json:"quantity"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

// DecodeFrame turns one text frame into a MarketEvent. Errors wrap
// ErrMalformedFrame or ErrInvalidShape.
func DecodeFrame(data []byte) (models.MarketEvent, error) {
	if !json.Valid(data) {
		return models.MarketEvent{}, fmt.Errorf("%w: %s", ErrMalformedFrame, preview(data))
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return models.MarketEvent{}, fmt.Errorf("%w: not an object", ErrInvalidShape)
	}

	var w wireEvent
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return models.MarketEvent{}, fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}

	id, err := decodeID(w.ID)
	if err != nil {
		return models.MarketEvent{}, err
	}

	ts, err := decodeTimestamp(w.Timestamp)
	if err != nil {
		return models.MarketEvent{}, err
	}

	price, err := decodeNumber(w.Price, "price")
	if err != nil {
		return models.MarketEvent{}, err
	}
	quantity, err := decodeNumber(w.Quantity, "quantity")
	if err != nil {
		return models.MarketEvent{}, err
	}
	if price.IsNegative() || quantity.IsNegative() {
		return models.MarketEvent{}, fmt.Errorf("%w: negative price or quantity", ErrInvalidShape)
	}

	ev := models.MarketEvent{
		ID:          id,
		Feed:        models.Feed(w.Feed),
		Type:        models.EventType(w.Type),
		Description: w.Description,
		Price:       price,
		Quantity:    quantity,
		Timestamp:   ts,
	}
	if side, ok := models.ParseSide(w.Side); ok {
		ev.Side = side
	} else if side, ok := models.ParseSide(w.Type); ok {
		// Some sources put the side in the type field.
		ev.Side = side
	}
	return ev, nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: missing id", ErrInvalidShape)
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: id: %v", ErrInvalidShape, err)
		}
		if s == "" {
			return "", fmt.Errorf("%w: empty id", ErrInvalidShape)
		}
		return s, nil
	case '{', '[', 't', 'f':
		return "", fmt.Errorf("%w: id must be a string or number", ErrInvalidShape)
	default:
		return string(raw), nil
	}
}

// decodeNumber keeps the digits of a quoted value ("3.1200" stays at four
// places) and normalises a bare JSON number, which carries no precision of
// its own (65000.50 becomes 65000.5). Missing or null means zero.
func decodeNumber(raw json.RawMessage, field string) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, nil
	}
	quoted := raw[0] == '"'
	text := string(raw)
	if quoted {
		if err := json.Unmarshal(raw, &text); err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrInvalidShape, field, err)
		}
		text = strings.TrimSpace(text)
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q", ErrInvalidShape, field, text)
	}
	if !quoted {
		d = decimal.RequireFromString(d.String())
	}
	return d, nil
}

func decodeTimestamp(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	text := strings.Trim(string(raw), `"`)
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		return ms, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || f >= float64(math.MaxInt64) || f < float64(math.MinInt64) {
		return 0, fmt.Errorf("%w: timestamp %q", ErrInvalidShape, text)
	}
	return int64(f), nil
}

func preview(data []byte) string {
	const max = 64
	if len(data) > max {
		return strconv.Quote(string(data[:max])) + "..."
	}
	return strconv.Quote(string(data))
}
