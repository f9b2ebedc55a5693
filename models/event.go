package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Feed identifies the market symbol an event belongs to.
type Feed string

const (
	FeedBTCUSD  Feed = "BTC-USD"
	FeedETHUSD  Feed = "ETH-USD"
	FeedSOLUSD  Feed = "SOL-USD"
	FeedDOGEUSD Feed = "DOGE-USD"

	// AllFeeds is the filter sentinel that matches every feed.
	AllFeeds Feed = "ALL"
)

// KnownFeeds lists the feeds published by the reference event source. Feeds
// outside this set are passed through untouched.
var KnownFeeds = []Feed{FeedBTCUSD, FeedETHUSD, FeedSOLUSD, FeedDOGEUSD}

// ParseFeed normalises a user supplied feed filter. Empty input and any
// spelling of "all" map to AllFeeds.
func ParseFeed(s string) Feed {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, string(AllFeeds)) {
		return AllFeeds
	}
	return Feed(strings.ToUpper(s))
}

// EventType categorises an event. The set is open: unknown values are kept.
type EventType string

const (
	EventTypeTrade     EventType = "trade"
	EventTypeSentiment EventType = "sentiment"
)

// Side is the display polarity of an event and varies independently of its type.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide returns the side named by s, or false when s is not buy/sell.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// MarketEvent is one observed trade or sentiment tick. Values are never
// mutated once decoded; an update arrives as a new event with a new ID.
type MarketEvent struct {
	ID          string          `json:"id"`
	Feed        Feed            `json:"feed"`
	Type        EventType       `json:"type"`
	Side        Side            `json:"side,omitempty"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Timestamp   int64           `json:"timestamp"` // epoch milliseconds, source assigned
}

// Total is price multiplied by quantity.
func (e MarketEvent) Total() decimal.Decimal {
	return e.Price.Mul(e.Quantity)
}

// PriceText renders the price at the precision it was received with.
func (e MarketEvent) PriceText() string {
	return sourceText(e.Price)
}

// QuantityText renders the quantity at the precision it was received with.
func (e MarketEvent) QuantityText() string {
	return sourceText(e.Quantity)
}

func sourceText(d decimal.Decimal) string {
	if exp := d.Exponent(); exp < 0 {
		return d.StringFixed(-exp)
	}
	return d.String()
}

// Time converts the source timestamp to a time.Time in the local zone.
func (e MarketEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// ClockLayout renders wall-clock time as HH:mm:ss.SSS.
const ClockLayout = "15:04:05.000"

// Clock returns the event time formatted with ClockLayout.
func (e MarketEvent) Clock() string {
	return e.Time().Format(ClockLayout)
}
