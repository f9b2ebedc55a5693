// Package mockfeed is a synthetic event source: a websocket server that
// pushes randomly generated market events at a steady pace.
package mockfeed

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketfeed/models"
)

var descriptions = []string{
	"Whale Alert 🐋",
	"Bot Arbitrage 🤖",
	"Stop Loss Triggered",
	"Retail FOMO",
	"Liquidation Cascade",
	"Limit Order Filled",
	"Market Maker Exec",
}

// priceBase is the centre of the random walk for each feed; feeds not listed
// use defaultPriceBase.
var priceBase = map[models.Feed]float64{
	models.FeedBTCUSD: 65000,
	models.FeedETHUSD: 3500,
}

const (
	defaultPriceBase = 150
	priceSpread      = 100
	maxQuantity      = 10
)

// Frame is the JSON shape the generator emits. Price is a JSON number with two
// decimals; quantity is a string with four.
type Frame struct {
	ID          string      `json:"id"`
	Feed        models.Feed `json:"feed"`
	Description string      `json:"description"`
	Type        string      `json:"type"`
	Side        string      `json:"side"`
	Price       json.Number `json:"price"`
	Quantity    string      `json:"quantity"`
	Timestamp   int64       `json:"timestamp"`
}

// Generator produces random frames. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed)), now: time.Now}
}

func (g *Generator) Next() Frame {
	g.mu.Lock()
	feed := models.KnownFeeds[g.rng.Intn(len(models.KnownFeeds))]
	buy := g.rng.Float64() > 0.5
	sentiment := g.rng.Intn(4) == 0
	offset := g.rng.Float64()*priceSpread - priceSpread/2
	qty := g.rng.Float64() * maxQuantity
	desc := descriptions[g.rng.Intn(len(descriptions))]
	g.mu.Unlock()

	base, ok := priceBase[feed]
	if !ok {
		base = defaultPriceBase
	}

	f := Frame{
		ID:          uuid.NewString(),
		Feed:        feed,
		Description: desc,
		Type:        string(models.EventTypeTrade),
		Side:        string(models.SideSell),
		Price:       json.Number(decimal.NewFromFloat(base + offset).StringFixed(2)),
		Quantity:    decimal.NewFromFloat(qty).StringFixed(4),
		Timestamp:   g.now().UnixMilli(),
	}
	if buy {
		f.Side = string(models.SideBuy)
	}
	if sentiment {
		f.Type = string(models.EventTypeSentiment)
	}
	return f
}

// NextJSON returns the next frame encoded as JSON.
func (g *Generator) NextJSON() ([]byte, error) {
	return json.Marshal(g.Next())
}
