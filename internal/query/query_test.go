package query

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketfeed/internal/store"
	"marketfeed/models"
)

func ev(id string, feed models.Feed, price, qty string) models.MarketEvent {
	return models.MarketEvent{
		ID:          id,
		Feed:        feed,
		Type:        models.EventTypeTrade,
		Side:        models.SideBuy,
		Description: "Limit Order Filled",
		Price:       decimal.RequireFromString(price),
		Quantity:    decimal.RequireFromString(qty),
		Timestamp:   time.Date(2024, 1, 2, 9, 30, 15, 250*int(time.Millisecond), time.Local).UnixMilli(),
	}
}

func resultIDs(events []models.MarketEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestFeedFilter(t *testing.T) {
	events := []models.MarketEvent{
		ev("2", models.FeedETHUSD, "50", "3"),
		ev("1", models.FeedBTCUSD, "100", "1"),
	}

	got := Filter(events, Criteria{Feed: models.FeedBTCUSD})
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("expected only id 1, got %v", resultIDs(got))
	}

	if got := Filter(events, Criteria{Feed: models.AllFeeds}); len(got) != 2 {
		t.Fatalf("ALL should pass every feed, got %v", resultIDs(got))
	}
}

func TestSearchMatchesTotal(t *testing.T) {
	events := []models.MarketEvent{
		ev("2", models.FeedETHUSD, "50", "3"),
		ev("1", models.FeedBTCUSD, "100", "1"),
	}

	got := Filter(events, Criteria{Feed: models.AllFeeds, Search: "100.00"})
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("expected only id 1, got %v", resultIDs(got))
	}
}

func TestSearchFields(t *testing.T) {
	base := ev("x", models.FeedSOLUSD, "149.5", "2.25")
	base.Description = "Whale Alert"

	cases := map[string]bool{
		"sol-usd":      true,  // feed, case-insensitive
		"TRADE":        true,  // type
		"whale":        true,  // description
		"149.5":        true,  // price
		"2.25":         true,  // quantity
		"336.38":       true,  // total 336.375 rounded
		"09:30:15.250": true,  // clock
		"buy":          false, // side is not a search field
		"eth":          false,
	}
	for q, want := range cases {
		if got := Match(base, Criteria{Search: q}); got != want {
			t.Fatalf("search %q: got %v want %v", q, got, want)
		}
	}
}

func TestSearchUsesReceivedPrecision(t *testing.T) {
	e := ev("q", models.FeedBTCUSD, "65000.5", "3.1200")

	for _, q := range []string{"3.1200", "3.12", "65000.5"} {
		if !Match(e, Criteria{Search: q}) {
			t.Fatalf("search %q should match quantity 3.1200", q)
		}
	}
	if Match(e, Criteria{Search: "3.12000"}) {
		t.Fatal("search beyond the received digits should not match")
	}
}

func TestFiltersCompose(t *testing.T) {
	events := []models.MarketEvent{
		ev("3", models.FeedBTCUSD, "65000", "1"),
		ev("2", models.FeedETHUSD, "3500", "1"),
		ev("1", models.FeedBTCUSD, "64000", "2"),
	}
	events[0].Description = "Retail FOMO"

	got := Filter(events, Criteria{Feed: models.FeedBTCUSD, Search: "fomo"})
	if len(got) != 1 || got[0].ID != "3" {
		t.Fatalf("expected only id 3, got %v", resultIDs(got))
	}
}

func TestFilterPreservesOrderAndInput(t *testing.T) {
	events := []models.MarketEvent{
		ev("3", models.FeedBTCUSD, "1", "1"),
		ev("2", models.FeedETHUSD, "1", "1"),
		ev("1", models.FeedBTCUSD, "1", "1"),
	}
	got := Filter(events, Criteria{Feed: models.FeedBTCUSD})
	if len(got) != 2 || got[0].ID != "3" || got[1].ID != "1" {
		t.Fatalf("unexpected order: %v", resultIDs(got))
	}
	got[0].ID = "mutated"
	if events[0].ID != "3" {
		t.Fatal("filter output aliases input")
	}
}

func TestEngineMemoizes(t *testing.T) {
	s := store.New(10)
	s.Insert(ev("1", models.FeedBTCUSD, "100", "1"))
	s.Insert(ev("2", models.FeedETHUSD, "50", "3"))

	e := NewEngine(s)
	if got := e.Results(); len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	e.Results()
	if e.Recomputes() != 1 {
		t.Fatalf("unchanged inputs recomputed: %d", e.Recomputes())
	}

	e.SetFeed(models.FeedETHUSD)
	if got := e.Results(); len(got) != 1 || got[0].ID != "2" {
		t.Fatalf("unexpected results: %v", resultIDs(got))
	}
	if e.Recomputes() != 2 {
		t.Fatalf("feed change must recompute: %d", e.Recomputes())
	}

	// Same value again keeps the memo.
	e.SetFeed(models.FeedETHUSD)
	e.Results()
	if e.Recomputes() != 2 {
		t.Fatalf("identical criteria recomputed: %d", e.Recomputes())
	}

	s.Insert(ev("3", models.FeedETHUSD, "51", "1"))
	if got := e.Results(); len(got) != 2 || got[0].ID != "3" {
		t.Fatalf("store change not reflected: %v", resultIDs(got))
	}

	// Duplicate inserts do not change the store version.
	s.Insert(ev("3", models.FeedETHUSD, "51", "1"))
	e.Results()
	if e.Recomputes() != 3 {
		t.Fatalf("unexpected recomputes: %d", e.Recomputes())
	}

	e.SetSearch("51")
	if got := e.Results(); len(got) != 1 || got[0].ID != "3" {
		t.Fatalf("search not applied: %v", resultIDs(got))
	}
}

func TestEngineDoesNotMutateStore(t *testing.T) {
	s := store.New(10)
	s.Insert(ev("1", models.FeedBTCUSD, "100", "1"))
	e := NewEngine(s)

	res := e.Results()
	res[0].ID = "changed"

	if s.Snapshot()[0].ID != "1" {
		t.Fatal("engine results alias store contents")
	}
	if e.Results()[0].ID != "1" {
		t.Fatal("engine results alias memo")
	}
}

func TestNewCriteria(t *testing.T) {
	c := NewCriteria("eth-usd", "fomo")
	if c.Feed != models.FeedETHUSD || c.Search != "fomo" {
		t.Fatalf("unexpected criteria: %+v", c)
	}
	if NewCriteria("", "").Feed != models.AllFeeds {
		t.Fatal("empty feed should be ALL")
	}
}
