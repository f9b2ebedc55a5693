// Package symbols maps the symbol spellings used by exchanges and people onto
// the canonical BASE-QUOTE feed names.
package symbols

import (
	"strings"

	"marketfeed/models"
)

// quotes are checked in order; stablecoin quotes collapse onto USD.
var quotes = []string{"USDT", "USDC", "USD"}

var separators = strings.NewReplacer("/", "", "-", "", "_", "", " ", "")

// ToFeed converts a user or exchange symbol to a feed name. Empty input and
// "all" map to models.AllFeeds. Supported spellings include BTC-USD, btc,
// XBT/USD, BTCUSDT, XBTUSDTM (kucoin futures), DOGE-USDT-SWAP (okx) and
// 1000PEPEUSDT. A symbol with no recognisable quote is returned upper-cased.
func ToFeed(sym string) models.Feed {
	raw := strings.ToUpper(strings.TrimSpace(sym))
	if raw == "" || raw == string(models.AllFeeds) {
		return models.AllFeeds
	}

	s := strings.TrimSuffix(raw, "-SWAP")
	s = separators.Replace(s)
	s = strings.TrimSuffix(s, "PERP")
	if strings.HasSuffix(s, "USDTM") {
		s = strings.TrimSuffix(s, "M")
	}
	if strings.HasPrefix(s, "XBT") {
		s = "BTC" + s[3:]
	}
	if strings.HasPrefix(s, "1000") && len(s) > 4 {
		s = s[4:]
	}

	for _, q := range quotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return models.Feed(s[:len(s)-len(q)] + "-USD")
		}
	}

	for _, f := range models.KnownFeeds {
		if base, _, _ := strings.Cut(string(f), "-"); base == s {
			return f
		}
	}
	return models.Feed(raw)
}
