package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Stream payloads
// -----------------------------------------------------------------------------

// PriceTick is one update on a priceFeed topic.
type PriceTick struct {
	Symbol string          `json:"symbol"`
	Venue  string          `json:"venue"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Volume decimal.Decimal `json:"volume"`
	Seq    int64           `json:"seq"`
	TS     int64           `json:"ts"` // µs since epoch
}

// Mid returns the midpoint of bid and ask.
func (p PriceTick) Mid() decimal.Decimal {
	return p.Bid.Add(p.Ask).Div(decimal.NewFromInt(2))
}

// Spread returns ask minus bid.
func (p PriceTick) Spread() decimal.Decimal {
	return p.Ask.Sub(p.Bid)
}

// PortfolioDelta is one position or cash change on a portfolio topic.
type PortfolioDelta struct {
	AccountID   string          `json:"account_id"`
	Symbol      string          `json:"symbol,omitempty"` // empty for cash-only changes
	Quantity    decimal.Decimal `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	MarketValue decimal.Decimal `json:"market_value"`
	Cash        decimal.Decimal `json:"cash"`
	TS          int64           `json:"ts"`
}

// OrderUpdate is one state change on an orders topic.
type OrderUpdate struct {
	OrderID       uuid.UUID       `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`   // buy, sell
	Status        string          `json:"status"` // new, partially_filled, filled, canceled, rejected
	Quantity      decimal.Decimal `json:"quantity"`
	Filled        decimal.Decimal `json:"filled"`
	LimitPrice    decimal.Decimal `json:"limit_price"`
	TS            int64           `json:"ts"`
}

// Remaining returns the unfilled quantity.
func (o OrderUpdate) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// -----------------------------------------------------------------------------
// Query results
// -----------------------------------------------------------------------------

// Instrument describes a tradable symbol on a venue.
type Instrument struct {
	Symbol   string          `json:"symbol"`
	Venue    string          `json:"venue"`
	Name     string          `json:"name"`
	Type     string          `json:"type"` // equity, etf, future, option, crypto
	Currency string          `json:"currency"`
	TickSize decimal.Decimal `json:"tick_size"`
	LotSize  decimal.Decimal `json:"lot_size"`
	Tradable bool            `json:"tradable"`
}

// FeedKey returns the priceFeed topic key for the instrument.
func (i Instrument) FeedKey() string {
	return PriceFeedKey(i.Symbol, i.Venue)
}

// SearchResult is the response to an instrument search.
type SearchResult struct {
	Instruments []Instrument `json:"instruments"`
	Total       int          `json:"total"`
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// PriceFeedKey builds "SYMBOL@VENUE".
func PriceFeedKey(symbol, venue string) string {
	return strings.ToUpper(symbol) + "@" + strings.ToUpper(venue)
}

// ParsePriceFeedKey splits "SYMBOL@VENUE".
func ParsePriceFeedKey(key string) (symbol, venue string, err error) {
	symbol, venue, ok := strings.Cut(key, "@")
	if !ok || symbol == "" || venue == "" {
		return "", "", fmt.Errorf("invalid price feed key %q", key)
	}
	return symbol, venue, nil
}

// Decode unmarshals a frame payload into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// Request methods answered over the streaming connection.
const (
	MethodLookupInstrument  = "instrument.lookup"
	MethodSearchInstruments = "instrument.search"
)

// LookupParams are the params of MethodLookupInstrument.
type LookupParams struct {
	Symbol string `json:"symbol"`
	Venue  string `json:"venue"`
}

// SearchParams are the params of MethodSearchInstruments.
type SearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}
