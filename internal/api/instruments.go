package api

import (
	"context"
	"net/url"
	"strconv"

	"github.com/rickgao/brokerlink/internal/model"
)

const pathInstruments = "/v1/instruments"

// ListInstrumentsOptions filters the instrument catalog.
type ListInstrumentsOptions struct {
	Venue  string
	Type   string
	Limit  int
	Cursor string
}

// InstrumentsResponse is one page of the instrument catalog.
type InstrumentsResponse struct {
	Instruments []model.Instrument `json:"instruments"`
	Cursor      string             `json:"cursor,omitempty"`
}

// ListInstruments fetches a page of instruments.
func (c *Client) ListInstruments(ctx context.Context, token string, opts ListInstrumentsOptions) (*InstrumentsResponse, error) {
	query := url.Values{}

	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	if opts.Venue != "" {
		query.Set("venue", opts.Venue)
	}
	if opts.Type != "" {
		query.Set("type", opts.Type)
	}

	var resp InstrumentsResponse
	if err := c.get(ctx, "api.instruments", pathInstruments, token, query, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAllInstruments fetches every instrument matching opts by paginating
// through results.
func (c *Client) ListAllInstruments(ctx context.Context, token string, opts ListInstrumentsOptions) ([]model.Instrument, error) {
	var all []model.Instrument
	if opts.Limit <= 0 {
		opts.Limit = 500
	}

	for {
		resp, err := c.ListInstruments(ctx, token, opts)
		if err != nil {
			return nil, err
		}

		all = append(all, resp.Instruments...)

		if resp.Cursor == "" {
			break
		}
		opts.Cursor = resp.Cursor
	}

	return all, nil
}

// GetInstrument fetches a single instrument.
func (c *Client) GetInstrument(ctx context.Context, token, symbol, venue string) (*model.Instrument, error) {
	var inst model.Instrument
	path := pathInstruments + "/" + url.PathEscape(venue) + "/" + url.PathEscape(symbol)
	if err := c.get(ctx, "api.instrument", path, token, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}
