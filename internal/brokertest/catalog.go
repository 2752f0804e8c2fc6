package brokertest

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/rickgao/brokerlink/internal/api"
	"github.com/rickgao/brokerlink/internal/model"
)

func (b *Broker) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	if _, err := b.authorize(bearer(r)); err != nil {
		writeError(w, http.StatusUnauthorized, "session_expired", err.Error())
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if c := q.Get("cursor"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid cursor")
			return
		}
		offset = n
	}

	matched := b.catalog(q.Get("venue"), q.Get("type"))

	var resp api.InstrumentsResponse
	if offset < len(matched) {
		end := min(offset+limit, len(matched))
		resp.Instruments = matched[offset:end]
		if end < len(matched) {
			resp.Cursor = strconv.Itoa(end)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *Broker) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	if _, err := b.authorize(bearer(r)); err != nil {
		writeError(w, http.StatusUnauthorized, "session_expired", err.Error())
		return
	}

	key := model.PriceFeedKey(r.PathValue("symbol"), r.PathValue("venue"))
	b.mu.Lock()
	inst, ok := b.instruments[key]
	b.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no instrument "+key)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// catalog returns instruments matching venue and type, sorted by feed key.
func (b *Broker) catalog(venue, typ string) []model.Instrument {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []model.Instrument
	for _, inst := range b.instruments {
		if venue != "" && !strings.EqualFold(inst.Venue, venue) {
			continue
		}
		if typ != "" && inst.Type != typ {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedKey() < out[j].FeedKey() })
	return out
}
