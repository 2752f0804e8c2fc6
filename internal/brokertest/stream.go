package brokertest

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/brokerlink/internal/model"
	"github.com/rickgao/brokerlink/internal/wire"
)

// streamConn is one accepted stream connection.
type streamConn struct {
	b       *Broker
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[int64]wire.Topic
}

func (b *Broker) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &streamConn{b: b, conn: conn, subs: make(map[int64]wire.Topic)}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	hello, err := c.read()
	if err != nil || hello.Kind != wire.KindConnect {
		return
	}
	if !c.authorize(hello) {
		return
	}
	conn.SetReadDeadline(time.Time{})

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.connects++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
	}()

	c.write(wire.Frame{Kind: wire.KindConnect, ID: hello.ID})

	for {
		f, err := c.read()
		if err != nil {
			return
		}
		c.handle(f)
	}
}

func (c *streamConn) read() (wire.Frame, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	return wire.Decode(data)
}

func (c *streamConn) write(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *streamConn) writeError(id int64, code, msg string) {
	f, _ := wire.NewFrame(wire.KindError, wire.ErrorPayload{Code: code, Message: msg})
	f.ID = id
	c.write(f)
}

func (c *streamConn) authorize(f wire.Frame) bool {
	var p wire.ConnectPayload
	if err := wire.DecodePayload(f, &p); err != nil {
		c.writeError(f.ID, wire.CodeAuthRejected, "missing token")
		return false
	}
	if _, err := c.b.authorize(p.Token); err != nil {
		c.writeError(f.ID, wire.CodeAuthRejected, err.Error())
		return false
	}
	return true
}

func (c *streamConn) handle(f wire.Frame) {
	b := c.b

	switch f.Kind {
	case wire.KindHeartbeat:
		c.write(wire.Frame{Kind: wire.KindHeartbeat})

	case wire.KindConnect:
		b.mu.Lock()
		reject := b.rejectSwap
		b.mu.Unlock()
		if reject {
			c.writeError(f.ID, wire.CodeSwapNotSupported, "token swap disabled")
			return
		}
		if c.authorize(f) {
			b.mu.Lock()
			b.swaps++
			b.mu.Unlock()
			c.write(wire.Frame{Kind: wire.KindConnect, ID: f.ID})
		}

	case wire.KindSubscribe:
		if f.Topic == nil || !f.Topic.Valid() {
			c.writeError(f.ID, wire.CodeUnknownTopic, "topic required")
			return
		}
		b.mu.Lock()
		b.subscribes = append(b.subscribes, *f.Topic)
		rejected := b.rejectTopics[*f.Topic]
		snapshot, hasSnapshot := b.snapshots[*f.Topic]
		b.sidSeq++
		sid := b.sidSeq
		b.mu.Unlock()

		if rejected {
			c.writeError(f.ID, wire.CodeUnknownTopic, "no such topic "+f.Topic.String())
			return
		}
		c.mu.Lock()
		c.subs[sid] = *f.Topic
		c.mu.Unlock()
		c.write(wire.Frame{Kind: wire.KindSubscribe, ID: f.ID, SID: sid})
		if hasSnapshot {
			if df, err := wire.NewFrame(wire.KindData, snapshot); err == nil {
				df.SID = sid
				c.write(df)
			}
		}

	case wire.KindUnsubscribe:
		c.mu.Lock()
		delete(c.subs, f.SID)
		c.mu.Unlock()
		c.write(wire.Frame{Kind: wire.KindUnsubscribe, ID: f.ID, SID: f.SID})

	case wire.KindRequest:
		c.answer(f)

	default:
		c.writeError(f.ID, "unsupported", "unexpected "+string(f.Kind)+" frame")
	}
}

func (c *streamConn) answer(f wire.Frame) {
	var req wire.RequestPayload
	if err := wire.DecodePayload(f, &req); err != nil {
		c.writeError(f.ID, "bad_request", err.Error())
		return
	}

	var result any
	switch req.Method {
	case model.MethodLookupInstrument:
		var p model.LookupParams
		json.Unmarshal(req.Params, &p)
		c.b.mu.Lock()
		inst, ok := c.b.instruments[model.PriceFeedKey(p.Symbol, p.Venue)]
		c.b.mu.Unlock()
		if !ok {
			c.writeError(f.ID, "not_found", "no instrument "+p.Symbol+" on "+p.Venue)
			return
		}
		result = inst

	case model.MethodSearchInstruments:
		var p model.SearchParams
		json.Unmarshal(req.Params, &p)
		result = c.b.search(p)

	default:
		c.writeError(f.ID, "unknown_method", req.Method)
		return
	}

	resp, err := wire.NewFrame(wire.KindResponse, result)
	if err != nil {
		c.writeError(f.ID, "internal", err.Error())
		return
	}
	resp.ID = f.ID
	c.write(resp)
}

func (b *Broker) search(p model.SearchParams) model.SearchResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := strings.ToLower(p.Query)
	var res model.SearchResult
	for _, inst := range b.instruments {
		if !strings.Contains(strings.ToLower(inst.Symbol), q) && !strings.Contains(strings.ToLower(inst.Name), q) {
			continue
		}
		res.Total++
		if p.Limit <= 0 || len(res.Instruments) < p.Limit {
			res.Instruments = append(res.Instruments, inst)
		}
	}
	return res
}

func (c *streamConn) subscribed(topic wire.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.subs {
		if t == topic {
			return true
		}
	}
	return false
}

func (c *streamConn) publish(topic wire.Topic, payload any) bool {
	c.mu.Lock()
	var sids []int64
	for sid, t := range c.subs {
		if t == topic {
			sids = append(sids, sid)
		}
	}
	c.mu.Unlock()

	sent := false
	for _, sid := range sids {
		f, err := wire.NewFrame(wire.KindData, payload)
		if err != nil {
			return false
		}
		f.SID = sid
		if c.write(f) == nil {
			sent = true
		}
	}
	return sent
}
