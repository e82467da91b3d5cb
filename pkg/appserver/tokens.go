package appserver

import (
	"container/list"
	"encoding/json"
)

// defaultTokenCacheSize bounds the per-thread and per-turn usage caches.
const defaultTokenCacheSize = 128

// tokenCache is an LRU-bounded map from id to token totals. It is not
// self-locking: all access happens under the client's data lock.
type tokenCache struct {
	max   int
	order *list.List
	items map[string]*list.Element
}

type tokenEntry struct {
	id     string
	totals TokenTotals
}

func newTokenCache(max int) *tokenCache {
	if max <= 0 {
		max = defaultTokenCacheSize
	}
	return &tokenCache{
		max:   max,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (c *tokenCache) put(id string, totals TokenTotals) {
	if id == "" {
		return
	}
	if el, ok := c.items[id]; ok {
		el.Value.(*tokenEntry).totals = totals
		c.order.MoveToFront(el)
		return
	}
	c.items[id] = c.order.PushFront(&tokenEntry{id: id, totals: totals})
	if c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*tokenEntry).id)
	}
}

func (c *tokenCache) get(id string) (TokenTotals, bool) {
	el, ok := c.items[id]
	if !ok {
		return TokenTotals{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*tokenEntry).totals, true
}

func (c *tokenCache) clear() {
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

func (c *tokenCache) len() int {
	return c.order.Len()
}

// UsageUpdate is a normalized token-usage notification. Total is the
// authoritative per-thread running total; Last covers the most recent cycle.
type UsageUpdate struct {
	ThreadID string
	TurnID   string
	Total    *TokenTotals
	Last     *TokenTotals
}

func (t TokenTotals) isZero() bool {
	return t.InputTokens == 0 && t.CachedInputTokens == 0 &&
		t.OutputTokens == 0 && t.ReasoningOutputTokens == 0 && t.TotalTokens == 0
}

// ParseTokenUsage normalizes the usage payload variants:
// thread/tokenUsage/updated nests under "tokenUsage", turn/usage under
// "usage", and some backends report {info:{totalTokenUsage,lastTokenUsage}}.
// Whether a turnId is present is backend-specific; per-turn caching is best
// effort. Returns nil when the params carry no recognizable counts.
func ParseTokenUsage(params json.RawMessage) *UsageUpdate {
	var shaped struct {
		ThreadID   string          `json:"threadId"`
		TurnID     string          `json:"turnId"`
		TokenUsage json.RawMessage `json:"tokenUsage"`
		Usage      json.RawMessage `json:"usage"`
		Info       json.RawMessage `json:"info"`
	}
	if err := json.Unmarshal(params, &shaped); err != nil {
		return nil
	}

	payload := shaped.TokenUsage
	if len(payload) == 0 {
		payload = shaped.Usage
	}
	if len(payload) == 0 {
		payload = shaped.Info
	}
	if len(payload) == 0 {
		payload = params
	}

	total, last := splitUsagePayload(payload)
	if total == nil && last == nil {
		return nil
	}
	return &UsageUpdate{
		ThreadID: shaped.ThreadID,
		TurnID:   shaped.TurnID,
		Total:    total,
		Last:     last,
	}
}

// splitUsagePayload extracts running-total and last-cycle counts from one
// usage object, accepting both nested and flat layouts.
func splitUsagePayload(raw json.RawMessage) (total, last *TokenTotals) {
	var shaped struct {
		Total           *TokenTotals `json:"total"`
		Last            *TokenTotals `json:"last"`
		TotalTokenUsage *TokenTotals `json:"totalTokenUsage"`
		LastTokenUsage  *TokenTotals `json:"lastTokenUsage"`
	}
	if err := json.Unmarshal(raw, &shaped); err != nil {
		return nil, nil
	}

	total = shaped.Total
	if total == nil {
		total = shaped.TotalTokenUsage
	}
	last = shaped.Last
	if last == nil {
		last = shaped.LastTokenUsage
	}

	if total == nil && last == nil {
		var direct TokenTotals
		if err := json.Unmarshal(raw, &direct); err == nil && !direct.isZero() {
			total = &direct
		}
	}
	return total, last
}
