package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// LooseFloat is a float64 that unmarshals from either a JSON number or a
// numeric string. Upstream aggregators are inconsistent about quoting.
type LooseFloat float64

// UnmarshalJSON implements lenient numeric decoding.
func (f *LooseFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse numeric string %q: %w", s, err)
		}
		*f = LooseFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = LooseFloat(v)
	return nil
}

// Ticker is one decoded top-of-book update from the market-data pub/sub.
type Ticker struct {
	Symbol     string     `json:"symbol"`
	Exchange   Exchange   `json:"exchange"`
	BestAsk    LooseFloat `json:"bestAsk"`
	BestBid    LooseFloat `json:"bestBid"`
	BestAskQnt LooseFloat `json:"bestAskQnt"`
	BestBidQnt LooseFloat `json:"bestBidQnt"`
	Price      LooseFloat `json:"price"`
	Time       int64      `json:"time"`
	EventTime  int64      `json:"eventTime,omitempty"`
}

// TickerTime returns the event timestamp, preferring EventTime over Time.
// Timestamps arrive as unix milliseconds.
func (t Ticker) TickerTime() time.Time {
	ms := t.EventTime
	if ms == 0 {
		ms = t.Time
	}
	return time.UnixMilli(ms)
}

// Signature summarizes the price-relevant fields. Two ticks with equal
// signatures carry no new information and the second is dropped.
func (t Ticker) Signature() string {
	return fmt.Sprintf("%v|%v|%v|%v|%v",
		t.BestAsk, t.BestBid, t.BestAskQnt, t.BestBidQnt, t.Price)
}
