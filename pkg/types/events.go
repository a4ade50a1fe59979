package types

import "time"

// Push-channel topics. Each user has one stream per topic.
const (
	TopicOrder   = "order"               // execution reports
	TopicAccount = "outboundAccountInfo" // balance snapshots
)

// Event is a single push-channel message. Exactly one of Data, Info, Error is
// set, matching Type.
type Event struct {
	Topic string      `json:"topic"`
	Type  string      `json:"type"` // "update" | "info" | "error"
	Data  interface{} `json:"data,omitempty"`
	Info  interface{} `json:"info,omitempty"`
	Error string      `json:"error,omitempty"`
	Time  time.Time   `json:"time"`
}

// OrderUpdate builds an execution-report event for an order transition.
func OrderUpdate(o Order) Event {
	return Event{Topic: TopicOrder, Type: "update", Data: o, Time: time.Now()}
}

// AccountInfo builds a balance-snapshot event.
func AccountInfo(balances []Balance) Event {
	return Event{Topic: TopicAccount, Type: "info", Info: balances, Time: time.Now()}
}

// ErrorEvent builds an error event for a topic.
func ErrorEvent(topic, msg string) Event {
	return Event{Topic: topic, Type: "error", Error: msg, Time: time.Now()}
}
