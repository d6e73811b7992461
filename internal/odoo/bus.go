package odoo

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/erpchat/internal/store"
)

// Bus notification types understood by ParseBusEvent.
const (
	BusNewMessage   = "discuss.channel/new_message"
	BusRecordInsert = "mail.record/insert"
	BusTyping       = "discuss.channel.member/typing_status"
)

// BusChannel names the websocket bus channel of a discuss channel.
func BusChannel(channelID int64) string {
	return fmt.Sprintf("discuss.channel_%d", channelID)
}

// BusNotification is one entry of a websocket batch as sent by the backend.
type BusNotification struct {
	ID      int64 `json:"id"`
	Message struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	} `json:"message"`
}

// BusEvent is the normalized content of a bus notification. Unknown types
// yield an event with no messages and no typing status.
type BusEvent struct {
	ID       int64
	Type     string
	Messages []store.Message
	Typing   *TypingStatus
}

// TypingStatus reports one member starting or stopping to type.
type TypingStatus struct {
	ChannelID int64
	PartnerID int64
	Name      string
	Typing    bool
}

// ParseBusEvent normalizes one bus notification.
func ParseBusEvent(n BusNotification) (BusEvent, error) {
	evt := BusEvent{ID: n.ID, Type: n.Message.Type}
	switch n.Message.Type {
	case BusNewMessage:
		var p struct {
			ID      any            `json:"id"`
			Message map[string]any `json:"message"`
		}
		if err := json.Unmarshal(n.Message.Payload, &p); err != nil {
			return evt, &ParseError{Field: "new_message.payload", Value: string(n.Message.Payload), Reason: err.Error()}
		}
		channelID, ok := asInt64(p.ID)
		if !ok {
			return evt, &ParseError{Field: "new_message.id", Value: p.ID, Reason: "expected channel id"}
		}
		m, err := Normalize(p.Message)
		if err != nil {
			return evt, err
		}
		m.ChannelID = channelID
		evt.Messages = []store.Message{*m}

	case BusRecordInsert:
		var p map[string]json.RawMessage
		if err := json.Unmarshal(n.Message.Payload, &p); err != nil {
			return evt, &ParseError{Field: "record_insert.payload", Value: string(n.Message.Payload), Reason: err.Error()}
		}
		raw, ok := p["mail.message"]
		if !ok {
			raw, ok = p["Message"]
		}
		if !ok {
			return evt, nil
		}
		var records []map[string]any
		if err := json.Unmarshal(raw, &records); err != nil {
			// A single record is sent unwrapped.
			var one map[string]any
			if err2 := json.Unmarshal(raw, &one); err2 != nil {
				return evt, &ParseError{Field: "record_insert.message", Value: string(raw), Reason: err.Error()}
			}
			records = []map[string]any{one}
		}
		for _, rec := range records {
			m, err := Normalize(rec)
			if err != nil {
				return evt, err
			}
			if m.ChannelID == 0 {
				continue
			}
			evt.Messages = append(evt.Messages, *m)
		}

	case BusTyping:
		var p map[string]any
		if err := json.Unmarshal(n.Message.Payload, &p); err != nil {
			return evt, &ParseError{Field: "typing.payload", Value: string(n.Message.Payload), Reason: err.Error()}
		}
		channelID, ok := asInt64(p["channel_id"])
		if !ok {
			return evt, &ParseError{Field: "typing.channel_id", Value: p["channel_id"], Reason: "expected channel id"}
		}
		ts := &TypingStatus{ChannelID: channelID}
		ts.PartnerID, _ = asInt64(p["partner_id"])
		ts.Name, _ = p["partner_name"].(string)
		if v, ok := p["is_typing"].(bool); ok {
			ts.Typing = v
		} else {
			ts.Typing, _ = p["isTyping"].(bool)
		}
		evt.Typing = ts
	}
	return evt, nil
}
