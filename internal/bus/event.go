package bus

import (
	"time"

	"github.com/matheus3301/erpchat/internal/store"
)

// Kind identifies an event variant. The prefix up to the first dot is its namespace.
type Kind string

const (
	KindChannelsLoaded          Kind = "chat.channels_loaded"
	KindMessagesLoaded          Kind = "chat.messages_loaded"
	KindNewMessages             Kind = "chat.new_messages"
	KindTypingChanged           Kind = "chat.typing_changed"
	KindConnectionStatusChanged Kind = "stream.connection_status_changed"
	KindMessageSynced           Kind = "sync.message_synced"
	KindMessageFailed           Kind = "sync.message_failed"
	KindSessionStatusChanged    Kind = "session.status_changed"
	KindCallStarted             Kind = "call.started"
	KindRemoteStreamReceived    Kind = "call.remote_stream_received"
	KindCallConnected           Kind = "call.connected"
	KindCallEnded               Kind = "call.ended"
	KindCallSetupFailed         Kind = "call.setup_failed"
)

// Event is the closed set of variants published on the bus.
// Only types declared in this package satisfy it.
type Event interface {
	Kind() Kind
	At() time.Time
	isEvent()
}

// ChannelsLoaded reports a roster refresh from the backend.
type ChannelsLoaded struct {
	Time     time.Time
	Channels []store.Channel
}

// MessagesLoaded reports a history page persisted for one channel.
type MessagesLoaded struct {
	Time      time.Time
	ChannelID int64
	Messages  []store.Message
}

// NewMessages reports messages that became visible locally, optimistic or remote.
type NewMessages struct {
	Time      time.Time
	ChannelID int64
	Messages  []store.Message
}

// TypingChanged carries the current typing users of a channel.
type TypingChanged struct {
	Time        time.Time
	ChannelID   int64
	TypingUsers []string
}

// ConnectionStatusChanged is emitted by the notification stream on every state change.
type ConnectionStatusChanged struct {
	Time   time.Time
	From   string
	Status string
}

// MessageSynced is emitted once a pending message was accepted by the backend.
type MessageSynced struct {
	Time      time.Time
	ID        string
	ServerID  int64
	ChannelID int64
}

// MessageFailed is emitted when a delivery attempt failed.
type MessageFailed struct {
	Time      time.Time
	ID        string
	ChannelID int64
	Error     string
	Retryable bool
}

// SessionStatusChanged mirrors daemon session state transitions.
type SessionStatusChanged struct {
	Time time.Time
	From string
	To   string
}

// CallStarted is emitted when a call session enters connecting.
type CallStarted struct {
	Time        time.Time
	SessionID   int64
	ChannelID   int64
	CallType    string
	IsInitiator bool
}

// RemoteStreamReceived is emitted when the peer delivers a media track.
type RemoteStreamReceived struct {
	Time      time.Time
	SessionID int64
	TrackKind string
	StreamID  string
}

// CallConnected is emitted when the transport reports connected.
type CallConnected struct {
	Time      time.Time
	SessionID int64
}

// CallEnded is emitted exactly once per session on any terminal transition.
type CallEnded struct {
	Time      time.Time
	SessionID int64
	ChannelID int64
	Status    string
	Reason    string
}

// CallSetupFailed is emitted when a session could not be opened. No
// CallStarted or CallEnded is published for it.
type CallSetupFailed struct {
	Time        time.Time
	SessionID   int64
	ChannelID   int64
	CallType    string
	IsInitiator bool
	Reason      string
}

func (e ChannelsLoaded) Kind() Kind          { return KindChannelsLoaded }
func (e MessagesLoaded) Kind() Kind          { return KindMessagesLoaded }
func (e NewMessages) Kind() Kind             { return KindNewMessages }
func (e TypingChanged) Kind() Kind           { return KindTypingChanged }
func (e ConnectionStatusChanged) Kind() Kind { return KindConnectionStatusChanged }
func (e MessageSynced) Kind() Kind           { return KindMessageSynced }
func (e MessageFailed) Kind() Kind           { return KindMessageFailed }
func (e SessionStatusChanged) Kind() Kind    { return KindSessionStatusChanged }
func (e CallStarted) Kind() Kind             { return KindCallStarted }
func (e RemoteStreamReceived) Kind() Kind    { return KindRemoteStreamReceived }
func (e CallConnected) Kind() Kind           { return KindCallConnected }
func (e CallEnded) Kind() Kind               { return KindCallEnded }
func (e CallSetupFailed) Kind() Kind         { return KindCallSetupFailed }

func (e ChannelsLoaded) At() time.Time          { return e.Time }
func (e MessagesLoaded) At() time.Time          { return e.Time }
func (e NewMessages) At() time.Time             { return e.Time }
func (e TypingChanged) At() time.Time           { return e.Time }
func (e ConnectionStatusChanged) At() time.Time { return e.Time }
func (e MessageSynced) At() time.Time           { return e.Time }
func (e MessageFailed) At() time.Time           { return e.Time }
func (e SessionStatusChanged) At() time.Time    { return e.Time }
func (e CallStarted) At() time.Time             { return e.Time }
func (e RemoteStreamReceived) At() time.Time    { return e.Time }
func (e CallConnected) At() time.Time           { return e.Time }
func (e CallEnded) At() time.Time               { return e.Time }
func (e CallSetupFailed) At() time.Time         { return e.Time }

func (ChannelsLoaded) isEvent()          {}
func (MessagesLoaded) isEvent()          {}
func (NewMessages) isEvent()             {}
func (TypingChanged) isEvent()           {}
func (ConnectionStatusChanged) isEvent() {}
func (MessageSynced) isEvent()           {}
func (MessageFailed) isEvent()           {}
func (SessionStatusChanged) isEvent()    {}
func (CallStarted) isEvent()             {}
func (RemoteStreamReceived) isEvent()    {}
func (CallConnected) isEvent()           {}
func (CallEnded) isEvent()               {}
func (CallSetupFailed) isEvent()         {}
