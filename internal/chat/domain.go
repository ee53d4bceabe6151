package chat

import "time"

const (
	BucketDMCreate  = "dm:create"
	BucketMsgSend   = "msg:send"
	BucketLobbySend = "lobby:send"

	DefaultLobbyLimit = 50
	MaxLobbyLimit     = 100
	MaxBodyLength     = 2000
)

// Limit is a sliding-window allowance.
type Limit struct {
	Count  int
	Window time.Duration
}

// Limits holds the allowance of each guarded action.
type Limits struct {
	DMCreate  Limit
	MsgSend   Limit
	LobbySend Limit
}

// DefaultLimits returns 5 per 30s for conversation creation and sends, and
// 10 per 30s for lobby posts.
func DefaultLimits() Limits {
	return Limits{
		DMCreate:  Limit{Count: 5, Window: 30 * time.Second},
		MsgSend:   Limit{Count: 5, Window: 30 * time.Second},
		LobbySend: Limit{Count: 10, Window: 30 * time.Second},
	}
}

// ContactInput is a new contact. Label is optional.
type ContactInput struct {
	Owner   string
	Contact string
	Label   *string
}
