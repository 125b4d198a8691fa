package domain

import "time"

// State is one conversation's persisted record. The (SenderID, PageID) pair
// identifies the conversation and never changes after creation.
type State struct {
	SenderID string
	PageID   string

	// Lock is an epoch-millisecond lease marker. Zero means unlocked; any
	// other value means the lease is held until Lock + the acquirer's
	// timeout elapses. There is no separate unlock call: saving the state
	// releases the lease.
	Lock int64

	// StateData is the bot's working memory for the conversation. Arbitrary
	// nesting of maps, slices and scalars; time.Time leaves survive a round
	// trip through storage.
	StateData map[string]any

	// LastInteraction orders conversations for listing. The zero value
	// means the owner never stamped it, which is valid.
	LastInteraction time.Time
}

// StateSummary is the listing projection of a State.
type StateSummary struct {
	SenderID        string    `json:"senderId"`
	PageID          string    `json:"pageId"`
	LastInteraction time.Time `json:"lastInteraction,omitempty"`
}

// StatesPage is one page of conversation summaries. Cursor is opaque; pass
// it back unchanged to resume after the last row, empty means no more data.
type StatesPage struct {
	Data   []StateSummary `json:"data"`
	Cursor string         `json:"nextCursor,omitempty"`
}

// StatesFilter scopes a listing request. Search, when set, names an exact
// sender and short-circuits the index scan with a point lookup.
type StatesFilter struct {
	PageID string
	Search string
}
