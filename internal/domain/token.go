package domain

// Token is a durable opaque credential for a conversation subject. For a
// given (SenderID, PageID) at most one token value is ever stored; racing
// creators converge on a single winner.
type Token struct {
	SenderID string `json:"senderId"`
	PageID   string `json:"pageId"`
	Token    string `json:"token"`
}
