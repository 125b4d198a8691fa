package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"botstore/internal/domain"
	"botstore/internal/statestore"
	"botstore/internal/tokenstore"
)

const defaultLeaseTimeout = 30 * time.Second

// StateStore is the conversation persistence surface the service consumes.
type StateStore interface {
	GetOrCreateAndLock(ctx context.Context, senderID, pageID string, defaultState map[string]any, timeout time.Duration) (*domain.State, error)
	SaveState(ctx context.Context, state *domain.State) (*domain.State, error)
	ListStates(ctx context.Context, filter domain.StatesFilter, limit int, cursor string) (*domain.StatesPage, error)
}

// TokenIssuer hands out and resolves conversation tokens.
type TokenIssuer interface {
	GetOrCreateToken(ctx context.Context, senderID, pageID string, factory tokenstore.Factory) (*domain.Token, error)
	FindByToken(ctx context.Context, token string) (*domain.Token, error)
}

// ChatLogger appends turn telemetry; its failures never abort a turn.
type ChatLogger interface {
	Log(ctx context.Context, userID string, responses []map[string]any, request map[string]any) error
	Error(ctx context.Context, cause error, userID string, responses []map[string]any, request map[string]any) error
}

// AttachmentResolver maps attachment URLs to previously uploaded ids.
type AttachmentResolver interface {
	FindAttachmentByURL(ctx context.Context, url string) (int64, error)
}

// TurnService runs one webhook turn against the persistence layer: lease,
// state mutation, save/release, telemetry.
type TurnService struct {
	states       StateStore
	tokens       TokenIssuer
	chatLog      ChatLogger
	attachments  AttachmentResolver
	leaseTimeout time.Duration
}

type TurnInput struct {
	SenderID    string
	PageID      string
	Text        string
	Attachments []string
	Timestamp   int64
}

type TurnOutput struct {
	EventID   string
	Responses []map[string]any
	State     *domain.State
}

// NewTurnService wires the turn pipeline. attachments may be nil when no
// attachment cache is deployed.
func NewTurnService(states StateStore, tokens TokenIssuer, chatLog ChatLogger, attachments AttachmentResolver, leaseTimeout time.Duration) (*TurnService, error) {
	if states == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if tokens == nil {
		return nil, errors.New("usecase: token issuer must not be nil")
	}
	if chatLog == nil {
		return nil, errors.New("usecase: chat logger must not be nil")
	}
	if leaseTimeout <= 0 {
		leaseTimeout = defaultLeaseTimeout
	}
	return &TurnService{
		states:       states,
		tokens:       tokens,
		chatLog:      chatLog,
		attachments:  attachments,
		leaseTimeout: leaseTimeout,
	}, nil
}

// ProcessTurn acquires the conversation lease, folds the incoming message
// into the state, stamps lastInteraction and saves, which also releases the
// lease. A held lease surfaces as CONVERSATION_BUSY; retrying is the
// caller's decision.
func (s *TurnService) ProcessTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	senderID := strings.TrimSpace(in.SenderID)
	pageID := strings.TrimSpace(in.PageID)
	if senderID == "" || pageID == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_sender_or_page", nil)
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Attachments) == 0 {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}

	state, err := s.states.GetOrCreateAndLock(ctx, senderID, pageID, map[string]any{}, s.leaseTimeout)
	if err != nil {
		if errors.Is(err, statestore.ErrLockConflict) {
			return TurnOutput{}, newError(ErrorConversationBusy, "lease_held", err)
		}
		return TurnOutput{}, newError(ErrorInternal, "lock_failed", err)
	}

	now := time.Now()
	eventID := uuid.NewString()
	request := map[string]any{
		"id":        eventID,
		"text":      in.Text,
		"timestamp": in.Timestamp,
	}

	responses := s.buildResponses(ctx, in)

	state.StateData["lastText"] = in.Text
	state.StateData["lastSeen"] = now.UTC().Truncate(time.Millisecond)
	state.StateData["messageCount"] = messageCount(state.StateData) + 1
	state.LastInteraction = now

	saved, err := s.states.SaveState(ctx, state)
	if err != nil {
		_ = s.chatLog.Error(ctx, err, senderID, responses, request)
		return TurnOutput{}, newError(ErrorInternal, "save_failed", err)
	}

	_ = s.chatLog.Log(ctx, senderID, responses, request)

	return TurnOutput{EventID: eventID, Responses: responses, State: saved}, nil
}

func (s *TurnService) buildResponses(ctx context.Context, in TurnInput) []map[string]any {
	responses := []map[string]any{}
	if text := strings.TrimSpace(in.Text); text != "" {
		responses = append(responses, map[string]any{"text": text})
	}
	if s.attachments == nil {
		return responses
	}
	for _, url := range in.Attachments {
		response := map[string]any{"attachmentUrl": url}
		// Best effort: an unknown or unreachable cache entry just means the
		// attachment goes out without a reusable id.
		if id, err := s.attachments.FindAttachmentByURL(ctx, url); err == nil && id != 0 {
			response["attachmentId"] = id
		}
		responses = append(responses, response)
	}
	return responses
}

func messageCount(state map[string]any) int64 {
	switch n := state["messageCount"].(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// IssueToken returns the durable token for a conversation, minting one on
// first use.
func (s *TurnService) IssueToken(ctx context.Context, senderID, pageID string) (*domain.Token, error) {
	senderID = strings.TrimSpace(senderID)
	pageID = strings.TrimSpace(pageID)
	if senderID == "" || pageID == "" {
		return nil, newError(ErrorInvalidInput, "missing_sender_or_page", nil)
	}
	token, err := s.tokens.GetOrCreateToken(ctx, senderID, pageID, nil)
	if err != nil {
		return nil, newError(ErrorInternal, "token_issue_failed", err)
	}
	return token, nil
}

// Authenticate resolves a presented token to its subject; (nil, nil) means
// the token is unknown or empty, which is not an error.
func (s *TurnService) Authenticate(ctx context.Context, token string) (*domain.Token, error) {
	found, err := s.tokens.FindByToken(ctx, token)
	if err != nil {
		return nil, newError(ErrorInternal, "token_lookup_failed", err)
	}
	return found, nil
}

// ListConversations pages recent conversations for one page scope.
func (s *TurnService) ListConversations(ctx context.Context, filter domain.StatesFilter, limit int, cursor string) (*domain.StatesPage, error) {
	if strings.TrimSpace(filter.PageID) == "" {
		return nil, newError(ErrorInvalidInput, "missing_page", nil)
	}
	page, err := s.states.ListStates(ctx, filter, limit, cursor)
	if err != nil {
		if errors.Is(err, statestore.ErrMalformedCursor) {
			return nil, newError(ErrorInvalidInput, "malformed_cursor", err)
		}
		return nil, newError(ErrorInternal, "list_failed", err)
	}
	return page, nil
}
