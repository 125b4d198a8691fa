package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"botstore/internal/domain"
	"botstore/internal/usecase"
)

type stubTurns struct {
	turnOut usecase.TurnOutput
	turnErr error
	turnIn  usecase.TurnInput

	token   *domain.Token
	subject *domain.Token
	page    *domain.StatesPage
	apiErr  error

	lastFilter domain.StatesFilter
	lastLimit  int
	lastCursor string
}

func (s *stubTurns) ProcessTurn(_ context.Context, in usecase.TurnInput) (usecase.TurnOutput, error) {
	s.turnIn = in
	return s.turnOut, s.turnErr
}

func (s *stubTurns) IssueToken(_ context.Context, senderID, pageID string) (*domain.Token, error) {
	if s.apiErr != nil {
		return nil, s.apiErr
	}
	return &domain.Token{SenderID: senderID, PageID: pageID, Token: "tok"}, nil
}

func (s *stubTurns) Authenticate(_ context.Context, token string) (*domain.Token, error) {
	if s.apiErr != nil {
		return nil, s.apiErr
	}
	if s.subject != nil && s.subject.Token == token {
		return s.subject, nil
	}
	return nil, nil
}

func (s *stubTurns) ListConversations(_ context.Context, filter domain.StatesFilter, limit int, cursor string) (*domain.StatesPage, error) {
	s.lastFilter = filter
	s.lastLimit = limit
	s.lastCursor = cursor
	return s.page, s.apiErr
}

type stubConfig struct {
	cfg    map[string]any
	err    error
	stored map[string]any
}

func (s *stubConfig) GetConfig(context.Context) (map[string]any, error) {
	return s.cfg, s.err
}

func (s *stubConfig) UpdateConfig(_ context.Context, newConfig map[string]any) (map[string]any, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.stored = newConfig
	return newConfig, nil
}

func (s *stubConfig) InvalidateConfig(context.Context) error {
	return s.err
}

type stubAttachments struct {
	lastURL string
	lastID  int64
	err     error
}

func (s *stubAttachments) SaveAttachmentID(_ context.Context, url string, id int64) error {
	s.lastURL = url
	s.lastID = id
	return s.err
}

func mustNewHandler(t *testing.T, turns *stubTurns) (*Handler, *stubConfig, *stubAttachments) {
	t.Helper()
	config := &stubConfig{}
	attachments := &stubAttachments{}
	h, err := NewHandler(turns, config, attachments, "verify-me", nil)
	require.NoError(t, err)
	return h, config, attachments
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod:            method,
		Path:                  path,
		Headers:               map[string]string{"Content-Type": "application/json"},
		QueryStringParameters: map[string]string{},
		Body:                  body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, &stubConfig{}, &stubAttachments{}, "v", nil)
	require.Error(t, err)
	_, err = NewHandler(&stubTurns{}, nil, &stubAttachments{}, "v", nil)
	require.Error(t, err)
	_, err = NewHandler(&stubTurns{}, &stubConfig{}, nil, "v", nil)
	require.Error(t, err)
}

func TestHandle_WebhookVerification(t *testing.T) {
	h, _, _ := mustNewHandler(t, &stubTurns{})

	event := makeEvent(http.MethodGet, "/webhook", "")
	event.QueryStringParameters["hub.verify_token"] = "verify-me"
	event.QueryStringParameters["hub.challenge"] = "challenge-123"

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "challenge-123", resp.Body)
}

func TestHandle_WebhookVerificationRejectsBadToken(t *testing.T) {
	h, _, _ := mustNewHandler(t, &stubTurns{})

	event := makeEvent(http.MethodGet, "/webhook", "")
	event.QueryStringParameters["hub.verify_token"] = "wrong"

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandle_ProcessTurn_HappyPath(t *testing.T) {
	turns := &stubTurns{turnOut: usecase.TurnOutput{
		EventID:   "evt-1",
		Responses: []map[string]any{{"text": "hello"}},
	}}
	h, _, _ := mustNewHandler(t, turns)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/webhook",
		`{"senderId":"u1","pageId":"p1","text":"hello","timestamp":1756375200000}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "u1", turns.turnIn.SenderID)
	require.Equal(t, int64(1756375200000), turns.turnIn.Timestamp)

	out := parseBody[turnResponse](t, resp.Body)
	require.Equal(t, "evt-1", out.EventID)
	require.Len(t, out.Responses, 1)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_ProcessTurn_MalformedBody(t *testing.T) {
	h, _, _ := mustNewHandler(t, &stubTurns{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/webhook", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "busy", err: &usecase.Error{Code: usecase.ErrorConversationBusy, Reason: "lease_held"}, status: http.StatusConflict, code: string(usecase.ErrorConversationBusy)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "save_failed"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _, _ := mustNewHandler(t, &stubTurns{turnErr: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/webhook",
				`{"senderId":"u1","pageId":"p1","text":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_IssueToken(t *testing.T) {
	h, _, _ := mustNewHandler(t, &stubTurns{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/tokens",
		`{"senderId":"u1","pageId":"p1"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := parseBody[domain.Token](t, resp.Body)
	require.Equal(t, "tok", out.Token)
}

func TestHandle_ListConversations_RequiresKnownToken(t *testing.T) {
	h, _, _ := mustNewHandler(t, &stubTurns{})

	event := makeEvent(http.MethodGet, "/conversations", "")
	event.Headers["Authorization"] = "Bearer unknown"

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandle_ListConversations_PassesQueryParams(t *testing.T) {
	turns := &stubTurns{
		subject: &domain.Token{SenderID: "admin", PageID: "p1", Token: "abc"},
		page: &domain.StatesPage{
			Data:   []domain.StateSummary{{SenderID: "u1", PageID: "p1"}},
			Cursor: "next",
		},
	}
	h, _, _ := mustNewHandler(t, turns)

	event := makeEvent(http.MethodGet, "/conversations", "")
	event.Headers["authorization"] = "Bearer abc"
	event.QueryStringParameters["pageId"] = "p1"
	event.QueryStringParameters["limit"] = "5"
	event.QueryStringParameters["cursor"] = "cur"
	event.QueryStringParameters["search"] = "u1"

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.StatesFilter{PageID: "p1", Search: "u1"}, turns.lastFilter)
	require.Equal(t, 5, turns.lastLimit)
	require.Equal(t, "cur", turns.lastCursor)

	out := parseBody[domain.StatesPage](t, resp.Body)
	require.Equal(t, "next", out.Cursor)
}

func TestHandle_GetConfig_AbsentIs404(t *testing.T) {
	h, _, _ := mustNewHandler(t, &stubTurns{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/config", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandle_UpdateAndGetConfig(t *testing.T) {
	h, config, _ := mustNewHandler(t, &stubTurns{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPut, "/config", `{"blocks":["root"]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []any{"root"}, config.stored["blocks"])

	config.cfg = config.stored
	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/config", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandle_DeleteConfig(t *testing.T) {
	h, _, _ := mustNewHandler(t, &stubTurns{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodDelete, "/config", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHandle_SaveAttachment(t *testing.T) {
	h, _, attachments := mustNewHandler(t, &stubTurns{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/attachments",
		`{"url":"https://example.com/a.png","attachmentId":42}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://example.com/a.png", attachments.lastURL)
	require.Equal(t, int64(42), attachments.lastID)
}

func TestHandle_SaveAttachment_Validates(t *testing.T) {
	h, _, _ := mustNewHandler(t, &stubTurns{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/attachments", `{"url":""}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_UnknownRouteIs404(t *testing.T) {
	h, _, _ := mustNewHandler(t, &stubTurns{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/nope", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, _, _ := mustNewHandler(t, &stubTurns{turnOut: usecase.TurnOutput{EventID: "evt"}})

	event := makeEvent(http.MethodPost, "/webhook", `{"senderId":"u1","pageId":"p1","text":"hi"}`)
	event.Headers["x-correlation-id"] = "corr-123"

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
