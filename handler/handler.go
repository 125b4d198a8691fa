// Package handler exposes the bot runtime over API Gateway: the messaging
// webhook, token issuance and the administrative listing/config surfaces.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"botstore/internal/domain"
	"botstore/internal/usecase"
)

// TurnAPI is the turn-processing surface consumed by the handler.
type TurnAPI interface {
	ProcessTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	IssueToken(ctx context.Context, senderID, pageID string) (*domain.Token, error)
	Authenticate(ctx context.Context, token string) (*domain.Token, error)
	ListConversations(ctx context.Context, filter domain.StatesFilter, limit int, cursor string) (*domain.StatesPage, error)
}

// ConfigAPI is the bot-config surface consumed by the handler.
type ConfigAPI interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	UpdateConfig(ctx context.Context, newConfig map[string]any) (map[string]any, error)
	InvalidateConfig(ctx context.Context) error
}

// AttachmentAPI seeds the attachment cache after an upload.
type AttachmentAPI interface {
	SaveAttachmentID(ctx context.Context, url string, attachmentID int64) error
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handler routes API Gateway proxy events.
type Handler struct {
	turns       TurnAPI
	config      ConfigAPI
	attachments AttachmentAPI
	verifyToken string
	log         *slog.Logger
}

// NewHandler wires the transport layer. verifyToken guards the webhook
// subscription handshake.
func NewHandler(turns TurnAPI, config ConfigAPI, attachments AttachmentAPI, verifyToken string, log *slog.Logger) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn service must not be nil")
	}
	if config == nil {
		return nil, errors.New("handler: config store must not be nil")
	}
	if attachments == nil {
		return nil, errors.New("handler: attachment cache must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		turns:       turns,
		config:      config,
		attachments: attachments,
		verifyToken: verifyToken,
		log:         log,
	}, nil
}

// Handle dispatches one API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req, "x-correlation-id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var resp events.APIGatewayProxyResponse
	switch req.HTTPMethod + " " + req.Path {
	case "GET /webhook":
		resp = h.verifyWebhook(req)
	case "POST /webhook":
		resp = h.processTurn(ctx, req)
	case "POST /tokens":
		resp = h.issueToken(ctx, req)
	case "GET /conversations":
		resp = h.listConversations(ctx, req)
	case "GET /config":
		resp = h.getConfig(ctx)
	case "PUT /config":
		resp = h.updateConfig(ctx, req)
	case "DELETE /config":
		resp = h.invalidateConfig(ctx)
	case "POST /attachments":
		resp = h.saveAttachment(ctx, req)
	default:
		resp = jsonResponse(http.StatusNotFound, errorResponse{Error: "NOT_FOUND"})
	}

	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers["X-Correlation-Id"] = correlationID
	return resp, nil
}

// verifyWebhook answers the platform subscription handshake: echo the
// challenge when the presented verify token matches.
func (h *Handler) verifyWebhook(req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	if h.verifyToken == "" || req.QueryStringParameters["hub.verify_token"] != h.verifyToken {
		return jsonResponse(http.StatusForbidden, errorResponse{Error: "VERIFICATION_FAILED"})
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"content-type": "text/plain"},
		Body:       req.QueryStringParameters["hub.challenge"],
	}
}

type turnRequest struct {
	SenderID    string   `json:"senderId"`
	PageID      string   `json:"pageId"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments"`
	Timestamp   int64    `json:"timestamp"`
}

type turnResponse struct {
	EventID   string           `json:"eventId"`
	Responses []map[string]any `json:"responses"`
}

func (h *Handler) processTurn(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body turnRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_body"})
	}

	out, err := h.turns.ProcessTurn(ctx, usecase.TurnInput{
		SenderID:    body.SenderID,
		PageID:      body.PageID,
		Text:        body.Text,
		Attachments: body.Attachments,
		Timestamp:   body.Timestamp,
	})
	if err != nil {
		return h.errorResponse(err)
	}
	return jsonResponse(http.StatusOK, turnResponse{EventID: out.EventID, Responses: out.Responses})
}

type tokenRequest struct {
	SenderID string `json:"senderId"`
	PageID   string `json:"pageId"`
}

func (h *Handler) issueToken(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body tokenRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_body"})
	}
	token, err := h.turns.IssueToken(ctx, body.SenderID, body.PageID)
	if err != nil {
		return h.errorResponse(err)
	}
	return jsonResponse(http.StatusOK, token)
}

func (h *Handler) listConversations(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	subject, err := h.turns.Authenticate(ctx, bearerToken(req))
	if err != nil {
		return h.errorResponse(err)
	}
	if subject == nil {
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: "UNAUTHORIZED", Reason: "unknown_token"})
	}

	limit := 0
	if raw := req.QueryStringParameters["limit"]; raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	page, err := h.turns.ListConversations(ctx, domain.StatesFilter{
		PageID: req.QueryStringParameters["pageId"],
		Search: req.QueryStringParameters["search"],
	}, limit, req.QueryStringParameters["cursor"])
	if err != nil {
		return h.errorResponse(err)
	}
	return jsonResponse(http.StatusOK, page)
}

func (h *Handler) getConfig(ctx context.Context) events.APIGatewayProxyResponse {
	cfg, err := h.config.GetConfig(ctx)
	if err != nil {
		return h.errorResponse(err)
	}
	if cfg == nil {
		return jsonResponse(http.StatusNotFound, errorResponse{Error: "NOT_FOUND", Reason: "no_configuration"})
	}
	return jsonResponse(http.StatusOK, cfg)
}

func (h *Handler) updateConfig(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var cfg map[string]any
	if err := json.Unmarshal([]byte(req.Body), &cfg); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "malformed_body"})
	}
	stored, err := h.config.UpdateConfig(ctx, cfg)
	if err != nil {
		return h.errorResponse(err)
	}
	return jsonResponse(http.StatusOK, stored)
}

func (h *Handler) invalidateConfig(ctx context.Context) events.APIGatewayProxyResponse {
	if err := h.config.InvalidateConfig(ctx); err != nil {
		return h.errorResponse(err)
	}
	return jsonResponse(http.StatusNoContent, nil)
}

type attachmentRequest struct {
	URL          string `json:"url"`
	AttachmentID int64  `json:"attachmentId"`
}

func (h *Handler) saveAttachment(ctx context.Context, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	var body attachmentRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil || body.URL == "" || body.AttachmentID == 0 {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "url_and_attachment_id_required"})
	}
	if err := h.attachments.SaveAttachmentID(ctx, body.URL, body.AttachmentID); err != nil {
		return h.errorResponse(err)
	}
	return jsonResponse(http.StatusNoContent, nil)
}

func headerValue(req events.APIGatewayProxyRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func bearerToken(req events.APIGatewayProxyRequest) string {
	return strings.TrimPrefix(headerValue(req, "authorization"), "Bearer ")
}

func (h *Handler) errorResponse(err error) events.APIGatewayProxyResponse {
	var coded *usecase.Error
	if errors.As(err, &coded) {
		status := http.StatusInternalServerError
		switch coded.Code {
		case usecase.ErrorInvalidInput:
			status = http.StatusBadRequest
		case usecase.ErrorConversationBusy:
			status = http.StatusConflict
		}
		if status == http.StatusInternalServerError {
			h.log.Error("request failed", "code", coded.Code, "err", err)
		}
		return jsonResponse(status, errorResponse{Error: string(coded.Code), Reason: coded.Reason})
	}
	h.log.Error("request failed", "err", err)
	return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
}

func jsonResponse(status int, body any) events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"content-type": "application/json"},
	}
	if body != nil {
		raw, _ := json.Marshal(body)
		resp.Body = string(raw)
	}
	return resp
}
