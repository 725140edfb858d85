package templates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/render"
)

// ContentAPI is an ApprovalClient for a Content-API style business messaging
// provider: templates are created as content resources and approval is
// requested and polled per content id.
type ContentAPI struct {
	baseURL    string
	accountSID string
	authToken  string
	category   string
	httpClient *http.Client
}

// NewContentAPI creates a content approval client.
func NewContentAPI(baseURL, accountSID, authToken string, client *http.Client) *ContentAPI {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &ContentAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		category:   "UTILITY",
		httpClient: client,
	}
}

type contentCreateRequest struct {
	FriendlyName string                       `json:"friendly_name"`
	Language     string                       `json:"language"`
	Variables    map[string]string            `json:"variables,omitempty"`
	Types        map[string]map[string]string `json:"types"`
}

type contentResource struct {
	SID string `json:"sid"`
}

type approvalRequest struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

type approvalFetchResponse struct {
	WhatsApp struct {
		Status          string `json:"status"`
		RejectionReason string `json:"rejection_reason"`
	} `json:"whatsapp"`
}

// Submit implements ApprovalClient.
func (c *ContentAPI) Submit(ctx context.Context, t *models.MessageTemplate) (string, error) {
	sid := t.ContentSID
	if sid == "" {
		samples := make(map[string]string)
		for _, name := range render.Placeholders(t.Body) {
			samples[name] = "sample"
		}
		var created contentResource
		err := c.do(ctx, http.MethodPost, "/v1/Content", contentCreateRequest{
			FriendlyName: templateName(t),
			Language:     t.Locale,
			Variables:    samples,
			Types:        map[string]map[string]string{"twilio/text": {"body": t.Body}},
		}, &created)
		if err != nil {
			return "", fmt.Errorf("create content: %w", err)
		}
		if created.SID == "" {
			return "", fmt.Errorf("create content: provider returned no sid")
		}
		sid = created.SID
	}

	err := c.do(ctx, http.MethodPost, "/v1/Content/"+sid+"/ApprovalRequests/whatsapp", approvalRequest{
		Name:     templateName(t),
		Category: c.category,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("request approval: %w", err)
	}
	return sid, nil
}

// Status implements ApprovalClient.
func (c *ContentAPI) Status(ctx context.Context, contentSID string) (ApprovalState, error) {
	var resp approvalFetchResponse
	if err := c.do(ctx, http.MethodGet, "/v1/Content/"+contentSID+"/ApprovalRequests", nil, &resp); err != nil {
		return ApprovalState{}, err
	}
	return ApprovalState{
		Status: mapApprovalStatus(resp.WhatsApp.Status),
		Reason: resp.WhatsApp.RejectionReason,
	}, nil
}

func mapApprovalStatus(s string) models.TemplateStatus {
	switch strings.ToLower(s) {
	case "approved":
		return models.TemplateApproved
	case "rejected":
		return models.TemplateRejected
	case "paused", "disabled":
		return models.TemplatePaused
	case "unsubmitted":
		return models.TemplateDraft
	default:
		return models.TemplatePending
	}
}

func templateName(t *models.MessageTemplate) string {
	if t.Name != "" {
		return t.Name
	}
	return strings.ToLower(fmt.Sprintf("%s_%s_%s", t.Type, t.Style, t.Locale))
}

func (c *ContentAPI) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("content api %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
