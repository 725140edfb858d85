package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wedding-dispatch/internal/models"
)

// VoiceProvider places text-to-speech calls through a REST voice API. The API
// accepts single calls and batches of calls.
type VoiceProvider struct {
	baseURL    string
	apiKey     string
	callerID   string
	httpClient *http.Client
}

// NewVoiceProvider creates a voice provider.
func NewVoiceProvider(baseURL, apiKey, callerID string, client *http.Client) *VoiceProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &VoiceProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		callerID:   callerID,
		httpClient: client,
	}
}

type callRequest struct {
	To        string `json:"to"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Reference string `json:"reference,omitempty"`
}

type callResult struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type batchRequest struct {
	Calls []callRequest `json:"calls"`
}

type batchResponse struct {
	Results []callResult `json:"results"`
}

type accountResponse struct {
	Name     string  `json:"name"`
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

// httpStatusError is a non-2xx response.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("voice api status %d: %s", e.status, e.body)
}

func (p *VoiceProvider) Channel() models.Channel { return models.ChannelVoice }

func (p *VoiceProvider) call(msg Message) callRequest {
	return callRequest{To: "+" + strings.TrimPrefix(msg.Recipient, "+"), From: p.callerID, Text: msg.Body, Reference: msg.Reference}
}

func (p *VoiceProvider) Send(ctx context.Context, msg Message) Result {
	if msg.Recipient == "" {
		return Failure(models.KindNoContact, "", "recipient has no phone number")
	}
	var res callResult
	if err := p.do(ctx, http.MethodPost, "/v1/calls", p.call(msg), &res); err != nil {
		return classifyVoiceError(err)
	}
	return resultFromCall(res)
}

// SendBatch implements BatchSender. A request-level failure fails every
// message of the batch with the same kind.
func (p *VoiceProvider) SendBatch(ctx context.Context, msgs []Message) []Result {
	results := make([]Result, len(msgs))
	req := batchRequest{}
	index := make([]int, 0, len(msgs))
	for i, msg := range msgs {
		if msg.Recipient == "" {
			results[i] = Failure(models.KindNoContact, "", "recipient has no phone number")
			continue
		}
		req.Calls = append(req.Calls, p.call(msg))
		index = append(index, i)
	}
	if len(req.Calls) == 0 {
		return results
	}

	var resp batchResponse
	if err := p.do(ctx, http.MethodPost, "/v1/calls/batch", req, &resp); err != nil {
		failed := classifyVoiceError(err)
		for _, i := range index {
			results[i] = failed
		}
		return results
	}

	for n, i := range index {
		if n >= len(resp.Results) {
			results[i] = Failure(models.KindInternal, "", "voice api returned fewer results than calls")
			continue
		}
		results[i] = resultFromCall(resp.Results[n])
	}
	return results
}

func (p *VoiceProvider) TestConnection(ctx context.Context) ConnectionInfo {
	var acct accountResponse
	if err := p.do(ctx, http.MethodGet, "/v1/account", nil, &acct); err != nil {
		return ConnectionInfo{Error: err.Error()}
	}
	return ConnectionInfo{
		Success:     true,
		AccountInfo: fmt.Sprintf("%s (balance %.2f %s)", acct.Name, acct.Balance, acct.Currency),
	}
}

func resultFromCall(res callResult) Result {
	if res.ErrorCode == "" && res.ID != "" {
		return Sent(res.ID)
	}
	return Failure(voiceCodeKind(res.ErrorCode), res.ErrorCode, res.ErrorMessage)
}

// voiceCodeKind maps per-call error codes of the voice API.
func voiceCodeKind(code string) models.ErrorKind {
	switch code {
	case "insufficient_balance", "quota_exceeded":
		return models.KindQuotaExceeded
	case "invalid_number", "unreachable_destination", "blocked_number":
		return models.KindRejectedByProvider
	case "busy", "no_answer", "rate_limited", "carrier_error":
		return models.KindTransient
	case "":
		return models.KindInternal
	}
	return models.KindRejectedByProvider
}

func classifyVoiceError(err error) Result {
	var se *httpStatusError
	if !errors.As(err, &se) {
		return Failure(models.KindTransient, "", err.Error())
	}
	code := fmt.Sprintf("HTTP_%d", se.status)
	switch {
	case se.status == http.StatusPaymentRequired:
		return Failure(models.KindQuotaExceeded, code, se.body)
	case se.status == http.StatusUnauthorized || se.status == http.StatusForbidden:
		return Failure(models.KindConfigMissing, code, se.body)
	case se.status == http.StatusTooManyRequests || se.status >= http.StatusInternalServerError:
		return Failure(models.KindTransient, code, se.body)
	default:
		return Failure(models.KindRejectedByProvider, code, se.body)
	}
}

func (p *VoiceProvider) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
