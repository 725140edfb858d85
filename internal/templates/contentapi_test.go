package templates

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"wedding-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentAPI_Submit(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC1", user)
		assert.Equal(t, "secret", pass)
		calls = append(calls, r.Method+" "+r.URL.Path)

		switch r.URL.Path {
		case "/v1/Content":
			var req contentCreateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "Hi {{1}} at {{2}}", req.Types["twilio/text"]["body"])
			assert.Len(t, req.Variables, 2)
			json.NewEncoder(w).Encode(map[string]string{"sid": "HX99"})
		case "/v1/Content/HX99/ApprovalRequests/whatsapp":
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	api := NewContentAPI(srv.URL, "AC1", "secret", srv.Client())
	sid, err := api.Submit(context.Background(), &models.MessageTemplate{
		Type: "invitation", Style: "classic", Locale: "he", Body: "Hi {{1}} at {{2}}",
	})
	require.NoError(t, err)
	assert.Equal(t, "HX99", sid)
	assert.Equal(t, []string{"POST /v1/Content", "POST /v1/Content/HX99/ApprovalRequests/whatsapp"}, calls)
}

func TestContentAPI_Status(t *testing.T) {
	tests := []struct {
		provider string
		want     models.TemplateStatus
	}{
		{"approved", models.TemplateApproved},
		{"rejected", models.TemplateRejected},
		{"paused", models.TemplatePaused},
		{"received", models.TemplatePending},
		{"unsubmitted", models.TemplateDraft},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/Content/HX1/ApprovalRequests", r.URL.Path)
				w.Write([]byte(`{"whatsapp":{"status":"` + tt.provider + `","rejection_reason":"bad"}}`))
			}))
			defer srv.Close()

			state, err := NewContentAPI(srv.URL, "AC1", "secret", nil).Status(context.Background(), "HX1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, state.Status)
			assert.Equal(t, "bad", state.Reason)
		})
	}
}

func TestContentAPI_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewContentAPI(srv.URL, "AC1", "wrong", nil).Status(context.Background(), "HX1")
	assert.ErrorContains(t, err, "status 401")
}
