package mdmserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"fleetagent/internal/services"
	"fleetagent/internal/services/mdmserver"
)

func TestFetchConfigurationReturnsData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.EscapedPath(); got != "/fleet/rest/public/sync/configuration/dev%201" {
			t.Errorf("unexpected path %q", got)
		}
		_, _ = w.Write([]byte(`{"status":"OK","data":{"lock":true}}`))
	}))
	defer srv.Close()

	client := mdmserver.New(srv.Client(), 0)
	data, err := client.FetchConfiguration(context.Background(), mdmserver.Endpoint{BaseURL: srv.URL + "/", Project: "fleet"}, "dev 1")
	if err != nil {
		t.Fatalf("FetchConfiguration: %v", err)
	}
	if string(data) != `{"lock":true}` {
		t.Fatalf("unexpected data %s", data)
	}
}

func TestFetchConfigurationClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, "", services.ErrAuth},
		{"not found", http.StatusNotFound, "", services.ErrAuth},
		{"error envelope", http.StatusOK, `{"status":"ERROR","message":"device not found"}`, services.ErrAuth},
		{"server error", http.StatusBadGateway, "", services.ErrNetwork},
		{"garbage", http.StatusOK, "<html>", services.ErrNetwork},
		{"no data", http.StatusOK, `{"status":"OK"}`, services.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := mdmserver.New(srv.Client(), 0)
			_, err := client.FetchConfiguration(context.Background(), mdmserver.Endpoint{BaseURL: srv.URL}, "dev")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestFetchConfigurationWithoutDeviceIDIsAuthError(t *testing.T) {
	client := mdmserver.New(nil, 0)
	_, err := client.FetchConfiguration(context.Background(), mdmserver.Endpoint{BaseURL: "http://127.0.0.1:1"}, " ")
	if !errors.Is(err, services.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client := mdmserver.New(nil, 0)
	_, err := client.FetchConfiguration(context.Background(), mdmserver.Endpoint{BaseURL: addr}, "dev")
	if !errors.Is(err, services.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestConfirmPostsReport(t *testing.T) {
	var got mdmserver.DeviceReport
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	}))
	defer srv.Close()

	client := mdmserver.New(srv.Client(), 0)
	report := mdmserver.DeviceReport{
		DeviceID:   "dev",
		Escalation: &mdmserver.EscalationOutcome{Action: "reset", Attempted: false, Success: false, Error: "privilege missing"},
	}
	if err := client.Confirm(context.Background(), mdmserver.Endpoint{BaseURL: srv.URL, Project: "p"}, mdmserver.ConfirmReset, report); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if path != "/p/rest/public/sync/confirm/reset/dev" {
		t.Fatalf("unexpected path %q", path)
	}
	if got.Escalation == nil || got.Escalation.Success {
		t.Fatalf("expected failed escalation outcome, got %+v", got.Escalation)
	}
}

func TestConfirmRejectsUnknownAction(t *testing.T) {
	client := mdmserver.New(nil, 0)
	err := client.Confirm(context.Background(), mdmserver.Endpoint{BaseURL: "http://x"}, "explode", mdmserver.DeviceReport{DeviceID: "d"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
