package sms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewSMSLocalClient_Defaults(t *testing.T) {
	client := NewSMSLocalClient("api-key", "", "")
	if client.APIKey != "api-key" {
		t.Errorf("APIKey = %q, want %q", client.APIKey, "api-key")
	}
	if client.BaseURL != "https://www.smslocal.com/dev/bulkV2" {
		t.Errorf("BaseURL = %q, want default", client.BaseURL)
	}
	if client.HTTPClient == nil {
		t.Fatal("HTTPClient should be set")
	}
	if client.HTTPClient.Timeout != defaultTimeout {
		t.Errorf("HTTPClient.Timeout = %v, want %v", client.HTTPClient.Timeout, defaultTimeout)
	}
}

func TestSendOTP_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want %q", r.Method, http.MethodPost)
		}
		if r.Header.Get("Authorization") != "test-api-key" {
			t.Errorf("Authorization = %q, want test-api-key", r.Header.Get("Authorization"))
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("Decode body: %v", err)
		}
		if body["route"] != "otp" {
			t.Errorf("route = %v, want otp", body["route"])
		}
		if body["numbers"] != "+14155552671" {
			t.Errorf("numbers = %v, want +14155552671", body["numbers"])
		}
		if body["variables"] != "482913" {
			t.Errorf("variables = %v, want 482913", body["variables"])
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer server.Close()

	client := NewSMSLocalClient("test-api-key", server.URL, "")
	if err := client.SendOTP(context.Background(), "+14155552671", "482913"); err != nil {
		t.Fatalf("SendOTP: %v", err)
	}
}

func TestSendOTP_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"status":"error"}`))
	}))
	defer server.Close()

	client := NewSMSLocalClient("test-api-key", server.URL, "")
	err := client.SendOTP(context.Background(), "+14155552671", "482913")
	if err == nil {
		t.Fatal("SendOTP should fail on non-200 status")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error should mention status code, got %v", err)
	}
}

func TestSendOTP_MissingAPIKey(t *testing.T) {
	client := NewSMSLocalClient("", "http://localhost:0", "")
	if err := client.SendOTP(context.Background(), "+14155552671", "482913"); err == nil {
		t.Fatal("SendOTP should fail without an API key")
	}
}
