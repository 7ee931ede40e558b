package memory

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"scanrelay/internal/domain"
	"scanrelay/internal/store"
)

func TestPutThenSign(t *testing.T) {
	s := New("https://store.example")
	key := store.ObjectKey("frontend", "build-42", "gitleaks.json")

	gotKey, err := s.Put(context.Background(), key, []byte(`{"findings":[]}`), "application/json")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if gotKey != key {
		t.Errorf("Put() key = %q, want %q", gotKey, key)
	}

	ref, err := s.Sign(context.Background(), key, time.Hour)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if ref.URL != "https://store.example/"+key {
		t.Errorf("Sign() url = %q", ref.URL)
	}
	if remaining := time.Until(ref.ExpiresAt); remaining < 59*time.Minute {
		t.Errorf("reference expires too early: %s remaining", remaining)
	}
}

func TestSign_UnknownKey(t *testing.T) {
	s := New("https://store.example")
	_, err := s.Sign(context.Background(), "never/put/this", time.Hour)
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("Sign() error = %v, want ErrKeyNotFound", err)
	}
}

func TestPut_RetriesTransientFailures(t *testing.T) {
	s := New("")
	s.PutFailures = 2 // fewer than the retry budget

	if _, err := s.Put(context.Background(), "k", []byte("v"), ""); err != nil {
		t.Fatalf("Put() error = %v, want recovery within retry budget", err)
	}
}

func TestPut_ExhaustedRetriesDegrade(t *testing.T) {
	s := New("")
	s.PutFailures = 10

	_, err := s.Put(context.Background(), "k", []byte("v"), "")
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("Put() error = %v, want ErrStorageUnavailable", err)
	}
}

func TestServeHTTP(t *testing.T) {
	s := New("")
	srv := httptest.NewServer(s)
	defer srv.Close()
	s.BaseURL = srv.URL

	key := store.ObjectKey("frontend", "build-42", "trivy.json")
	if _, err := s.Put(context.Background(), key, []byte(`{"vulns":1}`), "application/json"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	ref, err := s.Sign(context.Background(), key, time.Hour)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	resp, err := http.Get(ref.URL)
	if err != nil {
		t.Fatalf("GET %s: %v", ref.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"vulns":1}` {
		t.Errorf("GET body = %q", body)
	}

	missing, err := http.Get(srv.URL + "/no/such/key")
	if err != nil {
		t.Fatalf("GET missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing key status = %d, want 404", missing.StatusCode)
	}
}
