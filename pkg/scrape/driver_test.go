package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPDriver_TakeSnapshot_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Acme</title><meta name="description" content="widgets"></head><body>Hello world</body></html>`))
	}))
	defer srv.Close()

	d := NewHTTPDriver(5 * time.Second)
	snap, err := d.TakeSnapshot(context.Background(), srv.URL, DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Title != "Acme" {
		t.Fatalf("expected title Acme, got %q", snap.Title)
	}
	if snap.Description != "widgets" {
		t.Fatalf("expected description widgets, got %q", snap.Description)
	}
	if snap.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", snap.StatusCode)
	}
}

func TestHTTPDriver_TakeSnapshot_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewHTTPDriver(5 * time.Second)
	_, err := d.TakeSnapshot(context.Background(), srv.URL, DefaultOptions())
	if err == nil {
		t.Fatalf("expected error for 404 response")
	}
	httpErr, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("expected *HTTPError, got %T", err)
	}
	if httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", httpErr.StatusCode)
	}
}

func TestStripTags(t *testing.T) {
	got := stripTags("<p>Hello <b>World</b></p>")
	if got != "Hello World" {
		t.Fatalf("expected %q, got %q", "Hello World", got)
	}
}
