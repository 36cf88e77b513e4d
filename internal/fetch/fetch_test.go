package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "route-metrics/1.0" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		switch r.URL.Path {
		case "/ok.gpx":
			_, _ = w.Write([]byte("<gpx/>"))
		case "/big.gpx":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(0, 1, time.Second)
	f.MaxBytes = 32

	data, err := f.Fetch(context.Background(), srv.URL+"/ok.gpx")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "<gpx/>" {
		t.Errorf("got %q", data)
	}

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.gpx")
	var serr *StatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusNotFound {
		t.Errorf("got %v, want 404 StatusError", err)
	}

	if _, err := f.Fetch(context.Background(), srv.URL+"/big.gpx"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}

func TestFetchCancelled(t *testing.T) {
	f := NewFetcher(0.001, 1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, "http://127.0.0.1:1/never"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
