package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestLogRecordsRequest(t *testing.T) {
	rl := NewRequestLog(8)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))

	r := httptest.NewRequest(http.MethodPost, "/products?x=1", nil)
	r.Header.Set(RequestIDHeader, "req-1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	rec, ok := rl.Get("req-1")
	if !ok {
		t.Fatal("record not found")
	}
	if rec.Method != http.MethodPost || rec.Path != "/products" || rec.Query != "x=1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Status != http.StatusCreated {
		t.Errorf("status = %d", rec.Status)
	}
	if rec.Bytes != int64(len("created")) {
		t.Errorf("bytes = %d", rec.Bytes)
	}
}

func TestRequestLogImplicitOKStatus(t *testing.T) {
	rl := NewRequestLog(8)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "req-ok")
	h.ServeHTTP(httptest.NewRecorder(), r)

	rec, _ := rl.Get("req-ok")
	if rec.Status != http.StatusOK {
		t.Errorf("status = %d", rec.Status)
	}
}

func TestRequestLogRingEviction(t *testing.T) {
	rl := NewRequestLog(2)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(RequestIDHeader, fmt.Sprintf("req-%d", i))
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	if _, ok := rl.Get("req-0"); ok {
		t.Error("oldest record should have been evicted")
	}
	if _, ok := rl.Get("req-1"); !ok {
		t.Error("req-1 missing")
	}
	if _, ok := rl.Get("req-2"); !ok {
		t.Error("req-2 missing")
	}
}

func TestRequestLogRecent(t *testing.T) {
	rl := NewRequestLog(4)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/p%d", i), nil)
		r.Header.Set(RequestIDHeader, fmt.Sprintf("req-%d", i))
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	recent := rl.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("recent = %d", len(recent))
	}
	if recent[0].RequestID != "req-2" || recent[1].RequestID != "req-1" {
		t.Errorf("recent = %s, %s", recent[0].RequestID, recent[1].RequestID)
	}
}
