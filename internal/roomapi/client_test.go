package roomapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRoomFetchesAssignment(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["booking_id"] != "bk-42" {
			t.Errorf("unexpected booking id %q", body["booking_id"])
		}

		json.NewEncoder(w).Encode(RoomInfo{RoomName: "room-bk-42", Identity: "caller-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-abc")
	info, err := c.Room(context.Background(), "bk-42")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	if info.RoomName != "room-bk-42" || info.Identity != "caller-1" {
		t.Fatalf("unexpected assignment %+v", info)
	}
	if gotPath != "/video/token" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer tok-abc" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestRoomRejectsIncompleteAssignment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RoomInfo{RoomName: "room-only"})
	}))
	defer srv.Close()

	if _, err := New(srv.URL, "").Room(context.Background(), "bk-1"); err == nil {
		t.Fatal("expected error for assignment without identity")
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "booking not found", http.StatusNotFound)
	}))
	defer srv.Close()

	err := New(srv.URL, "").Complete(context.Background(), "bk-missing")
	if err == nil {
		t.Fatal("expected error on 404")
	}
}

func TestCompletePostsBooking(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.URL.Path != "/video/complete" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := New(srv.URL, "").Complete(context.Background(), "bk-7"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !called {
		t.Fatal("backend not called")
	}
}
