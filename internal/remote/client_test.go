package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestHistoryPassesPagingAndToken(t *testing.T) {
	var gotPath, gotAuth, gotPage string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotPage = r.URL.Query().Get("page")
		_ = json.NewEncoder(w).Encode([]Message{
			{ID: "m1", SenderID: "10001", ReceiverID: "10002", Content: "hi", CreatedAt: 1},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zap.NewNop())
	msgs, err := c.History(context.Background(), "10002", 2, 25)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	if gotPath != "/api/messages/10002" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotPage != "2" {
		t.Fatalf("page = %q", gotPage)
	}
}

func TestContactsCarryStorageIDs(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode([]Contact{
			{Identity: "10002", StorageID: "507f1f77bcf86cd799439011", DisplayName: "Bob"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zap.NewNop())
	contacts, err := c.Contacts(context.Background())
	if err != nil {
		t.Fatalf("contacts: %v", err)
	}
	if gotPath != "/api/contacts" {
		t.Fatalf("path = %q", gotPath)
	}
	if len(contacts) != 1 || contacts[0].StorageID != "507f1f77bcf86cd799439011" {
		t.Fatalf("unexpected contacts: %+v", contacts)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusUnauthorized, ErrUnauthorized},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		}))
		c := NewClient(srv.URL, "tok", zap.NewNop())
		_, err := c.Profile(context.Background(), "10001")
		if !errors.Is(err, tc.want) {
			t.Errorf("code %d: got %v, want %v", tc.code, err, tc.want)
		}
		srv.Close()
	}
}

func TestDownloadAvatarRelativeURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/avatars/10001.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zap.NewNop())
	data, ct, err := c.DownloadAvatar(context.Background(), "/avatars/10001.png")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "png-bytes" || ct != "image/png" {
		t.Fatalf("got %q %q", data, ct)
	}
}
