package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pinboard/api/internal/auth"
	"pinboard/api/internal/store"
)

func newAuthedServer(t *testing.T, fs *fakeStore) (*HTTPServer, string) {
	t.Helper()
	verifier := auth.NewVerifier("test-secret")
	token, err := verifier.Issue("b@x.com", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	svc, _ := newTestService(fs)
	t.Cleanup(svc.Wait)
	server := NewHTTPServer(svc, func(r *http.Request) (string, error) {
		return verifier.VerifyRequest(r, false)
	}, "*", nil)
	return server, token
}

func doJSON(t *testing.T, server *HTTPServer, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var response map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, response
}

func TestRoutesRequireToken(t *testing.T) {
	server, _ := newAuthedServer(t, &fakeStore{})

	for _, path := range []string{"/api/me", "/api/pinboards/P1/items", "/api/group-pinboards"} {
		rr, response := doJSON(t, server, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized || response["code"] != "UNAUTHORIZED" {
			t.Fatalf("%s: expected 401 UNAUTHORIZED, got %d %v", path, rr.Code, response)
		}
	}

	rr, _ := doJSON(t, server, http.MethodGet, "/api/me", "not-a-token", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rr.Code)
	}
}

func TestGetMeUsesTokenEmail(t *testing.T) {
	server, token := newAuthedServer(t, &fakeStore{})

	rr, response := doJSON(t, server, http.MethodGet, "/api/me", token, nil)
	if rr.Code != http.StatusOK || response["email"] != "b@x.com" {
		t.Fatalf("expected b@x.com, got %d %v", rr.Code, response)
	}
}

func TestCreateItemRoute(t *testing.T) {
	var inserted store.Item
	server, token := newAuthedServer(t, &fakeStore{
		insertItemFn: func(_ context.Context, item store.Item) (store.Item, error) {
			inserted = item
			item.ID = 11
			return item, nil
		},
	})

	rr, response := doJSON(t, server, http.MethodPost, "/api/pinboards/P1/items", token, map[string]any{
		"type":     "message-only",
		"message":  "hello",
		"mentions": []string{"c@x.com"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", rr.Code, response)
	}
	if inserted.PinboardID != "P1" || inserted.UserEmail != "b@x.com" {
		t.Fatalf("path pinboard and token email must win, got %+v", inserted)
	}
	if response["id"] != float64(11) {
		t.Fatalf("unexpected response %v", response)
	}

	rr, response = doJSON(t, server, http.MethodPost, "/api/pinboards/P1/items", token, map[string]any{"type": "hologram"})
	if rr.Code != http.StatusUnprocessableEntity || response["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422, got %d %v", rr.Code, response)
	}
}

func TestClaimRouteConflict(t *testing.T) {
	server, token := newAuthedServer(t, &fakeStore{
		getItemFn: func(_ context.Context, id int64) (store.Item, error) {
			item := claimableRequest(id)
			item.ClaimedByEmail = "d@x.com"
			return item, nil
		},
	})

	rr, response := doJSON(t, server, http.MethodPost, "/api/items/5/claim", token, nil)
	if rr.Code != http.StatusConflict || response["code"] != "ALREADY_CLAIMED" {
		t.Fatalf("expected 409, got %d %v", rr.Code, response)
	}
	details, _ := response["details"].(map[string]any)
	if details["claimedByEmail"] != "d@x.com" {
		t.Fatalf("expected claimant in details, got %v", response["details"])
	}
}

func TestItemRoutesErrors(t *testing.T) {
	server, token := newAuthedServer(t, &fakeStore{})

	rr, response := doJSON(t, server, http.MethodDelete, "/api/items/abc", token, nil)
	if rr.Code != http.StatusBadRequest || response["code"] != "INVALID_ITEM_ID" {
		t.Fatalf("expected 400 INVALID_ITEM_ID, got %d %v", rr.Code, response)
	}

	rr, response = doJSON(t, server, http.MethodDelete, "/api/items/99", token, nil)
	if rr.Code != http.StatusNotFound || response["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404 for a missing item, got %d %v", rr.Code, response)
	}

	rr, _ = doJSON(t, server, http.MethodGet, "/api/nowhere", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSeenRoute(t *testing.T) {
	server, token := newAuthedServer(t, &fakeStore{
		getItemFn: func(_ context.Context, id int64) (store.Item, error) {
			return store.Item{ID: id, PinboardID: "P1"}, nil
		},
	})

	rr, response := doJSON(t, server, http.MethodPost, "/api/pinboards/P1/seen", token, map[string]any{"itemID": 4})
	if rr.Code != http.StatusOK || response["itemID"] != float64(4) || response["userEmail"] != "b@x.com" {
		t.Fatalf("unexpected seen response %d %v", rr.Code, response)
	}
}
