package staysync_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"bitbucket.org/casadata/rentals_backend/models"
	"bitbucket.org/casadata/rentals_backend/staysync"
	"golang.org/x/time/rate"
)

func newTestClient(t *testing.T, handler http.Handler) (*staysync.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := staysync.NewClient(&models.ChannelConnection{
		BaseURL:   srv.URL,
		ApiKey:    "key",
		ApiSecret: "secret",
	})
	client.SetLimiter(rate.NewLimiter(rate.Inf, 1))
	return client, srv
}

func TestGetReservationFound(t *testing.T) {
	var gotAuth bool
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		gotAuth = ok && user == "key" && pass == "secret"
		json.NewEncoder(w).Encode(map[string]interface{}{
			"_id":      "abc123",
			"type":     "booked",
			"checkIn":  "2026-09-10",
			"checkOut": "2026-09-15",
			"guest":    map[string]string{"name": "Ana Souza"},
		})
	}))

	out := client.GetReservation(context.Background(), "abc123")
	if out.State != staysync.FetchFound {
		t.Fatalf("State = %v, want Found (err=%v)", out.State, out.Err)
	}
	if !gotAuth {
		t.Fatal("request did not carry basic auth credentials")
	}
	if out.Reservation.ExternalId() != "abc123" {
		t.Fatalf("ExternalId = %q", out.Reservation.ExternalId())
	}
	if out.Reservation.GuestName() != "Ana Souza" {
		t.Fatalf("GuestName = %q", out.Reservation.GuestName())
	}
}

func TestGetReservationHTTP404IsNotFound(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	out := client.GetReservation(context.Background(), "gone")
	if out.State != staysync.FetchNotFound {
		t.Fatalf("State = %v, want NotFound", out.State)
	}
}

func TestGetReservationBodySentinelIsNotFound(t *testing.T) {
	bodies := []string{
		`{"message":"not found"}`,
		`{"message":"Not Found"}`,
		`{"error":"not found"}`,
	}
	for _, body := range bodies {
		payload := body
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(payload))
		}))
		out := client.GetReservation(context.Background(), "gone")
		if out.State != staysync.FetchNotFound {
			t.Errorf("body %s: State = %v, want NotFound", payload, out.State)
		}
	}
}

func TestGetReservationServerErrorIsTransient(t *testing.T) {
	for _, code := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests, http.StatusUnauthorized} {
		status := code
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		out := client.GetReservation(context.Background(), "x")
		if out.State != staysync.FetchTransientError {
			t.Errorf("status %d: State = %v, want TransientError", status, out.State)
		}
		if out.Err == nil {
			t.Errorf("status %d: Err is nil", status)
		}
	}
}

func TestGetReservationNetworkErrorIsTransient(t *testing.T) {
	client, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	out := client.GetReservation(context.Background(), "x")
	if out.State != staysync.FetchTransientError {
		t.Fatalf("State = %v, want TransientError", out.State)
	}
}

func TestGetReservationUnparseableBodyIsTransient(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>proxy error</html>"))
	}))
	out := client.GetReservation(context.Background(), "x")
	if out.State != staysync.FetchTransientError {
		t.Fatalf("State = %v, want TransientError", out.State)
	}
}

func TestListReservationsPaginates(t *testing.T) {
	total := 45
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		var page []map[string]interface{}
		for i := skip; i < total && i < skip+20; i++ {
			page = append(page, map[string]interface{}{"_id": idFor(i), "type": "booked"})
		}
		json.NewEncoder(w).Encode(page)
	}))

	items, err := client.ListReservations(context.Background(), "2026-09-01", "2026-09-30", "arrival")
	if err != nil {
		t.Fatalf("ListReservations: %v", err)
	}
	if len(items) != total {
		t.Fatalf("len(items) = %d, want %d", len(items), total)
	}
	if items[44].ExternalId() != idFor(44) {
		t.Fatalf("last item id = %q", items[44].ExternalId())
	}
}

func idFor(i int) string {
	return fmt.Sprintf("res-%03d", i)
}
