package staysync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/casadata/rentals_backend/models"
	"golang.org/x/time/rate"
)

// FetchState is the three-way outcome of a remote lookup. Keeping "deleted"
// and "we couldn't tell" as distinct states is what prevents a transient
// outage from being mistaken for a deletion.
type FetchState int

const (
	FetchFound FetchState = iota
	FetchNotFound
	FetchTransientError
)

type FetchOutcome struct {
	State       FetchState
	Reservation *RemoteReservation
	Err         error
}

// RemoteReservation is the ephemeral remote representation of one booking.
// Field fallbacks mirror the channel manager's inconsistent payloads across
// endpoints and channels.
type RemoteReservation struct {
	MongoId      string          `json:"_id"`
	Id           string          `json:"id"`
	Code         string          `json:"code"`
	Localizator  string          `json:"localizator"`
	Type         string          `json:"type"`
	CheckIn      string          `json:"checkIn"`
	CheckInDate  string          `json:"checkInDate"`
	Arrival      string          `json:"arrival"`
	CheckOut     string          `json:"checkOut"`
	CheckOutDate string          `json:"checkOutDate"`
	Departure    string          `json:"departure"`
	Nights       int             `json:"nights"`
	CreationDate string          `json:"creationDate"`
	Price        *RemotePrice    `json:"price"`
	Listing      *RemoteListing  `json:"listing"`
	ListingId    string          `json:"listingId"`
	Guest        *RemoteGuest    `json:"guest"`
	Client       *RemoteGuest    `json:"client"`
	Channel      *RemoteChannel  `json:"channel"`
	Message      string          `json:"message"`
	Error        json.RawMessage `json:"error"`
}

type RemotePrice struct {
	Total    json.Number `json:"total"`
	Currency string      `json:"currency"`
}

type RemoteListing struct {
	MongoId      string `json:"_id"`
	InternalName string `json:"internalName"`
}

type RemoteGuest struct {
	MongoId string `json:"_id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
}

type RemoteChannel struct {
	Name string `json:"name"`
}

func (r *RemoteReservation) ExternalId() string {
	if r.MongoId != "" {
		return r.MongoId
	}
	return r.Id
}

func (r *RemoteReservation) ReservationCode() string {
	if r.Code != "" {
		return r.Code
	}
	return r.Localizator
}

func (r *RemoteReservation) CheckInRaw() string {
	for _, v := range []string{r.CheckIn, r.CheckInDate, r.Arrival} {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (r *RemoteReservation) CheckOutRaw() string {
	for _, v := range []string{r.CheckOut, r.CheckOutDate, r.Departure} {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (r *RemoteReservation) GuestInfo() *RemoteGuest {
	if r.Guest != nil {
		return r.Guest
	}
	return r.Client
}

func (r *RemoteReservation) GuestName() string {
	if g := r.GuestInfo(); g != nil {
		return strings.TrimSpace(g.Name)
	}
	return ""
}

// isNotFoundBody reports whether a 2xx body carries the vendor's body-level
// "not found" sentinel instead of a reservation.
func (r *RemoteReservation) isNotFoundBody() bool {
	if strings.EqualFold(strings.TrimSpace(r.Message), "not found") {
		return true
	}
	var errStr string
	if len(r.Error) > 0 && json.Unmarshal(r.Error, &errStr) == nil {
		return strings.EqualFold(strings.TrimSpace(errStr), "not found")
	}
	return false
}

// Client talks to the channel manager API with basic-auth credentials, a
// bounded per-call timeout, and token-bucket pacing shared across all calls of
// one run.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	limiter   *rate.Limiter
}

func NewClient(conn *models.ChannelConnection) *Client {
	timeout := time.Duration(intFromEnv("STAYS_API_TIMEOUT_SECONDS", 15)) * time.Second

	// Default pacing matches one call per 200ms with no burst, the rate the
	// vendor tolerates without throttling.
	perSec := floatFromEnv("STAYS_RATE_LIMIT_PER_SEC", 5)
	burst := intFromEnv("STAYS_RATE_BURST", 1)

	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(conn.BaseURL), "/"),
		apiKey:    conn.ApiKey,
		apiSecret: conn.ApiSecret,
		http:      &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

// SetLimiter swaps the pacing limiter. Tests use rate.Inf to avoid real waits.
func (c *Client) SetLimiter(l *rate.Limiter) {
	if l != nil {
		c.limiter = l
	}
}

// GetReservation looks up one reservation by its external id and classifies
// the outcome. Every path lands in exactly one of Found / NotFound /
// TransientError.
func (c *Client) GetReservation(ctx context.Context, externalId string) FetchOutcome {
	if err := c.limiter.Wait(ctx); err != nil {
		return FetchOutcome{State: FetchTransientError, Err: err}
	}

	endpoint := c.baseURL + "/booking/content?_id=" + url.QueryEscape(externalId)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return FetchOutcome{State: FetchTransientError, Err: err}
	}
	req.SetBasicAuth(c.apiKey, c.apiSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return FetchOutcome{State: FetchTransientError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return FetchOutcome{State: FetchNotFound}
	}

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FetchOutcome{
			State: FetchTransientError,
			Err:   fmt.Errorf("channel api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var remote RemoteReservation
	if err := json.Unmarshal(body, &remote); err != nil {
		return FetchOutcome{State: FetchTransientError, Err: fmt.Errorf("unparseable body: %w", err)}
	}
	if remote.isNotFoundBody() {
		return FetchOutcome{State: FetchNotFound}
	}
	return FetchOutcome{State: FetchFound, Reservation: &remote}
}

type remoteListEnvelope struct {
	Data         []RemoteReservation `json:"data"`
	Reservations []RemoteReservation `json:"reservations"`
}

// ListReservations pages through the remote reservation listing for a date
// window. dateType is "arrival", "departure" or "creation".
func (c *Client) ListReservations(ctx context.Context, from, to, dateType string) ([]RemoteReservation, error) {
	const pageLimit = 20 // vendor-side maximum
	const maxPages = 100

	var all []RemoteReservation
	skip := 0

	for page := 0; page < maxPages; page++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return all, err
		}

		params := url.Values{}
		params.Set("from", from)
		params.Set("to", to)
		params.Set("dateType", dateType)
		params.Set("limit", strconv.Itoa(pageLimit))
		params.Set("skip", strconv.Itoa(skip))

		endpoint := c.baseURL + "/booking/reservations?" + params.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return all, err
		}
		req.SetBasicAuth(c.apiKey, c.apiSecret)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return all, err
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return all, fmt.Errorf("channel api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		// The API returns either a bare array or an envelope.
		var items []RemoteReservation
		if err := json.Unmarshal(body, &items); err != nil {
			var envelope remoteListEnvelope
			if err2 := json.Unmarshal(body, &envelope); err2 != nil {
				return all, fmt.Errorf("unparseable list body: %w", err)
			}
			items = envelope.Data
			if len(items) == 0 {
				items = envelope.Reservations
			}
		}

		all = append(all, items...)
		if len(items) < pageLimit {
			return all, nil
		}
		skip += pageLimit
	}
	return all, nil
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
