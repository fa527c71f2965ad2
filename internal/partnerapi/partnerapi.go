// Package partnerapi is the HTTPS client for the Voyago partner API. It is
// the capability-provisioning collaborator of the gateway: a raw partner API
// key resolves to a scoped *Client, and every marketplace operation the
// gateway exposes to agents is a thin call through that client.
package partnerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrUnauthorized indicates the partner API rejected the presented key.
var ErrUnauthorized = errors.New("partner api: unauthorized")

// ErrNotFound indicates the addressed resource does not exist.
var ErrNotFound = errors.New("partner api: not found")

// Provisioner turns raw API keys into scoped clients. One Provisioner exists
// per process; it carries everything except the per-principal key.
type Provisioner struct {
	baseURL   string
	partnerID string
	hc        *http.Client
}

// NewProvisioner constructs a Provisioner for the given partner API origin.
func NewProvisioner(baseURL, partnerID string) *Provisioner {
	return &Provisioner{
		baseURL:   baseURL,
		partnerID: partnerID,
		hc:        &http.Client{Timeout: 30 * time.Second},
	}
}

// ResolveKey validates key against the partner API and returns a scoped
// client plus the account's display name. An invalid key yields
// ErrUnauthorized, never a partial client.
func (p *Provisioner) ResolveKey(ctx context.Context, key string) (*Client, string, error) {
	c := &Client{baseURL: p.baseURL, partnerID: p.partnerID, key: key, hc: p.hc}
	var acct struct {
		DisplayName string `json:"display_name"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/partner/me", nil, &acct); err != nil {
		return nil, "", err
	}
	return c, acct.DisplayName, nil
}

// Client is a partner-API handle scoped to a single API key. It is safe for
// concurrent use.
type Client struct {
	baseURL   string
	partnerID string
	key       string
	hc        *http.Client
}

// Key returns the raw API key backing this client.
func (c *Client) Key() string { return c.key }

// Experience is a bookable travel experience listing.
type Experience struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Location    string  `json:"location"`
	PriceAmount int64   `json:"price_amount"`
	Currency    string  `json:"currency"`
	Rating      float64 `json:"rating"`
	ImageURL    string  `json:"image_url"`
}

// AvailabilitySlot is a bookable slot for an experience on a given date.
type AvailabilitySlot struct {
	ID        string `json:"id"`
	StartTime string `json:"start_time"`
	Seats     int    `json:"seats"`
}

// Booking is a reservation in any state.
type Booking struct {
	ID          string `json:"id"`
	Experience  string `json:"experience_id"`
	SlotID      string `json:"slot_id"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	GuestName   string `json:"guest_name"`
	GuestEmail  string `json:"guest_email"`
	ConfirmedAt string `json:"confirmed_at,omitempty"`
}

// PaymentIntent carries the client secret driving the hosted payment page.
type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// SearchParams narrow an experience search.
type SearchParams struct {
	Query    string
	Location string
	Limit    int
}

// SearchExperiences queries the marketplace catalog.
func (c *Client) SearchExperiences(ctx context.Context, params SearchParams) ([]Experience, error) {
	q := url.Values{}
	if params.Query != "" {
		q.Set("query", params.Query)
	}
	if params.Location != "" {
		q.Set("location", params.Location)
	}
	if params.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", params.Limit))
	}
	var out struct {
		Experiences []Experience `json:"experiences"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/experiences?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Experiences, nil
}

// CheckAvailability lists open slots for an experience on a date (YYYY-MM-DD).
func (c *Client) CheckAvailability(ctx context.Context, experienceID, date string) ([]AvailabilitySlot, error) {
	var out struct {
		Slots []AvailabilitySlot `json:"slots"`
	}
	path := fmt.Sprintf("/v1/experiences/%s/availability?date=%s", url.PathEscape(experienceID), url.QueryEscape(date))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Slots, nil
}

// CreateBookingParams describe a pending reservation.
type CreateBookingParams struct {
	ExperienceID string `json:"experience_id"`
	SlotID       string `json:"slot_id"`
	Guests       int    `json:"guests"`
	GuestName    string `json:"guest_name"`
	GuestEmail   string `json:"guest_email"`
}

// CreateBooking reserves a slot; the booking stays pending until committed.
func (c *Client) CreateBooking(ctx context.Context, params CreateBookingParams) (*Booking, error) {
	var b Booking
	if err := c.do(ctx, http.MethodPost, "/v1/bookings", params, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBooking fetches the current state of a booking.
func (c *Client) GetBooking(ctx context.Context, bookingID string) (*Booking, error) {
	var b Booking
	if err := c.do(ctx, http.MethodGet, "/v1/bookings/"+url.PathEscape(bookingID), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CommitBooking finalizes a paid booking.
func (c *Client) CommitBooking(ctx context.Context, bookingID string) (*Booking, error) {
	var b Booking
	if err := c.do(ctx, http.MethodPost, "/v1/bookings/"+url.PathEscape(bookingID)+"/commit", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreatePaymentIntent obtains a fresh payment-intent client secret for a booking.
func (c *Client) CreatePaymentIntent(ctx context.Context, bookingID string) (*PaymentIntent, error) {
	body := map[string]string{"booking_id": bookingID}
	var pi PaymentIntent
	if err := c.do(ctx, http.MethodPost, "/v1/payment-intents", body, &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("partner api: encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("partner api: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("X-Partner-Id", c.partnerID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("partner api: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case res.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case res.StatusCode >= 400:
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = res.Status
		}
		return fmt.Errorf("partner api: %s %s: %s", method, path, apiErr.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("partner api: decode response: %w", err)
	}
	return nil
}
