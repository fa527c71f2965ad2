package checkout

import (
	"html/template"
	"net/http"

	"github.com/voyago/agent-gateway/internal/partnerapi"
)

type paymentData struct {
	Booking      *partnerapi.Booking
	ClientSecret string
	Amount       int64
	Currency     string
	SuccessURL   string
}

const pageStyle = `
  body { font-family: system-ui, sans-serif; background: #f4f5f7; margin: 0; }
  .card { max-width: 480px; margin: 8vh auto; background: #fff; border-radius: 12px;
          box-shadow: 0 2px 12px rgba(0,0,0,.08); padding: 2rem; }
  h1 { font-size: 1.25rem; margin: 0 0 1rem; }
  .row { display: flex; justify-content: space-between; padding: .4rem 0;
         border-bottom: 1px solid #eee; font-size: .95rem; }
  .muted { color: #777; }
  button { width: 100%; margin-top: 1.5rem; padding: .8rem; border: 0; border-radius: 8px;
           background: #0a5bd3; color: #fff; font-size: 1rem; cursor: pointer; }
`

var paymentTmpl = template.Must(template.New("payment").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Voyago Checkout</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>Complete your booking</h1>
  <div class="row"><span class="muted">Booking</span><span>{{.Booking.ID}}</span></div>
  <div class="row"><span class="muted">Guest</span><span>{{.Booking.GuestName}}</span></div>
  <div class="row"><span class="muted">Total</span><span>{{.Amount}} {{.Currency}}</span></div>
  <form id="payment-form">
    <button type="submit">Pay now</button>
  </form>
</div>
<script>
  var clientSecret = {{.ClientSecret}};
  var successUrl = {{.SuccessURL}};
  document.getElementById("payment-form").addEventListener("submit", function (ev) {
    ev.preventDefault();
    window.voyagoPay(clientSecret).then(function () {
      window.location.assign(successUrl);
    });
  });
</script>
<script src="https://js.voyago.com/v1/pay.js"></script>
</body>
</html>
`))

var confirmationTmpl = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Booking confirmed</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>Booking confirmed 🎉</h1>
  <div class="row"><span class="muted">Booking</span><span>{{.ID}}</span></div>
  <div class="row"><span class="muted">Status</span><span>{{.Status}}</span></div>
  {{if .GuestEmail}}<p class="muted">A confirmation email is on its way to {{.GuestEmail}}.</p>{{end}}
</div>
</body>
</html>
`))

const expiredPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Link expired</title><style>` + pageStyle + `</style></head>
<body>
<div class="card">
  <h1>This checkout link is expired or invalid</h1>
  <p class="muted">Ask your travel assistant for a fresh payment link.</p>
</div>
</body>
</html>
`

const upstreamErrorPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Checkout unavailable</title><style>` + pageStyle + `</style></head>
<body>
<div class="card">
  <h1>Checkout is temporarily unavailable</h1>
  <p class="muted">Please retry the payment link in a moment.</p>
</div>
</body>
</html>
`

func (g *Gateway) renderPayment(w http.ResponseWriter, data paymentData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := paymentTmpl.Execute(w, data); err != nil {
		g.log.Error("checkout.page.render.fail", "err", err.Error())
	}
}

func (g *Gateway) renderConfirmation(w http.ResponseWriter, b *partnerapi.Booking) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := confirmationTmpl.Execute(w, b); err != nil {
		g.log.Error("checkout.page.render.fail", "err", err.Error())
	}
}

func (g *Gateway) renderExpired(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusGone)
	_, _ = w.Write([]byte(expiredPage))
}

func (g *Gateway) renderUpstreamError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte(upstreamErrorPage))
}
