// Package imageproxy streams remote images through the gateway with hard
// bounds on size, content type and upstream fetch time.
package imageproxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/elnormous/contenttype"
)

const (
	// maxBody is the largest upstream body the proxy will pass through.
	maxBody = 10 << 20

	// fetchTimeout bounds the whole upstream fetch, headers and body.
	fetchTimeout = 10 * time.Second

	// chunkSize is the copy buffer; per-connection memory stays at roughly
	// one chunk regardless of body size.
	chunkSize = 32 << 10
)

type Proxy struct {
	hc  *http.Client
	log *slog.Logger
}

func New(log *slog.Logger) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{
		hc: &http.Client{
			// Redirects could bounce an https URL onto plain http; follow
			// none and let the caller supply the final URL.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log,
	}
}

// ServeHTTP handles GET /image-proxy?url=.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := url.Parse(r.URL.Query().Get("url"))
	if err != nil || target.Scheme != "https" || target.Host == "" {
		http.Error(w, "url must be an absolute https URL", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		http.Error(w, "invalid url", http.StatusBadRequest)
		return
	}

	res, err := p.hc.Do(req)
	if err != nil {
		p.log.WarnContext(ctx, "imageproxy.fetch.fail",
			slog.String("host", target.Host),
			slog.String("err", err.Error()))
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		p.log.WarnContext(ctx, "imageproxy.fetch.status",
			slog.String("host", target.Host),
			slog.Int("status", res.StatusCode))
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}

	ct := res.Header.Get("Content-Type")
	if mt := contenttype.NewMediaType(ct); mt.Type != "image" {
		http.Error(w, "upstream did not return an image", http.StatusBadRequest)
		return
	}
	if res.ContentLength > maxBody {
		http.Error(w, "image exceeds size limit", http.StatusRequestEntityTooLarge)
		return
	}

	w.Header().Set("Content-Type", ct)
	if res.ContentLength >= 0 {
		w.Header().Set("Content-Length", res.Header.Get("Content-Length"))
	}

	// Bounded lockstep copy. The extra byte past maxBody detects upstreams
	// that lie about (or omit) Content-Length; headers are already out by
	// then, so the stream is truncated and the violation logged.
	n, err := io.CopyBuffer(w, io.LimitReader(res.Body, maxBody+1), make([]byte, chunkSize))
	switch {
	case err != nil:
		p.log.WarnContext(ctx, "imageproxy.copy.fail",
			slog.String("host", target.Host),
			slog.String("err", err.Error()))
	case n > maxBody:
		p.log.WarnContext(ctx, "imageproxy.body.truncated",
			slog.String("host", target.Host))
	}
}
