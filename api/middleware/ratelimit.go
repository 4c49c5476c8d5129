package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/pasalhq/pasal/api/web"
	"github.com/pasalhq/pasal/api/weberr"
	"github.com/pasalhq/pasal/rate"
)

// RateLimit applies a per-client token bucket keyed by remote address. Used
// on the checkout and verification routes, which hit provider APIs.
func RateLimit(lim *rate.Limiter) web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {

			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			if !lim.Check(host) {
				err := errors.New("client exceeded the request rate limit")
				return weberr.NewError(err, "too many requests", http.StatusTooManyRequests)
			}

			return handler(ctx, w, r)
		}
		return h
	}
	return m
}
