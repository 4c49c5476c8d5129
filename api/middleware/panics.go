package middleware

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/pasalhq/pasal/api/web"
	"github.com/pasalhq/pasal/api/weberr"
)

// Panics recovers from handler panics and converts them into errors so the
// Errors middleware can respond with a clean 500 instead of a dropped
// connection.
func Panics() web.Middleware {
	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) (err error) {

			defer func() {
				if rec := recover(); rec != nil {
					trace := debug.Stack()
					err = weberr.InternalError(
						fmt.Errorf("panic: %v", rec),
						weberr.WithFields(map[string]interface{}{
							"stack": string(trace),
						}),
					)
				}
			}()

			return handler(ctx, w, r)
		}
		return h
	}
	return m
}
