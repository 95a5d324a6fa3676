package httpmw

import (
	"net/http"
	"runtime/debug"

	"github.com/coinatlas/edge-gatekeeper/internal/log"
	"github.com/coinatlas/edge-gatekeeper/internal/xerrors"
)

// Recover converts handler panics into 500s instead of dropped connections.
// onPanic (optional) runs after logging, used to bump the panic counter.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "panic")
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				logger.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				).Error(r.Context(), err, "httpserver panic recovered",
					"stack", string(debug.Stack()),
				)

				if onPanic != nil {
					onPanic()
				}

				// best effort; headers may already be written
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
