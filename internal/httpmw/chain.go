package httpmw

import (
	"net/http"
)

// Chain wraps h with mws in listed order: the first middleware ends up
// outermost, the last innermost. Nil entries are skipped, which lets
// callers make individual middlewares conditional without rebuilding the
// slice.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mw := mws[i]; mw != nil {
			wrapped = mw(wrapped)
		}
	}
	return wrapped
}
