package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/jobqueue/internal/api/response"
)

// Recovery turns a handler panic into a 500 envelope. http.ErrAbortHandler is
// re-raised so net/http can abort the connection as the handler asked.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			response.InternalError(w, r, panicError{value: rec, stack: debug.Stack()})
		}()
		next.ServeHTTP(w, r)
	})
}

type panicError struct {
	value any
	stack []byte
}

func (p panicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", p.value, p.stack)
}
