package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/dandantas/scout/internal/trace"
)

// CorrelationHeader carries the correlation id on requests and responses
const CorrelationHeader = "X-Correlation-ID"

// Correlation generates or extracts the correlation id of a request and opens
// a trace for it. Traces are retained in store for diagnosis.
func Correlation(store *trace.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(CorrelationHeader)
			if correlationID == "" || len(correlationID) > 128 {
				correlationID = uuid.New().String()
			}

			w.Header().Set(CorrelationHeader, correlationID)

			tc := trace.NewWithID(correlationID, r.Method+" "+r.URL.Path, "")
			if store != nil {
				store.Put(tc)
			}
			defer tc.Finish()

			next.ServeHTTP(w, r.WithContext(trace.WithContext(r.Context(), tc)))
		})
	}
}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(r *http.Request) string {
	return trace.ID(r.Context())
}
