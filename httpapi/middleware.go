package httpapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/tracefold/tracefold/correlation"
	"github.com/tracefold/tracefold/eventstore"
)

// requestIDHeader is both read (client-supplied correlation) and echoed on
// every response.
const requestIDHeader = "X-Request-ID"

const redactedValue = "[REDACTED]"

// maxCapturedBody caps how much request/response body the trail captures.
// The store truncates again by byte length; this bound just keeps the
// in-memory copy sane.
const maxCapturedBody = 1 << 20

var defaultRedactedHeaders = []string{"Authorization", "X-Api-Key", "Cookie", "Set-Cookie", "Proxy-Authorization"}

// captureWriter tees the response for the trail while recording the status.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
	wrote  bool
}

func (w *captureWriter) WriteHeader(status int) {
	if !w.wrote {
		w.status = status
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(p []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	if w.body.Len() < maxCapturedBody {
		room := maxCapturedBody - w.body.Len()
		if len(p) <= room {
			w.body.Write(p)
		} else {
			w.body.Write(p[:room])
		}
	}
	return w.ResponseWriter.Write(p)
}

// boundary is the request boundary interceptor: it assigns the correlation
// id, opens a request row before the handler runs, and finalizes it exactly
// once afterwards, whether the handler returns, fails, or panics.
func (s *Server) boundary(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		requestID := s.resolveRequestID(r)
		ctx := correlation.WithRequestID(r.Context(), requestID)
		r = r.WithContext(ctx)
		w.Header().Set(requestIDHeader, requestID)

		body := readAndRestoreBody(r)

		s.store.CreateRequest(eventstore.RequestStart{
			RequestID:   requestID,
			Method:      r.Method,
			URL:         r.URL.Path,
			QueryParams: flattenValues(r.URL.Query()),
			Headers:     s.redactHeaders(r.Header),
			Body:        body,
		})

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if rec := recover(); rec != nil {
				status := http.StatusInternalServerError
				s.store.FinalizeRequest(requestID, eventstore.RequestOutcome{
					StatusCode:     &status,
					ErrorMessage:   fmt.Sprint(rec),
					ErrorTraceback: string(debug.Stack()),
				})
				panic(rec)
			}
			respBody := cw.body.String()
			s.store.FinalizeRequest(requestID, eventstore.RequestOutcome{
				StatusCode:   &cw.status,
				ResponseBody: &respBody,
			})
		}()

		next.ServeHTTP(cw, r)
	})
}

// resolveRequestID adopts a client-supplied id only when it is a well-formed
// UUID not already bound to another request; everything else gets a fresh
// one. A store lookup failure also mints, keeping ids collision-free over
// trusting an unverifiable claim.
func (s *Server) resolveRequestID(r *http.Request) string {
	supplied := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if supplied == "" {
		return uuid.NewString()
	}
	if _, err := uuid.Parse(supplied); err != nil {
		s.log.Debug().Str("supplied", supplied).Msg("rejecting malformed request id")
		return uuid.NewString()
	}
	inUse, err := s.store.RequestIDInUse(supplied)
	if err != nil || inUse {
		return uuid.NewString()
	}
	return supplied
}

// readAndRestoreBody buffers up to maxCapturedBody bytes of the request body
// for the trail, then puts an equivalent stream back so the handler sees the
// full request: the buffered prefix is replayed and any unread tail beyond
// the capture cap still comes from the original stream.
func readAndRestoreBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	orig := r.Body
	data, err := io.ReadAll(io.LimitReader(orig, maxCapturedBody))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(data), orig), orig}
	if err != nil {
		return ""
	}
	return string(data)
}

// redactHeaders copies the header map with sensitive values masked. The
// redaction set is the default list plus anything from configuration.
func (s *Server) redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if s.redacted[strings.ToLower(name)] {
			out[name] = redactedValue
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func flattenValues(v map[string][]string) map[string]string {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]string, len(v))
	for k, vals := range v {
		out[k] = strings.Join(vals, ",")
	}
	return out
}
