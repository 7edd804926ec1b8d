package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/amacisaac222/toolgate/pkg/auth"
)

// HTTPHandler serves JSON-RPC 2.0 requests over HTTP POST /mcp. The caller
// is expected to have already run auth.Middleware so a Principal is
// available in the request context; a missing principal is treated as
// anonymous (auth.Middleware itself decides whether that's permitted).
func (d *Dispatcher) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeHTTPResponse(w, errorResponse(nil, CodeParseError, "failed to read request body"))
			return
		}

		req, err := decodeRequest(body)
		if err != nil {
			writeHTTPResponse(w, errorResponse(nil, CodeParseError, "invalid JSON"))
			return
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			writeHTTPResponse(w, errorResponse(req.ID, CodeInvalidRequest, "invalid request"))
			return
		}

		principal, _ := auth.PrincipalFromContext(r.Context())
		resp := d.Dispatch(r.Context(), principal, req)
		writeHTTPResponse(w, resp)
	}
}

func writeHTTPResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if resp.JSONRPC == "" {
		resp.JSONRPC = "2.0"
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(resp)
}
