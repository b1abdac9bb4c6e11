package jsonrpc

import (
	"encoding/json"
	"io"
	"net/http"
)

// DefaultMaxBodyBytes 限制单个请求体大小。
const DefaultMaxBodyBytes = 1 << 20

// ServeHTTP 在单个 POST 端点上提供 JSON-RPC。协议错误同样以 200 返回。
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, DefaultMaxBodyBytes+1))
	if err != nil {
		writeResponse(w, failure(nil, NewError(CodeParseError, "Parse error", map[string]string{"reason": err.Error()})))
		return
	}
	if len(body) > DefaultMaxBodyBytes {
		writeResponse(w, failure(nil, NewError(CodeInvalidRequest, "Invalid Request", map[string]string{"reason": "request body too large"})))
		return
	}

	ctx := r.Context()
	if skill := r.PathValue("skill"); skill != "" {
		ctx = WithRouteSkill(ctx, skill)
	}
	writeResponse(w, d.Handle(ctx, body))
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
