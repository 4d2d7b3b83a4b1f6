package rpcapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// decodeJSON decodes the request body into v, capping it well below
// what any legitimate config or status-change payload needs.
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
