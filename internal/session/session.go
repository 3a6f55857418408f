// Package session resolves the scroll session a feed request belongs to.
package session

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Extract gets the session id from a header or query parameter.
func Extract(r *http.Request, header, queryKey string) string {
	if header != "" {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	if queryKey != "" {
		if q := strings.TrimSpace(r.URL.Query().Get(queryKey)); q != "" {
			return q
		}
	}
	return ""
}

// Resolve returns the request's session, minting one when absent. minted
// tells the caller to hand the new id back to the client.
func Resolve(r *http.Request, header, queryKey string) (id string, minted bool) {
	if id = Extract(r, header, queryKey); id != "" {
		return id, false
	}
	return uuid.NewString(), true
}
