// Package utils holds the few helpers shared by config, api and websocket.
package utils

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns "<prefix>-<uuid>".
func GenerateID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// WriteJSON encodes data and sends it with status. Encoding happens before
// any header is written, so a failure still yields a clean 500.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return err
	}
	h := w.Header()
	h.Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}

var truthy = map[string]bool{"1": true, "true": true, "yes": true, "y": true, "on": true}

// ParseBool reports whether value is one of 1, true, yes, y or on, ignoring
// case and surrounding space. Anything else is false.
func ParseBool(value string) bool {
	return truthy[strings.ToLower(strings.TrimSpace(value))]
}

// Getenv is os.Getenv without surrounding whitespace.
func Getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// NormalizeVersion drops surrounding space and one leading "v".
func NormalizeVersion(version string) string {
	return strings.TrimPrefix(strings.TrimSpace(version), "v")
}
