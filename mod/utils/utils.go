package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

/*
	Common HTTP helpers for the JSON admin API
*/

// SendJSONResponse writes a JSON body. Strings are sent as already-encoded JSON.
func SendJSONResponse(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if raw, ok := payload.(string); ok {
		w.Write([]byte(raw))
		return
	}
	js, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("{\"error\":\"failed to encode response\"}"))
		return
	}
	w.Write(js)
}

// SendErrorResponse writes a JSON error object
func SendErrorResponse(w http.ResponseWriter, errMsg string) {
	js, _ := json.Marshal(map[string]string{"error": errMsg})
	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}

// SendOK writes the JSON string "OK"
func SendOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("\"OK\""))
}

// GetPara reads a non-empty query parameter
func GetPara(r *http.Request, key string) (string, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return "", errors.New("invalid " + key + " given")
	}
	return value, nil
}

// PostPara reads a non-empty form value from a POST body
func PostPara(r *http.Request, key string) (string, error) {
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	value := strings.TrimSpace(r.PostForm.Get(key))
	if value == "" {
		return "", errors.New("invalid " + key + " given")
	}
	return value, nil
}
