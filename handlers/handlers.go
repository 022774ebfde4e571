// Package handlers provides the HTTP handlers of the admin API.
package handlers

import (
	"encoding/json"
	goerrors "errors"
	"fmt"
	"net/http"

	"github.com/flow-hydraulics/blaze-client/errors"
	log "github.com/sirupsen/logrus"
)

var (
	EmptyBodyError = &errors.RequestError{
		StatusCode: http.StatusBadRequest,
		Err:        fmt.Errorf("empty body"),
	}
	InvalidBodyError = &errors.RequestError{
		StatusCode: http.StatusBadRequest,
		Err:        fmt.Errorf("invalid body"),
	}
)

// handleError is a helper function for unified HTTP error handling.
func handleError(rw http.ResponseWriter, r *http.Request, err error) {
	log.
		WithFields(log.Fields{"error": err, "method": r.Method, "path": r.URL.Path}).
		Warn("Error while handling request")

	var reqErr *errors.RequestError
	if goerrors.As(err, &reqErr) {
		http.Error(rw, reqErr.Error(), reqErr.StatusCode)
		return
	}

	if errors.IsAuthenticationRequired(err) {
		http.Error(rw, err.Error(), http.StatusUnauthorized)
		return
	}

	// Otherwise do not send data regarding the error
	http.Error(rw, "Error", http.StatusInternalServerError)
}

// handleJsonResponse is a helper function for unified JSON response handling.
func handleJsonResponse(rw http.ResponseWriter, status int, res interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if res == nil {
		return
	}
	if err := json.NewEncoder(rw).Encode(res); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("Unable to encode response")
	}
}

func checkNonEmptyBody(r *http.Request) error {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return EmptyBodyError
	}
	return nil
}

func servePlainText(rw http.ResponseWriter, s string) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	if _, err := rw.Write([]byte(s)); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("Unable to write response")
	}
}
