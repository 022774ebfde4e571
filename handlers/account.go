package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flow-hydraulics/blaze-client/courier"
	"github.com/flow-hydraulics/blaze-client/errors"
	"github.com/flow-hydraulics/blaze-client/keys"
)

// Account is a HTTP server for the local account: registration, logout,
// key maintenance and test messages.
type Account struct {
	service *courier.Service
}

type RegisterJSON struct {
	RegistrationID uint32 `json:"registrationId"`
}

type SendJSON struct {
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}

type SentJSON struct {
	MessageIDs []string `json:"messageIds"`
}

func NewAccount(service *courier.Service) *Account {
	return &Account{service}
}

func (s *Account) Register() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if err := checkNonEmptyBody(r); err != nil {
			handleError(rw, r, err)
			return
		}

		var body RegisterJSON
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RegistrationID == 0 {
			handleError(rw, r, InvalidBodyError)
			return
		}

		if err := s.service.Register(r.Context(), body.RegistrationID); err != nil {
			handleError(rw, r, err)
			return
		}

		rw.WriteHeader(http.StatusNoContent)
	})
}

func (s *Account) Logout() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if err := s.service.Logout(r.Context()); err != nil {
			handleError(rw, r, err)
			return
		}

		rw.WriteHeader(http.StatusNoContent)
	})
}

func (s *Account) RefreshPreKeys() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if err := s.service.RefreshPreKeys(); err != nil {
			handleError(rw, r, err)
			return
		}

		rw.WriteHeader(http.StatusAccepted)
	})
}

func (s *Account) RotateSignedPreKey() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if err := s.service.RotateSignedPreKey(); err != nil {
			handleError(rw, r, err)
			return
		}

		rw.WriteHeader(http.StatusAccepted)
	})
}

// Send queues a text message. The recipient is either a full address
// "<name>:<deviceId>" or a bare name, meaning all of its known devices.
func (s *Account) Send() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if err := checkNonEmptyBody(r); err != nil {
			handleError(rw, r, err)
			return
		}

		var body SendJSON
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Recipient == "" {
			handleError(rw, r, InvalidBodyError)
			return
		}

		var (
			ids []string
			err error
		)
		if addr, parseErr := keys.ParseAddress(body.Recipient); parseErr == nil {
			var id string
			id, err = s.service.Send(r.Context(), addr, []byte(body.Body))
			if err == nil {
				ids = []string{id}
			}
		} else {
			ids, err = s.service.SendToUser(r.Context(), body.Recipient, []byte(body.Body))
		}

		if err != nil {
			if errors.IsSessionNotEstablished(err) {
				err = &errors.RequestError{
					StatusCode: http.StatusBadGateway,
					Err:        fmt.Errorf("unable to set up a session with %s: %w", body.Recipient, err),
				}
			}
			handleError(rw, r, err)
			return
		}

		handleJsonResponse(rw, http.StatusCreated, SentJSON{MessageIDs: ids})
	})
}
