// Package errors provides an API for errors across the application.
package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrKeyStoreIO marks a key store read or write that did not reach durable
	// storage. The operation must be treated as not having happened.
	ErrKeyStoreIO = errors.New("key store i/o failure")
	// ErrDuplicateMessage marks an enqueue of an existing message id with a
	// different payload.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrSessionNotEstablished marks a seal/open attempt for an address that has
	// no ratchet session yet.
	ErrSessionNotEstablished = errors.New("session not established")
	// ErrTransportFailure marks a send or fetch that did not get an ack.
	ErrTransportFailure = errors.New("transport failure")
	// ErrAuthenticationRequired marks work submitted while logged out.
	ErrAuthenticationRequired = errors.New("authentication required")
)

type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// KeyStoreIOFailure wraps a storage error raised while reading or writing
// key material.
type KeyStoreIOFailure struct {
	Op  string
	Err error
}

func (e *KeyStoreIOFailure) Error() string {
	return fmt.Sprintf("keys: %s: %v", e.Op, e.Err)
}

func (e *KeyStoreIOFailure) Unwrap() error { return e.Err }

func (e *KeyStoreIOFailure) Is(target error) bool { return target == ErrKeyStoreIO }

func KeyStoreIO(op string, err error) error {
	if err == nil {
		return nil
	}
	return &KeyStoreIOFailure{Op: op, Err: err}
}

// DuplicateMessage is returned when a message id is already queued with a
// different payload.
type DuplicateMessage struct {
	MessageID string
}

func (e *DuplicateMessage) Error() string {
	return fmt.Sprintf("message %q already queued with a different payload", e.MessageID)
}

func (e *DuplicateMessage) Is(target error) bool { return target == ErrDuplicateMessage }

// SessionNotEstablished is returned by seal/open when no session exists for
// the peer device.
type SessionNotEstablished struct {
	Address string
}

func (e *SessionNotEstablished) Error() string {
	return fmt.Sprintf("no session for %s", e.Address)
}

func (e *SessionNotEstablished) Is(target error) bool { return target == ErrSessionNotEstablished }

// TransportFailure wraps any network level error. Jobs failing with it are
// put back to pending instead of failing.
type TransportFailure struct {
	Err error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

func (e *TransportFailure) Is(target error) bool { return target == ErrTransportFailure }

func Transport(err error) error {
	if err == nil {
		return nil
	}
	var tf *TransportFailure
	if errors.As(err, &tf) {
		return err
	}
	return &TransportFailure{Err: err}
}

func IsKeyStoreIOFailure(err error) bool {
	return errors.Is(err, ErrKeyStoreIO)
}

func IsDuplicateMessage(err error) bool {
	return errors.Is(err, ErrDuplicateMessage)
}

func IsSessionNotEstablished(err error) bool {
	return errors.Is(err, ErrSessionNotEstablished)
}

func IsAuthenticationRequired(err error) bool {
	return errors.Is(err, ErrAuthenticationRequired)
}

// IsTransportFailure reports whether err is a recoverable network error,
// either explicitly wrapped or a raw net.Error from a lower layer.
func IsTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransportFailure) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// TODO: check this properly
	return strings.Contains(err.Error(), "connection refused")
}
