package errors

import (
	"errors"
	"fmt"
	"testing"
)

type testNetError struct{}

func (e *testNetError) Error() string   { return "NetError" }
func (e *testNetError) Timeout() bool   { return false }
func (e *testNetError) Temporary() bool { return false }

func TestIsTransportFailure(t *testing.T) {
	t.Run("error cases", func(t *testing.T) {
		var netErr error = &testNetError{}

		valid_errors := []error{
			netErr,
			fmt.Errorf("wrapped: %w", netErr),
			Transport(fmt.Errorf("no ack")),
			fmt.Errorf("dial tcp 127.0.0.1:1: connect: connection refused"),
		}

		invalid_errors := []error{
			fmt.Errorf("not a transport error"),
			&SessionNotEstablished{Address: "bob:1"},
			nil,
		}

		for _, err := range valid_errors {
			if !IsTransportFailure(err) {
				t.Fatalf("expected error to be a transport failure, got \"%s\"", err)
			}
		}

		for _, err := range invalid_errors {
			if IsTransportFailure(err) {
				t.Fatalf("expected error not to be a transport failure, got \"%v\"", err)
			}
		}
	})

	t.Run("transport does not double wrap", func(t *testing.T) {
		first := Transport(errors.New("boom"))
		second := Transport(first)
		if first != second {
			t.Fatal("expected already wrapped error to be returned as-is")
		}
		if Transport(nil) != nil {
			t.Fatal("expected nil for nil error")
		}
	})
}

func TestTaxonomy(t *testing.T) {
	ioErr := KeyStoreIO("store session", errors.New("disk full"))
	if !IsKeyStoreIOFailure(ioErr) {
		t.Error("expected key store i/o failure")
	}
	if KeyStoreIO("noop", nil) != nil {
		t.Error("expected nil for nil cause")
	}

	var ksErr *KeyStoreIOFailure
	if !errors.As(fmt.Errorf("encrypt: %w", ioErr), &ksErr) || ksErr.Op != "store session" {
		t.Errorf("expected wrapped KeyStoreIOFailure with op, got %v", ksErr)
	}

	if !IsDuplicateMessage(&DuplicateMessage{MessageID: "abc"}) {
		t.Error("expected duplicate message")
	}

	if !IsSessionNotEstablished(fmt.Errorf("decrypt: %w", &SessionNotEstablished{Address: "bob:1"})) {
		t.Error("expected session not established")
	}

	if !IsAuthenticationRequired(fmt.Errorf("submit: %w", ErrAuthenticationRequired)) {
		t.Error("expected authentication required")
	}

	reqErr := &RequestError{StatusCode: 404, Err: ErrSessionNotEstablished}
	if !errors.Is(reqErr, ErrSessionNotEstablished) {
		t.Error("expected RequestError to unwrap")
	}
}
