package keys

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flow-hydraulics/blaze-client/keys/encryption"
)

var ErrCorruptRecord = errors.New("keys: corrupt record")

const (
	recordMagic0 byte = 0xb1
	recordMagic1 byte = 0x2e

	recordVersionPlain     byte = 1
	recordVersionEncrypted byte = 2

	recordHeaderLen = 2 + 1 + 4

	// Upper bound for a single record body.
	maxRecordLen = 1 << 24
)

// Seal wraps a record for storage: magic(2) | version(1) | len(4) | body.
// With a crypter the body is encrypted and the version says so.
func Seal(c encryption.Crypter, record []byte) ([]byte, error) {
	version := recordVersionPlain
	body := record

	if c != nil {
		enc, err := c.Encrypt(record)
		if err != nil {
			return nil, fmt.Errorf("keys: seal record: %w", err)
		}
		version = recordVersionEncrypted
		body = enc
	}

	if len(body) > maxRecordLen {
		return nil, fmt.Errorf("keys: record of %d bytes exceeds limit", len(body))
	}

	out := make([]byte, recordHeaderLen, recordHeaderLen+len(body))
	out[0], out[1], out[2] = recordMagic0, recordMagic1, version
	binary.BigEndian.PutUint32(out[3:], uint32(len(body)))

	return append(out, body...), nil
}

// Open validates a stored record and returns an owned copy of its body.
func Open(c encryption.Crypter, stored []byte) ([]byte, error) {
	if len(stored) < recordHeaderLen || stored[0] != recordMagic0 || stored[1] != recordMagic1 {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptRecord)
	}

	n := binary.BigEndian.Uint32(stored[3:])
	if n > maxRecordLen || int(n) != len(stored)-recordHeaderLen {
		return nil, fmt.Errorf("%w: length %d does not match %d", ErrCorruptRecord, n, len(stored)-recordHeaderLen)
	}

	body := stored[recordHeaderLen:]

	switch stored[2] {
	case recordVersionPlain:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case recordVersionEncrypted:
		if c == nil {
			return nil, fmt.Errorf("%w: encrypted record but no encryption key configured", ErrCorruptRecord)
		}
		out, err := c.Decrypt(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown version %d", ErrCorruptRecord, stored[2])
	}
}
