package transport

import (
	goerrors "errors"
	"fmt"

	"github.com/flow-hydraulics/blaze-client/keys/ratchet"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedFrame = goerrors.New("transport: malformed frame")

type FrameType uint32

const (
	FrameRequest  FrameType = 1
	FrameResponse FrameType = 2
)

// Actions understood by the server and the client.
const (
	ActionSendMessage = "send_message"
	ActionGetBundle   = "get_bundle"
	ActionPutKeys     = "put_keys"
	// Pushed by the server, acknowledged by the client.
	ActionMessage = "message"
)

const StatusOK = 200

// Frame is the unit on the wire. Every request gets exactly one response
// carrying the same id.
type Frame struct {
	ID     uint64
	Type   FrameType
	Action string
	Data   []byte
	Status uint32
	Error  string
}

const (
	fFrameID     = 1
	fFrameType   = 2
	fFrameAction = 3
	fFrameData   = 4
	fFrameStatus = 5
	fFrameError  = 6
)

func (f *Frame) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fFrameID, f.ID)
	b = appendVarint(b, fFrameType, uint64(f.Type))
	b = appendString(b, fFrameAction, f.Action)
	b = appendBytes(b, fFrameData, f.Data)
	b = appendVarint(b, fFrameStatus, uint64(f.Status))
	b = appendString(b, fFrameError, f.Error)
	return b
}

func UnmarshalFrame(b []byte) (*Frame, error) {
	f := &Frame{}
	err := consumeFields(b, func(num protowire.Number, v uint64, bs []byte) {
		switch num {
		case fFrameID:
			f.ID = v
		case fFrameType:
			f.Type = FrameType(v)
		case fFrameAction:
			f.Action = string(bs)
		case fFrameData:
			f.Data = append([]byte{}, bs...)
		case fFrameStatus:
			f.Status = uint32(v)
		case fFrameError:
			f.Error = string(bs)
		}
	})
	if err != nil {
		return nil, err
	}
	if f.Type != FrameRequest && f.Type != FrameResponse {
		return nil, fmt.Errorf("%w: unknown frame type %d", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

type EnvelopeType uint32

const (
	EnvelopeWhisper      EnvelopeType = 1
	EnvelopePreKey       EnvelopeType = 2
	EnvelopeGroup        EnvelopeType = 3
	EnvelopeDistribution EnvelopeType = 4
)

// Envelope is a sealed message addressed to one device.
type Envelope struct {
	ID        string
	Type      EnvelopeType
	Sender    string
	Recipient string
	GroupID   string
	Content   []byte
	// Milliseconds since the epoch.
	Timestamp int64
}

const (
	fEnvID        = 1
	fEnvType      = 2
	fEnvSender    = 3
	fEnvRecipient = 4
	fEnvGroupID   = 5
	fEnvContent   = 6
	fEnvTimestamp = 7
)

func (e *Envelope) Marshal() []byte {
	var b []byte
	b = appendString(b, fEnvID, e.ID)
	b = appendVarint(b, fEnvType, uint64(e.Type))
	b = appendString(b, fEnvSender, e.Sender)
	b = appendString(b, fEnvRecipient, e.Recipient)
	b = appendString(b, fEnvGroupID, e.GroupID)
	b = appendBytes(b, fEnvContent, e.Content)
	b = appendVarint(b, fEnvTimestamp, uint64(e.Timestamp))
	return b
}

func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{}
	err := consumeFields(b, func(num protowire.Number, v uint64, bs []byte) {
		switch num {
		case fEnvID:
			e.ID = string(bs)
		case fEnvType:
			e.Type = EnvelopeType(v)
		case fEnvSender:
			e.Sender = string(bs)
		case fEnvRecipient:
			e.Recipient = string(bs)
		case fEnvGroupID:
			e.GroupID = string(bs)
		case fEnvContent:
			e.Content = append([]byte{}, bs...)
		case fEnvTimestamp:
			e.Timestamp = int64(v)
		}
	})
	if err != nil {
		return nil, err
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: envelope without id", ErrMalformedFrame)
	}
	return e, nil
}

const (
	fBundleRegistrationID = 1
	fBundleDeviceID       = 2
	fBundleIdentityKey    = 3
	fBundleSignedPreKeyID = 4
	fBundleSignedPreKey   = 5
	fBundleSignature      = 6
	fBundlePreKeyID       = 7
	fBundlePreKey         = 8
)

func MarshalBundle(bundle *ratchet.Bundle) []byte {
	var b []byte
	b = appendVarint(b, fBundleRegistrationID, uint64(bundle.RegistrationID))
	b = appendVarint(b, fBundleDeviceID, uint64(bundle.DeviceID))
	b = appendBytes(b, fBundleIdentityKey, bundle.IdentityKey)
	b = appendVarint(b, fBundleSignedPreKeyID, uint64(bundle.SignedPreKeyID))
	b = appendBytes(b, fBundleSignedPreKey, bundle.SignedPreKey)
	b = appendBytes(b, fBundleSignature, bundle.SignedPreKeySignature)
	if bundle.PreKey != nil {
		b = appendVarint(b, fBundlePreKeyID, uint64(bundle.PreKeyID))
		b = appendBytes(b, fBundlePreKey, bundle.PreKey)
	}
	return b
}

func UnmarshalBundle(b []byte) (*ratchet.Bundle, error) {
	bundle := &ratchet.Bundle{}
	err := consumeFields(b, func(num protowire.Number, v uint64, bs []byte) {
		switch num {
		case fBundleRegistrationID:
			bundle.RegistrationID = uint32(v)
		case fBundleDeviceID:
			bundle.DeviceID = uint32(v)
		case fBundleIdentityKey:
			bundle.IdentityKey = append([]byte{}, bs...)
		case fBundleSignedPreKeyID:
			bundle.SignedPreKeyID = uint32(v)
		case fBundleSignedPreKey:
			bundle.SignedPreKey = append([]byte{}, bs...)
		case fBundleSignature:
			bundle.SignedPreKeySignature = append([]byte{}, bs...)
		case fBundlePreKeyID:
			bundle.PreKeyID = uint32(v)
		case fBundlePreKey:
			bundle.PreKey = append([]byte{}, bs...)
		}
	})
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// KeyUpload publishes the local public key material.
type KeyUpload struct {
	RegistrationID        uint32
	IdentityKey           []byte
	SignedPreKeyID        uint32
	SignedPreKey          []byte
	SignedPreKeySignature []byte
	PreKeys               []PublicPreKey
}

type PublicPreKey struct {
	ID  uint32
	Key []byte
}

const (
	fUploadRegistrationID = 1
	fUploadIdentityKey    = 2
	fUploadSignedPreKeyID = 3
	fUploadSignedPreKey   = 4
	fUploadSignature      = 5
	fUploadPreKey         = 6

	fPreKeyID  = 1
	fPreKeyKey = 2
)

func (u *KeyUpload) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fUploadRegistrationID, uint64(u.RegistrationID))
	b = appendBytes(b, fUploadIdentityKey, u.IdentityKey)
	b = appendVarint(b, fUploadSignedPreKeyID, uint64(u.SignedPreKeyID))
	b = appendBytes(b, fUploadSignedPreKey, u.SignedPreKey)
	b = appendBytes(b, fUploadSignature, u.SignedPreKeySignature)
	for _, pk := range u.PreKeys {
		var kb []byte
		kb = appendVarint(kb, fPreKeyID, uint64(pk.ID))
		kb = appendBytes(kb, fPreKeyKey, pk.Key)
		b = appendBytes(b, fUploadPreKey, kb)
	}
	return b
}

func UnmarshalKeyUpload(b []byte) (*KeyUpload, error) {
	u := &KeyUpload{}
	var inner error
	err := consumeFields(b, func(num protowire.Number, v uint64, bs []byte) {
		switch num {
		case fUploadRegistrationID:
			u.RegistrationID = uint32(v)
		case fUploadIdentityKey:
			u.IdentityKey = append([]byte{}, bs...)
		case fUploadSignedPreKeyID:
			u.SignedPreKeyID = uint32(v)
		case fUploadSignedPreKey:
			u.SignedPreKey = append([]byte{}, bs...)
		case fUploadSignature:
			u.SignedPreKeySignature = append([]byte{}, bs...)
		case fUploadPreKey:
			pk := PublicPreKey{}
			if err := consumeFields(bs, func(num protowire.Number, v uint64, kb []byte) {
				switch num {
				case fPreKeyID:
					pk.ID = uint32(v)
				case fPreKeyKey:
					pk.Key = append([]byte{}, kb...)
				}
			}); err != nil && inner == nil {
				inner = err
			}
			u.PreKeys = append(u.PreKeys, pk)
		}
	})
	if err == nil {
		err = inner
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func consumeFields(b []byte, fn func(num protowire.Number, v uint64, bs []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			b = b[m:]
			fn(num, v, nil)
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			b = b[m:]
			fn(num, 0, v)
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}
