package ratchet

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

type party struct {
	pub, priv []byte
	spk       []byte
	opk       []byte
}

func newParty(t *testing.T, l *Library) *party {
	t.Helper()

	pub, priv, err := l.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := l.GenerateSignedPreKey(7, priv, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	opk, err := l.GeneratePreKey(42)
	if err != nil {
		t.Fatal(err)
	}
	return &party{pub: pub, priv: priv, spk: spk, opk: opk}
}

func (p *party) bundle(t *testing.T, l *Library, withPreKey bool) *Bundle {
	t.Helper()

	spk, err := l.ParseSignedPreKey(p.spk)
	if err != nil {
		t.Fatal(err)
	}
	b := &Bundle{
		RegistrationID:        1,
		DeviceID:              1,
		IdentityKey:           p.pub,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.PublicKey,
		SignedPreKeySignature: spk.Signature,
	}
	if withPreKey {
		opk, err := l.ParsePreKey(p.opk)
		if err != nil {
			t.Fatal(err)
		}
		b.PreKeyID = opk.ID
		b.PreKey = opk.PublicKey
	}
	return b
}

func establish(t *testing.T, l *Library, withPreKey bool) (aliceSession, bobSession []byte) {
	t.Helper()

	alice, bob := newParty(t, l), newParty(t, l)

	aliceSession, err := l.InitiateSession(alice.priv, 11, bob.bundle(t, l, withPreKey))
	if err != nil {
		t.Fatal(err)
	}

	aliceSession, first, err := l.Encrypt(aliceSession, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	hdr, err := l.ParsePreKeyMessage(first)
	if err != nil || hdr == nil {
		t.Fatalf("expected a prekey message, got %v %v", hdr, err)
	}
	if hdr.RegistrationID != 11 || hdr.HasPreKey != withPreKey || !bytes.Equal(hdr.IdentityKey, alice.pub) {
		t.Fatalf("unexpected header %+v", hdr)
	}

	var opk []byte
	if withPreKey {
		opk = bob.opk
	}
	bobSession, err = l.RespondSession(bob.priv, bob.spk, opk, first)
	if err != nil {
		t.Fatal(err)
	}

	bobSession, plain, err := l.Decrypt(bobSession, first)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "hello" {
		t.Fatalf("expected hello, got %q", plain)
	}

	return aliceSession, bobSession
}

func TestSessionRoundTrip(t *testing.T) {
	l := New()

	for _, withPreKey := range []bool{true, false} {
		aliceSession, bobSession := establish(t, l, withPreKey)

		var reply []byte
		var err error
		bobSession, reply, err = l.Encrypt(bobSession, []byte("hi alice"))
		if err != nil {
			t.Fatal(err)
		}
		if hdr, _ := l.ParsePreKeyMessage(reply); hdr != nil {
			t.Fatal("responder must not send prekey messages")
		}

		aliceSession, plain, err := l.Decrypt(aliceSession, reply)
		if err != nil {
			t.Fatal(err)
		}
		if string(plain) != "hi alice" {
			t.Fatalf("expected reply, got %q", plain)
		}

		info, err := l.SessionInfo(aliceSession)
		if err != nil {
			t.Fatal(err)
		}
		if info.Pending {
			t.Fatal("expected pending prekey header to be cleared after a reply")
		}

		_, next, err := l.Encrypt(aliceSession, []byte("again"))
		if err != nil {
			t.Fatal(err)
		}
		if hdr, _ := l.ParsePreKeyMessage(next); hdr != nil {
			t.Fatal("expected a plain message once the session is confirmed")
		}
		_ = bobSession
	}
}

func TestOutOfOrderAndReplay(t *testing.T) {
	l := New()
	aliceSession, bobSession := establish(t, l, true)

	var msgs [][]byte
	for _, p := range []string{"one", "two", "three"} {
		var m []byte
		var err error
		aliceSession, m, err = l.Encrypt(aliceSession, []byte(p))
		if err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, m)
	}

	var plain []byte
	var err error
	for _, i := range []int{2, 0, 1} {
		bobSession, plain, err = l.Decrypt(bobSession, msgs[i])
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
	}
	if string(plain) != "two" {
		t.Fatalf("expected two, got %q", plain)
	}

	if _, _, err := l.Decrypt(bobSession, msgs[1]); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage on replay, got %v", err)
	}
}

func TestDecryptLeavesStateOnTamper(t *testing.T) {
	l := New()
	aliceSession, bobSession := establish(t, l, false)

	_, m, err := l.Encrypt(aliceSession, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]byte(nil), m...)
	tampered[len(tampered)-1] ^= 0xff

	if _, _, err := l.Decrypt(bobSession, tampered); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}

	if _, plain, err := l.Decrypt(bobSession, m); err != nil || string(plain) != "payload" {
		t.Fatalf("expected original message to decrypt, got %q %v", plain, err)
	}
}

func TestInvalidBundleSignature(t *testing.T) {
	l := New()
	alice, bob := newParty(t, l), newParty(t, l)

	b := bob.bundle(t, l, true)
	b.SignedPreKeySignature[0] ^= 0x01

	if _, err := l.InitiateSession(alice.priv, 1, b); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestCorruptState(t *testing.T) {
	l := New()
	if _, _, err := l.Encrypt([]byte{0xff, 0x01}, []byte("x")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestSenderKeys(t *testing.T) {
	l := New()

	own, err := l.NewSenderKey()
	if err != nil {
		t.Fatal(err)
	}

	dist, err := l.SenderKeyDistribution(own)
	if err != nil {
		t.Fatal(err)
	}

	peer, err := l.ProcessSenderKeyDistribution(dist)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := l.GroupEncrypt(peer, []byte("x")); !errors.Is(err, ErrMissingPrivateKey) {
		t.Fatalf("expected ErrMissingPrivateKey, got %v", err)
	}

	own, m1, err := l.GroupEncrypt(own, []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	_, m2, err := l.GroupEncrypt(own, []byte("second"))
	if err != nil {
		t.Fatal(err)
	}

	// skip ahead, then the older iteration is gone
	peer, plain, err := l.GroupDecrypt(peer, m2)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "second" {
		t.Fatalf("expected second, got %q", plain)
	}

	if _, _, err := l.GroupDecrypt(peer, m1); !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}

	forged := append([]byte(nil), m2...)
	forged[5] ^= 0x01
	if _, _, err := l.GroupDecrypt(peer, forged); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected forged message to be rejected, got %v", err)
	}
}
