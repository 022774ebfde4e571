package courier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flow-hydraulics/blaze-client/blaze"
	"github.com/flow-hydraulics/blaze-client/errors"
	"github.com/flow-hydraulics/blaze-client/jobs"
	"github.com/flow-hydraulics/blaze-client/transport"
	log "github.com/sirupsen/logrus"
)

// Register creates the local identity and first signed prekey if missing,
// marks the account logged in and schedules the initial key upload.
func (s *Service) Register(ctx context.Context, registrationID uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.keys.Identities.GenerateLocalIdentity(registrationID); err != nil {
		return err
	}

	active, err := s.keys.SignedPreKeys.Active()
	if err != nil {
		return err
	}
	if active == nil {
		if _, err := s.keys.SignedPreKeys.Rotate(time.Now()); err != nil {
			return err
		}
	}

	if err := s.system.SetAuthenticated(true); err != nil {
		return err
	}

	return s.RefreshPreKeys()
}

// RefreshPreKeys schedules generating and publishing one-time prekeys if
// fewer than the configured minimum are left.
func (s *Service) RefreshPreKeys() error {
	return submit(s.pool, RefreshPreKeysJobType, s.keys.LocalAddress().String())
}

// RotateSignedPreKey schedules publishing a new signed prekey.
func (s *Service) RotateSignedPreKey() error {
	return submit(s.pool, RotateSignedPreKeyJobType, s.keys.LocalAddress().String())
}

func (s *Service) checkPreKeys() {
	n, err := s.keys.PreKeys.Count()
	if err != nil {
		s.logger.WithFields(log.Fields{"error": err}).Warn("Unable to count prekeys")
		return
	}
	if n >= int64(s.cfg.PreKeyMinAvailable) {
		return
	}
	if err := s.RefreshPreKeys(); err != nil && !errors.IsAuthenticationRequired(err) {
		s.logger.WithFields(log.Fields{"error": err}).Warn("Unable to schedule prekey refresh")
	}
}

// Logout cancels all jobs and wipes key material and queues. The account
// has to register again afterwards.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.system.SetAuthenticated(false); err != nil {
		return err
	}

	s.uploads.CancelAll()
	s.pool.CancelAll()

	if err := s.uploads.Wait(ctx); err != nil {
		return err
	}
	if err := s.pool.Wait(ctx); err != nil {
		return err
	}

	if err := s.keys.DeleteAll(); err != nil {
		return err
	}

	drop := func(context.Context, blaze.Message) error { return nil }
	if _, err := s.outbound.Drain(ctx, s.cfg.BlazeBatchSize, drop); err != nil {
		return err
	}
	if _, err := s.inbound.Drain(ctx, s.cfg.BlazeBatchSize, drop); err != nil {
		return err
	}

	s.failures.RemoveAll()
	s.devices.RemoveAll()
	s.distributed.RemoveAll()
	s.decrypted.RemoveAll()
	s.parked.RemoveAll()

	s.logger.WithFields(log.Fields{"address": s.keys.LocalAddress().String()}).Info("Logged out")

	return nil
}

func (s *Service) keyUpload() (*transport.KeyUpload, error) {
	id, err := s.keys.Identities.LocalIdentity()
	if err != nil {
		return nil, err
	}

	spk, err := s.keys.SignedPreKeys.Active()
	if err != nil {
		return nil, err
	}

	u := &transport.KeyUpload{
		RegistrationID: id.RegistrationID,
		IdentityKey:    id.PublicKey,
	}
	if spk != nil {
		u.SignedPreKeyID = spk.ID
		u.SignedPreKey = spk.PublicKey
		u.SignedPreKeySignature = spk.Signature
	}

	return u, nil
}

// executeRefreshPreKeys keeps the generated batch in the job attributes so
// a retried upload publishes the same keys.
func (s *Service) executeRefreshPreKeys(ctx context.Context, j *jobs.Job) error {
	var batch []transport.PublicPreKey

	if len(j.Attributes) > 0 {
		if err := json.Unmarshal(j.Attributes, &batch); err != nil {
			return jobs.PermanentFailure(err)
		}
	} else {
		n, err := s.keys.PreKeys.Count()
		if err != nil {
			return err
		}
		if n >= int64(s.cfg.PreKeyMinAvailable) {
			return nil
		}

		pairs, err := s.keys.PreKeys.Generate(s.cfg.PreKeyBatchSize)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			batch = append(batch, transport.PublicPreKey{ID: p.ID, Key: p.PublicKey})
		}

		b, err := json.Marshal(batch)
		if err != nil {
			return err
		}
		s.pool.SetAttributes(j, b)
	}

	u, err := s.keyUpload()
	if err != nil {
		return err
	}
	u.PreKeys = batch

	if err := s.transport.UploadKeys(ctx, u); err != nil {
		return err
	}

	s.logger.WithFields(log.Fields{"count": len(batch)}).Info("Published prekeys")

	return nil
}

// executeRotateSignedPreKey rotates at most once per job, then purges
// expired signed prekeys and publishes the active one.
func (s *Service) executeRotateSignedPreKey(ctx context.Context, j *jobs.Job) error {
	active, err := s.keys.SignedPreKeys.Active()
	if err != nil {
		return err
	}

	if active == nil || active.Timestamp.Before(j.CreatedAt) {
		if _, err := s.keys.SignedPreKeys.Rotate(time.Now()); err != nil {
			return err
		}
	}

	if _, err := s.keys.SignedPreKeys.Purge(time.Now().Add(-s.cfg.SignedPreKeyMaxAge)); err != nil {
		return err
	}

	u, err := s.keyUpload()
	if err != nil {
		return err
	}

	return s.transport.UploadKeys(ctx, u)
}
