package system

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Service caches the settings row. Readers never hit the database after the
// first load; writers persist before updating the cache.
type Service struct {
	store  Store
	logger *log.Logger

	mu          sync.Mutex
	settings    *Settings
	subscribers []func(Settings)
}

func NewService(store Store, opts ...ServiceOption) *Service {
	svc := &Service{store: store}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.logger == nil {
		svc.logger = log.StandardLogger()
	}

	return svc
}

func (svc *Service) GetSettings() (*Settings, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	s, err := svc.load()
	if err != nil {
		return nil, err
	}
	c := *s
	return &c, nil
}

func (svc *Service) load() (*Settings, error) {
	if svc.settings != nil {
		return svc.settings, nil
	}
	s, err := svc.store.GetSettings()
	if err != nil {
		return nil, err
	}
	svc.settings = s
	return s, nil
}

func (svc *Service) SaveSettings(settings *Settings) error {
	if settings.ID == 0 {
		return fmt.Errorf("settings object has no ID, get an existing settings first and alter it")
	}
	return svc.update(func(s *Settings) {
		s.MaintenanceMode = settings.MaintenanceMode
		s.Authenticated = settings.Authenticated
	})
}

func (svc *Service) SetAuthenticated(v bool) error {
	return svc.update(func(s *Settings) { s.Authenticated = v })
}

func (svc *Service) SetMaintenanceMode(v bool) error {
	return svc.update(func(s *Settings) { s.MaintenanceMode = v })
}

func (svc *Service) update(fn func(*Settings)) error {
	svc.mu.Lock()

	current, err := svc.load()
	if err != nil {
		svc.mu.Unlock()
		return err
	}

	next := *current
	fn(&next)

	svc.logger.WithFields(log.Fields{"settings": &next}).Trace("Save system settings")

	if err := svc.store.SaveSettings(&next); err != nil {
		svc.mu.Unlock()
		return err
	}
	svc.settings = &next

	subs := append([]func(Settings){}, svc.subscribers...)
	svc.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}

	return nil
}

// Subscribe registers fn to be called after every saved change.
func (svc *Service) Subscribe(fn func(Settings)) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.subscribers = append(svc.subscribers, fn)
}

// IsMaintenanceMode reports false when the settings can not be loaded.
func (svc *Service) IsMaintenanceMode() bool {
	s, err := svc.GetSettings()
	if err != nil {
		svc.logger.WithFields(log.Fields{"error": err}).Warn("Unable to read system settings")
		return false
	}
	return s.IsMaintenanceMode()
}

// IsAuthenticated reports false when the settings can not be loaded.
func (svc *Service) IsAuthenticated() bool {
	s, err := svc.GetSettings()
	if err != nil {
		svc.logger.WithFields(log.Fields{"error": err}).Warn("Unable to read system settings")
		return false
	}
	return s.Authenticated
}
