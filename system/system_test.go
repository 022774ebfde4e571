package system

import (
	"testing"

	"github.com/flow-hydraulics/blaze-client/internal/test"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestService(t *testing.T) {
	cfg := test.LoadConfig(t)
	db := test.GetDatabase(t, cfg)
	logger, _ := logtest.NewNullLogger()

	svc := NewService(NewGormStore(db), WithLogger(logger))

	if svc.IsAuthenticated() || svc.IsMaintenanceMode() {
		t.Fatal("expected fresh settings to be logged out and not in maintenance")
	}

	var seen []Settings
	svc.Subscribe(func(s Settings) { seen = append(seen, s) })

	if err := svc.SetAuthenticated(true); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetMaintenanceMode(true); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 2 || !seen[1].Authenticated || !seen[1].MaintenanceMode {
		t.Fatalf("unexpected notifications: %v", seen)
	}

	// A new service on the same database sees the persisted values.
	other := NewService(NewGormStore(db), WithLogger(logger))
	if !other.IsAuthenticated() || !other.IsMaintenanceMode() {
		t.Fatal("expected settings to be persisted")
	}

	s, err := other.GetSettings()
	if err != nil {
		t.Fatal(err)
	}
	s.FromJSON(SettingsJSON{MaintenanceMode: false, Authenticated: false})
	if err := other.SaveSettings(s); err != nil {
		t.Fatal(err)
	}
	if !other.IsAuthenticated() {
		t.Fatal("expected FromJSON to leave the authenticated flag alone")
	}
	if other.IsMaintenanceMode() {
		t.Fatal("expected maintenance mode to be off")
	}

	if err := other.SaveSettings(&Settings{}); err == nil {
		t.Fatal("expected an error for settings without an id")
	}
}
