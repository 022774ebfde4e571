// Package system persists account wide switches: whether the account is
// logged in and whether job dispatching is paused for maintenance.
package system

import (
	"fmt"

	"gorm.io/gorm"
)

type Settings struct {
	gorm.Model
	Authenticated   bool `gorm:"column:authenticated;default:false"`
	MaintenanceMode bool `gorm:"column:maintenance_mode;default:false"`
}

func (s *Settings) String() string {
	return fmt.Sprintf("Authenticated: %t, MaintenanceMode: %t", s.Authenticated, s.MaintenanceMode)
}

func (Settings) TableName() string {
	return "system_settings"
}

// Convert to JSON version
func (s *Settings) ToJSON() SettingsJSON {
	return SettingsJSON{
		Authenticated:   s.Authenticated,
		MaintenanceMode: s.MaintenanceMode,
	}
}

func (s *Settings) IsMaintenanceMode() bool {
	return s.MaintenanceMode
}

// Update fields according to JSON version. Authenticated is only changed by
// login and logout.
func (s *Settings) FromJSON(j SettingsJSON) {
	s.MaintenanceMode = j.MaintenanceMode
}

type SettingsJSON struct {
	Authenticated   bool `json:"authenticated"`
	MaintenanceMode bool `json:"maintenanceMode"`
}
