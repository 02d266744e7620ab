package models

import "time"

// GeofenceMode controls how the location check is applied to scans.
type GeofenceMode string

const (
	GeofenceOff     GeofenceMode = "off"
	GeofenceWarn    GeofenceMode = "warn"
	GeofenceEnforce GeofenceMode = "enforce"
)

// Session is one attendance session (a class meeting, an event) that chains
// run inside. The geofence and challenge settings here are advisory proximity
// defenses, not cryptographic co-presence guarantees.
type Session struct {
	ID         uint `gorm:"primaryKey"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Uid        string `gorm:"size:36;uniqueIndex;not null"` // public id
	Name       string `gorm:"size:255;not null"`
	OperatorID uint   `gorm:"index;not null"`
	Operator   User   `gorm:"foreignKey:OperatorID;references:ID"`
	Active     bool   `gorm:"default:true;not null"`

	// Geofence anchor. Nullable: sessions without an anchor skip the check.
	AnchorLat       *float64
	AnchorLng       *float64
	GeofenceRadiusM float64      `gorm:"default:0"`
	GeofenceMode    GeofenceMode `gorm:"size:16;default:off;not null"`
	// BlockUnlocated makes enforce-mode sessions reject scans that report no
	// location at all (otherwise a missing location only attaches a warning).
	BlockUnlocated bool `gorm:"default:false"`

	// RequireCode turns on challenge-response proof for every scan.
	RequireCode bool `gorm:"default:false"`

	// Per-session overrides; zero means "use the server default".
	TokenTTLSecs       int `gorm:"default:0"`
	StallThresholdSecs int `gorm:"default:0"`
}
