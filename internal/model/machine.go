package model

import "time"

// MachineStatus is the persisted usage state of a machine.
type MachineStatus string

const (
	MachineFree        MachineStatus = "free"
	MachineInUse       MachineStatus = "in_use"
	MachineMaintenance MachineStatus = "maintenance"
)

// Machine is a piece of shared equipment behind a machine endpoint.
type Machine struct {
	ID               string        `gorm:"primaryKey;size:64" json:"id"`
	DisplayName      string        `gorm:"size:256;not null" json:"displayName"`
	Type             string        `gorm:"size:64;index;not null" json:"type"`
	Status           MachineStatus `gorm:"size:16;not null" json:"status"`
	Suspended        bool          `gorm:"not null;default:false" json:"suspended"`
	RunSeconds       int64         `gorm:"not null;default:0" json:"runSeconds"` // since last maintenance
	MaintenanceHours float64       `gorm:"not null" json:"maintenanceHours"`
	OwnerID          *string       `gorm:"size:64" json:"ownerId"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// RunHours reports the run time since the last maintenance in hours.
func (m Machine) RunHours() float64 {
	return float64(m.RunSeconds) / 3600
}
