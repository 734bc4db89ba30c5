package model

import "time"

// Intervention records a maintenance clear performed by crew.
type Intervention struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MachineID  string    `gorm:"size:64;index;not null" json:"machineId"`
	UserID     string    `gorm:"size:64;not null" json:"userId"`
	At         time.Time `gorm:"index;not null" json:"at"`
	RunSeconds int64     `gorm:"not null" json:"runSeconds"` // counter value that was reset
	Note       string    `gorm:"size:512" json:"note,omitempty"`
}
