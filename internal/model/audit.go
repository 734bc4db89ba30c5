package model

import "time"

// AuditEvent is one decision taken by the coordinator, accepted or not.
type AuditEvent struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	At         time.Time `gorm:"index;not null" json:"at"`
	EndpointID string    `gorm:"size:64" json:"endpointId"`
	Kind       string    `gorm:"size:32;not null" json:"kind"`
	CardUID    string    `gorm:"size:64" json:"cardUid,omitempty"`
	UserID     string    `gorm:"size:64;index" json:"userId,omitempty"`
	MachineID  string    `gorm:"size:64;index" json:"machineId,omitempty"`
	Verdict    string    `gorm:"size:16;not null" json:"verdict"`
	Reason     string    `gorm:"size:64" json:"reason,omitempty"`
}
