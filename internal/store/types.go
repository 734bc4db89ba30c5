package store

import (
	"errors"

	"makerspace-backend/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable is returned when the database could not complete an
	// operation. Nothing from the failed operation was written.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict is returned when a write would violate a uniqueness
	// rule, such as a card linked to two users.
	ErrConflict = errors.New("conflict")
	// ErrInvalid is returned when a write references records that do
	// not exist.
	ErrInvalid = errors.New("invalid reference")
)

// Snapshot is the committed working set loaded at startup.
type Snapshot struct {
	Users       []model.User // with Authorizations
	Machines    []model.Machine
	OpenAccess  []model.AccessSession
	OpenMachine []model.MachineSession
}

// Transition is everything one logical operation writes. Commit applies
// it in a single database transaction.
type Transition struct {
	Users          []model.User // upserted without associations
	Grants         []model.Authorization
	Revokes        []model.Authorization
	Machines       []model.Machine // upserted
	DeleteMachines []string
	OpenAccess     []model.AccessSession
	CloseAccess    []model.AccessSession
	OpenMachine    []model.MachineSession
	CloseMachine   []model.MachineSession
	Interventions  []model.Intervention
	Audit          []model.AuditEvent
}

// Merge appends every write of other to t.
func (t *Transition) Merge(other Transition) {
	t.Users = append(t.Users, other.Users...)
	t.Grants = append(t.Grants, other.Grants...)
	t.Revokes = append(t.Revokes, other.Revokes...)
	t.Machines = append(t.Machines, other.Machines...)
	t.DeleteMachines = append(t.DeleteMachines, other.DeleteMachines...)
	t.OpenAccess = append(t.OpenAccess, other.OpenAccess...)
	t.CloseAccess = append(t.CloseAccess, other.CloseAccess...)
	t.OpenMachine = append(t.OpenMachine, other.OpenMachine...)
	t.CloseMachine = append(t.CloseMachine, other.CloseMachine...)
	t.Interventions = append(t.Interventions, other.Interventions...)
	t.Audit = append(t.Audit, other.Audit...)
}

// Empty reports whether the transition writes nothing.
func (t Transition) Empty() bool {
	return len(t.Users)+len(t.Grants)+len(t.Revokes)+len(t.Machines)+len(t.DeleteMachines)+
		len(t.OpenAccess)+len(t.CloseAccess)+len(t.OpenMachine)+len(t.CloseMachine)+
		len(t.Interventions)+len(t.Audit) == 0
}
