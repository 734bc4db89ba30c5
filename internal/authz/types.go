// Package authz holds the authorization decisions for access and
// machine endpoints. Every function here is pure: it takes the current
// state of the entities involved plus the event and returns the
// verdict, the next state and the side effects to persist. Nothing in
// this package performs I/O or reads the clock.
package authz

import (
	"sort"
	"time"
)

// Verdict is the answer sent back to an endpoint.
type Verdict string

const (
	Accept Verdict = "accept"
	Reject Verdict = "reject"
	Retry  Verdict = "retry"
)

// Reason explains a rejection (or a retry).
type Reason string

const (
	ReasonNone              Reason = ""
	UnknownCard             Reason = "UnknownCard"
	SubscriptionExpired     Reason = "SubscriptionExpired"
	AlreadyLoggedIn         Reason = "AlreadyLoggedIn" // unused, access taps toggle
	NotCheckedIn            Reason = "NotCheckedIn"
	UnauthorizedMachineType Reason = "UnauthorizedMachineType"
	MachineInMaintenance    Reason = "MachineInMaintenance"
	WrongUser               Reason = "WrongUser"
	NotInUse                Reason = "NotInUse"
	UnknownMachine          Reason = "UnknownMachine"
	MalformedEvent          Reason = "MalformedEvent"
	StoreUnavailable        Reason = "StoreUnavailable"
)

// EndReason is recorded when a session closes.
type EndReason string

const (
	EndUser         EndReason = "user"
	EndAutoMidnight EndReason = "auto-midnight"
	EndPowerOff     EndReason = "power-off"
	EndEndpointLost EndReason = "endpoint-lost"
	EndCheckout     EndReason = "checkout"
	EndSuspended    EndReason = "suspended"
	EndRemoved      EndReason = "machine-removed"
	EndDeactivated  EndReason = "deactivated"
)

// AccessState is the facility dimension of a user.
type AccessState string

const (
	LoggedOut AccessState = "logged_out"
	LoggedIn  AccessState = "logged_in"
)

// MachineStatus is the usage dimension of a machine.
type MachineStatus string

const (
	Free        MachineStatus = "free"
	InUse       MachineStatus = "in_use"
	Maintenance MachineStatus = "maintenance"
)

// User is the part of a member record the decisions depend on.
type User struct {
	ID                 string
	Active             bool
	AuthorizeAll       bool
	SubscriptionExpiry time.Time
	MachineTypes       map[string]bool
}

// SubscriptionValid reports whether the subscription covers the
// calendar day of now. The expiry is a date stored at UTC midnight;
// now carries the facility time zone.
func (u User) SubscriptionValid(now time.Time) bool {
	ey, em, ed := u.SubscriptionExpiry.UTC().Date()
	ny, nm, nd := now.Date()
	expiry := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	today := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	return !expiry.Before(today)
}

// MayOperate reports whether the user holds a grant for machineType.
func (u User) MayOperate(machineType string) bool {
	return u.AuthorizeAll || u.MachineTypes[machineType]
}

// AccessSession is an open facility session.
type AccessSession struct {
	ID      string
	LoginAt time.Time
}

// MachineSession is an open machine session.
type MachineSession struct {
	ID        string
	UserID    string
	StartedAt time.Time
}

// UserState is the authoritative working state of one user.
type UserState struct {
	User     User
	Access   *AccessSession // nil while logged out
	Machines []string       // machines with an open session owned by the user, sorted
}

// State reports the access dimension.
func (s UserState) State() AccessState {
	if s.Access != nil {
		return LoggedIn
	}
	return LoggedOut
}

// Clone returns a deep copy so decisions never alias the caller's state.
func (s UserState) Clone() UserState {
	out := s
	if s.Access != nil {
		access := *s.Access
		out.Access = &access
	}
	out.Machines = append([]string(nil), s.Machines...)
	return out
}

func (s UserState) withMachine(id string) UserState {
	out := s.Clone()
	for _, m := range out.Machines {
		if m == id {
			return out
		}
	}
	out.Machines = append(out.Machines, id)
	sort.Strings(out.Machines)
	return out
}

func (s UserState) withoutMachine(id string) UserState {
	out := s.Clone()
	kept := out.Machines[:0]
	for _, m := range out.Machines {
		if m != id {
			kept = append(kept, m)
		}
	}
	out.Machines = kept
	return out
}

// MachineState is the authoritative working state of one machine.
type MachineState struct {
	ID               string
	Type             string
	Status           MachineStatus
	Suspended        bool
	RunSeconds       int64
	ThresholdSeconds int64
	Session          *MachineSession // nil unless InUse
}

// Clone returns a deep copy.
func (m MachineState) Clone() MachineState {
	out := m
	if m.Session != nil {
		session := *m.Session
		out.Session = &session
	}
	return out
}

// NeedsMaintenance is the maintenance counter predicate.
func (m MachineState) NeedsMaintenance() bool {
	return m.ThresholdSeconds > 0 && m.RunSeconds >= m.ThresholdSeconds
}

// EffectKind names a side effect of a decision.
type EffectKind string

const (
	OpenAccess          EffectKind = "open-access"
	CloseAccess         EffectKind = "close-access"
	OpenMachineSession  EffectKind = "open-machine-session"
	CloseMachineSession EffectKind = "close-machine-session"
	EffectPowerOn       EffectKind = "power-on"
	EffectPowerOff      EffectKind = "power-off"
	EnterMaintenance    EffectKind = "enter-maintenance"
)

// Effect is one thing the coordinator must persist or emit.
type Effect struct {
	Kind      EffectKind
	UserID    string
	MachineID string
	SessionID string
	At        time.Time
	Reason    EndReason
	Seconds   int64 // elapsed seconds of a closed machine session
}

// Outcome is the result of a decision. User and Machines carry the next
// state of every entity the decision changed; entities absent from the
// outcome are unchanged.
type Outcome struct {
	Verdict  Verdict
	Reason   Reason
	User     *UserState
	Machines []MachineState
	Effects  []Effect
}

// Accepted reports whether the verdict is Accept.
func (o Outcome) Accepted() bool { return o.Verdict == Accept }

func rejected(reason Reason) Outcome {
	return Outcome{Verdict: Reject, Reason: reason}
}
