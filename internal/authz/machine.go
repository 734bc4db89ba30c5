package authz

import "time"

// MachineTap decides a card tap at a machine endpoint. user is the
// tapping member, nil for an unknown card.
//
// A free machine is started only when every check passes, evaluated in
// this order so the reported reason is deterministic: maintenance,
// card and subscription, facility check-in, machine type grant.
// A machine in use is released only by its owner.
func MachineTap(machine MachineState, user *UserState, at time.Time, sessionID string) Outcome {
	if machine.Session != nil {
		if user == nil || user.User.ID != machine.Session.UserID {
			return rejected(WrongUser)
		}
		released, effects := closeMachine(machine, at, EndUser)
		next := user.withoutMachine(machine.ID)
		return Outcome{
			Verdict:  Accept,
			User:     &next,
			Machines: []MachineState{released},
			Effects:  effects,
		}
	}

	if machine.Status == Maintenance {
		return rejected(MachineInMaintenance)
	}
	if user == nil || !user.User.Active {
		return rejected(UnknownCard)
	}
	if !user.User.SubscriptionValid(at) {
		return rejected(SubscriptionExpired)
	}
	if user.Access == nil {
		return rejected(NotCheckedIn)
	}
	if !user.User.MayOperate(machine.Type) {
		return rejected(UnauthorizedMachineType)
	}

	started := machine.Clone()
	started.Status = InUse
	started.Session = &MachineSession{ID: sessionID, UserID: user.User.ID, StartedAt: at}
	next := user.withMachine(machine.ID)

	return Outcome{
		Verdict:  Accept,
		User:     &next,
		Machines: []MachineState{started},
		Effects: []Effect{
			{Kind: OpenMachineSession, UserID: user.User.ID, MachineID: machine.ID, SessionID: sessionID, At: at},
			{Kind: EffectPowerOn, UserID: user.User.ID, MachineID: machine.ID, At: at},
		},
	}
}

// PowerOff handles an operator cutting power. An open session closes
// exactly as if the owner had tapped; a machine without a session is
// accepted without change.
func PowerOff(machine MachineState, owner *UserState, at time.Time) Outcome {
	return release(machine, owner, at, EndPowerOff)
}

// PowerOn acknowledges an endpoint reporting power. Power is only
// legitimate while a session is open.
func PowerOn(machine MachineState) Outcome {
	if machine.Session == nil {
		return rejected(NotInUse)
	}
	return Outcome{Verdict: Accept}
}

// EndpointLost closes the session of a machine whose endpoint stopped
// sending keep-alives. The machine fails open: it becomes Free, or
// Maintenance when the counter is exhausted.
func EndpointLost(machine MachineState, owner *UserState, at time.Time) Outcome {
	return release(machine, owner, at, EndEndpointLost)
}

// Suspend puts the machine under an administrative hold. Any open
// session is closed first.
func Suspend(machine MachineState, owner *UserState, at time.Time) Outcome {
	out := release(machine, owner, at, EndSuspended)
	suspended := machine.Clone()
	if len(out.Machines) == 1 {
		suspended = out.Machines[0]
	}
	suspended.Suspended = true
	suspended.Status = Maintenance
	out.Machines = []MachineState{suspended}
	return out
}

// Resume lifts an administrative hold.
func Resume(machine MachineState) Outcome {
	resumed := machine.Clone()
	resumed.Suspended = false
	if resumed.Session == nil {
		resumed.Status = statusAfterRelease(resumed)
	}
	return Outcome{Verdict: Accept, Machines: []MachineState{resumed}}
}

// ClearMaintenance resets the run-hour counter after service.
func ClearMaintenance(machine MachineState) Outcome {
	cleared := machine.Clone()
	cleared.RunSeconds = 0
	if cleared.Session == nil {
		cleared.Status = statusAfterRelease(cleared)
	}
	return Outcome{Verdict: Accept, Machines: []MachineState{cleared}}
}

// Remove releases a machine about to be deleted.
func Remove(machine MachineState, owner *UserState, at time.Time) Outcome {
	return release(machine, owner, at, EndRemoved)
}

func release(machine MachineState, owner *UserState, at time.Time, reason EndReason) Outcome {
	if machine.Session == nil {
		return Outcome{Verdict: Accept}
	}
	released, effects := closeMachine(machine, at, reason)
	out := Outcome{
		Verdict:  Accept,
		Machines: []MachineState{released},
		Effects:  effects,
	}
	if owner != nil {
		next := owner.withoutMachine(machine.ID)
		out.User = &next
	}
	return out
}

// closeMachine ends the open session, accumulates the elapsed seconds
// into the run counter and re-evaluates the maintenance predicate.
func closeMachine(machine MachineState, at time.Time, reason EndReason) (MachineState, []Effect) {
	session := machine.Session
	elapsed := int64(at.Sub(session.StartedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	released := machine.Clone()
	released.Session = nil
	released.RunSeconds += elapsed
	released.Status = statusAfterRelease(released)

	effects := []Effect{
		{
			Kind:      CloseMachineSession,
			UserID:    session.UserID,
			MachineID: machine.ID,
			SessionID: session.ID,
			At:        at,
			Reason:    reason,
			Seconds:   elapsed,
		},
		{Kind: EffectPowerOff, UserID: session.UserID, MachineID: machine.ID, At: at},
	}
	if released.NeedsMaintenance() && !machine.NeedsMaintenance() {
		effects = append(effects, Effect{Kind: EnterMaintenance, MachineID: machine.ID, At: at})
	}
	return released, effects
}

func statusAfterRelease(m MachineState) MachineStatus {
	if m.Suspended || m.NeedsMaintenance() {
		return Maintenance
	}
	return Free
}
