package authz

import "time"

// AccessTap decides a card tap at an access endpoint. user is nil when
// the card is not linked to any member. machines holds the current
// state of every machine listed in user.Machines; they are force-closed
// on check-out.
func AccessTap(user *UserState, machines map[string]MachineState, at time.Time, sessionID string) Outcome {
	if user == nil || !user.User.Active {
		return rejected(UnknownCard)
	}

	if user.State() == LoggedIn {
		return checkout(*user, machines, at, EndUser, EndCheckout)
	}

	if !user.User.SubscriptionValid(at) {
		return rejected(SubscriptionExpired)
	}

	next := user.Clone()
	next.Access = &AccessSession{ID: sessionID, LoginAt: at}
	return Outcome{
		Verdict: Accept,
		User:    &next,
		Effects: []Effect{{
			Kind:      OpenAccess,
			UserID:    next.User.ID,
			SessionID: sessionID,
			At:        at,
		}},
	}
}

// ForceCheckout closes the user's access session and every machine
// session the user owns. The midnight sweep and user deactivation use
// it. A user that is already logged out with no machines yields an
// accepted outcome with no effects.
func ForceCheckout(user UserState, machines map[string]MachineState, at time.Time, reason EndReason) Outcome {
	return checkout(user, machines, at, reason, reason)
}

func checkout(user UserState, machines map[string]MachineState, at time.Time, accessReason, machineReason EndReason) Outcome {
	out := Outcome{Verdict: Accept}
	next := user.Clone()

	for _, machineID := range user.Machines {
		machine, ok := machines[machineID]
		if !ok || machine.Session == nil || machine.Session.UserID != user.User.ID {
			next = next.withoutMachine(machineID)
			continue
		}
		released, effects := closeMachine(machine, at, machineReason)
		out.Machines = append(out.Machines, released)
		out.Effects = append(out.Effects, effects...)
		next = next.withoutMachine(machineID)
	}

	if next.Access != nil {
		out.Effects = append(out.Effects, Effect{
			Kind:      CloseAccess,
			UserID:    user.User.ID,
			SessionID: next.Access.ID,
			At:        at,
			Reason:    accessReason,
		})
		next.Access = nil
	}

	out.User = &next
	return out
}
