package coordinator

import (
	"context"
	"log"

	"github.com/google/uuid"

	"makerspace-backend/internal/authz"
	"makerspace-backend/internal/ingress"
	"makerspace-backend/internal/model"
	"makerspace-backend/internal/store"
)

// HandleEvent applies one endpoint event and returns the reply for the
// endpoint. Events are serialized per endpoint and per entity; a replay
// of an event already answered within the dedup window gets the stored
// reply and changes nothing.
func (c *Coordinator) HandleEvent(ctx context.Context, ev ingress.Event) ingress.Reply {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = c.clock.Now()
	}
	ev.ReceivedAt = ev.ReceivedAt.In(c.loc)
	ev.CardUID = ingress.NormalizeCardUID(ev.CardUID)

	if ev.Endpoint == ingress.MachineEndpoint {
		c.touch(ev.EndpointID, ev.ReceivedAt)
	}

	switch ev.Kind {
	case ingress.KeepAlive:
		return ingress.Reply{Verdict: authz.Accept, Message: "OK"}
	case ingress.Connect:
		return c.connect(ctx, ev)
	}

	held := c.locks.acquire(endpointKey(ev.EndpointID))
	defer held.release()

	key := ev.Key()
	stored, found, err := c.dedup.Lookup(ctx, key)
	if err != nil {
		log.Printf("dedup lookup for %s failed, processing as new: %v", key, err)
	}
	if found {
		log.Printf("replayed event %s answered from dedup window", key)
		return stored
	}

	var d decision
	switch {
	case ev.Kind == ingress.CardTap && ev.Endpoint == ingress.AccessEndpoint:
		d = c.accessTap(held, ev)
	case ev.Kind == ingress.CardTap:
		d = c.machineTap(held, ev)
	case ev.Kind == ingress.PowerOff:
		d = c.powerOff(held, ev)
	case ev.Kind == ingress.PowerOn:
		d = c.powerOn(held, ev)
	default:
		d = decision{outcome: authz.Outcome{Verdict: authz.Reject, Reason: authz.MalformedEvent}}
	}

	if err := c.record(ctx, ev, d); err != nil {
		log.Printf("event %s from %s not applied: %v", ev.Kind, ev.EndpointID, err)
		return ingress.Reply{
			Seq:     ev.Sequence,
			Verdict: authz.Retry,
			Reason:  authz.StoreUnavailable,
			Message: ingress.MessageFor(authz.StoreUnavailable, ""),
			Power:   c.desiredPower(ev),
		}
	}

	reply := ingress.Reply{
		Seq:     ev.Sequence,
		Verdict: d.outcome.Verdict,
		Reason:  d.outcome.Reason,
		Message: ingress.MessageFor(d.outcome.Reason, acceptMessage(ev.Endpoint, d.outcome)),
		Power:   c.desiredPower(ev),
	}
	log.Printf("%s %s endpoint=%s card=%s user=%s verdict=%s reason=%s",
		ev.Endpoint, ev.Kind, ev.EndpointID, ev.CardUID, d.userID, reply.Verdict, reply.Reason)

	if err := c.dedup.Remember(ctx, key, reply); err != nil {
		log.Printf("dedup remember for %s failed: %v", key, err)
	}
	return reply
}

// decision is an outcome together with the entities it was taken for.
type decision struct {
	outcome   authz.Outcome
	userID    string
	machineID string
}

// record persists a decision with its audit row. Accepted outcomes are
// committed with retries and applied to memory. A rejection changes no
// state, so its audit row is written once and a failure only logged.
func (c *Coordinator) record(ctx context.Context, ev ingress.Event, d decision) error {
	audit := model.AuditEvent{
		At:         ev.ReceivedAt.UTC(),
		EndpointID: ev.EndpointID,
		Kind:       string(ev.Kind),
		CardUID:    ev.CardUID,
		UserID:     d.userID,
		MachineID:  d.machineID,
		Verdict:    string(d.outcome.Verdict),
		Reason:     string(d.outcome.Reason),
	}
	extra := store.Transition{Audit: []model.AuditEvent{audit}}

	if !d.outcome.Accepted() {
		if err := c.store.Commit(ctx, extra); err != nil {
			log.Printf("failed to append audit event for %s: %v", ev.EndpointID, err)
		}
		return nil
	}
	return c.commitOutcome(ctx, d.outcome, ev.EndpointID, extra)
}

// cardHolder resolves a card to its user and locks the user. The card
// index is re-checked under the lock since a link or unlink may have
// happened in between.
func (c *Coordinator) cardHolder(held *heldLocks, cardUID string) *userEntry {
	userID := c.cardOwner(cardUID)
	if userID == "" {
		return nil
	}
	held.also(userKey(userID))
	user := c.user(userID)
	if user == nil || user.record.CardUID == nil || *user.record.CardUID != cardUID {
		return nil
	}
	return user
}

func (c *Coordinator) accessTap(held *heldLocks, ev ingress.Event) decision {
	user := c.cardHolder(held, ev.CardUID)
	if user == nil {
		return decision{outcome: authz.AccessTap(nil, nil, ev.ReceivedAt, "")}
	}
	held.also(machineKeys(user.state.Machines)...)

	state := user.state
	out := authz.AccessTap(&state, c.machineStates(state.Machines), ev.ReceivedAt, uuid.NewString())
	return decision{outcome: out, userID: state.User.ID}
}

func (c *Coordinator) machineTap(held *heldLocks, ev ingress.Event) decision {
	machineID := ev.EndpointID
	user := c.cardHolder(held, ev.CardUID)
	held.also(machineKey(machineID))

	machine := c.machine(machineID)
	if machine == nil {
		return decision{outcome: authz.Outcome{Verdict: authz.Reject, Reason: authz.UnknownMachine}, machineID: machineID}
	}

	d := decision{machineID: machineID}
	var state *authz.UserState
	if user != nil {
		s := user.state
		state = &s
		d.userID = s.User.ID
	}
	d.outcome = authz.MachineTap(machine.state, state, ev.ReceivedAt, uuid.NewString())
	return d
}

func (c *Coordinator) powerOff(held *heldLocks, ev ingress.Event) decision {
	machine, owner := c.lockMachineAndOwner(held, ev.EndpointID)
	if machine == nil {
		return decision{outcome: authz.Outcome{Verdict: authz.Reject, Reason: authz.UnknownMachine}, machineID: ev.EndpointID}
	}

	d := decision{machineID: ev.EndpointID, userID: sessionOwner(machine.state)}
	var state *authz.UserState
	if owner != nil {
		s := owner.state
		state = &s
	}
	d.outcome = authz.PowerOff(machine.state, state, ev.ReceivedAt)
	return d
}

func (c *Coordinator) powerOn(held *heldLocks, ev ingress.Event) decision {
	held.also(machineKey(ev.EndpointID))
	machine := c.machine(ev.EndpointID)
	if machine == nil {
		return decision{outcome: authz.Outcome{Verdict: authz.Reject, Reason: authz.UnknownMachine}, machineID: ev.EndpointID}
	}
	return decision{
		outcome:   authz.PowerOn(machine.state),
		userID:    sessionOwner(machine.state),
		machineID: ev.EndpointID,
	}
}

// connect answers a (re)connecting endpoint with the relay state it
// should hold. A reconnect restarts the endpoint's sequence numbers, so
// the replies remembered for it are dropped.
func (c *Coordinator) connect(ctx context.Context, ev ingress.Event) ingress.Reply {
	log.Printf("%s endpoint %s connected", ev.Endpoint, ev.EndpointID)
	held := c.locks.acquire(endpointKey(ev.EndpointID))
	defer held.release()

	if err := c.dedup.Forget(ctx, ev.EndpointID); err != nil {
		log.Printf("failed to reset dedup window of %s: %v", ev.EndpointID, err)
	}
	if ev.Endpoint != ingress.MachineEndpoint {
		return ingress.Reply{Verdict: authz.Accept, Message: "OK"}
	}

	held.also(machineKey(ev.EndpointID))
	if c.machine(ev.EndpointID) == nil {
		return ingress.Reply{
			Verdict: authz.Reject,
			Reason:  authz.UnknownMachine,
			Message: ingress.MessageFor(authz.UnknownMachine, ""),
			Power:   ingress.PowerStateOff,
		}
	}
	return ingress.Reply{Verdict: authz.Accept, Message: "OK", Power: c.desiredPower(ev)}
}

// desiredPower is the relay state of a machine endpoint. The caller
// holds the machine lock.
func (c *Coordinator) desiredPower(ev ingress.Event) ingress.Power {
	if ev.Endpoint != ingress.MachineEndpoint {
		return ""
	}
	if machine := c.machine(ev.EndpointID); machine != nil && machine.state.Session != nil {
		return ingress.PowerStateOn
	}
	return ingress.PowerStateOff
}

// acceptMessage describes an accepted outcome from the point of view of
// the endpoint that asked. A checkout also closes machine sessions, but
// the door only reports the checkout.
func acceptMessage(endpoint ingress.EndpointKind, out authz.Outcome) string {
	for _, effect := range out.Effects {
		switch {
		case endpoint == ingress.AccessEndpoint && effect.Kind == authz.OpenAccess:
			return "Welcome"
		case endpoint == ingress.AccessEndpoint && effect.Kind == authz.CloseAccess:
			return "Goodbye"
		case endpoint == ingress.MachineEndpoint && effect.Kind == authz.OpenMachineSession:
			return "Machine on"
		case endpoint == ingress.MachineEndpoint && effect.Kind == authz.CloseMachineSession:
			return "Machine off"
		}
	}
	return "OK"
}
