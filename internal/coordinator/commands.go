package coordinator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"makerspace-backend/internal/authz"
	"makerspace-backend/internal/ingress"
	"makerspace-backend/internal/model"
	"makerspace-backend/internal/store"
)

// NewUser is the input of RegisterUser.
type NewUser struct {
	ID                 string
	Name               string
	Surname            string
	CardUID            string
	Role               model.Role
	SubscriptionExpiry time.Time
	MachineTypes       []string
}

// NewMachine is the input of AddMachine.
type NewMachine struct {
	ID               string
	DisplayName      string
	Type             string
	MaintenanceHours float64
}

// RegisterUser creates a member record.
func (c *Coordinator) RegisterUser(ctx context.Context, in NewUser) (model.User, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.CardUID = ingress.NormalizeCardUID(in.CardUID)
	if in.ID == "" {
		return model.User{}, fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	if in.Role == "" {
		in.Role = model.RoleMember
	}
	if !validRole(in.Role) {
		return model.User{}, fmt.Errorf("%w: unknown role %q", ErrInvalid, in.Role)
	}

	keys := []string{userKey(in.ID)}
	if in.CardUID != "" {
		keys = append(keys, cardKey(in.CardUID))
	}
	held := c.locks.acquire(keys...)
	defer held.release()

	if c.user(in.ID) != nil {
		return model.User{}, ErrUserExists
	}
	if in.CardUID != "" && c.cardOwner(in.CardUID) != "" {
		return model.User{}, ErrCardInUse
	}

	now := c.clock.Now().UTC()
	record := model.User{
		ID:                 in.ID,
		Name:               strings.TrimSpace(in.Name),
		Surname:            strings.TrimSpace(in.Surname),
		Role:               in.Role,
		SubscriptionExpiry: expiryDate(in.SubscriptionExpiry),
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if in.CardUID != "" {
		card := in.CardUID
		record.CardUID = &card
	}
	for _, machineType := range uniqueTypes(in.MachineTypes) {
		record.Authorizations = append(record.Authorizations, model.Authorization{UserID: in.ID, MachineType: machineType, GrantedAt: now})
	}

	tr := store.Transition{
		Users:  []model.User{record},
		Grants: record.Authorizations,
		Audit:  []model.AuditEvent{commandAudit("register-user", now, in.ID, "")},
	}
	if err := c.commit(ctx, tr); err != nil {
		return model.User{}, err
	}

	c.mu.Lock()
	c.users[record.ID] = &userEntry{record: record, state: authz.UserState{User: toAuthzUser(record)}}
	if record.CardUID != nil {
		c.cards[*record.CardUID] = record.ID
	}
	c.mu.Unlock()

	log.Printf("registered user %s", record.ID)
	return record, nil
}

// RenewSubscription sets the last day the subscription covers.
func (c *Coordinator) RenewSubscription(ctx context.Context, userID string, expiry time.Time) (model.User, error) {
	return c.updateUser(ctx, userID, "renew-subscription", func(u *model.User) error {
		if expiry.IsZero() {
			return fmt.Errorf("%w: expiry is required", ErrInvalid)
		}
		u.SubscriptionExpiry = expiryDate(expiry)
		return nil
	}, nil)
}

// AuthorizeMachineType grants a user a machine type. Granting a type
// the user already holds is a no-op.
func (c *Coordinator) AuthorizeMachineType(ctx context.Context, userID, machineType string) (model.User, error) {
	machineType = strings.TrimSpace(machineType)
	var grant []model.Authorization
	return c.updateUser(ctx, userID, "authorize-machine-type", func(u *model.User) error {
		if machineType == "" {
			return fmt.Errorf("%w: machine type is required", ErrInvalid)
		}
		for _, a := range u.Authorizations {
			if a.MachineType == machineType {
				return nil
			}
		}
		a := model.Authorization{UserID: u.ID, MachineType: machineType, GrantedAt: c.clock.Now().UTC()}
		u.Authorizations = append(u.Authorizations, a)
		grant = append(grant, a)
		return nil
	}, func(tr *store.Transition) { tr.Grants = grant })
}

// RevokeMachineType removes a grant. Open machine sessions are left to
// finish.
func (c *Coordinator) RevokeMachineType(ctx context.Context, userID, machineType string) (model.User, error) {
	machineType = strings.TrimSpace(machineType)
	return c.updateUser(ctx, userID, "revoke-machine-type", func(u *model.User) error {
		if machineType == "" {
			return fmt.Errorf("%w: machine type is required", ErrInvalid)
		}
		kept := make([]model.Authorization, 0, len(u.Authorizations))
		for _, a := range u.Authorizations {
			if a.MachineType != machineType {
				kept = append(kept, a)
			}
		}
		u.Authorizations = kept
		return nil
	}, func(tr *store.Transition) {
		tr.Revokes = []model.Authorization{{UserID: userID, MachineType: machineType}}
	})
}

// updateUser runs mutate on a copy of the user record under the user
// lock and commits the result.
func (c *Coordinator) updateUser(ctx context.Context, userID, kind string, mutate func(*model.User) error, extend func(*store.Transition)) (model.User, error) {
	held := c.locks.acquire(userKey(userID))
	defer held.release()

	entry := c.user(userID)
	if entry == nil {
		return model.User{}, ErrUnknownUser
	}

	record := cloneUser(entry.record)
	if err := mutate(&record); err != nil {
		return model.User{}, err
	}

	tr := store.Transition{
		Users: []model.User{record},
		Audit: []model.AuditEvent{commandAudit(kind, c.clock.Now(), userID, "")},
	}
	if extend != nil {
		extend(&tr)
	}
	if err := c.commit(ctx, tr); err != nil {
		return model.User{}, err
	}
	c.apply(authz.Outcome{}, tr)
	return cloneUser(tr.Users[0]), nil
}

// LinkCard assigns a card to a user, replacing the user's previous card.
// A card held by another user must be unlinked first.
func (c *Coordinator) LinkCard(ctx context.Context, userID, cardUID string) (model.User, error) {
	cardUID = ingress.NormalizeCardUID(cardUID)
	if cardUID == "" {
		return model.User{}, fmt.Errorf("%w: card uid is required", ErrInvalid)
	}

	held := c.locks.acquire(userKey(userID))
	defer held.release()

	entry := c.user(userID)
	if entry == nil {
		return model.User{}, ErrUnknownUser
	}
	previous := ""
	if entry.record.CardUID != nil {
		previous = *entry.record.CardUID
	}
	if previous == cardUID {
		return cloneUser(entry.record), nil
	}

	if previous != "" {
		held.also(cardKey(cardUID), cardKey(previous))
	} else {
		held.also(cardKey(cardUID))
	}
	if owner := c.cardOwner(cardUID); owner != "" {
		return model.User{}, ErrCardInUse
	}

	record := cloneUser(entry.record)
	record.CardUID = &cardUID
	if err := c.commitUserRecord(ctx, record, "link-card"); err != nil {
		return model.User{}, err
	}

	c.mu.Lock()
	if previous != "" {
		delete(c.cards, previous)
	}
	c.cards[cardUID] = userID
	c.mu.Unlock()

	log.Printf("card %s linked to user %s", cardUID, userID)
	return cloneUser(record), nil
}

// UnlinkCard frees the user's card so it can be reassigned.
func (c *Coordinator) UnlinkCard(ctx context.Context, userID string) (model.User, error) {
	held := c.locks.acquire(userKey(userID))
	defer held.release()

	entry := c.user(userID)
	if entry == nil {
		return model.User{}, ErrUnknownUser
	}
	if entry.record.CardUID == nil {
		return cloneUser(entry.record), nil
	}
	previous := *entry.record.CardUID
	held.also(cardKey(previous))

	record := cloneUser(entry.record)
	record.CardUID = nil
	if err := c.commitUserRecord(ctx, record, "unlink-card"); err != nil {
		return model.User{}, err
	}

	c.mu.Lock()
	delete(c.cards, previous)
	c.mu.Unlock()

	log.Printf("card %s unlinked from user %s", previous, userID)
	return cloneUser(record), nil
}

func (c *Coordinator) commitUserRecord(ctx context.Context, record model.User, kind string) error {
	tr := store.Transition{
		Users: []model.User{record},
		Audit: []model.AuditEvent{commandAudit(kind, c.clock.Now(), record.ID, "")},
	}
	if err := c.commit(ctx, tr); err != nil {
		return err
	}
	c.apply(authz.Outcome{}, tr)
	return nil
}

// DeactivateUser checks the user out, closing every machine session the
// user owns, and marks the record inactive. The card stays linked and
// reads as unknown from then on.
func (c *Coordinator) DeactivateUser(ctx context.Context, userID string) (model.User, error) {
	held := c.locks.acquire(userKey(userID))
	defer held.release()

	entry := c.user(userID)
	if entry == nil {
		return model.User{}, ErrUnknownUser
	}
	held.also(machineKeys(entry.state.Machines)...)

	now := c.clock.Now().In(c.loc)
	out := authz.ForceCheckout(entry.state, c.machineStates(entry.state.Machines), now, authz.EndDeactivated)

	record := cloneUser(entry.record)
	record.Active = false
	extra := store.Transition{
		Users: []model.User{record},
		Audit: []model.AuditEvent{commandAudit("deactivate-user", now, userID, "")},
	}
	if err := c.commitOutcome(ctx, out, "", extra); err != nil {
		return model.User{}, err
	}
	log.Printf("user %s deactivated", userID)
	return cloneUser(record), nil
}

// AddMachine registers a machine. A zero threshold takes the configured
// default.
func (c *Coordinator) AddMachine(ctx context.Context, in NewMachine) (model.Machine, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Type = strings.TrimSpace(in.Type)
	switch {
	case in.ID == "":
		return model.Machine{}, fmt.Errorf("%w: machine id is required", ErrInvalid)
	case strings.ContainsAny(in.ID, "/+#|"):
		return model.Machine{}, fmt.Errorf("%w: machine id %q is not a valid topic level", ErrInvalid, in.ID)
	case in.Type == "":
		return model.Machine{}, fmt.Errorf("%w: machine type is required", ErrInvalid)
	case in.MaintenanceHours < 0:
		return model.Machine{}, fmt.Errorf("%w: maintenance hours must not be negative", ErrInvalid)
	}
	if in.MaintenanceHours == 0 {
		in.MaintenanceHours = c.cfg.DefaultMaintenanceHours
	}
	if in.DisplayName == "" {
		in.DisplayName = in.ID
	}

	held := c.locks.acquire(machineKey(in.ID))
	defer held.release()

	if c.machine(in.ID) != nil {
		return model.Machine{}, ErrMachineExists
	}

	now := c.clock.Now()
	record := model.Machine{
		ID:               in.ID,
		DisplayName:      in.DisplayName,
		Type:             in.Type,
		Status:           model.MachineFree,
		MaintenanceHours: in.MaintenanceHours,
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}
	tr := store.Transition{
		Machines: []model.Machine{record},
		Audit:    []model.AuditEvent{commandAudit("add-machine", now, "", in.ID)},
	}
	if err := c.commit(ctx, tr); err != nil {
		return model.Machine{}, err
	}

	entry := &machineEntry{record: tr.Machines[0], state: toAuthzMachine(tr.Machines[0])}
	entry.lastSeen.Store(now.UnixNano())
	c.mu.Lock()
	c.machines[in.ID] = entry
	c.mu.Unlock()

	log.Printf("machine %s (%s) added", in.ID, in.Type)
	return tr.Machines[0], nil
}

// RemoveMachine closes any open session and deletes the machine. Its
// sessions stay in the log.
func (c *Coordinator) RemoveMachine(ctx context.Context, machineID string) error {
	held := c.locks.acquire()
	defer held.release()

	machine, owner := c.lockMachineAndOwner(held, machineID)
	if machine == nil {
		return ErrUnknownMachine
	}

	now := c.clock.Now().In(c.loc)
	out := authz.Remove(machine.state, ownerState(owner), now)
	tr := c.transition(out, "")
	tr.Machines = nil
	tr.DeleteMachines = []string{machineID}
	tr.Audit = []model.AuditEvent{commandAudit("remove-machine", now, sessionOwner(machine.state), machineID)}
	if err := c.commit(ctx, tr); err != nil {
		return err
	}

	out.Machines = nil
	c.apply(out, tr)
	c.mu.Lock()
	delete(c.machines, machineID)
	c.mu.Unlock()

	log.Printf("machine %s removed", machineID)
	return nil
}

// SuspendMachine puts a machine under an administrative hold, closing
// any open session.
func (c *Coordinator) SuspendMachine(ctx context.Context, machineID string) (model.Machine, error) {
	return c.updateMachine(ctx, machineID, "suspend-machine", true, func(m authz.MachineState, owner *authz.UserState, at time.Time) authz.Outcome {
		return authz.Suspend(m, owner, at)
	}, nil)
}

// ResumeMachine lifts an administrative hold.
func (c *Coordinator) ResumeMachine(ctx context.Context, machineID string) (model.Machine, error) {
	return c.updateMachine(ctx, machineID, "resume-machine", false, func(m authz.MachineState, _ *authz.UserState, _ time.Time) authz.Outcome {
		return authz.Resume(m)
	}, nil)
}

// ClearMaintenance resets the run-hour counter of a serviced machine and
// records who serviced it.
func (c *Coordinator) ClearMaintenance(ctx context.Context, machineID, crewID, note string) (model.Intervention, error) {
	if err := c.requireCrew(crewID); err != nil {
		return model.Intervention{}, err
	}

	var intervention model.Intervention
	_, err := c.updateMachine(ctx, machineID, "clear-maintenance", false, func(m authz.MachineState, _ *authz.UserState, at time.Time) authz.Outcome {
		return authz.ClearMaintenance(m)
	}, func(m authz.MachineState, at time.Time, tr *store.Transition) {
		intervention = model.Intervention{
			MachineID:  machineID,
			UserID:     crewID,
			At:         at.UTC(),
			RunSeconds: m.RunSeconds,
			Note:       strings.TrimSpace(note),
		}
		tr.Interventions = []model.Intervention{intervention}
	})
	if err != nil {
		return model.Intervention{}, err
	}
	log.Printf("maintenance of machine %s cleared by %s", machineID, crewID)
	return intervention, nil
}

// requireCrew checks that userID names a crew member or an admin.
func (c *Coordinator) requireCrew(userID string) error {
	held := c.locks.acquire(userKey(userID))
	defer held.release()

	entry := c.user(userID)
	if entry == nil {
		return ErrUnknownUser
	}
	if !entry.record.Role.AuthorizesAll() {
		return fmt.Errorf("%w: user %s is not crew", ErrInvalid, userID)
	}
	return nil
}

// updateMachine applies a machine decision under the machine lock, and
// the owner lock too when withOwner is set.
func (c *Coordinator) updateMachine(
	ctx context.Context,
	machineID, kind string,
	withOwner bool,
	decide func(authz.MachineState, *authz.UserState, time.Time) authz.Outcome,
	extend func(authz.MachineState, time.Time, *store.Transition),
) (model.Machine, error) {
	held := c.locks.acquire()
	defer held.release()

	var machine *machineEntry
	var owner *userEntry
	if withOwner {
		machine, owner = c.lockMachineAndOwner(held, machineID)
	} else {
		held.also(machineKey(machineID))
		machine = c.machine(machineID)
	}
	if machine == nil {
		return model.Machine{}, ErrUnknownMachine
	}

	now := c.clock.Now().In(c.loc)
	before := machine.state.Clone()
	out := decide(before, ownerState(owner), now)

	extra := store.Transition{Audit: []model.AuditEvent{commandAudit(kind, now, sessionOwner(before), machineID)}}
	if extend != nil {
		extend(before, now, &extra)
	}
	if err := c.commitOutcome(ctx, out, "", extra); err != nil {
		return model.Machine{}, err
	}
	return machine.record, nil
}

func ownerState(owner *userEntry) *authz.UserState {
	if owner == nil {
		return nil
	}
	state := owner.state
	return &state
}

func cloneUser(u model.User) model.User {
	out := u
	out.Authorizations = append([]model.Authorization(nil), u.Authorizations...)
	if u.CardUID != nil {
		card := *u.CardUID
		out.CardUID = &card
	}
	return out
}

// expiryDate keeps only the calendar date, stored at UTC midnight.
func expiryDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func validRole(r model.Role) bool {
	switch r {
	case model.RoleMember, model.RoleCrew, model.RoleAdmin:
		return true
	}
	return false
}

func uniqueTypes(types []string) []string {
	seen := make(map[string]bool, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
