// Package coordinator owns the authoritative working set of users and
// machines. It serializes every mutation per entity, asks the authz
// package for decisions, commits them through the store and only then
// updates memory.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"makerspace-backend/config"
	"makerspace-backend/internal/authz"
	"makerspace-backend/internal/clock"
	"makerspace-backend/internal/ingress"
	"makerspace-backend/internal/model"
	"makerspace-backend/internal/store"
)

var (
	ErrUnknownUser    = fmt.Errorf("%w: unknown user", store.ErrNotFound)
	ErrUnknownMachine = fmt.Errorf("%w: unknown machine", store.ErrNotFound)
	ErrUserExists     = fmt.Errorf("%w: user already exists", store.ErrConflict)
	ErrMachineExists  = fmt.Errorf("%w: machine already exists", store.ErrConflict)
	ErrCardInUse      = fmt.Errorf("%w: card is linked to another user", store.ErrConflict)
	// ErrInvalid marks a command rejected by validation.
	ErrInvalid = errors.New("invalid request")
)

// Notifier receives the id of every machine that has just crossed its
// maintenance threshold.
type Notifier interface {
	Dispatch(machineID string)
}

// Coordinator is the single writer of user and machine state.
type Coordinator struct {
	cfg      *config.CoordinatorConfig
	loc      *time.Location
	store    store.Store
	dedup    ingress.Deduper
	clock    clock.Clock
	notifier Notifier
	locks    *lockTable

	// mu guards map membership only. Entry contents are guarded by the
	// entity locks in locks.
	mu       sync.RWMutex
	users    map[string]*userEntry
	cards    map[string]string // card UID -> user id
	machines map[string]*machineEntry
}

type userEntry struct {
	record model.User // with Authorizations
	state  authz.UserState
}

type machineEntry struct {
	record   model.Machine
	state    authz.MachineState
	lastSeen atomic.Int64 // unix nanoseconds of the last endpoint message
}

// New creates a coordinator. Load must be called before it serves
// events. notifier may be nil.
func New(cfg *config.CoordinatorConfig, st store.Store, dedup ingress.Deduper, clk clock.Clock, notifier Notifier) *Coordinator {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Coordinator{
		cfg:      cfg,
		loc:      loc,
		store:    st,
		dedup:    dedup,
		clock:    clk,
		notifier: notifier,
		locks:    newLockTable(),
		users:    make(map[string]*userEntry),
		cards:    make(map[string]string),
		machines: make(map[string]*machineEntry),
	}
}

// Load replaces the working set with the committed state and closes
// whatever the sweeps would have closed while the service was down.
func (c *Coordinator) Load(ctx context.Context) error {
	snap, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	now := c.clock.Now()
	users := make(map[string]*userEntry, len(snap.Users))
	cards := make(map[string]string, len(snap.Users))
	machines := make(map[string]*machineEntry, len(snap.Machines))

	for _, u := range snap.Users {
		users[u.ID] = &userEntry{record: u, state: authz.UserState{User: toAuthzUser(u)}}
		if u.CardUID != nil && *u.CardUID != "" {
			cards[*u.CardUID] = u.ID
		}
	}
	for _, m := range snap.Machines {
		entry := &machineEntry{record: m, state: toAuthzMachine(m)}
		entry.lastSeen.Store(now.UnixNano())
		machines[m.ID] = entry
	}
	for _, a := range snap.OpenAccess {
		entry, ok := users[a.UserID]
		if !ok {
			log.Printf("open access session %s belongs to unknown user %s; ignoring", a.ID, a.UserID)
			continue
		}
		if entry.state.Access != nil {
			log.Printf("user %s has a second open access session %s; ignoring", a.UserID, a.ID)
			continue
		}
		entry.state.Access = &authz.AccessSession{ID: a.ID, LoginAt: a.LoginAt}
	}
	for _, s := range snap.OpenMachine {
		entry, ok := machines[s.MachineID]
		if !ok {
			log.Printf("open machine session %s belongs to unknown machine %s; ignoring", s.ID, s.MachineID)
			continue
		}
		if entry.state.Session != nil {
			log.Printf("machine %s has a second open session %s; ignoring", s.MachineID, s.ID)
			continue
		}
		entry.state.Session = &authz.MachineSession{ID: s.ID, UserID: s.UserID, StartedAt: s.StartedAt}
		entry.state.Status = authz.InUse
		if owner, ok := users[s.UserID]; ok {
			owner.state.Machines = append(owner.state.Machines, s.MachineID)
			sort.Strings(owner.state.Machines)
		}
	}

	c.mu.Lock()
	c.users, c.cards, c.machines = users, cards, machines
	c.mu.Unlock()

	log.Printf("loaded %d users, %d machines, %d open access sessions, %d open machine sessions",
		len(users), len(machines), len(snap.OpenAccess), len(snap.OpenMachine))

	return c.reconcile(ctx)
}

// reconcile closes access sessions left open from a previous day at
// 23:59:59 of their login day, and releases machine sessions whose
// owner is no longer checked in.
func (c *Coordinator) reconcile(ctx context.Context) error {
	today := startOfDay(c.clock.Now().In(c.loc))
	endOfLoginDay := func(login time.Time) time.Time {
		return startOfDay(login.In(c.loc)).AddDate(0, 0, 1).Add(-time.Second)
	}

	closed := 0
	for _, userID := range c.userIDs() {
		ok, err := c.sweepUser(ctx, userID, today, endOfLoginDay, "startup-reconcile")
		if err != nil {
			return err
		}
		if ok {
			closed++
		}
	}

	released := 0
	now := c.clock.Now()
	for _, machineID := range c.machineIDs() {
		ok, err := c.releaseOrphan(ctx, machineID, now)
		if err != nil {
			return err
		}
		if ok {
			released++
		}
	}

	if closed > 0 || released > 0 {
		log.Printf("startup reconciliation closed %d stale access sessions and %d orphaned machine sessions", closed, released)
	}
	return nil
}

// releaseOrphan closes the session of a machine whose owner has no open
// access session.
func (c *Coordinator) releaseOrphan(ctx context.Context, machineID string, at time.Time) (bool, error) {
	held := c.locks.acquire()
	defer held.release()

	machine, owner := c.lockMachineAndOwner(held, machineID)
	if machine == nil || machine.state.Session == nil {
		return false, nil
	}
	if owner != nil && owner.state.Access != nil {
		return false, nil
	}

	var ownerState *authz.UserState
	if owner != nil {
		state := owner.state
		ownerState = &state
	}
	out := authz.EndpointLost(machine.state, ownerState, at)
	audit := commandAudit("startup-reconcile", at, machine.state.Session.UserID, machineID)
	if err := c.commitOutcome(ctx, out, "", store.Transition{Audit: []model.AuditEvent{audit}}); err != nil {
		return false, err
	}
	return true, nil
}

// UserState returns a copy of the working state of a user.
func (c *Coordinator) UserState(id string) (authz.UserState, bool) {
	held := c.locks.acquire(userKey(id))
	defer held.release()
	entry := c.user(id)
	if entry == nil {
		return authz.UserState{}, false
	}
	return entry.state.Clone(), true
}

// MachineState returns a copy of the working state of a machine.
func (c *Coordinator) MachineState(id string) (authz.MachineState, bool) {
	held := c.locks.acquire(machineKey(id))
	defer held.release()
	entry := c.machine(id)
	if entry == nil {
		return authz.MachineState{}, false
	}
	return entry.state.Clone(), true
}

func (c *Coordinator) user(id string) *userEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.users[id]
}

func (c *Coordinator) machine(id string) *machineEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.machines[id]
}

func (c *Coordinator) cardOwner(uid string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cards[uid]
}

func (c *Coordinator) userIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.users))
	for id := range c.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) machineIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.machines))
	for id := range c.machines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// machineStates copies the state of the given machines. The caller
// holds their locks.
func (c *Coordinator) machineStates(ids []string) map[string]authz.MachineState {
	states := make(map[string]authz.MachineState, len(ids))
	for _, id := range ids {
		if entry := c.machine(id); entry != nil {
			states[id] = entry.state.Clone()
		}
	}
	return states
}

func machineKeys(ids []string) []string {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, machineKey(id))
	}
	return keys
}

// lockMachineAndOwner acquires the lock of a machine together with the
// lock of its current session owner. The owner can only be read under
// the machine lock, which ranks after users, so the owner is peeked
// first and re-checked once both locks are held.
func (c *Coordinator) lockMachineAndOwner(held *heldLocks, machineID string) (*machineEntry, *userEntry) {
	for {
		ownerID := c.peekOwner(machineID)

		mark := len(held.keys)
		if ownerID != "" {
			held.also(userKey(ownerID), machineKey(machineID))
		} else {
			held.also(machineKey(machineID))
		}

		machine := c.machine(machineID)
		if machine == nil {
			return nil, nil
		}
		if sessionOwner(machine.state) == ownerID {
			if ownerID == "" {
				return machine, nil
			}
			return machine, c.user(ownerID)
		}
		held.releaseFrom(mark)
	}
}

func (c *Coordinator) peekOwner(machineID string) string {
	c.locks.lock(machineKey(machineID))
	defer c.locks.unlock(machineKey(machineID))
	if machine := c.machine(machineID); machine != nil {
		return sessionOwner(machine.state)
	}
	return ""
}

func sessionOwner(m authz.MachineState) string {
	if m.Session == nil {
		return ""
	}
	return m.Session.UserID
}

// commitOutcome persists an accepted outcome together with extra, then
// applies it to memory. The caller holds the locks of every entity the
// outcome touches.
func (c *Coordinator) commitOutcome(ctx context.Context, out authz.Outcome, endpointID string, extra store.Transition) error {
	tr := c.transition(out, endpointID)
	tr.Merge(extra)
	if err := c.commit(ctx, tr); err != nil {
		return err
	}
	c.apply(out, tr)
	return nil
}

// transition converts the effects and next states of an outcome into
// records.
func (c *Coordinator) transition(out authz.Outcome, endpointID string) store.Transition {
	var tr store.Transition
	for _, effect := range out.Effects {
		at := effect.At.UTC()
		switch effect.Kind {
		case authz.OpenAccess:
			tr.OpenAccess = append(tr.OpenAccess, model.AccessSession{
				ID:         effect.SessionID,
				UserID:     effect.UserID,
				EndpointID: endpointID,
				LoginAt:    at,
			})
		case authz.CloseAccess:
			tr.CloseAccess = append(tr.CloseAccess, model.AccessSession{
				ID:           effect.SessionID,
				UserID:       effect.UserID,
				LogoutAt:     &at,
				LogoutReason: string(effect.Reason),
			})
		case authz.OpenMachineSession:
			tr.OpenMachine = append(tr.OpenMachine, model.MachineSession{
				ID:        effect.SessionID,
				MachineID: effect.MachineID,
				UserID:    effect.UserID,
				StartedAt: at,
			})
		case authz.CloseMachineSession:
			tr.CloseMachine = append(tr.CloseMachine, model.MachineSession{
				ID:        effect.SessionID,
				MachineID: effect.MachineID,
				UserID:    effect.UserID,
				EndedAt:   &at,
				EndReason: string(effect.Reason),
				Seconds:   effect.Seconds,
			})
		}
	}
	for _, next := range out.Machines {
		if entry := c.machine(next.ID); entry != nil {
			tr.Machines = append(tr.Machines, machineRecord(entry.record, next))
		}
	}
	return tr
}

// commit retries a failed transition with exponential backoff on the
// injected clock. The returned error wraps store.ErrUnavailable.
func (c *Coordinator) commit(ctx context.Context, tr store.Transition) error {
	attempts := c.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := c.cfg.RetryBase

	var err error
	for attempt := 1; ; attempt++ {
		if err = c.store.Commit(ctx, tr); err == nil {
			return nil
		}
		if attempt >= attempts {
			break
		}
		log.Printf("commit attempt %d/%d failed, retrying in %s: %v", attempt, attempts, delay, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", store.ErrUnavailable, ctx.Err())
		case <-c.clock.After(delay):
		}
		delay *= 2
		if c.cfg.RetryMax > 0 && delay > c.cfg.RetryMax {
			delay = c.cfg.RetryMax
		}
	}
	if !errors.Is(err, store.ErrUnavailable) {
		err = fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return fmt.Errorf("commit failed after %d attempts: %w", attempts, err)
}

// apply moves a committed outcome into memory.
func (c *Coordinator) apply(out authz.Outcome, tr store.Transition) {
	if out.User != nil {
		if entry := c.user(out.User.User.ID); entry != nil {
			entry.state = out.User.Clone()
		}
	}
	for _, next := range out.Machines {
		if entry := c.machine(next.ID); entry != nil {
			entry.state = next.Clone()
		}
	}
	for _, u := range tr.Users {
		if entry := c.user(u.ID); entry != nil {
			entry.record = u
			entry.state.User = toAuthzUser(u)
		}
	}
	for _, m := range tr.Machines {
		if entry := c.machine(m.ID); entry != nil {
			entry.record = m
		}
	}

	for _, effect := range out.Effects {
		if effect.Kind == authz.EnterMaintenance {
			log.Printf("machine %s reached its maintenance threshold", effect.MachineID)
			if c.notifier != nil {
				c.notifier.Dispatch(effect.MachineID)
			}
		}
	}
}

func toAuthzUser(u model.User) authz.User {
	types := make(map[string]bool, len(u.Authorizations))
	for _, a := range u.Authorizations {
		types[a.MachineType] = true
	}
	return authz.User{
		ID:                 u.ID,
		Active:             u.Active,
		AuthorizeAll:       u.Role.AuthorizesAll(),
		SubscriptionExpiry: u.SubscriptionExpiry,
		MachineTypes:       types,
	}
}

// toAuthzMachine derives the state of a machine without a session. Load
// attaches the open session afterwards.
func toAuthzMachine(m model.Machine) authz.MachineState {
	state := authz.MachineState{
		ID:               m.ID,
		Type:             m.Type,
		Status:           authz.Free,
		Suspended:        m.Suspended,
		RunSeconds:       m.RunSeconds,
		ThresholdSeconds: int64(m.MaintenanceHours * 3600),
	}
	if state.Suspended || state.NeedsMaintenance() {
		state.Status = authz.Maintenance
	}
	return state
}

func machineRecord(rec model.Machine, state authz.MachineState) model.Machine {
	rec.Status = model.MachineStatus(state.Status)
	rec.Suspended = state.Suspended
	rec.RunSeconds = state.RunSeconds
	rec.OwnerID = nil
	if state.Session != nil {
		owner := state.Session.UserID
		rec.OwnerID = &owner
	}
	return rec
}

func commandAudit(kind string, at time.Time, userID, machineID string) model.AuditEvent {
	return model.AuditEvent{
		At:        at.UTC(),
		Kind:      kind,
		UserID:    userID,
		MachineID: machineID,
		Verdict:   string(authz.Accept),
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
