package coordinator

import (
	"context"
	"log"
	"time"

	"makerspace-backend/internal/authz"
	"makerspace-backend/internal/model"
	"makerspace-backend/internal/store"
)

// Run drives the midnight and liveness sweeps until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	log.Println("Starting session sweeps...")

	ticker := c.clock.NewTicker(c.livenessInterval())
	defer ticker.Stop()

	now := c.clock.Now().In(c.loc)
	midnight := nextMidnight(now)
	due := c.clock.After(midnight.Sub(now))

	for {
		select {
		case <-ctx.Done():
			log.Println("Session sweeps shutting down.")
			return
		case <-ticker.C:
			c.SweepLiveness(ctx)
		case <-due:
			c.SweepMidnight(ctx, midnight)
			now = c.clock.Now().In(c.loc)
			midnight = nextMidnight(now)
			due = c.clock.After(midnight.Sub(now))
		}
	}
}

func (c *Coordinator) livenessInterval() time.Duration {
	switch {
	case c.cfg.LivenessSweep > 0:
		return c.cfg.LivenessSweep
	case c.cfg.KeepAlive > 0:
		return c.cfg.KeepAlive
	default:
		return 30 * time.Second
	}
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// SweepMidnight checks out every user who logged in before midnight.
// Sessions close at one second before midnight with reason
// auto-midnight, cascading to the machine sessions they own. It returns
// the number of access sessions closed.
func (c *Coordinator) SweepMidnight(ctx context.Context, midnight time.Time) int {
	cutoff := midnight.Add(-time.Second)
	at := func(time.Time) time.Time { return cutoff }

	closed := 0
	for _, userID := range c.userIDs() {
		ok, err := c.sweepUser(ctx, userID, midnight, at, "midnight-sweep")
		if err != nil {
			log.Printf("midnight sweep failed for user %s: %v", userID, err)
			continue
		}
		if ok {
			closed++
		}
	}
	log.Printf("midnight sweep closed %d access sessions", closed)
	return closed
}

// sweepUser force-checks-out a user whose access session opened before
// before. closeAt maps the login time to the logout timestamp.
func (c *Coordinator) sweepUser(ctx context.Context, userID string, before time.Time, closeAt func(login time.Time) time.Time, kind string) (bool, error) {
	held := c.locks.acquire(userKey(userID))
	defer held.release()

	user := c.user(userID)
	if user == nil || user.state.Access == nil || !user.state.Access.LoginAt.Before(before) {
		return false, nil
	}
	held.also(machineKeys(user.state.Machines)...)

	login := user.state.Access.LoginAt
	at := closeAt(login)
	if at.Before(login) {
		at = login
	}

	out := authz.ForceCheckout(user.state, c.machineStates(user.state.Machines), at, authz.EndAutoMidnight)
	audit := commandAudit(kind, at, userID, "")
	if err := c.commitOutcome(ctx, out, "", store.Transition{Audit: []model.AuditEvent{audit}}); err != nil {
		return false, err
	}
	log.Printf("user %s checked out at %s (%s)", userID, at.In(c.loc).Format(time.DateTime), kind)
	return true, nil
}

// SweepLiveness releases the session of every machine whose endpoint has
// been silent for longer than the keep-alive interval times the miss
// multiple. It returns the number of sessions released.
func (c *Coordinator) SweepLiveness(ctx context.Context) int {
	now := c.clock.Now()
	limit := c.silenceLimit()

	released := 0
	for _, machineID := range c.machineIDs() {
		machine := c.machine(machineID)
		if machine == nil || now.Sub(time.Unix(0, machine.lastSeen.Load())) <= limit {
			continue
		}
		ok, err := c.endpointLost(ctx, machineID, now, limit)
		if err != nil {
			log.Printf("liveness sweep failed for machine %s: %v", machineID, err)
			continue
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		log.Printf("liveness sweep released %d machine sessions", released)
	}
	return released
}

func (c *Coordinator) silenceLimit() time.Duration {
	keepAlive := c.cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	multiple := c.cfg.KeepAliveMissMultiple
	if multiple <= 0 {
		multiple = 3
	}
	return keepAlive * time.Duration(multiple)
}

func (c *Coordinator) endpointLost(ctx context.Context, machineID string, now time.Time, limit time.Duration) (bool, error) {
	held := c.locks.acquire()
	defer held.release()

	machine, owner := c.lockMachineAndOwner(held, machineID)
	if machine == nil || machine.state.Session == nil {
		return false, nil
	}
	// A message may have arrived while the locks were being taken.
	if now.Sub(time.Unix(0, machine.lastSeen.Load())) <= limit {
		return false, nil
	}

	var ownerState *authz.UserState
	if owner != nil {
		state := owner.state
		ownerState = &state
	}
	userID := machine.state.Session.UserID
	out := authz.EndpointLost(machine.state, ownerState, now)
	audit := commandAudit("endpoint-lost", now, userID, machineID)
	if err := c.commitOutcome(ctx, out, machineID, store.Transition{Audit: []model.AuditEvent{audit}}); err != nil {
		return false, err
	}
	log.Printf("machine %s endpoint lost; session of user %s closed", machineID, userID)
	return true, nil
}

// touch records that a machine endpoint is alive.
func (c *Coordinator) touch(machineID string, at time.Time) {
	machine := c.machine(machineID)
	if machine == nil {
		return
	}
	for {
		seen := machine.lastSeen.Load()
		if at.UnixNano() <= seen || machine.lastSeen.CompareAndSwap(seen, at.UnixNano()) {
			return
		}
	}
}
