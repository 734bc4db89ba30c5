package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 12, 14, 0, 0, 0, time.UTC)

func member(id string, types ...string) *UserState {
	grants := make(map[string]bool)
	for _, t := range types {
		grants[t] = true
	}
	return &UserState{User: User{
		ID:                 id,
		Active:             true,
		SubscriptionExpiry: time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		MachineTypes:       grants,
	}}
}

func checkedIn(u *UserState) *UserState {
	u.Access = &AccessSession{ID: "acc-" + u.User.ID, LoginAt: now.Add(-time.Hour)}
	return u
}

func freeLathe() MachineState {
	return MachineState{ID: "lathe-1", Type: "lathe", Status: Free, ThresholdSeconds: 100 * 3600}
}

func effectKinds(effects []Effect) []EffectKind {
	kinds := make([]EffectKind, 0, len(effects))
	for _, e := range effects {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestSubscriptionValid(t *testing.T) {
	u := User{SubscriptionExpiry: time.Date(2026, 5, 12, 0, 0, 0, 0, time.UTC)}
	assert.True(t, u.SubscriptionValid(now), "expiry day itself is still covered")
	assert.True(t, u.SubscriptionValid(time.Date(2026, 5, 12, 23, 59, 0, 0, time.UTC)))
	assert.False(t, u.SubscriptionValid(time.Date(2026, 5, 13, 0, 0, 1, 0, time.UTC)))
}

func TestAccessTap(t *testing.T) {
	t.Run("unknown card is rejected", func(t *testing.T) {
		out := AccessTap(nil, nil, now, "s1")
		assert.Equal(t, Reject, out.Verdict)
		assert.Equal(t, UnknownCard, out.Reason)
		assert.Nil(t, out.User)
		assert.Empty(t, out.Effects)
	})

	t.Run("deactivated user reads as unknown card", func(t *testing.T) {
		u := member("m1")
		u.User.Active = false
		out := AccessTap(u, nil, now, "s1")
		assert.Equal(t, UnknownCard, out.Reason)
	})

	t.Run("expired subscription is rejected", func(t *testing.T) {
		u := member("m1")
		u.User.SubscriptionExpiry = time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)
		out := AccessTap(u, nil, now, "s1")
		assert.Equal(t, SubscriptionExpired, out.Reason)
	})

	t.Run("check-in opens a session", func(t *testing.T) {
		u := member("m1")
		out := AccessTap(u, nil, now, "s1")
		require.True(t, out.Accepted())
		require.NotNil(t, out.User)
		assert.Equal(t, LoggedIn, out.User.State())
		assert.Equal(t, "s1", out.User.Access.ID)
		assert.Equal(t, []EffectKind{OpenAccess}, effectKinds(out.Effects))
		assert.Nil(t, u.Access, "input state must not be mutated")
	})

	t.Run("check-out closes the session and cascades to machines", func(t *testing.T) {
		u := checkedIn(member("m1", "lathe"))
		lathe := freeLathe()
		lathe.Status = InUse
		lathe.Session = &MachineSession{ID: "ms1", UserID: "m1", StartedAt: now.Add(-30 * time.Minute)}
		u.Machines = []string{"lathe-1"}

		out := AccessTap(u, map[string]MachineState{"lathe-1": lathe}, now, "unused")
		require.True(t, out.Accepted())
		assert.Equal(t, LoggedOut, out.User.State())
		assert.Empty(t, out.User.Machines)
		require.Len(t, out.Machines, 1)
		assert.Equal(t, Free, out.Machines[0].Status)
		assert.Equal(t, int64(1800), out.Machines[0].RunSeconds)
		assert.Equal(t, []EffectKind{CloseMachineSession, EffectPowerOff, CloseAccess}, effectKinds(out.Effects))
		assert.Equal(t, EndCheckout, out.Effects[0].Reason)
		assert.Equal(t, EndUser, out.Effects[2].Reason)
	})
}

func TestMachineTap_FreeMachineChecksInOrder(t *testing.T) {
	maintenance := freeLathe()
	maintenance.Status = Maintenance

	expired := checkedIn(member("m1", "lathe"))
	expired.User.SubscriptionExpiry = now.AddDate(0, 0, -3)

	testCases := []struct {
		name     string
		machine  MachineState
		user     *UserState
		expected Reason
	}{
		{"maintenance wins over unknown card", maintenance, nil, MachineInMaintenance},
		{"unknown card", freeLathe(), nil, UnknownCard},
		{"expired subscription wins over missing check-in", freeLathe(), func() *UserState {
			u := member("m1", "lathe")
			u.User.SubscriptionExpiry = now.AddDate(0, 0, -1)
			return u
		}(), SubscriptionExpired},
		{"expired while checked in", freeLathe(), expired, SubscriptionExpired},
		{"not checked in wins over missing grant", freeLathe(), member("m1"), NotCheckedIn},
		{"missing grant", freeLathe(), checkedIn(member("m1", "laser")), UnauthorizedMachineType},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := MachineTap(tc.machine, tc.user, now, "ms1")
			assert.Equal(t, Reject, out.Verdict)
			assert.Equal(t, tc.expected, out.Reason)
			assert.Empty(t, out.Effects)
			assert.Empty(t, out.Machines)
		})
	}
}

func TestMachineTap_StartAndStop(t *testing.T) {
	u := checkedIn(member("m1", "lathe"))

	start := MachineTap(freeLathe(), u, now, "ms1")
	require.True(t, start.Accepted())
	require.Len(t, start.Machines, 1)
	started := start.Machines[0]
	assert.Equal(t, InUse, started.Status)
	assert.Equal(t, "m1", started.Session.UserID)
	assert.Equal(t, []string{"lathe-1"}, start.User.Machines)
	assert.Equal(t, []EffectKind{OpenMachineSession, EffectPowerOn}, effectKinds(start.Effects))

	later := now.Add(90 * time.Minute)
	stop := MachineTap(started, start.User, later, "unused")
	require.True(t, stop.Accepted())
	stopped := stop.Machines[0]
	assert.Equal(t, Free, stopped.Status)
	assert.Nil(t, stopped.Session)
	assert.Equal(t, int64(5400), stopped.RunSeconds)
	assert.Empty(t, stop.User.Machines)
	assert.Equal(t, LoggedIn, stop.User.State(), "releasing a machine keeps the facility session")
	assert.Equal(t, int64(5400), stop.Effects[0].Seconds)
	assert.Equal(t, EndUser, stop.Effects[0].Reason)
}

func TestMachineTap_WrongUser(t *testing.T) {
	lathe := freeLathe()
	lathe.Status = InUse
	lathe.Session = &MachineSession{ID: "ms1", UserID: "owner", StartedAt: now.Add(-time.Minute)}

	out := MachineTap(lathe, checkedIn(member("intruder", "lathe")), now, "x")
	assert.Equal(t, Reject, out.Verdict)
	assert.Equal(t, WrongUser, out.Reason)
	assert.Empty(t, out.Machines)

	out = MachineTap(lathe, nil, now, "x")
	assert.Equal(t, WrongUser, out.Reason)
}

func TestMaintenanceTransition(t *testing.T) {
	owner := checkedIn(member("m1", "lathe"))
	owner.Machines = []string{"lathe-1"}
	lathe := freeLathe()
	lathe.ThresholdSeconds = 3600
	lathe.RunSeconds = 3000
	lathe.Status = InUse
	lathe.Session = &MachineSession{ID: "ms1", UserID: "m1", StartedAt: now.Add(-20 * time.Minute)}

	out := PowerOff(lathe, owner, now)
	require.True(t, out.Accepted())
	released := out.Machines[0]
	assert.Equal(t, Maintenance, released.Status)
	assert.Equal(t, int64(4200), released.RunSeconds)
	assert.Equal(t, []EffectKind{CloseMachineSession, EffectPowerOff, EnterMaintenance}, effectKinds(out.Effects))
	assert.Equal(t, EndPowerOff, out.Effects[0].Reason)

	blocked := MachineTap(released, owner, now.Add(time.Minute), "ms2")
	assert.Equal(t, MachineInMaintenance, blocked.Reason)

	cleared := ClearMaintenance(released)
	assert.Equal(t, Free, cleared.Machines[0].Status)
	assert.Zero(t, cleared.Machines[0].RunSeconds)

	again := MachineTap(cleared.Machines[0], out.User, now.Add(2*time.Minute), "ms3")
	assert.True(t, again.Accepted())
}

func TestEndpointLost(t *testing.T) {
	owner := checkedIn(member("m1", "lathe"))
	owner.Machines = []string{"lathe-1"}
	lathe := freeLathe()
	lathe.Status = InUse
	lathe.Session = &MachineSession{ID: "ms1", UserID: "m1", StartedAt: now.Add(-10 * time.Minute)}

	out := EndpointLost(lathe, owner, now)
	require.Len(t, out.Machines, 1)
	assert.Equal(t, Free, out.Machines[0].Status)
	assert.Equal(t, EndEndpointLost, out.Effects[0].Reason)
	assert.Empty(t, out.User.Machines)

	idle := EndpointLost(freeLathe(), nil, now)
	assert.True(t, idle.Accepted())
	assert.Empty(t, idle.Effects)
}

func TestPowerOn(t *testing.T) {
	assert.Equal(t, NotInUse, PowerOn(freeLathe()).Reason)

	lathe := freeLathe()
	lathe.Status = InUse
	lathe.Session = &MachineSession{ID: "ms1", UserID: "m1", StartedAt: now}
	assert.True(t, PowerOn(lathe).Accepted())
}

func TestSuspendAndResume(t *testing.T) {
	owner := checkedIn(member("m1", "lathe"))
	owner.Machines = []string{"lathe-1"}
	lathe := freeLathe()
	lathe.Status = InUse
	lathe.Session = &MachineSession{ID: "ms1", UserID: "m1", StartedAt: now.Add(-time.Minute)}

	out := Suspend(lathe, owner, now)
	require.Len(t, out.Machines, 1)
	assert.True(t, out.Machines[0].Suspended)
	assert.Equal(t, Maintenance, out.Machines[0].Status)
	assert.Equal(t, EndSuspended, out.Effects[0].Reason)

	cleared := ClearMaintenance(out.Machines[0])
	assert.Equal(t, Maintenance, cleared.Machines[0].Status, "a suspended machine stays blocked after service")

	resumed := Resume(cleared.Machines[0])
	assert.Equal(t, Free, resumed.Machines[0].Status)
	assert.False(t, resumed.Machines[0].Suspended)
}

func TestForceCheckout_Midnight(t *testing.T) {
	cutoff := time.Date(2026, 5, 12, 23, 59, 59, 0, time.UTC)
	owner := checkedIn(member("m1", "lathe"))
	owner.Machines = []string{"lathe-1"}
	lathe := freeLathe()
	lathe.Status = InUse
	lathe.Session = &MachineSession{ID: "ms1", UserID: "m1", StartedAt: cutoff.Add(-time.Hour)}

	out := ForceCheckout(*owner, map[string]MachineState{"lathe-1": lathe}, cutoff, EndAutoMidnight)
	assert.Equal(t, LoggedOut, out.User.State())
	for _, e := range out.Effects {
		if e.Kind == CloseAccess || e.Kind == CloseMachineSession {
			assert.Equal(t, cutoff, e.At)
			assert.Equal(t, EndAutoMidnight, e.Reason)
		}
	}
	assert.Equal(t, int64(3600), out.Machines[0].RunSeconds)
}
