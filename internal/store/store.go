package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"makerspace-backend/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, t Transition) error

	GetUser(ctx context.Context, id string) (*model.User, error)
	GetMachine(ctx context.Context, id string) (*model.Machine, error)
	ListMachines(ctx context.Context) ([]model.Machine, error)
	CountOpenAccessSessions(ctx context.Context) (int64, error)
	AccessSessions(ctx context.Context, from, to time.Time) ([]model.AccessSession, error)
	MachineSessions(ctx context.Context, machineID string, from, to time.Time) ([]model.MachineSession, error)
	OpenMachineSessions(ctx context.Context) ([]model.MachineSession, error)
	AuditEvents(ctx context.Context, from, to time.Time) ([]model.AuditEvent, error)
	Interventions(ctx context.Context, machineID string) ([]model.Intervention, error)
	UserMachineSeconds(ctx context.Context, userID string) (int64, error)

	SaveSubscription(ctx context.Context, sub model.PushSubscription, machineIDs []string) error
	SubscribedMachines(ctx context.Context, endpoint string) ([]string, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// Load reads every user and machine plus all sessions still open.
func (s *gormStore) Load(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	db := s.db.WithContext(ctx)

	if err := db.Preload("Authorizations").Find(&snap.Users).Error; err != nil {
		return nil, fmt.Errorf("%w: load users: %v", ErrUnavailable, err)
	}
	if err := db.Find(&snap.Machines).Error; err != nil {
		return nil, fmt.Errorf("%w: load machines: %v", ErrUnavailable, err)
	}
	if err := db.Where("logout_at IS NULL").Find(&snap.OpenAccess).Error; err != nil {
		return nil, fmt.Errorf("%w: load open access sessions: %v", ErrUnavailable, err)
	}
	if err := db.Where("ended_at IS NULL").Find(&snap.OpenMachine).Error; err != nil {
		return nil, fmt.Errorf("%w: load open machine sessions: %v", ErrUnavailable, err)
	}
	return &snap, nil
}

// Commit applies one logical state transition atomically. Any failure
// rolls back every write and is reported as ErrUnavailable.
func (s *gormStore) Commit(ctx context.Context, t Transition) error {
	if t.Empty() {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range t.Users {
			if err := tx.Omit(clause.Associations).Save(&t.Users[i]).Error; err != nil {
				return fmt.Errorf("failed to save user %s: %w", t.Users[i].ID, err)
			}
		}
		if len(t.Grants) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&t.Grants).Error; err != nil {
				return fmt.Errorf("failed to grant machine types: %w", err)
			}
		}
		for _, r := range t.Revokes {
			if err := tx.Where("user_id = ? AND machine_type = ?", r.UserID, r.MachineType).
				Delete(&model.Authorization{}).Error; err != nil {
				return fmt.Errorf("failed to revoke %s from user %s: %w", r.MachineType, r.UserID, err)
			}
		}

		for i := range t.Machines {
			if err := tx.Save(&t.Machines[i]).Error; err != nil {
				return fmt.Errorf("failed to save machine %s: %w", t.Machines[i].ID, err)
			}
		}

		if len(t.OpenAccess) > 0 {
			if err := tx.Create(&t.OpenAccess).Error; err != nil {
				return fmt.Errorf("failed to open access sessions: %w", err)
			}
		}
		for _, a := range t.CloseAccess {
			if err := closeRecord(tx, &model.AccessSession{}, a.ID, map[string]any{
				"logout_at":     a.LogoutAt,
				"logout_reason": a.LogoutReason,
			}); err != nil {
				return fmt.Errorf("failed to close access session %s: %w", a.ID, err)
			}
		}

		if len(t.OpenMachine) > 0 {
			if err := tx.Create(&t.OpenMachine).Error; err != nil {
				return fmt.Errorf("failed to open machine sessions: %w", err)
			}
		}
		for _, m := range t.CloseMachine {
			if err := closeRecord(tx, &model.MachineSession{}, m.ID, map[string]any{
				"ended_at":   m.EndedAt,
				"end_reason": m.EndReason,
				"seconds":    m.Seconds,
			}); err != nil {
				return fmt.Errorf("failed to close machine session %s: %w", m.ID, err)
			}
		}

		// Sessions are closed before machines go away so the history stays.
		for _, id := range t.DeleteMachines {
			if err := tx.Exec("DELETE FROM subscription_machine_mapping WHERE machine_id = ?", id).Error; err != nil {
				return fmt.Errorf("failed to unmap machine %s: %w", id, err)
			}
			if err := tx.Delete(&model.Machine{}, "id = ?", id).Error; err != nil {
				return fmt.Errorf("failed to delete machine %s: %w", id, err)
			}
		}

		if len(t.Interventions) > 0 {
			if err := tx.Create(&t.Interventions).Error; err != nil {
				return fmt.Errorf("failed to record interventions: %w", err)
			}
		}
		if len(t.Audit) > 0 {
			if err := tx.Create(&t.Audit).Error; err != nil {
				return fmt.Errorf("failed to append audit events: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func closeRecord(tx *gorm.DB, table any, id string, fields map[string]any) error {
	res := tx.Model(table).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetUser returns a user with its authorizations.
func (s *gormStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).Preload("Authorizations").First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &user, nil
}

// GetMachine returns one machine.
func (s *gormStore) GetMachine(ctx context.Context, id string) (*model.Machine, error) {
	var machine model.Machine
	err := s.db.WithContext(ctx).First(&machine, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &machine, nil
}

// ListMachines returns every machine ordered by id.
func (s *gormStore) ListMachines(ctx context.Context) ([]model.Machine, error) {
	machines := []model.Machine{}
	if err := s.db.WithContext(ctx).Order("id").Find(&machines).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return machines, nil
}

// CountOpenAccessSessions is the number of users present right now.
func (s *gormStore) CountOpenAccessSessions(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.AccessSession{}).
		Where("logout_at IS NULL").Count(&count).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}

// AccessSessions returns the sessions that started in [from, to).
func (s *gormStore) AccessSessions(ctx context.Context, from, to time.Time) ([]model.AccessSession, error) {
	sessions := []model.AccessSession{}
	if !from.Before(to) {
		return sessions, nil
	}
	if err := s.db.WithContext(ctx).
		Where("login_at >= ? AND login_at < ?", from.UTC(), to.UTC()).
		Order("login_at").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sessions, nil
}

// MachineSessions returns the sessions of one machine that started in
// [from, to).
func (s *gormStore) MachineSessions(ctx context.Context, machineID string, from, to time.Time) ([]model.MachineSession, error) {
	sessions := []model.MachineSession{}
	if !from.Before(to) {
		return sessions, nil
	}
	if err := s.db.WithContext(ctx).
		Where("machine_id = ? AND started_at >= ? AND started_at < ?", machineID, from.UTC(), to.UTC()).
		Order("started_at").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sessions, nil
}

// OpenMachineSessions returns the machine sessions still running.
func (s *gormStore) OpenMachineSessions(ctx context.Context) ([]model.MachineSession, error) {
	sessions := []model.MachineSession{}
	if err := s.db.WithContext(ctx).Where("ended_at IS NULL").Order("machine_id").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sessions, nil
}

// AuditEvents returns the decisions taken in [from, to).
func (s *gormStore) AuditEvents(ctx context.Context, from, to time.Time) ([]model.AuditEvent, error) {
	events := []model.AuditEvent{}
	if !from.Before(to) {
		return events, nil
	}
	if err := s.db.WithContext(ctx).
		Where("at >= ? AND at < ?", from.UTC(), to.UTC()).
		Order("at, id").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return events, nil
}

// Interventions returns the maintenance history of a machine, newest first.
func (s *gormStore) Interventions(ctx context.Context, machineID string) ([]model.Intervention, error) {
	interventions := []model.Intervention{}
	if err := s.db.WithContext(ctx).
		Where("machine_id = ?", machineID).
		Order("at DESC").
		Find(&interventions).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return interventions, nil
}

// UserMachineSeconds sums the closed machine sessions of a user.
func (s *gormStore) UserMachineSeconds(ctx context.Context, userID string) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&model.MachineSession{}).
		Select("COALESCE(SUM(seconds), 0)").
		Where("user_id = ? AND ended_at IS NOT NULL", userID).
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return total, nil
}
