package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"makerspace-backend/internal/model"
)

// SaveSubscription upserts a crew push subscription and replaces the set
// of machines it is alerted for. Every machine id must exist.
func (s *gormStore) SaveSubscription(ctx context.Context, sub model.PushSubscription, machineIDs []string) error {
	ids := dedupe(machineIDs)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(&sub).Error; err != nil {
			return err
		}

		machines := []model.Machine{}
		if len(ids) > 0 {
			if err := tx.Where("id IN ?", ids).Find(&machines).Error; err != nil {
				return err
			}
			if len(machines) != len(ids) {
				return fmt.Errorf("%w: unknown machines in %s", ErrInvalid, strings.Join(ids, ","))
			}
		}
		return tx.Model(&sub).Association("Machines").Replace(&machines)
	})
	if err == nil || errors.Is(err, ErrInvalid) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// SubscribedMachines returns the machine ids a subscription is alerted
// for, sorted.
func (s *gormStore) SubscribedMachines(ctx context.Context, endpoint string) ([]string, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).Preload("Machines").First(&sub, "endpoint = ?", endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: subscription", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ids := make([]string, len(sub.Machines))
	for i, m := range sub.Machines {
		ids[i] = m.ID
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteSubscription removes a subscription with its machine mapping.
// Deleting an unknown endpoint is not an error.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	sub := model.PushSubscription{Endpoint: endpoint}
	if err := s.db.WithContext(ctx).Select(clause.Associations).Delete(&sub).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
