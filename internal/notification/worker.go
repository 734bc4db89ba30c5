// Package notification alerts crew through web push when a machine
// reaches its maintenance threshold.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"makerspace-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Alert is the push payload shown by the crew dashboard.
type Alert struct {
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	MachineID string  `json:"machineId"`
	RunHours  float64 `json:"runHours"`
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	jobs    chan string
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan string, 8*size),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Worker %d started", id)
	for {
		select {
		case machineID := <-wp.jobs:
			log.Printf("Worker %d processing machine %s", id, machineID)
			wp.sendNotificationsForMachine(ctx, machineID)
		case <-ctx.Done():
			log.Printf("Worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues a maintenance alert. It never blocks: the caller
// holds entity locks, so a full queue drops the alert.
func (wp *WorkerPool) Dispatch(machineID string) {
	select {
	case wp.jobs <- machineID:
	default:
		log.Printf("notification queue full, dropping maintenance alert for machine %s", machineID)
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan string {
	return wp.jobs
}

// sendNotificationsForMachine fetches the crew subscriptions mapped to a
// machine and alerts each of them.
func (wp *WorkerPool) sendNotificationsForMachine(ctx context.Context, machineID string) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_machine_mapping smm ON smm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("smm.machine_id = ?", machineID).
		Find(&subscriptions).Error
	if err != nil {
		log.Printf("Error fetching subscriptions for machine %s: %v", machineID, err)
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	log.Printf("Sending %d maintenance alerts for machine %s", len(subscriptions), machineID)

	alert := Alert{Title: "Maintenance due", MachineID: machineID}
	label := machineID
	var machine model.Machine
	if err := wp.db.WithContext(ctx).
		Select("display_name", "run_seconds").
		First(&machine, "id = ?", machineID).Error; err != nil {
		log.Printf("Error fetching machine %s: %v", machineID, err)
	} else {
		if machine.DisplayName != "" {
			label = machine.DisplayName
		}
		alert.RunHours = machine.RunHours()
	}
	alert.Body = fmt.Sprintf("%s needs maintenance", label)
	if alert.RunHours > 0 {
		alert.Body = fmt.Sprintf("%s needs maintenance after %.1f h of use", label, alert.RunHours)
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		log.Printf("Error encoding alert for machine %s: %v", machineID, err)
		return
	}
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// The push service reports unsubscribed browsers as gone.
	if resp.StatusCode == http.StatusGone {
		log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.db.WithContext(ctx).Select(clause.Associations).Delete(&sub).Error; err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
