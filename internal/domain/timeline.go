package domain

import "time"

// TimelineEvent описывает смену статуса платежа.
type TimelineEvent struct {
	PaymentID  string
	Type       string
	FromStatus PaymentStatus
	ToStatus   PaymentStatus
	Reason     string
	Occurred   time.Time
}
