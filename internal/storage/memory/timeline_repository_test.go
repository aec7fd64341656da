package memory_test

import (
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

func TestTimelineRepository_ListChronological(t *testing.T) {
	repo := memory.NewTimelineRepository()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	events := []domain.TimelineEvent{
		{PaymentID: "pay-1", Type: "PaymentCompleted", FromStatus: domain.PaymentStatusProcessing, ToStatus: domain.PaymentStatusCompleted, Occurred: base.Add(2 * time.Minute)},
		{PaymentID: "pay-1", Type: "PaymentInitiated", ToStatus: domain.PaymentStatusPending, Occurred: base},
		{PaymentID: "pay-2", Type: "PaymentInitiated", ToStatus: domain.PaymentStatusPending, Occurred: base},
	}
	for _, event := range events {
		if err := repo.Append(event); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	list, err := repo.List("pay-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 events, got %d", len(list))
	}
	if list[0].Type != "PaymentInitiated" || list[1].Type != "PaymentCompleted" {
		t.Fatalf("unexpected order: %+v", list)
	}

	empty, err := repo.List("missing")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty timeline, got %d", len(empty))
	}
}
