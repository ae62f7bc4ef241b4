package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/jwalitptl/notification-engine/internal/model"
)

// aggregate collects per-recipient outcomes from concurrent senders. Counts
// are exact; details stop growing at the cap.
type aggregate struct {
	successful atomic.Int64
	failed     atomic.Int64

	mu      sync.Mutex
	details []model.DeliveryDetail
	limit   int
}

func newAggregate(detailCap int) *aggregate {
	return &aggregate{limit: detailCap, details: []model.DeliveryDetail{}}
}

func (a *aggregate) add(d model.DeliveryDetail) {
	if d.Outcome == model.DeliveryOutcomeSuccess {
		a.successful.Add(1)
	} else {
		a.failed.Add(1)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.details) < a.limit {
		a.details = append(a.details, d)
	}
}

func (a *aggregate) result(total int) *model.DispatchResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	successful := int(a.successful.Load())
	failed := int(a.failed.Load())
	return &model.DispatchResult{
		Status:               model.FinalStatus(total, successful, failed),
		TotalRecipients:      total,
		SuccessfulDeliveries: successful,
		FailedDeliveries:     failed,
		DeliveryDetails:      a.details,
	}
}
