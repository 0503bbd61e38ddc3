package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pinboard/api/internal/store"
)

type PingStore interface {
	ListLiveWebPushSubscriptions(ctx context.Context) ([]store.UserSubscription, error)
}

type PingReport struct {
	Checked int `json:"checked"`
	Expired int `json:"expired"`
}

// PingSweep sends an empty push to every live subscription so dead ones
// are flagged before real content is sent to them. Rejections are marked
// expired through the dispatcher's store.
type PingSweep struct {
	dispatcher *Dispatcher
	store      PingStore
}

func NewPingSweep(dispatcher *Dispatcher, st PingStore) *PingSweep {
	return &PingSweep{dispatcher: dispatcher, store: st}
}

func (p *PingSweep) Run(ctx context.Context) (PingReport, error) {
	subs, err := p.store.ListLiveWebPushSubscriptions(ctx)
	if err != nil {
		return PingReport{}, fmt.Errorf("list live subscriptions: %w", err)
	}

	results := make([]DeliveryResult, len(subs))
	var group errgroup.Group
	group.SetLimit(p.dispatcher.concurrency)
	for i, sub := range subs {
		group.Go(func() error {
			results[i] = p.dispatcher.pushOne(ctx, "", sub, nil)
			return nil
		})
	}
	_ = group.Wait()

	report := PingReport{Checked: len(subs)}
	for _, result := range results {
		if result.Err != nil {
			report.Expired++
		}
	}
	p.dispatcher.logger.Info("push ping sweep finished",
		zap.Int("checked", report.Checked),
		zap.Int("expired", report.Expired))
	return report, nil
}
