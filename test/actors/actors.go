// Package actors drives the services concurrently against a real database.
// Each actor loops until stop is closed and returns only unexpected errors;
// domain refusals such as conflicts or used tokens are part of the workload.
package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"dealflow/auth"
	"dealflow/db"
	"dealflow/deal"
	"dealflow/document"
	"dealflow/errs"
	"dealflow/events"
)

// Counters aggregates outcomes across actors.
type Counters struct {
	Revisions   atomic.Int64
	Redemptions atomic.Int64
	DoubleSpend atomic.Int64
	Published   atomic.Int64
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// unexpected filters out domain refusals and shutdown.
func unexpected(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if errs.HTTPStatus(err) != http.StatusInternalServerError {
		return nil
	}
	return err
}

func pause(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

var stages = []deal.Stage{
	deal.StageShowing, deal.StageOffer, deal.StageNegotiation,
	deal.StageContract, deal.StageInspection, deal.StageClosing,
}

// DealEditor keeps patching one deal so revision numbers are contended.
func DealEditor(ctx context.Context, svc *deal.Service, actor auth.Profile, dealID string, c *Counters, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var err error
		if rand.Intn(2) == 0 {
			price := float64(400000 + rand.Intn(100000))
			_, err = svc.Update(ctx, actor, dealID, deal.Patch{OfferPrice: &price}, "")
		} else {
			_, err = svc.UpdateStage(ctx, actor, dealID, stages[rand.Intn(len(stages))], "stress")
		}
		if err == nil {
			c.Revisions.Add(1)
		}
		if err := unexpected(err); err != nil {
			return fmt.Errorf("deal editor: %w", err)
		}
		pause(5, 20)
	}
	return nil
}

// Participants adds and removes the same client on one deal from several
// goroutines.
func Participants(ctx context.Context, svc *deal.Service, actor auth.Profile, dealID, clientID string, c *Counters, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var err error
		if rand.Intn(2) == 0 {
			_, err = svc.AddClient(ctx, actor, dealID, clientID, deal.RoleBuyer)
		} else {
			err = svc.RemoveClient(ctx, actor, dealID, clientID)
		}
		if err == nil {
			c.Revisions.Add(1)
		}
		if err := unexpected(err); err != nil {
			return fmt.Errorf("participants: %w", err)
		}
		pause(10, 30)
	}
	return nil
}

// Redeemer issues one token at a time and races racers redemptions of it;
// at most one may succeed.
func Redeemer(ctx context.Context, svc *document.Service, subject, docID string, racers int, c *Counters, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		issued, err := svc.IssueToken(ctx, subject, docID, "127.0.0.1")
		if err != nil {
			if err := unexpected(err); err != nil {
				return fmt.Errorf("redeemer issue: %w", err)
			}
			pause(20, 20)
			continue
		}
		u, err := url.Parse(issued.URL)
		if err != nil {
			return fmt.Errorf("redeemer parse url: %w", err)
		}
		token := u.Query().Get("token")

		var (
			served atomic.Int64
			failed atomic.Value
			done   = make(chan struct{}, racers)
		)
		for i := 0; i < racers; i++ {
			go func() {
				defer func() { done <- struct{}{} }()
				out, err := svc.Redeem(ctx, docID, token, rand.Intn(2) == 0)
				if err != nil {
					if err := unexpected(err); err != nil {
						failed.Store(err)
					}
					return
				}
				_, _ = io.Copy(io.Discard, out.Body)
				out.Body.Close()
				served.Add(1)
			}()
		}
		for i := 0; i < racers; i++ {
			<-done
		}

		if err, ok := failed.Load().(error); ok {
			return fmt.Errorf("redeemer: %w", err)
		}
		if served.Load() > 1 {
			c.DoubleSpend.Add(served.Load() - 1)
		}
		c.Redemptions.Add(served.Load())
		pause(10, 20)
	}
	return nil
}

type countingPublisher struct {
	c    *Counters
	fail int
}

func (p countingPublisher) Publish(context.Context, events.Message) error {
	if rand.Intn(p.fail) == 0 {
		return errors.New("broker unavailable")
	}
	p.c.Published.Add(1)
	return nil
}

// OutboxWorker drains the outbox with a relay whose publisher fails now and
// then, so retries and dead-lettering run alongside the writers.
func OutboxWorker(ctx context.Context, pool db.Pool, c *Counters, stop <-chan struct{}) error {
	relay := events.NewRelay(pool, countingPublisher{c: c, fail: 10}, events.RelayConfig{BatchSize: 10, MaxAttempts: 3}, nil)
	for !stopped(ctx, stop) {
		if _, err := relay.RunOnce(ctx); err != nil {
			if err := unexpected(err); err != nil {
				return fmt.Errorf("outbox worker: %w", err)
			}
		}
		pause(50, 50)
	}
	return nil
}
