// Package sweeper runs the notification fulfillment sweep: it emails every
// user whose watched facility has a free sub-court and removes the requests
// that were fulfilled or point at facilities that no longer exist.
//
// A sweep carries no state between runs. Requests are only deleted after a
// successful send, so anything a sweep could not finish is picked up by the
// next one; the price is that a failed delete after a send can lead to a
// second email (see SentLedger).
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/vacantcourt/backend/internal/availability"
	"github.com/vacantcourt/backend/internal/models"
	"github.com/vacantcourt/backend/internal/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 8
	deleteGrace        = 5 * time.Second
)

type RequestStore interface {
	ListNotificationRequests(ctx context.Context) ([]models.NotificationRequest, error)
	DeleteNotificationRequest(ctx context.Context, id string) error
}

type FacilityReader interface {
	GetFacility(ctx context.Context, id string) (*models.Facility, error)
}

type Dispatcher interface {
	Send(ctx context.Context, params models.EmailParams) error
}

type Options struct {
	SiteBaseURL  string
	Concurrency  int
	Predicate    availability.Predicate
	PurgeInvalid bool
	// Ledger, when set, suppresses a second email for a request whose delete
	// failed after it was already notified.
	Ledger SentLedger
}

type Sweeper struct {
	requests   RequestStore
	facilities FacilityReader
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger
}

func New(requests RequestStore, facilities FacilityReader, dispatcher Dispatcher, opts Options, logger *zap.Logger) *Sweeper {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Predicate == nil {
		opts.Predicate = availability.AvailableAndConfigured
	}
	return &Sweeper{
		requests:   requests,
		facilities: facilities,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.Named("sweeper"),
	}
}

// groupResult is what one facility's worth of requests produced.
type groupResult struct {
	deletes         []string
	emailed         int
	stale           int
	alreadyNotified int
	sendFailures    int
	facilityError   bool
	err             error
}

// Run performs one sweep. Only a failure to list the pending requests is
// returned as an error; everything else is local to a facility or request and
// ends up in the summary.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	started := time.Now()

	requests, err := s.requests.ListNotificationRequests(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load notification requests: %w", err)
	}

	sum := Summary{Considered: len(requests)}
	if len(requests) == 0 {
		s.logger.Debug("no pending notification requests")
		return sum, nil
	}

	var (
		order    []string
		groups   = make(map[string][]models.NotificationRequest)
		toDelete []string
	)
	for _, req := range requests {
		if err := req.Validate(); err != nil {
			sum.Invalid++
			s.logger.Warn("skipping invalid notification request",
				zap.String("request_id", req.ID),
				zap.Bool("purged", s.opts.PurgeInvalid),
				zap.Error(err),
			)
			if s.opts.PurgeInvalid && req.ID != "" {
				toDelete = append(toDelete, req.ID)
			}
			continue
		}
		if _, ok := groups[req.CourtID]; !ok {
			order = append(order, req.CourtID)
		}
		groups[req.CourtID] = append(groups[req.CourtID], req)
	}

	results := make([]groupResult, len(order))
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, courtID := range order {
		if ctx.Err() != nil {
			// out of budget: the remaining facilities wait for the next tick
			sum.Incomplete = true
			break
		}
		g.Go(func() error {
			results[i] = s.processFacility(ctx, courtID, groups[courtID])
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for _, r := range results {
		toDelete = append(toDelete, r.deletes...)
		sum.Emailed += r.emailed
		sum.Stale += r.stale
		sum.AlreadyNotified += r.alreadyNotified
		sum.SendFailures += r.sendFailures
		if r.facilityError {
			sum.FacilityErrors++
		}
		errs = multierr.Append(errs, r.err)
	}

	if ctx.Err() != nil {
		sum.Incomplete = true
	}

	deleteCtx := ctx
	if ctx.Err() != nil {
		// fulfilled requests should not linger just because the budget ran out
		var cancel context.CancelFunc
		deleteCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), deleteGrace)
		defer cancel()
	}
	deleted, deleteErr := s.deleteAll(deleteCtx, toDelete)
	sum.Deleted = deleted
	sum.DeleteFailures = len(multierr.Errors(deleteErr))
	sum.Errors = multierr.Append(errs, deleteErr)

	fields := []zap.Field{
		zap.Int("considered", sum.Considered),
		zap.Int("emailed", sum.Emailed),
		zap.Int("stale", sum.Stale),
		zap.Int("invalid", sum.Invalid),
		zap.Int("send_failures", sum.SendFailures),
		zap.Int("facility_errors", sum.FacilityErrors),
		zap.Int("deleted", sum.Deleted),
		zap.Int("delete_failures", sum.DeleteFailures),
		zap.Duration("took", time.Since(started)),
	}
	if sum.Incomplete {
		s.logger.Warn("sweep budget exhausted before all requests were processed", fields...)
	} else {
		s.logger.Info("sweep finished", fields...)
	}
	return sum, nil
}

func (s *Sweeper) processFacility(ctx context.Context, courtID string, reqs []models.NotificationRequest) groupResult {
	var res groupResult
	log := s.logger.With(zap.String("court_id", courtID), zap.Int("requests", len(reqs)))

	facility, err := s.facilities.GetFacility(ctx, courtID)
	if errors.Is(err, store.ErrNotFound) {
		for _, req := range reqs {
			res.deletes = append(res.deletes, req.ID)
		}
		res.stale = len(reqs)
		log.Info("facility no longer exists, removing stale requests")
		return res
	}
	if err != nil {
		res.facilityError = true
		res.err = fmt.Errorf("load facility %s: %w", courtID, err)
		log.Error("failed to load facility, leaving requests pending", zap.Error(err))
		return res
	}

	free := availability.Courts(facility, s.opts.Predicate)
	if len(free) == 0 {
		log.Debug("no available sub-courts")
		return res
	}

	names := availability.Names(free)
	link := fmt.Sprintf("%s/court/%s", s.opts.SiteBaseURL, url.PathEscape(courtID))

	for _, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		if s.notifiedBefore(ctx, req.ID) {
			res.alreadyNotified++
			res.deletes = append(res.deletes, req.ID)
			continue
		}

		courtName := facility.Name
		if courtName == "" {
			courtName = req.CourtName
		}
		params := models.EmailParams{
			RequestID:       req.ID,
			ToEmail:         req.UserEmail,
			CourtName:       courtName,
			AvailableCourts: names,
			CourtLink:       link,
		}
		if err := s.dispatcher.Send(ctx, params); err != nil {
			res.sendFailures++
			res.err = multierr.Append(res.err, fmt.Errorf("notify request %s: %w", req.ID, err))
			log.Warn("email send failed, request stays pending",
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
			continue
		}

		res.emailed++
		res.deletes = append(res.deletes, req.ID)
		s.markNotified(ctx, req.ID)
	}
	return res
}

func (s *Sweeper) notifiedBefore(ctx context.Context, requestID string) bool {
	if s.opts.Ledger == nil {
		return false
	}
	sent, err := s.opts.Ledger.WasSent(ctx, requestID)
	if err != nil {
		s.logger.Warn("sent ledger lookup failed", zap.String("request_id", requestID), zap.Error(err))
		return false
	}
	return sent
}

func (s *Sweeper) markNotified(ctx context.Context, requestID string) {
	if s.opts.Ledger == nil {
		return
	}
	if err := s.opts.Ledger.MarkSent(ctx, requestID); err != nil {
		s.logger.Warn("sent ledger write failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

// deleteAll runs every delete independently; one failing never stops the rest.
func (s *Sweeper) deleteAll(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var (
		mu      sync.Mutex
		errs    error
		deleted int
		g       errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := s.requests.DeleteNotificationRequest(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				err = nil
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("delete request %s: %w", id, err))
				s.logger.Warn("failed to delete notification request",
					zap.String("request_id", id),
					zap.Error(err),
				)
				return nil
			}
			deleted++
			return nil
		})
	}
	_ = g.Wait()
	return deleted, errs
}
