package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ncol/publisher-service/internal/access"
	"github.com/ncol/publisher-service/internal/config"
	"github.com/ncol/publisher-service/internal/lock"
	"github.com/ncol/publisher-service/internal/logging"
	"github.com/ncol/publisher-service/internal/models"
	"github.com/ncol/publisher-service/internal/settings"
	"github.com/ncol/publisher-service/internal/storage"
)

// Status is the result of handling one transition event
type Status string

const (
	StatusSkipped          Status = "skipped"
	StatusEmptyDelta       Status = "empty_delta"
	StatusConfigMissing    Status = "config_missing"
	StatusLockFailed       Status = "lock_failed"
	StatusStoreError       Status = "store_error"
	StatusTransportFailure Status = "transport_failure"
	StatusRemoteRejection  Status = "remote_rejection"
	StatusDispatched       Status = "dispatched"
	StatusRecordFailed     Status = "record_failed"
)

const defaultTimeout = 15 * time.Second

// Outcome reports what OnPublishTransition did. Err is diagnostic only.
type Outcome struct {
	Status     Status
	Reason     string
	ItemID     string
	Platforms  []string
	StatusCode int
	RequestID  string
	Err        error
}

// Dependencies are the collaborators of a Dispatcher
type Dependencies struct {
	Store      storage.Storage
	Settings   settings.Provider
	Locker     lock.Locker
	Transport  Transport
	Rewriter   LinkRewriter
	Authorizer access.Authorizer
	Logger     logging.Logger
	Metrics    *Metrics
}

// Dispatcher forwards newly published items to the publishing endpoint
type Dispatcher struct {
	deps           Dependencies
	policy         string
	includeContent bool
	timeout        time.Duration
	lockWait       time.Duration
}

// NewDispatcher creates a dispatcher. Missing locker or authorizer fall back
// to an in-process lock and the CMS capability rules.
func NewDispatcher(cfg config.DispatchConfig, lockWait time.Duration, deps Dependencies) *Dispatcher {
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.Authorizer == nil {
		deps.Authorizer = access.CapabilityAuthorizer{}
	}
	if deps.Rewriter == nil {
		deps.Rewriter = HostRewrite{From: cfg.LinkFrom, To: cfg.LinkTo}
	}
	policy := cfg.Policy
	if policy == "" {
		policy = config.PolicyConservative
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if lockWait <= 0 {
		lockWait = timeout + 5*time.Second
	}
	return &Dispatcher{
		deps:           deps,
		policy:         policy,
		includeContent: cfg.IncludeContent,
		timeout:        timeout,
		lockWait:       lockWait,
	}
}

// Policy returns the delta policy in effect
func (d *Dispatcher) Policy() string {
	return d.policy
}

// OnPublishTransition handles one status transition. It never fails the
// caller: every problem is logged and reported in the Outcome, and the item
// stays published whatever happens here.
func (d *Dispatcher) OnPublishTransition(ctx context.Context, ev models.TransitionEvent) Outcome {
	start := time.Now()
	out := d.handle(ctx, ev)
	d.deps.Metrics.Observe(out.Status, time.Since(start))
	return out
}

func (d *Dispatcher) handle(ctx context.Context, ev models.TransitionEvent) Outcome {
	itemID := ev.ItemID
	if itemID == "" {
		itemID = ev.Item.ID
	}
	out := Outcome{ItemID: itemID}

	if models.NormalizeStatus(ev.NewStatus) != models.StatusPublished {
		out.Status, out.Reason = StatusSkipped, "not_published"
		return out
	}
	if ev.Autosave {
		out.Status, out.Reason = StatusSkipped, "autosave"
		return out
	}
	if ev.Actor != nil && !d.deps.Authorizer.CanEdit(ev.Actor, ev.Item.AuthorID) {
		out.Status, out.Reason = StatusSkipped, "permission_denied"
		return out
	}
	if itemID == "" {
		out.Status, out.Reason = StatusSkipped, "missing_item"
		return out
	}

	log := d.deps.Logger.WithFields(logging.Fields{
		"item_id": itemID,
		"policy":  d.policy,
	})

	// the outbound call and the bookkeeping after it run to completion even
	// if the triggering request goes away
	ctx = context.WithoutCancel(ctx)

	lockCtx, cancel := context.WithTimeout(ctx, d.lockWait)
	unlock, err := d.deps.Locker.Acquire(lockCtx, itemID)
	cancel()
	if err != nil {
		log.WithError(err).Warn("Could not lock item for dispatch")
		out.Status, out.Err = StatusLockFailed, err
		return out
	}
	defer unlock()

	snap := d.deps.Settings.Snapshot()

	if ev.Selection != nil {
		if err := d.deps.Store.SetRequested(ctx, itemID, ev.Selection.Intersect(snap.Enabled)); err != nil {
			log.WithError(err).Error("Failed to store submitted platform selection")
			out.Status, out.Err = StatusStoreError, err
			return out
		}
	}

	delta, err := d.delta(ctx, itemID, snap.Enabled)
	if err != nil {
		log.WithError(err).Error("Failed to read publish state")
		out.Status, out.Err = StatusStoreError, err
		return out
	}
	out.Platforms = delta.Strings()
	if delta.Empty() {
		log.Debug("No new platforms to dispatch")
		out.Status = StatusEmptyDelta
		return out
	}

	if !snap.ConfiguredFor(requiresURL(d.deps.Transport)) {
		log.Error("Publisher endpoint URL or API key is not configured")
		out.Status, out.Err = StatusConfigMissing, ErrConfigurationMissing
		return out
	}

	payload := BuildPayload(itemID, ev.Item, delta, d.deps.Rewriter, d.includeContent)
	out.RequestID = uuid.New().String()
	log = log.WithFields(logging.Fields{
		"platforms":  out.Platforms,
		"request_id": out.RequestID,
	})
	log.WithField("title", payload.Title).Info("Dispatching post to publisher endpoint")

	sendCtx, cancelSend := context.WithTimeout(ctx, d.timeout)
	resp, err := d.deps.Transport.Send(sendCtx, Request{
		URL:       snap.APIURL,
		APIKey:    snap.APIKey,
		RequestID: out.RequestID,
		Payload:   payload,
	})
	cancelSend()
	if err != nil {
		var terr *TransportError
		if !errors.As(err, &terr) {
			err = &TransportError{Err: err}
		}
		log.WithError(err).Error("Failed to call publisher endpoint")
		out.Status, out.Err = StatusTransportFailure, err
		return out
	}

	out.StatusCode = resp.StatusCode
	if resp.StatusCode >= 300 {
		rejection := &RemoteRejectionError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
		log.WithFields(logging.Fields{
			"status":        resp.StatusCode,
			"response_body": rejection.Body,
		}).Error("Publisher endpoint rejected dispatch")
		out.Status, out.Err = StatusRemoteRejection, rejection
		return out
	}

	if err := d.deps.Store.AddDispatched(ctx, itemID, delta); err != nil {
		log.WithError(err).Error("Dispatch accepted but recording dispatched platforms failed")
		out.Status, out.Err = StatusRecordFailed, err
		return out
	}

	log.WithField("status", resp.StatusCode).Info("Dispatch accepted")
	out.Status = StatusDispatched
	return out
}

// delta computes the platforms to send. Only enabled platforms are ever sent.
func (d *Dispatcher) delta(ctx context.Context, itemID string, enabled models.PlatformSet) (models.PlatformSet, error) {
	requested, err := d.deps.Store.GetRequested(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to read requested platforms: %w", err)
	}
	requested = requested.Intersect(enabled)

	if d.policy == config.PolicyPermissive {
		return requested, nil
	}

	dispatched, err := d.deps.Store.GetDispatched(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to read dispatched platforms: %w", err)
	}
	return requested.Difference(dispatched), nil
}
