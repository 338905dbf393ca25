// Package republish keeps remote republishing rules in line with a stream's destinations.
package republish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-webinar/restream/internal/mediacontrol"
	"github.com/aura-webinar/restream/internal/models"
	"github.com/aura-webinar/restream/internal/telemetry"
	"github.com/aura-webinar/restream/pkg/queue"
)

const (
	defaultMaxParallel        = 4
	defaultDestinationTimeout = 8 * time.Second
	enqueueTimeout            = 5 * time.Second
)

// RuleClient is the part of the media control client the coordinator uses.
type RuleClient interface {
	AddRepublishingRule(ctx context.Context, p mediacontrol.AddRuleParams) (string, error)
	RemoveRepublishingRule(ctx context.Context, p mediacontrol.RemoveRuleParams) error
	ToggleRepublishingRule(ctx context.Context, p mediacontrol.ToggleRuleParams) error
	ListRepublishingRules(ctx context.Context) ([]mediacontrol.Rule, error)
}

// CleanupQueue receives rule removals that failed inline.
type CleanupQueue interface {
	EnqueueRuleCleanup(ctx context.Context, payload queue.RuleCleanupPayload) error
}

type Options struct {
	MaxParallel        int
	DestinationTimeout time.Duration
	Queue              CleanupQueue
	Logger             *zap.Logger
}

// Coordinator turns destinations into remote rules and degrades to manual
// instructions when the media server cannot be reached.
type Coordinator struct {
	client      RuleClient
	maxParallel int
	destTimeout time.Duration
	queue       CleanupQueue
	logger      *zap.Logger
}

func New(client RuleClient, opts Options) *Coordinator {
	c := &Coordinator{
		client:      client,
		maxParallel: opts.MaxParallel,
		destTimeout: opts.DestinationTimeout,
		queue:       opts.Queue,
		logger:      opts.Logger,
	}
	if c.maxParallel <= 0 {
		c.maxParallel = defaultMaxParallel
	}
	if c.destTimeout <= 0 {
		c.destTimeout = defaultDestinationTimeout
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// CleanupFailure is a rule that could not be removed during Deactivate.
type CleanupFailure struct {
	DestinationID string
	Destination   string
	RuleID        string
	Err           error
}

// Activate configures one rule per enabled destination and returns a result
// for each, in destination order. It never fails as a whole: remote errors
// turn into manual_required results carrying the settings to enter by hand.
func (c *Coordinator) Activate(ctx context.Context, stream *models.LiveStream, app *models.StreamApp) []models.RepublishingResult {
	enabled := stream.EnabledDestinations()
	results := make([]models.RepublishingResult, len(enabled))
	if len(enabled) == 0 {
		return results
	}

	existing, err := c.client.ListRepublishingRules(ctx)
	if err != nil {
		c.logger.Debug("listing remote rules failed, adding without reuse",
			zap.String("stream_id", stream.ID.String()), zap.Error(err))
		existing = nil
	}

	var g errgroup.Group
	g.SetLimit(c.maxParallel)
	for i, d := range enabled {
		i, d := i, d
		g.Go(func() error {
			results[i] = c.activateOne(ctx, stream, app, d, existing)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		telemetry.RecordRepublishingResult(string(r.Status))
	}
	return results
}

func (c *Coordinator) activateOne(ctx context.Context, stream *models.LiveStream, app *models.StreamApp, d models.Destination, existing []mediacontrol.Rule) models.RepublishingResult {
	t := TargetOf(d)
	res := models.RepublishingResult{
		DestinationID: d.ID.String(),
		Destination:   DisplayName(d),
	}
	dctx, cancel := context.WithTimeout(ctx, c.destTimeout)
	defer cancel()

	var (
		id  string
		err error
	)
	if rule, ok := findRule(existing, app.AppPath, stream.SourceStream, t); ok {
		id, res.Message = string(rule.ID), "republishing rule already present"
		if !rule.Enabled {
			err = c.client.ToggleRepublishingRule(dctx, mediacontrol.ToggleRuleParams{RuleID: id, Enabled: true})
			res.Message = "republishing rule re-enabled"
		}
	} else {
		id, err = c.client.AddRepublishingRule(dctx, mediacontrol.AddRuleParams{
			SrcApp:     app.AppPath,
			SrcStream:  stream.SourceStream,
			DestAddr:   t.Addr,
			DestPort:   t.Port,
			DestApp:    t.App,
			DestStream: t.Stream,
			Enabled:    true,
		})
		res.Message = "republishing rule configured"
	}
	if err != nil {
		c.logger.Warn("republishing rule not configured, manual setup required",
			zap.String("stream_id", stream.ID.String()),
			zap.String("destination", res.Destination),
			zap.Error(err))
		res.Status = models.RepublishingManualRequired
		res.Message = manualMessage(err)
		res.Details = &models.ManualConfig{
			SourceApp:    app.AppPath,
			SourceStream: stream.SourceStream,
			DestAddr:     t.Addr,
			DestPort:     t.Port,
			DestApp:      t.App,
			DestStream:   t.Stream,
		}
		return res
	}
	res.Status = models.RepublishingConfigured
	res.RuleID = id
	return res
}

func findRule(rules []mediacontrol.Rule, srcApp, srcStream string, t Target) (mediacontrol.Rule, bool) {
	for _, r := range rules {
		if r.Matches(srcApp, srcStream, t.App, t.Stream) {
			return r, true
		}
	}
	return mediacontrol.Rule{}, false
}

func manualMessage(err error) string {
	switch {
	case mediacontrol.IsConfigurationError(err):
		return "media server control is not configured; add the republishing rule manually"
	case mediacontrol.IsRemoteFailure(err):
		return "media server could not be reached; add the republishing rule manually"
	default:
		return fmt.Sprintf("destination could not be configured (%v); add the republishing rule manually", err)
	}
}

// Deactivate removes the rules of every destination, best-effort. Destinations
// with a known rule id are removed by id; enabled ones without an id are
// looked up by tuple. Failures are logged, queued for the cleanup worker when
// a queue is configured, and returned.
func (c *Coordinator) Deactivate(ctx context.Context, stream *models.LiveStream, app *models.StreamApp) []CleanupFailure {
	var (
		listOnce sync.Once
		remote   []mediacontrol.Rule
		listErr  error
	)
	rules := func() ([]mediacontrol.Rule, error) {
		listOnce.Do(func() { remote, listErr = c.client.ListRepublishingRules(ctx) })
		return remote, listErr
	}

	failures := make([]*CleanupFailure, len(stream.Destinations))
	var g errgroup.Group
	g.SetLimit(c.maxParallel)
	for i, d := range stream.Destinations {
		if d.RemoteRuleID == "" && !d.Enabled {
			continue
		}
		i, d := i, d
		g.Go(func() error {
			failures[i] = c.deactivateOne(ctx, stream, app, d, rules)
			return nil
		})
	}
	_ = g.Wait()

	var out []CleanupFailure
	for i, f := range failures {
		if f == nil {
			continue
		}
		c.logger.Warn("republishing rule removal failed",
			zap.String("stream_id", stream.ID.String()),
			zap.String("destination", f.Destination),
			zap.String("rule_id", f.RuleID),
			zap.Error(f.Err))
		c.enqueueCleanup(ctx, stream, app, stream.Destinations[i], f)
		out = append(out, *f)
	}
	return out
}

func (c *Coordinator) deactivateOne(ctx context.Context, stream *models.LiveStream, app *models.StreamApp, d models.Destination, rules func() ([]mediacontrol.Rule, error)) *CleanupFailure {
	fail := func(ruleID string, err error) *CleanupFailure {
		return &CleanupFailure{DestinationID: d.ID.String(), Destination: DisplayName(d), RuleID: ruleID, Err: err}
	}
	ids := []string{d.RemoteRuleID}
	if d.RemoteRuleID == "" {
		list, err := rules()
		if err != nil {
			return fail("", err)
		}
		t := TargetOf(d)
		ids = ids[:0]
		for _, r := range list {
			if r.Matches(app.AppPath, stream.SourceStream, t.App, t.Stream) {
				ids = append(ids, string(r.ID))
			}
		}
	}
	for _, id := range ids {
		dctx, cancel := context.WithTimeout(ctx, c.destTimeout)
		err := c.client.RemoveRepublishingRule(dctx, mediacontrol.RemoveRuleParams{RuleID: id})
		cancel()
		if err != nil {
			return fail(id, err)
		}
	}
	return nil
}

func (c *Coordinator) enqueueCleanup(ctx context.Context, stream *models.LiveStream, app *models.StreamApp, d models.Destination, f *CleanupFailure) {
	if c.queue == nil {
		return
	}
	if mediacontrol.IsConfigurationError(f.Err) {
		// retrying cannot succeed until an operator configures the client
		return
	}
	t := TargetOf(d)
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	err := c.queue.EnqueueRuleCleanup(qctx, queue.RuleCleanupPayload{
		RuleID:      f.RuleID,
		StreamID:    stream.ID,
		Destination: f.Destination,
		SrcApp:      app.AppPath,
		SrcStream:   stream.SourceStream,
		DestApp:     t.App,
		DestStream:  t.Stream,
	})
	if err != nil {
		c.logger.Error("enqueue rule cleanup failed", zap.String("stream_id", stream.ID.String()), zap.Error(err))
	}
}

// Toggle switches the remote rule of a destination on or off. Destinations
// without a rule id have nothing to toggle.
func (c *Coordinator) Toggle(ctx context.Context, d models.Destination, enabled bool) error {
	if d.RemoteRuleID == "" {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, c.destTimeout)
	defer cancel()
	if err := c.client.ToggleRepublishingRule(dctx, mediacontrol.ToggleRuleParams{RuleID: d.RemoteRuleID, Enabled: enabled}); err != nil {
		return fmt.Errorf("toggle rule %s: %w", d.RemoteRuleID, err)
	}
	return nil
}
