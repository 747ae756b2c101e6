package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/metrics"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/scoring"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

var (
	ErrInvalidTransition = utils.ErrInvalidTransition
	ErrUnknownStatus     = errors.New("unknown alert status")
)

type Config struct {
	MaxAttempts    int
	Timeout        time.Duration
	InitialBackoff time.Duration
	// Async runs notification fan-out in the background after Emit returns.
	Async bool
}

func ConfigFromSettings(s *config.Settings) Config {
	return Config{
		MaxAttempts:    s.NotifyMaxAttempts,
		Timeout:        s.NotifyTimeout,
		InitialBackoff: 200 * time.Millisecond,
		Async:          s.AsyncNotify,
	}
}

// Sink persists scored candidates as alerts and notifies every channel.
type Sink struct {
	store     models.AlertStore
	notifiers []Notifier
	cfg       Config
	logger    *logrus.Logger
	now       func() time.Time
	pending   sync.WaitGroup
}

func NewSink(store models.AlertStore, cfg Config, notifiers ...Notifier) *Sink {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Sink{
		store:     store,
		notifiers: notifiers,
		cfg:       cfg,
		logger:    config.GetLogger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Emitted pairs a persisted alert with whether it was newly created.
type Emitted struct {
	Alert   models.Alert
	Created bool
}

// Emit persists one alert per candidate type for inv. An open alert with the
// same (org, invoice, type) is refreshed in place instead of duplicated.
// Notifications are sent only after every alert is persisted; their failures
// never fail Emit.
func (s *Sink) Emit(ctx context.Context, inv *models.Invoice, cands []scoring.Candidate) ([]Emitted, error) {
	var out []Emitted
	for _, c := range mergeByType(cands) {
		a, created, err := s.persist(ctx, inv, c)
		if err != nil {
			return out, fmt.Errorf("persist %s alert for invoice %d: %w", c.Type, inv.ID, err)
		}
		outcome := "refreshed"
		if created {
			outcome = "created"
		}
		metrics.AlertsEmitted.WithLabelValues(string(a.Type), string(a.Severity), outcome).Inc()
		out = append(out, Emitted{Alert: *a, Created: created})
	}
	if len(out) == 0 || len(s.notifiers) == 0 {
		return out, nil
	}

	notifyCtx := context.WithoutCancel(ctx)
	if s.cfg.Async {
		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			s.notifyAll(notifyCtx, out)
		}()
	} else {
		s.notifyAll(notifyCtx, out)
	}
	return out, nil
}

// Wait blocks until background notifications have finished.
func (s *Sink) Wait() {
	s.pending.Wait()
}

func (s *Sink) persist(ctx context.Context, inv *models.Invoice, c scoring.Candidate) (*models.Alert, bool, error) {
	existing, err := s.store.FindOpenAlert(ctx, inv.OrgId, inv.ID, c.Type)
	if err == nil {
		refreshed, err := s.refresh(ctx, existing, c)
		if err == nil {
			return refreshed, false, nil
		}
		if !errors.Is(err, utils.ErrInvalidTransition) {
			return nil, false, err
		}
		// closed between the read and the update; a fresh alert is opened below
	} else if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, false, err
	}

	key := models.AlertOpenKey(inv.OrgId, inv.ID, c.Type)
	a := &models.Alert{
		OrgId:      inv.OrgId,
		InvoiceId:  inv.ID,
		VendorId:   inv.VendorId,
		VendorName: inv.VendorName,
		InvoiceNo:  inv.InvoiceNo,
		Type:       c.Type,
		Severity:   c.Severity,
		Score:      c.Score,
		Message:    c.Message,
		Meta:       datatypes.JSONMap(c.Meta),
		Status:     models.AlertStatusOpen,
		OpenKey:    &key,
	}
	err = s.store.CreateAlert(ctx, a)
	if err == nil {
		return a, true, nil
	}
	if !models.IsDuplicateKeyErr(err) {
		return nil, false, err
	}

	// lost the race to a concurrent emitter for the same key
	existing, err = s.store.FindOpenAlert(ctx, inv.OrgId, inv.ID, c.Type)
	if err != nil {
		return nil, false, err
	}
	refreshed, err := s.refresh(ctx, existing, c)
	return refreshed, false, err
}

func (s *Sink) refresh(ctx context.Context, a *models.Alert, c scoring.Candidate) (*models.Alert, error) {
	a.Severity = c.Severity
	a.Score = c.Score
	a.Message = c.Message
	a.Meta = datatypes.JSONMap(c.Meta)
	a.UpdatedAt = s.now()
	if err := s.store.RefreshAlert(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// mergeByType keeps one candidate per alert type, the highest scoring, in
// first-seen type order. The others are carried in meta["additional"].
func mergeByType(cands []scoring.Candidate) []scoring.Candidate {
	var order []models.AlertType
	groups := make(map[models.AlertType][]scoring.Candidate)
	for _, c := range cands {
		if _, ok := groups[c.Type]; !ok {
			order = append(order, c.Type)
		}
		groups[c.Type] = append(groups[c.Type], c)
	}
	out := make([]scoring.Candidate, 0, len(order))
	for _, t := range order {
		g := groups[t]
		if len(g) == 1 {
			out = append(out, g[0])
			continue
		}
		sort.SliceStable(g, func(i, j int) bool {
			if g[i].Score != g[j].Score {
				return g[i].Score > g[j].Score
			}
			return g[i].Severity.Rank() > g[j].Severity.Rank()
		})
		primary := g[0]
		meta := make(map[string]any, len(primary.Meta)+1)
		for k, v := range primary.Meta {
			meta[k] = v
		}
		extra := make([]map[string]any, 0, len(g)-1)
		for _, c := range g[1:] {
			extra = append(extra, map[string]any{
				"severity": c.Severity,
				"score":    c.Score,
				"message":  c.Message,
				"meta":     c.Meta,
			})
		}
		meta["additional"] = extra
		primary.Meta = meta
		out = append(out, primary)
	}
	return out
}

func (s *Sink) notifyAll(ctx context.Context, emitted []Emitted) {
	for _, e := range emitted {
		s.fanOut(ctx, e)
	}
}

// fanOut sends one alert to every channel concurrently. A channel that
// exhausts its retries is logged and counted; the others are unaffected.
func (s *Sink) fanOut(ctx context.Context, e Emitted) {
	var g errgroup.Group
	for _, n := range s.notifiers {
		g.Go(func() error {
			if err := s.deliver(ctx, n, e); err != nil {
				metrics.NotificationFailures.WithLabelValues(n.Name()).Inc()
				config.LogError(s.logger, "alerts/sink.go", "fanOut", "notification exhausted retries",
					map[string]any{"alert_id": e.Alert.ID, "invoice_id": e.Alert.InvoiceId, "channel": n.Name()}, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Sink) deliver(ctx context.Context, n Notifier, e Emitted) error {
	b := backoff.NewExponentialBackOff()
	if s.cfg.InitialBackoff > 0 {
		b.InitialInterval = s.cfg.InitialBackoff
	}
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		attemptCtx := ctx
		if s.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
		}
		return struct{}{}, n.Notify(attemptCtx, e)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.cfg.MaxAttempts)))
	if err != nil {
		return &utils.NotificationError{Channel: n.Name(), AlertId: e.Alert.ID, Attempts: attempts, Err: err}
	}
	return nil
}

// Transition moves an open alert to acknowledged or dismissed.
func (s *Sink) Transition(ctx context.Context, orgId string, id int, to models.AlertStatus, actor string) (*models.Alert, error) {
	if !to.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	current, err := s.store.GetAlert(ctx, orgId, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(current.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	return s.store.TransitionAlert(ctx, orgId, id, to, actor, s.now())
}
