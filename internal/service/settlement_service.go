package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/digkill/genstudio/internal/metrics"
	"github.com/digkill/genstudio/internal/models"
	"github.com/digkill/genstudio/internal/pricing"
	"github.com/digkill/genstudio/internal/provider"
	"github.com/digkill/genstudio/internal/repository"
)

var (
	ErrInvalidInput           = pricing.ErrInvalidInput
	ErrGenerationNotFound     = repository.ErrGenerationNotFound
	ErrReconciliationConflict = repository.ErrReconciliationConflict
	ErrGenerationTimeout      = errors.New("generation timed out")
)

const (
	msgCancelledByUser = "cancelled by user"
	msgTimedOut        = "timed out waiting for provider"
	msgStalePending    = "submission never completed"
)

type GenerationStore interface {
	Create(ctx context.Context, g *models.Generation) error
	GetByID(ctx context.Context, id string) (*models.Generation, error)
	FindNonTerminalForUser(ctx context.Context, userID int64) ([]models.Generation, error)
	FindActiveForUser(ctx context.Context, userID int64, since time.Time) ([]models.Generation, error)
	ListForUser(ctx context.Context, userID int64, limit, offset int) ([]models.Generation, error)
	ListProcessing(ctx context.Context, limit int) ([]models.Generation, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]models.Generation, error)
	ListUnrefundedFailures(ctx context.Context, limit int) ([]models.Generation, error)
	UpdateStatus(ctx context.Context, id string, expected, next models.GenerationStatus, patch repository.StatusPatch) error
}

type ProviderResolver interface {
	Resolve(kind models.GenerationKind, preferred string) (provider.Provider, error)
	Get(name string) (provider.Provider, bool)
}

type Archiver interface {
	Archive(ctx context.Context, req ArchiveRequest) (int64, error)
}

type SettlementConfig struct {
	SubmitMaxRetries int
	SubmitBackoff    time.Duration
	PollInterval     time.Duration
	PollMaxAttempts  int
	PendingTimeout   time.Duration
	ActiveWindow     time.Duration
	SweepBatch       int
}

func (c SettlementConfig) withDefaults() SettlementConfig {
	if c.SubmitMaxRetries < 0 {
		c.SubmitMaxRetries = 0
	}
	if c.SubmitBackoff <= 0 {
		c.SubmitBackoff = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 60
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 10 * time.Minute
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = 5 * time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 200
	}
	return c
}

type StartRequest struct {
	UserID          int64                 `json:"user_id" validate:"required,gt=0"`
	Kind            models.GenerationKind `json:"kind" validate:"required,generation_kind"`
	Prompt          string                `json:"prompt" validate:"required_unless=Kind image-upscale,max=4000"`
	DurationSeconds *int                  `json:"duration_seconds,omitempty" validate:"omitempty,gt=0,lte=3600"`
	Inputs          provider.Inputs       `json:"inputs"`
	OwnerRef        string                `json:"owner_ref,omitempty" validate:"max=191"`
	Provider        string                `json:"provider,omitempty"`
}

type ReconcileResult struct {
	Record       *models.Generation `json:"record"`
	Transitioned bool               `json:"transitioned"`
}

// SweepReport summarises one server-side pass.
type SweepReport struct {
	Reconciled    int `json:"reconciled"`
	Transitioned  int `json:"transitioned"`
	StaleFailed   int `json:"stale_failed"`
	RefundsIssued int `json:"refunds_issued"`
}

type SettlementService struct {
	store     GenerationStore
	ledger    *LedgerService
	providers ProviderResolver
	archiver  Archiver
	metrics   *metrics.Lifecycle
	validate  *validator.Validate
	cfg       SettlementConfig
	log       zerolog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewSettlementService(store GenerationStore, ledger *LedgerService, providers ProviderResolver, archiver Archiver, m *metrics.Lifecycle, cfg SettlementConfig, log zerolog.Logger) *SettlementService {
	return &SettlementService{
		store:     store,
		ledger:    ledger,
		providers: providers,
		archiver:  archiver,
		metrics:   m,
		validate:  newValidator(),
		cfg:       cfg.withDefaults(),
		log:       log.With().Str("component", "settlement").Logger(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func debitReference(id string) string  { return "generation:" + id + ":debit" }
func refundReference(id string) string { return "generation:" + id + ":refund" }

// Start charges the user, records the generation and submits it. Insufficient credits
// leave no trace. A failed submission returns the FAILED record together with the
// provider error, after the charge has been refunded.
func (s *SettlementService) Start(ctx context.Context, req StartRequest) (*models.Generation, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, validationMessage(err))
	}
	cost, err := pricing.Cost(req.Kind, req.DurationSeconds)
	if err != nil {
		return nil, err
	}
	p, err := s.providers.Resolve(req.Kind, req.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	inputs := req.Inputs
	if inputs.Prompt == "" {
		inputs.Prompt = req.Prompt
	}
	if req.DurationSeconds != nil && inputs.DurationSeconds == 0 {
		inputs.DurationSeconds = *req.DurationSeconds
	}

	id := uuid.NewString()
	log := s.log.With().Str("generation_id", id).Int64("user_id", req.UserID).Str("kind", string(req.Kind)).Logger()

	if _, err := s.ledger.Deduct(ctx, req.UserID, cost, LedgerOp{
		Kind:        models.LedgerDebit,
		RelatedKind: req.Kind,
		Reference:   debitReference(id),
		Description: fmt.Sprintf("%s generation", req.Kind),
		Metadata:    map[string]any{"generation_id": id},
	}); err != nil {
		return nil, err
	}

	rec := &models.Generation{
		ID:         id,
		UserID:     req.UserID,
		OwnerRef:   req.OwnerRef,
		Kind:       req.Kind,
		Status:     models.StatusPending,
		Prompt:     req.Prompt,
		Provider:   p.Name(),
		Cost:       cost,
		ResultURLs: []string{},
	}
	if err := s.store.Create(ctx, rec); err != nil {
		// no record means nothing else will ever refund this debit
		s.refund(context.WithoutCancel(ctx), rec, "refund: generation could not be recorded")
		return nil, fmt.Errorf("create generation: %w", err)
	}

	sub, submitErr := s.submit(ctx, p, req.Kind, inputs)
	if submitErr != nil {
		log.Warn().Err(submitErr).Str("provider", p.Name()).Msg("submission failed, refunding")
		bg := context.WithoutCancel(ctx)
		if _, err := s.fail(bg, rec, models.StatusPending, submitErr.Error(), true, "submit"); err != nil {
			return nil, fmt.Errorf("fail generation after submit error %v: %w", submitErr, err)
		}
		return s.reload(bg, rec), fmt.Errorf("submit to %s: %w", p.Name(), submitErr)
	}

	providerName := p.Name()
	err = s.store.UpdateStatus(ctx, id, models.StatusPending, models.StatusProcessing, repository.StatusPatch{
		Provider:       &providerName,
		Model:          &sub.Model,
		ExternalHandle: &sub.Handle,
	})
	switch {
	case errors.Is(err, ErrReconciliationConflict):
		// cleared while submitting; the clearing path already settled the charge
		s.metrics.Conflict()
		log.Warn().Str("handle", sub.Handle).Msg("generation left PENDING before submission finished")
	case err != nil:
		// stays PENDING; the stale sweep fails and refunds it
		return nil, fmt.Errorf("mark generation processing: %w", err)
	default:
		s.metrics.Started(string(req.Kind), providerName)
		log.Info().Str("provider", providerName).Str("handle", sub.Handle).Int("cost", cost).Msg("generation submitted")
	}
	return s.reload(ctx, rec), nil
}

func (s *SettlementService) submit(ctx context.Context, p provider.Provider, kind models.GenerationKind, in provider.Inputs) (provider.Submission, error) {
	backoff := retry.WithMaxRetries(uint64(s.cfg.SubmitMaxRetries), retry.NewExponential(s.cfg.SubmitBackoff))
	var sub provider.Submission
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		sub, err = p.Submit(ctx, kind, in)
		if errors.Is(err, provider.ErrProviderUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	return sub, err
}

// Reconcile checks one PROCESSING record with its provider and settles it when terminal.
// Records in any other status are returned untouched.
func (s *SettlementService) Reconcile(ctx context.Context, id string) (ReconcileResult, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return ReconcileResult{}, err
	}
	return s.reconcileRecord(ctx, rec)
}

func (s *SettlementService) reconcileRecord(ctx context.Context, rec *models.Generation) (ReconcileResult, error) {
	if rec.Status != models.StatusProcessing {
		return ReconcileResult{Record: rec}, nil
	}
	p, ok := s.providers.Get(rec.Provider)
	if !ok {
		return ReconcileResult{Record: rec}, fmt.Errorf("provider %q for generation %s is not registered", rec.Provider, rec.ID)
	}

	status, err := p.CheckStatus(ctx, rec.ExternalHandle)
	if err != nil {
		return ReconcileResult{Record: rec}, fmt.Errorf("check status of %s: %w", rec.ID, err)
	}

	transitioned, err := s.applyStatus(ctx, rec, status)
	if err != nil {
		return ReconcileResult{Record: rec}, err
	}
	return ReconcileResult{Record: s.reload(ctx, rec), Transitioned: transitioned}, nil
}

// applyStatus settles a PROCESSING record from a provider status. It returns false
// when the status is pending or another writer settled the record first.
func (s *SettlementService) applyStatus(ctx context.Context, rec *models.Generation, status provider.Status) (bool, error) {
	switch status.State {
	case provider.StateSucceeded:
		return s.complete(ctx, rec, status.Outputs)
	case provider.StateFailed:
		msg := status.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		return s.fail(ctx, rec, models.StatusProcessing, msg, true, "provider")
	default:
		return false, nil
	}
}

func (s *SettlementService) complete(ctx context.Context, rec *models.Generation, outputs []string) (bool, error) {
	patch := repository.StatusPatch{ResultURLs: outputs, MarkCompleted: true}
	if len(outputs) > 0 {
		patch.ResultURL = &outputs[0]
	}
	err := s.store.UpdateStatus(ctx, rec.ID, models.StatusProcessing, models.StatusCompleted, patch)
	if errors.Is(err, ErrReconciliationConflict) {
		s.metrics.Conflict()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete generation %s: %w", rec.ID, err)
	}
	s.metrics.Completed(string(rec.Kind))
	s.log.Info().Str("generation_id", rec.ID).Int("outputs", len(outputs)).Msg("generation completed")

	if s.archiver != nil {
		for _, url := range outputs {
			if _, err := s.archiver.Archive(ctx, ArchiveRequest{
				UserID:       rec.UserID,
				GenerationID: rec.ID,
				OutputURL:    url,
				Kind:         rec.Kind,
				Prompt:       rec.Prompt,
			}); err != nil {
				s.log.Error().Err(err).Str("generation_id", rec.ID).Str("url", url).Msg("archive output")
			}
		}
	}
	return true, nil
}

// fail moves rec from expected to FAILED and optionally refunds the charge.
func (s *SettlementService) fail(ctx context.Context, rec *models.Generation, expected models.GenerationStatus, message string, refund bool, reason string) (bool, error) {
	err := s.store.UpdateStatus(ctx, rec.ID, expected, models.StatusFailed, repository.StatusPatch{ErrorMessage: &message})
	if errors.Is(err, ErrReconciliationConflict) {
		s.metrics.Conflict()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail generation %s: %w", rec.ID, err)
	}
	s.metrics.Failed(string(rec.Kind), reason)
	s.log.Info().Str("generation_id", rec.ID).Str("from", string(expected)).Str("reason", reason).Str("error", message).Msg("generation failed")

	if refund {
		s.refund(ctx, rec, fmt.Sprintf("refund: %s generation failed", rec.Kind))
	}
	return true, nil
}

// refund returns the charge of rec. Errors are logged; RepairRefunds retries them.
func (s *SettlementService) refund(ctx context.Context, rec *models.Generation, description string) bool {
	if rec.Cost <= 0 {
		return false
	}
	out, err := s.ledger.Refund(ctx, rec.UserID, rec.Cost, rec.Kind, description, refundReference(rec.ID), map[string]any{"generation_id": rec.ID})
	if err != nil {
		s.log.Error().Err(err).Str("generation_id", rec.ID).Int("amount", rec.Cost).Msg("refund failed, left for repair")
		return false
	}
	if out.Applied {
		s.metrics.Refunded(string(rec.Kind), rec.Cost)
	}
	return out.Applied
}

// ReconcileAllForUser reconciles every PROCESSING record of the user. One record's
// error does not stop the pass; all errors are returned combined alongside the
// user's in-flight and recently completed records.
func (s *SettlementService) ReconcileAllForUser(ctx context.Context, userID int64) ([]models.Generation, error) {
	pending, err := s.store.FindNonTerminalForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find non-terminal generations: %w", err)
	}

	var errs error
	for i := range pending {
		if _, err := s.reconcileRecord(ctx, &pending[i]); err != nil {
			s.log.Warn().Err(err).Str("generation_id", pending[i].ID).Msg("reconcile failed")
			errs = multierr.Append(errs, err)
		}
	}

	active, err := s.store.FindActiveForUser(ctx, userID, s.now().Add(-s.cfg.ActiveWindow))
	if err != nil {
		return nil, multierr.Append(errs, fmt.Errorf("find active generations: %w", err))
	}
	return active, errs
}

// ClearQueue abandons the user's in-flight work. Each PROCESSING record gets one last
// status check: a terminal answer is applied normally, anything else is cancelled and
// refunded. PENDING records are cancelled and refunded. Records completed within the
// active window are hidden as cancelled without a refund, since the user received them.
func (s *SettlementService) ClearQueue(ctx context.Context, userID int64) (int, error) {
	active, err := s.store.FindActiveForUser(ctx, userID, s.now().Add(-s.cfg.ActiveWindow))
	if err != nil {
		return 0, fmt.Errorf("find active generations: %w", err)
	}

	var (
		cleared int
		errs    error
	)
	for i := range active {
		rec := &active[i]
		var (
			changed bool
			err     error
		)
		switch rec.Status {
		case models.StatusProcessing:
			changed, err = s.clearProcessing(ctx, rec)
		case models.StatusPending:
			changed, err = s.fail(ctx, rec, models.StatusPending, msgCancelledByUser, true, "cancelled")
		case models.StatusCompleted:
			changed, err = s.fail(ctx, rec, models.StatusCompleted, msgCancelledByUser, false, "cancelled")
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if changed {
			cleared++
		}
	}
	s.log.Info().Int64("user_id", userID).Int("cleared", cleared).Msg("queue cleared")
	return cleared, errs
}

func (s *SettlementService) clearProcessing(ctx context.Context, rec *models.Generation) (bool, error) {
	if p, ok := s.providers.Get(rec.Provider); ok {
		status, err := p.CheckStatus(ctx, rec.ExternalHandle)
		if err == nil && status.State != provider.StatePending {
			return s.applyStatus(ctx, rec, status)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("generation_id", rec.ID).Msg("final status check failed, cancelling")
		}
	}
	return s.fail(ctx, rec, models.StatusProcessing, msgCancelledByUser, true, "cancelled")
}

// WaitForCompletion polls one record until it is terminal. When the attempt budget runs
// out the record is failed and refunded as if the provider had reported failure.
func (s *SettlementService) WaitForCompletion(ctx context.Context, id string) (*models.Generation, error) {
	for attempt := 0; attempt < s.cfg.PollMaxAttempts; attempt++ {
		res, err := s.Reconcile(ctx, id)
		if err != nil && !errors.Is(err, provider.ErrProviderUnavailable) {
			return nil, err
		}
		if err != nil {
			s.log.Warn().Err(err).Str("generation_id", id).Int("attempt", attempt+1).Msg("status check failed, retrying")
		}
		if res.Record != nil && res.Record.Status.IsTerminal() {
			return res.Record, nil
		}
		if attempt < s.cfg.PollMaxAttempts-1 {
			if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
				return nil, err
			}
		}
	}

	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := rec.Status
	if expected.IsTerminal() {
		return rec, nil
	}
	changed, err := s.fail(ctx, rec, expected, msgTimedOut, true, "timeout")
	if err != nil {
		return nil, err
	}
	rec = s.reload(ctx, rec)
	if !changed && rec.Status == models.StatusCompleted {
		return rec, nil
	}
	return rec, fmt.Errorf("%w after %d attempts", ErrGenerationTimeout, s.cfg.PollMaxAttempts)
}

// ReconcileAll sweeps PROCESSING records across all users.
func (s *SettlementService) ReconcileAll(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	records, err := s.store.ListProcessing(ctx, s.cfg.SweepBatch)
	if err != nil {
		return report, fmt.Errorf("list processing generations: %w", err)
	}
	var errs error
	for i := range records {
		res, err := s.reconcileRecord(ctx, &records[i])
		report.Reconciled++
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if res.Transitioned {
			report.Transitioned++
		}
	}
	return report, errs
}

// SweepStale fails PENDING records whose submission never finished, e.g. after a crash.
func (s *SettlementService) SweepStale(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	records, err := s.store.ListStalePending(ctx, s.now().Add(-s.cfg.PendingTimeout), s.cfg.SweepBatch)
	if err != nil {
		return report, fmt.Errorf("list stale pending generations: %w", err)
	}
	var errs error
	for i := range records {
		changed, err := s.fail(ctx, &records[i], models.StatusPending, msgStalePending, true, "stale")
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if changed {
			report.StaleFailed++
		}
	}
	return report, errs
}

// RepairRefunds issues refunds that were lost between a FAILED transition and the ledger write.
func (s *SettlementService) RepairRefunds(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	records, err := s.store.ListUnrefundedFailures(ctx, s.cfg.SweepBatch)
	if err != nil {
		return report, fmt.Errorf("list unrefunded failures: %w", err)
	}
	for i := range records {
		if s.refund(ctx, &records[i], fmt.Sprintf("refund: %s generation failed", records[i].Kind)) {
			report.RefundsIssued++
		}
	}
	return report, nil
}

func (s *SettlementService) GetGeneration(ctx context.Context, userID int64, id string) (*models.Generation, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrGenerationNotFound
	}
	return rec, nil
}

func (s *SettlementService) ListHistory(ctx context.Context, userID int64, page Page) ([]models.Generation, error) {
	page = page.normalize()
	return s.store.ListForUser(ctx, userID, page.Limit, page.Offset)
}

// reload re-reads rec, falling back to the stale copy when the read fails.
func (s *SettlementService) reload(ctx context.Context, rec *models.Generation) *models.Generation {
	fresh, err := s.store.GetByID(ctx, rec.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("generation_id", rec.ID).Msg("reload generation")
		return rec
	}
	return fresh
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
