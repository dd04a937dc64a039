package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stankur/pipeline-processor/internal/domain"
	"github.com/stankur/pipeline-processor/internal/logging"
	"github.com/stankur/pipeline-processor/internal/ports"
	"github.com/stankur/pipeline-processor/internal/stepgraph"
)

// OrchestratorDeps wires storage and the step capabilities into the pipeline.
type OrchestratorDeps struct {
	Store      ports.Store
	Graph      *stepgraph.Graph
	Fetcher    ports.RepoFetcher
	Selector   ports.HighlightSelector
	Enricher   ports.Enricher
	Summarizer ports.Summarizer
	Notifier   ports.Notifier
	Logger     *slog.Logger
	// MaxHighlights bounds the heuristic selection used by ghost prefetch
	// and when no Selector is configured.
	MaxHighlights int
	Now           func() time.Time
	NewToken      func() string
}

// Orchestrator drives the per-identity step pipeline.
type Orchestrator struct {
	store     ports.Store
	graph     *stepgraph.Graph
	steps     map[string]stepRunner
	fetch     *fetchStep
	heuristic HeuristicSelector
	notifier  ports.Notifier
	logger    *slog.Logger
	now       func() time.Time
	newToken  func() string

	wg sync.WaitGroup
}

// NewOrchestrator constructs the orchestration component.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	graph := deps.Graph
	if graph == nil {
		graph = stepgraph.Default
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newToken := deps.NewToken
	if newToken == nil {
		newToken = uuid.NewString
	}

	heuristic := HeuristicSelector{Limit: deps.MaxHighlights}
	selector := deps.Selector
	if selector == nil {
		selector = heuristic
	}

	fetch := &fetchStep{store: deps.Store, fetcher: deps.Fetcher}
	o := &Orchestrator{
		store:     deps.Store,
		graph:     graph,
		fetch:     fetch,
		heuristic: heuristic,
		notifier:  deps.Notifier,
		logger:    logger,
		now:       now,
		newToken:  newToken,
	}
	o.steps = map[string]stepRunner{
		domain.StepFetch:     fetch.run,
		domain.StepSelect:    (&selectStep{store: deps.Store, selector: selector}).run,
		domain.StepEnrich:    (&enrichStep{store: deps.Store, enricher: deps.Enricher}).run,
		domain.StepSummarize: (&summarizeStep{store: deps.Store, summarizer: deps.Summarizer}).run,
	}
	return o
}

// Wait blocks until every background run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Start creates the identity if needed and runs the pipeline unless it is
// already complete, in flight, parked on a failure or a ghost.
func (o *Orchestrator) Start(ctx context.Context, login string) (domain.LifecycleState, error) {
	login, err := normalizeLogin(login)
	if err != nil {
		return "", err
	}

	identity, created, err := o.ensureIdentity(ctx, login, domain.StateNew)
	if err != nil {
		return "", err
	}
	if !startable(identity) {
		return identity.State, nil
	}

	state, err := o.launch(ctx, login, startable, nil)
	if err != nil {
		return "", err
	}
	if created {
		return domain.StateNew, nil
	}
	return state, nil
}

// Restart invalidates every step and runs the pipeline from the first one.
func (o *Orchestrator) Restart(ctx context.Context, login string) (domain.LifecycleState, error) {
	login, err := normalizeLogin(login)
	if err != nil {
		return "", err
	}
	if _, err := o.store.GetIdentity(ctx, login); err != nil {
		return "", err
	}
	return o.launch(ctx, login, anyState, o.graph.Order())
}

// RestartFrom invalidates step and everything downstream of it, then resumes
// from the first pending step. Unknown steps are rejected before any write.
func (o *Orchestrator) RestartFrom(ctx context.Context, login, step string) (domain.LifecycleState, error) {
	login, err := normalizeLogin(login)
	if err != nil {
		return "", err
	}
	invalidated, err := o.graph.Downstream(step)
	if err != nil {
		return "", err
	}
	if _, err := o.store.GetIdentity(ctx, login); err != nil {
		return "", err
	}
	return o.launch(ctx, login, anyState, invalidated)
}

// Progress returns one row per declared step in dependency order; steps
// never recorded are reported as pending.
func (o *Orchestrator) Progress(ctx context.Context, login string) ([]domain.StepProgress, error) {
	login, err := normalizeLogin(login)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.GetIdentity(ctx, login); err != nil {
		return nil, err
	}

	recorded, err := o.loadProgress(ctx, login)
	if err != nil {
		return nil, err
	}
	out := make([]domain.StepProgress, 0, len(o.graph.Order()))
	for _, step := range o.graph.Order() {
		out = append(out, recorded[step])
	}
	return out, nil
}

// CreateGhost registers login as a ghost and pre-populates its display data
// in the background. Existing identities are re-ghosted only with force.
func (o *Orchestrator) CreateGhost(ctx context.Context, login string, force bool) (domain.LifecycleState, error) {
	login, err := normalizeLogin(login)
	if err != nil {
		return "", err
	}

	identity, created, err := o.ensureIdentity(ctx, login, domain.StateGhost)
	if err != nil {
		return "", err
	}
	if !created {
		if !force {
			return "", fmt.Errorf("identity %s: %w", login, domain.ErrAlreadyExists)
		}
		if identity.InFlight() {
			return "", fmt.Errorf("identity %s: %w", login, domain.ErrRunInFlight)
		}
	}

	token := o.newToken()
	claimed, err := o.store.ClaimRun(ctx, login, token)
	if err != nil {
		return "", fmt.Errorf("claim prefetch: %w", err)
	}
	if !claimed {
		return domain.StateGhost, nil
	}
	if !created {
		// Prefetch replaces the highlights, so nothing derived from the old
		// ones may keep reporting success.
		invalidated, err := o.graph.Downstream(domain.StepFetch)
		if err == nil {
			err = o.store.ResetProgress(ctx, login, invalidated)
		}
		if err != nil {
			o.release(ctx, login, token)
			return "", fmt.Errorf("reset progress: %w", err)
		}
	}
	if err := o.store.SetState(ctx, login, domain.StateGhost, ""); err != nil {
		o.release(ctx, login, token)
		return "", fmt.Errorf("mark ghost: %w", err)
	}

	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(runCtx, login, token)
		o.prefetch(runCtx, login)
	}()
	return domain.StateGhost, nil
}

// Login activates a pre-populated ghost, starts unknown identities and
// reports everything else unchanged.
func (o *Orchestrator) Login(ctx context.Context, login string) (domain.LoginOutcome, domain.LifecycleState, error) {
	login, err := normalizeLogin(login)
	if err != nil {
		return "", "", err
	}

	identity, err := o.store.GetIdentity(ctx, login)
	if errors.Is(err, domain.ErrNotFound) {
		state, err := o.Start(ctx, login)
		if err != nil {
			return "", "", err
		}
		return domain.LoginNew, state, nil
	}
	if err != nil {
		return "", "", err
	}
	if identity.State != domain.StateGhost {
		return domain.LoginExisting, identity.State, nil
	}

	highlights, err := o.store.ListHighlights(ctx, login)
	if err != nil {
		return "", "", fmt.Errorf("load ghost highlights: %w", err)
	}
	if len(highlights) > 0 {
		if err := o.store.SetState(ctx, login, domain.StateReady, ""); err != nil {
			return "", "", fmt.Errorf("activate ghost: %w", err)
		}
		o.logger.Info("ghost activated", "login", login, "highlights", len(highlights))
		return domain.LoginActivated, domain.StateReady, nil
	}
	if identity.InFlight() {
		return domain.LoginExisting, identity.State, nil
	}

	// Nothing was pre-populated: run the full pipeline as for a new login.
	state, err := o.launch(ctx, login, isGhost, o.graph.Order())
	if err != nil {
		return "", "", err
	}
	return domain.LoginNew, state, nil
}

// Delete removes an idle identity and everything that depends on it.
func (o *Orchestrator) Delete(ctx context.Context, login string) error {
	login, err := normalizeLogin(login)
	if err != nil {
		return err
	}
	identity, err := o.store.GetIdentity(ctx, login)
	if err != nil {
		return err
	}
	if identity.InFlight() {
		return fmt.Errorf("delete %s: %w", login, domain.ErrRunInFlight)
	}
	if err := o.store.DeleteIdentity(ctx, login); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	o.logger.Info("identity deleted", "login", login)
	return nil
}

// launch claims the run marker, resets the given steps and starts the
// execution loop in the background. When another run holds the identity, or
// eligible rejects the freshly read identity, nothing is written.
func (o *Orchestrator) launch(ctx context.Context, login string, eligible func(domain.Identity) bool, reset []string) (domain.LifecycleState, error) {
	token := o.newToken()
	claimed, err := o.store.ClaimRun(ctx, login, token)
	if err != nil {
		return "", fmt.Errorf("claim run: %w", err)
	}

	identity, err := o.store.GetIdentity(ctx, login)
	if err != nil {
		if claimed {
			o.release(ctx, login, token)
		}
		return "", err
	}
	if !claimed {
		return identity.State, nil
	}
	identity.RunToken = ""
	if !eligible(identity) {
		o.release(ctx, login, token)
		return identity.State, nil
	}

	if err := o.store.ResetProgress(ctx, login, reset); err != nil {
		o.release(ctx, login, token)
		return "", fmt.Errorf("reset progress: %w", err)
	}
	if err := o.store.SetState(ctx, login, domain.StateProcessing, ""); err != nil {
		o.release(ctx, login, token)
		return "", fmt.Errorf("mark processing: %w", err)
	}
	o.logger.Info("pipeline run claimed", "login", login, "reset", reset)

	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(runCtx, login, token)
		o.execute(runCtx, login)
	}()
	return domain.StateProcessing, nil
}

// execute walks the steps in dependency order. A pending step whose
// dependencies all succeeded is run; the first failure halts the walk.
func (o *Orchestrator) execute(ctx context.Context, login string) {
	logger := o.logger.With("login", login)

	progress, err := o.loadProgress(ctx, login)
	if err != nil {
		logger.Error("load progress", "error", err)
		return
	}

	for _, step := range o.graph.Order() {
		current := progress[step]
		if current.Status == domain.StepSucceeded {
			continue
		}
		if current.Status == domain.StepFailed {
			o.park(ctx, logger, login, &domain.StepFailure{Step: step, Err: errors.New(current.ErrorMessage)})
			return
		}
		for _, dep := range o.graph.DependsOn(step) {
			if progress[dep].Status != domain.StepSucceeded {
				logger.Warn("step gated by dependency", "step", step, "dependency", dep)
				return
			}
		}

		runner, ok := o.steps[step]
		if !ok {
			logger.Error("no runner for step", "step", step)
			return
		}

		current = domain.StepProgress{Step: step, Status: domain.StepRunning, StartedAt: o.now().UTC()}
		if err := o.store.UpsertProgress(ctx, login, current); err != nil {
			logger.Error("mark step running", "step", step, "error", err)
			return
		}
		logger.Debug("step started", "step", step)

		output, runErr := runner(ctx, login)
		current.CompletedAt = o.now().UTC()
		if runErr != nil {
			current.Status = domain.StepFailed
			current.ErrorMessage = runErr.Error()
			if err := o.store.UpsertProgress(ctx, login, current); err != nil {
				logger.Error("mark step failed", "step", step, "error", err)
				return
			}
			o.park(ctx, logger, login, &domain.StepFailure{Step: step, Err: runErr})
			return
		}

		current.Status = domain.StepSucceeded
		current.Output = output
		if err := o.store.UpsertProgress(ctx, login, current); err != nil {
			logger.Error("mark step succeeded", "step", step, "error", err)
			return
		}
		progress[step] = current
		logger.Debug("step succeeded", "step", step, "output", output)
	}

	if err := o.store.SetState(ctx, login, domain.StateReady, ""); err != nil {
		logger.Error("mark ready", "error", err)
		return
	}
	logger.Info("pipeline complete")
	o.notify(ctx, fmt.Sprintf("%s: pipeline complete", login))
}

// park leaves the identity processing with the failure recorded on it.
func (o *Orchestrator) park(ctx context.Context, logger *slog.Logger, login string, failure *domain.StepFailure) {
	if err := o.store.SetState(ctx, login, domain.StateProcessing, failure.Error()); err != nil {
		logger.Error("record step failure", "step", failure.Step, "error", err)
		return
	}
	logger.Warn("pipeline halted", "step", failure.Step, "error", failure.Err)
	o.notify(ctx, fmt.Sprintf("%s: %s", login, failure.Error()))
}

// prefetch is the reduced ghost pipeline: the real fetch step followed by a
// heuristic selection, with no LLM involved.
func (o *Orchestrator) prefetch(ctx context.Context, login string) {
	logger := o.logger.With("login", login, "mode", "ghost")

	progress := domain.StepProgress{Step: domain.StepFetch, Status: domain.StepRunning, StartedAt: o.now().UTC()}
	if err := o.store.UpsertProgress(ctx, login, progress); err != nil {
		logger.Error("mark prefetch running", "error", err)
		return
	}

	output, err := o.fetch.run(ctx, login)
	progress.CompletedAt = o.now().UTC()
	if err != nil {
		progress.Status = domain.StepFailed
		progress.ErrorMessage = err.Error()
		if uerr := o.store.UpsertProgress(ctx, login, progress); uerr != nil {
			logger.Error("mark prefetch failed", "error", uerr)
		}
		failure := &domain.StepFailure{Step: domain.StepFetch, Err: err}
		if serr := o.store.SetState(ctx, login, domain.StateGhost, failure.Error()); serr != nil {
			logger.Error("record prefetch failure", "error", serr)
		}
		logger.Warn("ghost prefetch failed", "error", err)
		return
	}
	progress.Status = domain.StepSucceeded
	progress.Output = output
	if err := o.store.UpsertProgress(ctx, login, progress); err != nil {
		logger.Error("mark prefetch succeeded", "error", err)
		return
	}

	repos, err := o.store.ListRawRepos(ctx, login)
	if err != nil {
		logger.Error("load prefetched repos", "error", err)
		return
	}
	identity, err := o.store.GetIdentity(ctx, login)
	if err != nil {
		logger.Error("load ghost identity", "error", err)
		return
	}
	picked, _ := o.heuristic.SelectHighlights(ctx, identity.Profile, repos)
	if err := o.store.ReplaceHighlights(ctx, login, highlightsFrom(login, picked)); err != nil {
		logger.Error("store ghost highlights", "error", err)
		return
	}
	logger.Info("ghost prefetched", "repos", len(repos), "highlights", len(picked))
}

func (o *Orchestrator) ensureIdentity(ctx context.Context, login string, state domain.LifecycleState) (domain.Identity, bool, error) {
	identity, err := o.store.GetIdentity(ctx, login)
	if err == nil {
		return identity, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Identity{}, false, err
	}

	err = o.store.CreateIdentity(ctx, domain.Identity{Login: login, State: state, CreatedAt: o.now().UTC()})
	if errors.Is(err, domain.ErrAlreadyExists) {
		// Lost a creation race; the winner's record is authoritative.
		identity, err = o.store.GetIdentity(ctx, login)
		return identity, false, err
	}
	if err != nil {
		return domain.Identity{}, false, fmt.Errorf("create identity: %w", err)
	}
	identity, err = o.store.GetIdentity(ctx, login)
	if err != nil {
		return domain.Identity{}, false, err
	}
	o.logger.Info("identity created", "login", login, "state", state)
	return identity, true, nil
}

func (o *Orchestrator) loadProgress(ctx context.Context, login string) (map[string]domain.StepProgress, error) {
	rows, err := o.store.ListProgress(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	out := make(map[string]domain.StepProgress, len(o.graph.Order()))
	for _, step := range o.graph.Order() {
		out[step] = domain.StepProgress{Step: step, Status: domain.StepPending}
	}
	for _, row := range rows {
		if _, declared := out[row.Step]; declared {
			out[row.Step] = row
		}
	}
	return out, nil
}

func (o *Orchestrator) release(ctx context.Context, login, token string) {
	if err := o.store.ReleaseRun(ctx, login, token); err != nil {
		o.logger.Error("release run", "login", login, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, message string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, message); err != nil {
		o.logger.Warn("notify", "error", err)
	}
}

// startable reports whether Start should run the pipeline: a new identity, or
// one left processing by a run that neither finished nor failed.
func startable(identity domain.Identity) bool {
	if identity.InFlight() {
		return false
	}
	switch identity.State {
	case domain.StateNew:
		return true
	case domain.StateProcessing:
		return identity.ErrorDetail == ""
	default:
		return false
	}
}

func anyState(domain.Identity) bool { return true }

func isGhost(identity domain.Identity) bool { return identity.State == domain.StateGhost }

func normalizeLogin(login string) (string, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return "", fmt.Errorf("login is required")
	}
	return login, nil
}
