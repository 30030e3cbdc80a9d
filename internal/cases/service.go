// Package cases implements the case lifecycle: creation with its main
// workflow, closure, manual state changes, and timeline reads.
package cases

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stadswerk/caseflow/internal/engine"
	"github.com/stadswerk/caseflow/internal/events"
	"github.com/stadswerk/caseflow/internal/observability"
	"github.com/stadswerk/caseflow/internal/store"
	"github.com/stadswerk/caseflow/model"
)

// ProcessBinding names the process a theme's main workflow runs.
type ProcessBinding struct {
	Process string   `yaml:"process" json:"process"`
	Imports []string `yaml:"imports" json:"imports,omitempty"`
}

// Service owns case lifecycle operations. All multi-entity mutations run
// in one transaction through the store.
type Service struct {
	store   store.Store
	engine  *engine.Engine
	emitter *events.Emitter
	themes  map[string]ProcessBinding
	metrics *observability.Metrics
	log     *zap.Logger
}

// NewService builds a Service. themes maps a case theme to the process
// its main workflow runs; a theme without a binding falls back to a
// process named after the theme. metrics may be nil.
func NewService(st store.Store, eng *engine.Engine, emitter *events.Emitter, themes map[string]ProcessBinding, metrics *observability.Metrics, log *zap.Logger) *Service {
	return &Service{
		store:   st,
		engine:  eng,
		emitter: emitter,
		themes:  themes,
		metrics: metrics,
		log:     log,
	}
}

// CreateInput carries everything needed to open a case.
type CreateInput struct {
	Theme       string         `json:"theme"`
	Reason      string         `json:"reason"`
	Description string         `json:"description,omitempty"`
	Sensitive   bool           `json:"sensitive,omitempty"`
	AuthorID    string         `json:"author_id,omitempty"`
	StartDate   *time.Time     `json:"start_date,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`

	// CitizenReport, when present, records the complaint that triggered
	// the case.
	CitizenReport *CitizenReportInput `json:"citizen_report,omitempty"`
}

// CitizenReportInput is the optional complaint attached at creation.
type CitizenReportInput struct {
	ReporterName string `json:"reporter_name,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Create opens a case and starts its main workflow in one transaction:
// the case row, the optional citizen report, the external-collaborator
// intents, the creation events, and the workflow's first ready tasks all
// commit together or not at all.
func (s *Service) Create(ctx context.Context, in CreateInput) (model.Case, error) {
	if strings.TrimSpace(in.Theme) == "" {
		return model.Case{}, model.NewBadRequestError("theme is required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return model.Case{}, model.NewBadRequestError("reason is required")
	}

	now := time.Now().UTC()
	start := in.StartDate
	if start == nil {
		start = &now
	}

	cse := model.Case{
		ID:             uuid.New().String(),
		Identification: uuid.New().String(),
		Theme:          in.Theme,
		Reason:         in.Reason,
		Description:    in.Description,
		Sensitive:      in.Sensitive,
		AuthorID:       in.AuthorID,
		StartDate:      start,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateCase(ctx, cse); err != nil {
			return err
		}
		if err := s.emitter.Emit(ctx, tx, &cse, cse.Sensitive); err != nil {
			return err
		}

		if in.CitizenReport != nil {
			report := model.CitizenReport{
				ID:           uuid.New().String(),
				CaseID:       cse.ID,
				ReporterName: in.CitizenReport.ReporterName,
				Phone:        in.CitizenReport.Phone,
				Description:  in.CitizenReport.Description,
				CreatedAt:    now,
			}
			if err := tx.CreateCitizenReport(ctx, report); err != nil {
				return err
			}
			if err := s.emitter.Emit(ctx, tx, &report, cse.Sensitive); err != nil {
				return err
			}
		}

		for _, kind := range []string{model.IntentProcessEngineStart, model.IntentCaseRegistration} {
			intent := model.OutboxIntent{
				ID:     uuid.New().String(),
				CaseID: cse.ID,
				Kind:   kind,
				Payload: map[string]any{
					"case_id":        cse.ID,
					"identification": cse.Identification,
					"theme":          cse.Theme,
				},
				Status:        model.IntentPending,
				NextAttemptAt: now,
				CreatedAt:     now,
			}
			if err := tx.EnqueueIntent(ctx, intent); err != nil {
				return err
			}
		}

		binding := s.binding(cse.Theme)
		wf, err := s.engine.StartWorkflow(ctx, tx, cse, binding.Process, binding.Imports, true, in.Variables)
		if err != nil {
			return err
		}
		if wf.Completed {
			// The main workflow ran out of tokens at start and closed
			// the case; pick up the end date it wrote.
			cse, err = tx.GetCase(ctx, cse.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return model.Case{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordCaseCreated()
	}
	s.log.Info("case created",
		zap.String("case_id", cse.ID),
		zap.String("theme", cse.Theme))
	return cse, nil
}

// Get retrieves a case by ID.
func (s *Service) Get(ctx context.Context, caseID string) (model.Case, error) {
	return s.store.GetCase(ctx, caseID)
}

// Close closes a case: every open state gets an end date, every
// incomplete non-main workflow completes, and the case gets its end date,
// atomically. Closing an already-closed case fails with CONFLICT.
func (s *Service) Close(ctx context.Context, caseID, description string) (model.Case, error) {
	var closed model.Case
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		cse, err := tx.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if err := s.engine.CloseCase(ctx, tx, cse, description); err != nil {
			return err
		}
		closed, err = tx.GetCase(ctx, caseID)
		return err
	})
	if err != nil {
		return model.Case{}, err
	}
	return closed, nil
}

// SetState manually opens a named state on a case, creating the state
// type for the case's theme on first use.
func (s *Service) SetState(ctx context.Context, caseID, workflowID, name string) (model.CaseState, error) {
	if strings.TrimSpace(name) == "" {
		return model.CaseState{}, model.NewBadRequestError("state name is required")
	}

	var cs model.CaseState
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		cse, err := tx.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		if cse.Closed() {
			return model.NewConflictError(fmt.Sprintf("case %q is closed", caseID))
		}

		st, err := tx.GetOrCreateStateType(ctx, name, cse.Theme)
		if err != nil {
			return err
		}
		cs = model.CaseState{
			ID:          uuid.New().String(),
			CaseID:      cse.ID,
			StateTypeID: st.ID,
			StateName:   st.Name,
			WorkflowID:  workflowID,
			StartDate:   time.Now().UTC(),
		}
		return tx.CreateCaseState(ctx, cs)
	})
	if err != nil {
		return model.CaseState{}, err
	}
	return cs, nil
}

// ActiveStates returns the currently-open states of a case.
func (s *Service) ActiveStates(ctx context.Context, caseID string) ([]model.CaseState, error) {
	if _, err := s.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.store.OpenCaseStates(ctx, caseID)
}

// Timeline returns the case's events in the order their transactions
// committed.
func (s *Service) Timeline(ctx context.Context, caseID string) ([]model.CaseEvent, error) {
	if _, err := s.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return s.store.Timeline(ctx, caseID)
}

func (s *Service) binding(theme string) ProcessBinding {
	if b, ok := s.themes[theme]; ok {
		return b
	}
	return ProcessBinding{Process: theme}
}
