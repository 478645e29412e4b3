package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tabletalk/tabletalk/internal/catalog"
	"github.com/tabletalk/tabletalk/internal/chart"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/profile"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/synth"
)

var (
	// ErrNoPendingInteraction is returned when confirm or retry finds no
	// previewed interaction to act on.
	ErrNoPendingInteraction = errors.New("no pending interaction")
	ErrInvalidInput         = errors.New("invalid input")
)

const (
	ConfirmModeReplay       = "replay"
	ConfirmModeResynthesize = "resynthesize"
)

type DatasetSource interface {
	Get(ctx context.Context, tenantID, name string) (catalog.Dataset, error)
}

type Synthesizer interface {
	Query(ctx context.Context, in synth.QueryInput) (synth.Code, error)
	Chart(ctx context.Context, in synth.QueryInput) (synth.Code, error)
	Answer(ctx context.Context, in synth.AnswerInput) (string, error)
}

type Config struct {
	PreviewTimeout time.Duration
	Timeout        time.Duration
	MaxResultRows  int
	MaxDistinct    int
	TTL            time.Duration
	ConfirmMode    string
}

// Service drives the preview/confirm protocol. A key holds at most one
// pending interaction; confirm executes exactly the fragment that was
// previewed unless ConfirmMode asks for a fresh synthesis.
type Service struct {
	Datasets    DatasetSource
	Engine      query.Engine
	Synthesizer Synthesizer
	Sessions    session.Store
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time
	NewID       func() string
}

type PreviewInput struct {
	TenantID  string
	SessionID string
	Dataset   string
	Question  string
	Kind      session.Kind
}

func (in PreviewInput) key() session.Key {
	return session.Key{
		TenantID:  in.TenantID,
		SessionID: in.SessionID,
		Dataset:   in.Dataset,
		Kind:      in.Kind,
		Question:  in.Question,
	}
}

type Ref struct {
	TenantID string
	ID       string
}

// Outcome is the committed result of a confirm. Answer is set for query
// interactions; Figure and its encoded form FigureJSON for chart ones.
type Outcome struct {
	Interaction session.Interaction
	Result      query.Result
	Answer      string
	Figure      *chart.Figure
	FigureJSON  json.RawMessage
}

type ProfileView struct {
	Dataset catalog.Dataset
	Profile profile.Profile
	Summary profile.Summary
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.NewID == nil {
		s.NewID = uuid.NewString
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Config.TTL <= 0 {
		s.Config.TTL = 30 * time.Minute
	}
	if s.Config.MaxResultRows <= 0 {
		s.Config.MaxResultRows = 1000
	}
	if s.Config.ConfirmMode == "" {
		s.Config.ConfirmMode = ConfirmModeReplay
	}
}

// Preview synthesizes a fragment, runs it for its cardinality and stores
// the result as the pending interaction for the key. Any failure leaves
// the key with no pending interaction.
func (s *Service) Preview(ctx context.Context, in PreviewInput) (session.Interaction, error) {
	s.ensureDefaults()
	in.Question = strings.TrimSpace(in.Question)
	in.Dataset = strings.TrimSpace(in.Dataset)
	if err := validatePreview(in); err != nil {
		return session.Interaction{}, err
	}

	interaction, err := s.preview(ctx, in)
	if err != nil {
		s.clear(ctx, in.key())
		observability.ObserveInteractionTransition(string(in.Kind), "preview", outcomeOf(err))
		s.Logger.WarnContext(ctx, "preview failed",
			slog.String("tenant_id", in.TenantID),
			slog.String("dataset", in.Dataset),
			slog.String("kind", string(in.Kind)),
			slog.Any("error", err),
		)
		return session.Interaction{}, err
	}
	observability.ObserveInteractionTransition(string(in.Kind), "preview", "ok")
	s.Logger.InfoContext(ctx, "interaction previewed",
		slog.String("tenant_id", in.TenantID),
		slog.String("dataset", in.Dataset),
		slog.String("interaction_id", interaction.ID),
		slog.Int64("cardinality", interaction.Cardinality),
	)
	return interaction, nil
}

func (s *Service) preview(ctx context.Context, in PreviewInput) (session.Interaction, error) {
	dataset, err := s.Datasets.Get(ctx, in.TenantID, in.Dataset)
	if err != nil {
		return session.Interaction{}, err
	}
	code, fragment, err := s.synthesize(ctx, dataset, in.Kind, in.Question)
	if err != nil {
		return session.Interaction{}, err
	}
	result, err := s.execute(ctx, dataset, in.Kind, fragment, query.ModePreview)
	if err != nil {
		return session.Interaction{}, err
	}

	now := s.Clock().UTC()
	return s.Sessions.Save(ctx, session.Interaction{
		ID:          s.NewID(),
		TenantID:    in.TenantID,
		SessionID:   in.SessionID,
		Dataset:     in.Dataset,
		Question:    in.Question,
		Kind:        in.Kind,
		State:       session.StatePreviewed,
		Fragment:    code.Text,
		Cardinality: result.Cardinality,
		Attempts:    1,
		Provider:    code.Provider,
		Model:       code.Model,
		ExpiresAt:   now.Add(s.Config.TTL),
	})
}

// Retry re-synthesizes the fragment of a pending interaction. On failure
// the stored interaction is left as it was.
func (s *Service) Retry(ctx context.Context, ref Ref) (session.Interaction, error) {
	s.ensureDefaults()
	interaction, err := s.Lookup(ctx, ref)
	if err != nil {
		return session.Interaction{}, err
	}

	updated, err := s.retry(ctx, interaction)
	if err != nil {
		observability.ObserveInteractionTransition(string(interaction.Kind), "retry", outcomeOf(err))
		s.Logger.WarnContext(ctx, "retry failed",
			slog.String("tenant_id", ref.TenantID),
			slog.String("interaction_id", ref.ID),
			slog.Any("error", err),
		)
		return session.Interaction{}, err
	}
	observability.ObserveInteractionTransition(string(interaction.Kind), "retry", "ok")
	return updated, nil
}

func (s *Service) retry(ctx context.Context, interaction session.Interaction) (session.Interaction, error) {
	dataset, err := s.Datasets.Get(ctx, interaction.TenantID, interaction.Dataset)
	if err != nil {
		return session.Interaction{}, err
	}
	code, fragment, err := s.synthesize(ctx, dataset, interaction.Kind, interaction.Question)
	if err != nil {
		return session.Interaction{}, err
	}
	result, err := s.execute(ctx, dataset, interaction.Kind, fragment, query.ModePreview)
	if err != nil {
		return session.Interaction{}, err
	}

	interaction.Fragment = code.Text
	interaction.Cardinality = result.Cardinality
	interaction.Attempts++
	interaction.Provider = code.Provider
	interaction.Model = code.Model
	interaction.ExpiresAt = s.Clock().UTC().Add(s.Config.TTL)
	return s.Sessions.Save(ctx, interaction)
}

// Confirm executes the pending interaction in full and removes it. A
// failed confirm keeps the interaction pending so it can be retried.
func (s *Service) Confirm(ctx context.Context, ref Ref) (Outcome, error) {
	s.ensureDefaults()
	interaction, err := s.Lookup(ctx, ref)
	if err != nil {
		return Outcome{}, err
	}

	outcome, err := s.confirm(ctx, interaction)
	if err != nil {
		observability.ObserveInteractionTransition(string(interaction.Kind), "confirm", outcomeOf(err))
		s.Logger.WarnContext(ctx, "confirm failed",
			slog.String("tenant_id", ref.TenantID),
			slog.String("interaction_id", ref.ID),
			slog.Any("error", err),
		)
		return Outcome{}, err
	}

	if err := s.Sessions.Delete(ctx, interaction.TenantID, interaction.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.Logger.WarnContext(ctx, "remove committed interaction failed",
			slog.String("interaction_id", interaction.ID),
			slog.Any("error", err),
		)
	}
	observability.ObserveInteractionTransition(string(interaction.Kind), "confirm", "ok")
	s.Logger.InfoContext(ctx, "interaction committed",
		slog.String("tenant_id", interaction.TenantID),
		slog.String("dataset", interaction.Dataset),
		slog.String("interaction_id", interaction.ID),
		slog.Int64("cardinality", outcome.Result.Cardinality),
	)
	return outcome, nil
}

func (s *Service) confirm(ctx context.Context, interaction session.Interaction) (Outcome, error) {
	dataset, err := s.Datasets.Get(ctx, interaction.TenantID, interaction.Dataset)
	if err != nil {
		return Outcome{}, err
	}

	var fragment query.Fragment
	if s.Config.ConfirmMode == ConfirmModeResynthesize {
		code, parsed, err := s.synthesize(ctx, dataset, interaction.Kind, interaction.Question)
		if err != nil {
			return Outcome{}, err
		}
		fragment = parsed
		interaction.Fragment = code.Text
		interaction.Provider = code.Provider
		interaction.Model = code.Model
	} else {
		fragment, err = query.ParseFragment(interaction.Fragment)
		if err != nil {
			return Outcome{}, err
		}
	}

	result, err := s.execute(ctx, dataset, interaction.Kind, fragment, query.ModeCommit)
	if err != nil {
		return Outcome{}, err
	}
	interaction.Cardinality = result.Cardinality
	interaction.State = session.StateCommitted
	outcome := Outcome{Interaction: interaction, Result: result}

	switch interaction.Kind {
	case session.KindChart:
		spec, err := chart.ParseSpec(result.Literals[query.LiteralFigure])
		if err != nil {
			return Outcome{}, err
		}
		figure, err := chart.Build(spec, result)
		if err != nil {
			return Outcome{}, err
		}
		raw, err := figure.JSON()
		if err != nil {
			return Outcome{}, err
		}
		outcome.Figure = &figure
		outcome.FigureJSON = raw
	default:
		inspection, err := s.Engine.Inspect(ctx, queryDataset(dataset), query.InspectOptions{
			MaxDistinct: s.Config.MaxDistinct,
			Ignore:      dataset.IgnoreColumns,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("summarize dataset: %w", err)
		}
		answer, err := s.Synthesizer.Answer(ctx, synth.AnswerInput{
			Question: interaction.Question,
			Result:   result.Text(),
			Summary:  inspection.Summary.Text(),
		})
		if err != nil {
			return Outcome{}, err
		}
		outcome.Answer = answer
	}
	return outcome, nil
}

// Abandon drops the pending interaction. Unknown ids are not an error.
func (s *Service) Abandon(ctx context.Context, ref Ref) error {
	s.ensureDefaults()
	interaction, err := s.Sessions.Get(ctx, ref.TenantID, ref.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("abandon interaction: %w", err)
	}
	if err := s.Sessions.Delete(ctx, ref.TenantID, ref.ID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("abandon interaction: %w", err)
	}
	observability.ObserveInteractionTransition(string(interaction.Kind), "abandon", "ok")
	s.Logger.InfoContext(ctx, "interaction abandoned",
		slog.String("tenant_id", ref.TenantID),
		slog.String("interaction_id", ref.ID),
	)
	return nil
}

func (s *Service) Lookup(ctx context.Context, ref Ref) (session.Interaction, error) {
	interaction, err := s.Sessions.Get(ctx, ref.TenantID, ref.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return session.Interaction{}, fmt.Errorf("%w: %s", ErrNoPendingInteraction, ref.ID)
		}
		return session.Interaction{}, err
	}
	return interaction, nil
}

func (s *Service) FindPending(ctx context.Context, key session.Key) (session.Interaction, error) {
	key.Question = strings.TrimSpace(key.Question)
	key.Dataset = strings.TrimSpace(key.Dataset)
	interaction, err := s.Sessions.FindByKey(ctx, key)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return session.Interaction{}, fmt.Errorf("%w for %s question on %q", ErrNoPendingInteraction, key.Kind, key.Dataset)
		}
		return session.Interaction{}, err
	}
	return interaction, nil
}

// Profile computes the schema profile and summary of a dataset.
func (s *Service) Profile(ctx context.Context, tenantID, name string) (ProfileView, error) {
	s.ensureDefaults()
	dataset, err := s.Datasets.Get(ctx, tenantID, name)
	if err != nil {
		return ProfileView{}, err
	}
	inspection, err := s.inspect(ctx, dataset)
	if err != nil {
		return ProfileView{}, err
	}
	return ProfileView{
		Dataset: dataset,
		Profile: profile.Build(inspection.Columns, dataset.IgnoreColumns),
		Summary: inspection.Summary,
	}, nil
}

func (s *Service) synthesize(ctx context.Context, dataset catalog.Dataset, kind session.Kind, question string) (synth.Code, query.Fragment, error) {
	inspection, err := s.inspect(ctx, dataset)
	if err != nil {
		return synth.Code{}, query.Fragment{}, err
	}
	input := synth.QueryInput{
		Question:   question,
		Profile:    profile.Build(inspection.Columns, dataset.IgnoreColumns).Text(),
		Dictionary: dataset.Dictionary,
	}

	var code synth.Code
	if kind == session.KindChart {
		code, err = s.Synthesizer.Chart(ctx, input)
	} else {
		code, err = s.Synthesizer.Query(ctx, input)
	}
	if err != nil {
		return synth.Code{}, query.Fragment{}, err
	}
	fragment, err := query.ParseFragment(code.Text)
	if err != nil {
		return synth.Code{}, query.Fragment{}, err
	}
	return code, fragment, nil
}

func (s *Service) inspect(ctx context.Context, dataset catalog.Dataset) (query.Inspection, error) {
	inspection, err := s.Engine.Inspect(ctx, queryDataset(dataset), query.InspectOptions{
		MaxDistinct: s.Config.MaxDistinct,
		Ignore:      dataset.IgnoreColumns,
	})
	if err != nil {
		return query.Inspection{}, fmt.Errorf("profile dataset: %w", err)
	}
	return inspection, nil
}

func (s *Service) execute(ctx context.Context, dataset catalog.Dataset, kind session.Kind, fragment query.Fragment, mode query.Mode) (query.Result, error) {
	request := query.Request{
		Dataset:  queryDataset(dataset),
		Fragment: fragment,
		Output:   query.OutputQuery,
		Mode:     mode,
		RowLimit: s.Config.MaxResultRows,
		Timeout:  s.Config.Timeout,
	}
	if kind == session.KindChart {
		request.Output = query.OutputChart
		if mode == query.ModeCommit {
			request.Literals = []string{query.LiteralFigure}
		}
	}
	if mode == query.ModePreview && s.Config.PreviewTimeout > 0 {
		request.Timeout = s.Config.PreviewTimeout
	}

	start := s.Clock()
	result, err := s.Engine.Execute(ctx, request)
	observability.ObserveExecution(string(mode), outcomeOf(err), s.Clock().Sub(start))
	return result, err
}

func (s *Service) clear(ctx context.Context, key session.Key) {
	existing, err := s.Sessions.FindByKey(ctx, key)
	if err != nil {
		return
	}
	if err := s.Sessions.Delete(ctx, existing.TenantID, existing.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.Logger.WarnContext(ctx, "clear pending interaction failed",
			slog.String("interaction_id", existing.ID),
			slog.Any("error", err),
		)
	}
}

func validatePreview(in PreviewInput) error {
	switch {
	case in.Dataset == "":
		return fmt.Errorf("%w: dataset is required", ErrInvalidInput)
	case in.Question == "":
		return fmt.Errorf("%w: question is required", ErrInvalidInput)
	case !in.Kind.Valid():
		return fmt.Errorf("%w: unknown interaction kind %q", ErrInvalidInput, in.Kind)
	}
	return nil
}

func queryDataset(dataset catalog.Dataset) query.Dataset {
	return query.Dataset{Name: dataset.Name, ObjectPath: dataset.ObjectPath, SizeBytes: dataset.SizeBytes}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, synth.ErrSynthesisFailure):
		return "synthesis_failure"
	case errors.Is(err, query.ErrMissingResult):
		return "missing_result"
	case errors.Is(err, query.ErrExecutionFailure):
		return "execution_failure"
	case errors.Is(err, chart.ErrRenderFailure):
		return "render_failure"
	default:
		return "error"
	}
}
