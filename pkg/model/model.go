// Package model implements C7: the typed read/write helpers for the three
// record kinds the store holds — Solution, Evaluation and Score — built on
// top of pkg/store. Key formats and field names mirror
// opthub_runner_admin.models.{evaluation,score,solution}.py exactly, since
// they are the on-wire contract of an existing, already-populated table.
package model

import (
	"context"
	"fmt"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/opthub-org/opthub-runner/pkg/numeric"
	"github.com/opthub-org/opthub-runner/pkg/opthuberr"
	"github.com/opthub-org/opthub-runner/pkg/store"
)

// Solution is the user-submitted input to an evaluation.
type Solution struct {
	Variable any
}

// SuccessEvaluation is a completed, successful evaluation.
type SuccessEvaluation struct {
	MatchID       string
	ParticipantID string
	TrialNo       string
	Objective     any
	Constraint    any
	Info          any
	Feasible      *bool
}

// SuccessEvaluationInput is the data needed to persist a successful
// evaluation.
type SuccessEvaluationInput struct {
	MatchID       string
	ParticipantID string
	TrialNo       string
	CreatedAt     string
	StartedAt     string
	FinishedAt    string
	Objective     any
	Constraint    any
	Info          any
	Feasible      *bool
}

// FailedRecordInput is the data needed to persist a failed evaluation or
// score; both share the same shape.
type FailedRecordInput struct {
	MatchID          string
	ParticipantID    string
	TrialNo          string
	CreatedAt        string
	StartedAt        string
	FinishedAt       string
	ErrorMessage     string
	AdminErrorMessage string
}

// SuccessScoreInput is the data needed to persist a successful score.
type SuccessScoreInput struct {
	MatchID       string
	ParticipantID string
	TrialNo       string
	CreatedAt     string
	StartedAt     string
	FinishedAt    string
	Score         float64
}

func evaluationID(matchID, participantID string) string {
	return fmt.Sprintf("Evaluations#%s#%s", matchID, participantID)
}

func scoreID(matchID, participantID string) string {
	return fmt.Sprintf("Scores#%s#%s", matchID, participantID)
}

func solutionID(matchID, participantID string) string {
	return fmt.Sprintf("Solutions#%s#%s", matchID, participantID)
}

// SaveSuccessEvaluation persists a successful evaluation under its
// Success#<trialNo> sort key.
func SaveSuccessEvaluation(ctx context.Context, s store.Store, in SuccessEvaluationInput) error {
	item := store.Item{
		"ID":            &ddbtypes.AttributeValueMemberS{Value: evaluationID(in.MatchID, in.ParticipantID)},
		"Trial":         &ddbtypes.AttributeValueMemberS{Value: "Success#" + in.TrialNo},
		"TrialNo":       &ddbtypes.AttributeValueMemberS{Value: in.TrialNo},
		"ResourceType":  &ddbtypes.AttributeValueMemberS{Value: "Evaluation"},
		"MatchID":       &ddbtypes.AttributeValueMemberS{Value: in.MatchID},
		"CreatedAt":     &ddbtypes.AttributeValueMemberS{Value: in.CreatedAt},
		"ParticipantID": &ddbtypes.AttributeValueMemberS{Value: in.ParticipantID},
		"StartedAt":     &ddbtypes.AttributeValueMemberS{Value: in.StartedAt},
		"FinishedAt":    &ddbtypes.AttributeValueMemberS{Value: in.FinishedAt},
		"Status":        &ddbtypes.AttributeValueMemberS{Value: "Success"},
		"Objective":     numeric.TreeToAttributeValue(numeric.NumberToDecimal(in.Objective)),
		"IgnoreStream":  &ddbtypes.AttributeValueMemberBOOL{Value: false},
	}
	if in.Constraint != nil {
		item["Constraint"] = numeric.TreeToAttributeValue(numeric.NumberToDecimal(in.Constraint))
	} else {
		item["Constraint"] = &ddbtypes.AttributeValueMemberNULL{Value: true}
	}
	if in.Info != nil {
		item["Info"] = numeric.TreeToAttributeValue(numeric.NumberToDecimal(in.Info))
	} else {
		item["Info"] = &ddbtypes.AttributeValueMemberNULL{Value: true}
	}
	if in.Feasible != nil {
		item["Feasible"] = &ddbtypes.AttributeValueMemberBOOL{Value: *in.Feasible}
	} else {
		item["Feasible"] = &ddbtypes.AttributeValueMemberNULL{Value: true}
	}
	return s.PutItem(ctx, item)
}

// SaveFailedEvaluation persists a failed evaluation under its
// Failed#<trialNo> sort key.
func SaveFailedEvaluation(ctx context.Context, s store.Store, in FailedRecordInput) error {
	item := failedRecordItem(evaluationID(in.MatchID, in.ParticipantID), "Evaluation", in)
	return s.PutItem(ctx, item)
}

// SaveSuccessScore persists a successful score under its Success#<trialNo>
// sort key.
func SaveSuccessScore(ctx context.Context, s store.Store, in SuccessScoreInput) error {
	item := store.Item{
		"ID":            &ddbtypes.AttributeValueMemberS{Value: scoreID(in.MatchID, in.ParticipantID)},
		"Trial":         &ddbtypes.AttributeValueMemberS{Value: "Success#" + in.TrialNo},
		"TrialNo":       &ddbtypes.AttributeValueMemberS{Value: in.TrialNo},
		"ResourceType":  &ddbtypes.AttributeValueMemberS{Value: "Score"},
		"MatchID":       &ddbtypes.AttributeValueMemberS{Value: in.MatchID},
		"CreatedAt":     &ddbtypes.AttributeValueMemberS{Value: in.CreatedAt},
		"ParticipantID": &ddbtypes.AttributeValueMemberS{Value: in.ParticipantID},
		"StartedAt":     &ddbtypes.AttributeValueMemberS{Value: in.StartedAt},
		"FinishedAt":    &ddbtypes.AttributeValueMemberS{Value: in.FinishedAt},
		"Status":        &ddbtypes.AttributeValueMemberS{Value: "Success"},
		"Value":         numeric.TreeToAttributeValue(numeric.NumberToDecimal(in.Score)),
		"IgnoreStream":  &ddbtypes.AttributeValueMemberBOOL{Value: false},
	}
	return s.PutItem(ctx, item)
}

// SaveFailedScore persists a failed score under its Failed#<trialNo> sort
// key.
func SaveFailedScore(ctx context.Context, s store.Store, in FailedRecordInput) error {
	item := failedRecordItem(scoreID(in.MatchID, in.ParticipantID), "Score", in)
	return s.PutItem(ctx, item)
}

func failedRecordItem(id, resourceType string, in FailedRecordInput) store.Item {
	return store.Item{
		"ID":                &ddbtypes.AttributeValueMemberS{Value: id},
		"Trial":             &ddbtypes.AttributeValueMemberS{Value: "Failed#" + in.TrialNo},
		"TrialNo":           &ddbtypes.AttributeValueMemberS{Value: in.TrialNo},
		"ResourceType":      &ddbtypes.AttributeValueMemberS{Value: resourceType},
		"MatchID":           &ddbtypes.AttributeValueMemberS{Value: in.MatchID},
		"CreatedAt":         &ddbtypes.AttributeValueMemberS{Value: in.CreatedAt},
		"ParticipantID":     &ddbtypes.AttributeValueMemberS{Value: in.ParticipantID},
		"StartedAt":         &ddbtypes.AttributeValueMemberS{Value: in.StartedAt},
		"FinishedAt":        &ddbtypes.AttributeValueMemberS{Value: in.FinishedAt},
		"Status":            &ddbtypes.AttributeValueMemberS{Value: "Failed"},
		"ErrorMessage":      &ddbtypes.AttributeValueMemberS{Value: in.ErrorMessage},
		"AdminErrorMessage": &ddbtypes.AttributeValueMemberS{Value: in.AdminErrorMessage},
		"IgnoreStream":      &ddbtypes.AttributeValueMemberBOOL{Value: false},
	}
}

// FetchSuccessEvaluation fetches a successful evaluation by its primary
// key, converting its Decimal leaves back to float64.
func FetchSuccessEvaluation(ctx context.Context, s store.Store, matchID, participantID, trialNo string) (SuccessEvaluation, error) {
	item, ok, err := s.GetItem(ctx, store.Key{ID: evaluationID(matchID, participantID), Trial: "Success#" + trialNo})
	if err != nil {
		return SuccessEvaluation{}, err
	}
	if !ok {
		return SuccessEvaluation{}, opthuberr.ErrEvaluationNotFound
	}

	var feasible *bool
	if b, isBool := numeric.AttributeValueToTree(item["Feasible"]).(bool); isBool {
		feasible = &b
	}

	return SuccessEvaluation{
		MatchID:       stringAttr(item["MatchID"]),
		ParticipantID: stringAttr(item["ParticipantID"]),
		TrialNo:       stringAttr(item["TrialNo"]),
		Objective:     numeric.DecimalToFloat(numeric.AttributeValueToTree(item["Objective"])),
		Constraint:    numeric.DecimalToFloat(numeric.AttributeValueToTree(item["Constraint"])),
		Info:          numeric.DecimalToFloat(numeric.AttributeValueToTree(item["Info"])),
		Feasible:      feasible,
	}, nil
}

// IsEvaluationExists reports whether an evaluation record already exists
// under the given sort key (a Success#<n> or Failed#<n> key; only that one
// key is probed), used as the idempotency probe before re-running work a
// redelivered message already completed.
func IsEvaluationExists(ctx context.Context, s store.Store, matchID, participantID, trial string) (bool, error) {
	_, ok, err := s.GetItem(ctx, store.Key{ID: evaluationID(matchID, participantID), Trial: trial})
	return ok, err
}

// IsScoreExists reports whether a score record already exists under the
// given sort key (a Success#<n> or Failed#<n> key; only that one key is
// probed).
func IsScoreExists(ctx context.Context, s store.Store, matchID, participantID, trial string) (bool, error) {
	_, ok, err := s.GetItem(ctx, store.Key{ID: scoreID(matchID, participantID), Trial: trial})
	return ok, err
}

// FetchSolution fetches the participant's submitted solution for a trial.
func FetchSolution(ctx context.Context, s store.Store, matchID, participantID, trialNo string) (Solution, error) {
	item, ok, err := s.GetItem(ctx, store.Key{ID: solutionID(matchID, participantID), Trial: trialNo})
	if err != nil {
		return Solution{}, err
	}
	if !ok {
		return Solution{}, opthuberr.ErrSolutionNotFound
	}
	return Solution{
		Variable: numeric.DecimalToFloat(numeric.AttributeValueToTree(item["Variable"])),
	}, nil
}

func stringAttr(av ddbtypes.AttributeValue) string {
	if s, ok := av.(*ddbtypes.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
