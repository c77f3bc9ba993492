package history

import (
	"context"
	"fmt"
	"strconv"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/opthub-org/opthub-runner/pkg/numeric"
	"github.com/opthub-org/opthub-runner/pkg/opthuberr"
	"github.com/opthub-org/opthub-runner/pkg/store"
	"github.com/opthub-org/opthub-runner/pkg/trialno"
)

// MakeHistory returns every successful trial up to and including trialNo
// for (matchID, participantID), using cache as a prefix accelerator and
// filling any gap between the cache's last trial and trialNo from the
// store. It mirrors opthub_runner_admin.scorer.history.make_history.
func MakeHistory(ctx context.Context, cache *Cache, s store.Store, matchID, participantID, trialNo string, digitWidth int) ([]Trial, error) {
	name := CacheName(matchID, participantID)
	if err := cache.Load(name); err != nil {
		return nil, err
	}

	values, err := cache.GetValues()
	if err != nil {
		return nil, err
	}

	loadedTrialNo := 0
	if len(values) > 0 {
		n, err := strconv.Atoi(values[len(values)-1].TrialNo)
		if err != nil {
			return nil, fmt.Errorf("history: parse cached trial_no %q: %w", values[len(values)-1].TrialNo, err)
		}
		loadedTrialNo = n
	}

	targetTrialNo, err := strconv.Atoi(trialNo)
	if err != nil {
		return nil, fmt.Errorf("history: parse trial_no %q: %w", trialNo, err)
	}

	if targetTrialNo > loadedTrialNo {
		if err := fillGap(ctx, cache, s, matchID, participantID, loadedTrialNo+1, targetTrialNo, digitWidth); err != nil {
			return nil, err
		}
		values, err = cache.GetValues()
		if err != nil {
			return nil, err
		}
	}

	out := make([]Trial, 0, len(values))
	for _, v := range values {
		n, err := strconv.Atoi(v.TrialNo)
		if err != nil {
			continue
		}
		if n <= targetTrialNo {
			out = append(out, v)
		}
	}
	return out, nil
}

// fillGap range-queries the Evaluations and Scores partitions for
// (matchID, participantID) between trial numbers from and to inclusive, and
// appends every scored trial in that range to cache. An evaluation with no
// matching score has not been scored yet and is silently skipped — it is
// simply absent from the merged history. A score with no matching (or
// already-passed) evaluation is a schema violation, since a score can only
// exist for a trial whose evaluation already succeeded.
func fillGap(ctx context.Context, cache *Cache, s store.Store, matchID, participantID string, from, to, digitWidth int) error {
	if from > to {
		return nil
	}
	lo, err := trialno.ZFill(from, digitWidth)
	if err != nil {
		return err
	}
	hi, err := trialno.ZFill(to, digitWidth)
	if err != nil {
		return err
	}

	evalItems, err := s.QueryRange(ctx,
		fmt.Sprintf("Evaluations#%s#%s", matchID, participantID),
		trialno.SuccessKey(lo), trialno.SuccessKey(hi), nil)
	if err != nil {
		return err
	}
	scoreItems, err := s.QueryRange(ctx,
		fmt.Sprintf("Scores#%s#%s", matchID, participantID),
		trialno.SuccessKey(lo), trialno.SuccessKey(hi), nil)
	if err != nil {
		return err
	}

	evalIndex := 0
	for _, scoreItem := range scoreItems {
		scoreTrialNo := stringAttr(scoreItem["TrialNo"])

		for evalIndex < len(evalItems) && stringAttr(evalItems[evalIndex]["TrialNo"]) < scoreTrialNo {
			evalIndex++
		}
		if evalIndex >= len(evalItems) || stringAttr(evalItems[evalIndex]["TrialNo"]) != scoreTrialNo {
			return opthuberr.ErrHistoryInconsistency
		}
		evalItem := evalItems[evalIndex]
		evalIndex++

		trial := Trial{
			TrialNo:    scoreTrialNo,
			Objective:  numeric.DecimalToFloat(numeric.AttributeValueToTree(evalItem["Objective"])),
			Constraint: numeric.DecimalToFloat(numeric.AttributeValueToTree(evalItem["Constraint"])),
			Info:       numeric.DecimalToFloat(numeric.AttributeValueToTree(evalItem["Info"])),
			Feasible:   numeric.AttributeValueToTree(evalItem["Feasible"]),
			Score:      numeric.DecimalToFloat(numeric.AttributeValueToTree(scoreItem["Value"])),
		}
		if err := cache.Append(trial); err != nil {
			return err
		}
	}
	return nil
}

func stringAttr(av ddbtypes.AttributeValue) string {
	if s, ok := av.(*ddbtypes.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
