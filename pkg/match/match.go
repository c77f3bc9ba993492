// Package match implements C6: resolving a match ID into the problem and
// indicator images and environments a job needs to run. The GraphQL
// endpoint itself is out of scope; this package only needs to speak plain
// HTTP POST with a JSON body and decode a JSON response, so it is built on
// net/http and encoding/json rather than a GraphQL client library, mirroring
// opthub_runner_admin.lib.appsync.fetch_match_response_by_match_uuid.
package match

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opthub-org/opthub-runner/pkg/opthuberr"
)

const matchIDPrefix = "Match#"

const query = `query getMatch($id: String) {
  getMatch(id: $id) {
    id
    problem { dockerImage }
    indicator { dockerImage }
    problemPublicEnvironments { key value }
    indicatorPublicEnvironments { key value }
    problemPrivateEnvironments { key value }
    indicatorPrivateEnvironments { key value }
  }
}`

// Match is the resolved shape the dispatch loop needs to build container
// specs for both the problem and indicator images.
type Match struct {
	ID                   string
	ProblemImage         string
	ProblemEnvironment   map[string]string
	IndicatorImage       string
	IndicatorEnvironment map[string]string
}

// Resolver is the contract the dispatch loop depends on.
type Resolver interface {
	FetchMatch(ctx context.Context, matchID string) (Match, error)
}

// HTTPResolver is the production Resolver, speaking GraphQL-over-HTTP to
// the platform's AppSync endpoint.
type HTTPResolver struct {
	Endpoint   string
	AuthToken  string
	HTTPClient *http.Client
}

// NewHTTPResolver builds an HTTPResolver with a bounded request timeout.
func NewHTTPResolver(endpoint, authToken string) *HTTPResolver {
	return &HTTPResolver{
		Endpoint:  endpoint,
		AuthToken: authToken,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type keyValue struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		GetMatch struct {
			ID      string `json:"id"`
			Problem struct {
				DockerImage string `json:"dockerImage"`
			} `json:"problem"`
			Indicator struct {
				DockerImage string `json:"dockerImage"`
			} `json:"indicator"`
			ProblemPublicEnvironments    []keyValue `json:"problemPublicEnvironments"`
			IndicatorPublicEnvironments  []keyValue `json:"indicatorPublicEnvironments"`
			ProblemPrivateEnvironments   []keyValue `json:"problemPrivateEnvironments"`
			IndicatorPrivateEnvironments []keyValue `json:"indicatorPrivateEnvironments"`
		} `json:"getMatch"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchMatch resolves matchID (expected to carry the "Match#" prefix used
// throughout the store's keys) into its problem/indicator images and merged
// public+private environments.
func (r *HTTPResolver) FetchMatch(ctx context.Context, matchID string) (Match, error) {
	if !strings.HasPrefix(matchID, matchIDPrefix) {
		return Match{}, fmt.Errorf("match id %q missing required %q prefix", matchID, matchIDPrefix)
	}
	matchUUID := strings.TrimPrefix(matchID, matchIDPrefix)

	reqBody, err := json.Marshal(graphQLRequest{
		Query:     query,
		Variables: map[string]any{"id": matchUUID},
	})
	if err != nil {
		return Match{}, fmt.Errorf("match: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return Match{}, fmt.Errorf("match: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.AuthToken)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return Match{}, fmt.Errorf("match: request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Match{}, fmt.Errorf("match: decode response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return Match{}, fmt.Errorf("match: graphql error: %s", decoded.Errors[0].Message)
	}

	got := decoded.Data.GetMatch
	if got.Problem.DockerImage == "" || got.Indicator.DockerImage == "" {
		return Match{}, fmt.Errorf("%w: match %s", opthuberr.ErrDockerImageNotFound, matchID)
	}

	problemEnv, err := mergeEnvironments(got.ProblemPublicEnvironments, got.ProblemPrivateEnvironments)
	if err != nil {
		return Match{}, err
	}
	indicatorEnv, err := mergeEnvironments(got.IndicatorPublicEnvironments, got.IndicatorPrivateEnvironments)
	if err != nil {
		return Match{}, err
	}

	return Match{
		ID:                   matchID,
		ProblemImage:         got.Problem.DockerImage,
		ProblemEnvironment:   problemEnv,
		IndicatorImage:       got.Indicator.DockerImage,
		IndicatorEnvironment: indicatorEnv,
	}, nil
}

// mergeEnvironments builds a single map from public entries (always
// present) overlaid with private entries, which must carry a non-nil value.
func mergeEnvironments(public, private []keyValue) (map[string]string, error) {
	env := make(map[string]string, len(public)+len(private))
	for _, kv := range public {
		if kv.Value != nil {
			env[kv.Key] = *kv.Value
		}
	}
	for _, kv := range private {
		if kv.Value == nil {
			return nil, &opthuberr.MissingPrivateEnvironmentError{Key: kv.Key}
		}
		env[kv.Key] = *kv.Value
	}
	return env, nil
}
