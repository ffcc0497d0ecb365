package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/batchwalk/pkg/common"
	"github.com/ahrav/batchwalk/pkg/common/logger"
)

// DefaultAPIURL is GitHub's public GraphQL endpoint.
const DefaultAPIURL = "https://api.github.com/graphql"

// GraphQLClient is a small GitHub GraphQL client with rate limiting and
// tracing.
type GraphQLClient struct {
	apiURL      string
	httpClient  *http.Client
	token       string
	rateLimiter *common.RateLimiter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewGraphQLClient creates a client. rateLimiter may be shared with other
// clients using the same token; GitHub's response headers adjust it.
func NewGraphQLClient(
	apiURL string,
	httpClient *http.Client,
	token string,
	rateLimiter *common.RateLimiter,
	logger *logger.Logger,
	tracer trace.Tracer,
) *GraphQLClient {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("github")
	}
	if rateLimiter == nil {
		// GitHub's default rate limit is 5000 requests per hour.
		// Starting at 4500/hour (1.25/second) to be conservative.
		rateLimiter = common.NewRateLimiter(1.25, 5)
	}
	return &GraphQLClient{
		apiURL:      apiURL,
		httpClient:  httpClient,
		token:       token,
		rateLimiter: rateLimiter,
		logger:      logger.With("component", "github_graphql_client"),
		tracer:      tracer,
	}
}

type repositoryNode struct {
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	IsArchived bool      `json:"isArchived"`
	PushedAt   time.Time `json:"pushedAt"`
}

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

// repositoryResponse is GitHub's GraphQL response for the repository query.
type repositoryResponse struct {
	Data struct {
		Organization struct {
			Repositories struct {
				Nodes    []repositoryNode `json:"nodes"`
				PageInfo pageInfo         `json:"pageInfo"`
			} `json:"repositories"`
		} `json:"organization"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

const listRepositoriesQuery = `
query($org: String!, $first: Int!, $after: String) {
	organization(login: $org) {
		repositories(first: $first, after: $after, orderBy: {field: NAME, direction: ASC}) {
			nodes {
				name
				url
				isArchived
				pushedAt
			}
			pageInfo {
				hasNextPage
				endCursor
			}
		}
	}
}`

// ListRepositories fetches one page of an organization's repositories. An
// empty cursor starts from the beginning.
func (c *GraphQLClient) ListRepositories(ctx context.Context, org, cursor string, first int) (*repositoryResponse, error) {
	ctx, span := c.tracer.Start(ctx, "github_graphql_client.list_repositories",
		trace.WithAttributes(
			attribute.String("org", org),
			attribute.String("cursor", cursorOrNone(cursor)),
		))
	defer span.End()

	variables := map[string]any{"org": org, "first": first}
	if cursor != "" {
		variables["after"] = cursor
	}

	resp, err := c.doRequest(ctx, listRepositoriesQuery, variables)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list repositories")
		return nil, fmt.Errorf("failed to list repositories for org %s: %w", org, err)
	}

	repos := resp.Data.Organization.Repositories
	span.SetAttributes(
		attribute.Int("repos_count", len(repos.Nodes)),
		attribute.Bool("has_next_page", repos.PageInfo.HasNextPage),
	)
	span.SetStatus(codes.Ok, "repositories listed successfully")
	return resp, nil
}

// doRequest executes a GraphQL request.
func (c *GraphQLClient) doRequest(ctx context.Context, query string, variables map[string]any) (*repositoryResponse, error) {
	ctx, span := c.tracer.Start(ctx, "github_graphql_client.do_request")
	defer span.End()

	if err := c.rateLimiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter wait failed")
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	bodyData, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal request")
		return nil, fmt.Errorf("failed to marshal GraphQL query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(bodyData))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create request")
		return nil, fmt.Errorf("failed to create GraphQL request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")

	span.SetAttributes(
		attribute.String("api_url", c.apiURL),
		attribute.Int("request_size", len(bodyData)),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("GraphQL request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("status_code", resp.StatusCode))

	c.updateRateLimits(resp.Header)

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := fmt.Errorf("non-200 response from GitHub GraphQL API (status: %d): %s", resp.StatusCode, string(data))
		span.RecordError(err)
		span.SetStatus(codes.Error, "non-200 response")
		return nil, err
	}

	var result repositoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode response")
		return nil, fmt.Errorf("failed to decode GraphQL response: %w", err)
	}

	if len(result.Errors) > 0 {
		err := fmt.Errorf("GraphQL response contained errors: %v", result.Errors)
		span.RecordError(err)
		span.SetStatus(codes.Error, "GraphQL errors in response")
		return nil, err
	}

	return &result, nil
}

// updateRateLimits spreads the remaining quota reported by GitHub over the
// time left until the quota resets.
func (c *GraphQLClient) updateRateLimits(headers http.Header) {
	remainingVal, _ := strconv.ParseInt(headers.Get("X-RateLimit-Remaining"), 10, 64)
	resetVal, _ := strconv.ParseInt(headers.Get("X-RateLimit-Reset"), 10, 64)
	limitVal, _ := strconv.ParseInt(headers.Get("X-RateLimit-Limit"), 10, 64)

	if remainingVal <= 0 || resetVal <= 0 || limitVal <= 0 {
		return
	}
	duration := time.Until(time.Unix(resetVal, 0))
	if duration <= 0 {
		return
	}
	// Use 90% of the available rate.
	rps := float64(remainingVal) / duration.Seconds()
	c.rateLimiter.UpdateLimits(rps*0.9, max(1, int(remainingVal/10)))
}

func cursorOrNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
