// Package github walks the repositories of GitHub organizations. Each
// organization page is a traversal item whose children are the repositories
// on that page plus the next page, so a long listing checkpoints between
// pages.
package github

import (
	"context"
	"errors"
	"fmt"
	"time"

	regexp "github.com/wasilibs/go-re2"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/batchwalk/internal/checkpoint"
	"github.com/ahrav/batchwalk/internal/providers/sink"
	"github.com/ahrav/batchwalk/pkg/batch"
	"github.com/ahrav/batchwalk/pkg/common"
	"github.com/ahrav/batchwalk/pkg/common/logger"
)

// DefaultPageSize is the largest page GitHub's GraphQL API serves.
const DefaultPageSize = 100

// Page is a traversal item for one page of an organization's repositories.
type Page struct {
	Org    string `json:"org"`
	Cursor string `json:"cursor,omitempty"`
}

// Repository is a leaf item.
type Repository struct {
	Org      string    `json:"org"`
	Name     string    `json:"name"`
	URL      string    `json:"url"`
	Archived bool      `json:"archived,omitempty"`
	PushedAt time.Time `json:"pushedAt"`
}

// Config controls the GraphQL endpoint and which repositories are processed.
type Config struct {
	APIURL          string `mapstructure:"api_url" yaml:"api_url" validate:"omitempty,url"`
	Token           string `mapstructure:"token" yaml:"token"`
	PageSize        int    `mapstructure:"page_size" yaml:"page_size" validate:"gte=0,lte=100"`
	IncludeArchived bool   `mapstructure:"include_archived" yaml:"include_archived"`
	// NamePattern, when set, must match a repository name.
	NamePattern string `mapstructure:"name_pattern" yaml:"name_pattern"`
}

var _ batch.Provider = (*Provider)(nil)

// Provider implements batch.Provider over GitHub organizations.
type Provider struct {
	client          *GraphQLClient
	pageSize        int
	includeArchived bool
	names           *regexp.Regexp
	sink            sink.Sink
	logger          *logger.Logger
}

// NewProvider builds a Provider with its own GraphQL client. rl may be nil.
func NewProvider(
	cfg Config,
	rl *common.RateLimiter,
	out sink.Sink,
	log *logger.Logger,
	tracer trace.Tracer,
) (*Provider, error) {
	if out == nil {
		return nil, errors.New("sink is required")
	}
	if cfg.PageSize < 0 || cfg.PageSize > DefaultPageSize {
		return nil, fmt.Errorf("page size must be between 1 and %d: %d", DefaultPageSize, cfg.PageSize)
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if log == nil {
		log = logger.Discard()
	}

	p := &Provider{
		client:          NewGraphQLClient(cfg.APIURL, nil, cfg.Token, rl, log, tracer),
		pageSize:        cfg.PageSize,
		includeArchived: cfg.IncludeArchived,
		sink:            out,
		logger:          log.With("component", "github_provider"),
	}
	if cfg.NamePattern != "" {
		re, err := regexp.Compile(cfg.NamePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern: %w", err)
		}
		p.names = re
	}
	return p, nil
}

// Roots returns the first page of each organization.
func Roots(orgs ...string) []batch.Item {
	out := make([]batch.Item, 0, len(orgs))
	for _, org := range orgs {
		out = append(out, Page{Org: org})
	}
	return out
}

// ItemDecoder restores checkpointed items. Repositories are told apart from
// pages by their name field.
func ItemDecoder() checkpoint.ItemDecoder {
	pages := checkpoint.DecodeAs[Page]()
	repos := checkpoint.DecodeAs[Repository]()
	return func(raw any) (batch.Item, error) {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected item form %T", raw)
		}
		if _, ok := m["name"]; ok {
			return repos(raw)
		}
		return pages(raw)
	}
}

func (p *Provider) FormatForLog(item batch.Item) any {
	switch it := item.(type) {
	case Page:
		return it.Org + "@" + cursorOrNone(it.Cursor)
	case Repository:
		return it.Org + "/" + it.Name
	default:
		return item
	}
}

func (p *Provider) HasMore(_ context.Context, item batch.Item) (bool, error) {
	switch item.(type) {
	case Page:
		return true, nil
	case Repository:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected item type %T", item)
	}
}

// GetBatch fetches the page and returns its repositories, followed by the
// next page when GitHub reports one.
func (p *Provider) GetBatch(ctx context.Context, item batch.Item) ([]batch.Item, error) {
	page, ok := item.(Page)
	if !ok {
		return nil, fmt.Errorf("unexpected item type %T", item)
	}

	resp, err := p.client.ListRepositories(ctx, page.Org, page.Cursor, p.pageSize)
	if err != nil {
		return nil, err
	}

	repos := resp.Data.Organization.Repositories
	out := make([]batch.Item, 0, len(repos.Nodes)+1)
	for _, n := range repos.Nodes {
		out = append(out, Repository{
			Org:      page.Org,
			Name:     n.Name,
			URL:      n.URL,
			Archived: n.IsArchived,
			PushedAt: n.PushedAt,
		})
	}
	if repos.PageInfo.HasNextPage && repos.PageInfo.EndCursor != "" {
		out = append(out, Page{Org: page.Org, Cursor: repos.PageInfo.EndCursor})
	}

	p.logger.Debug(ctx, "Fetched repository page",
		"org", page.Org,
		"repos", len(repos.Nodes),
		"has_next_page", repos.PageInfo.HasNextPage)
	return out, nil
}

func (p *Provider) ShouldProcess(_ context.Context, item batch.Item) (bool, error) {
	switch it := item.(type) {
	case Page:
		return false, nil
	case Repository:
		if it.Archived && !p.includeArchived {
			return false, nil
		}
		if p.names != nil && !p.names.MatchString(it.Name) {
			return false, nil
		}
		return true, nil
	default:
		return false, fmt.Errorf("unexpected item type %T", item)
	}
}

// Process emits the repository to the sink.
func (p *Provider) Process(ctx context.Context, item batch.Item) error {
	repo, ok := item.(Repository)
	if !ok {
		return fmt.Errorf("unexpected item type %T", item)
	}
	return p.sink.Emit(ctx, repo)
}

