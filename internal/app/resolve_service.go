package app

import (
	"context"
	"errors"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/langliu/video-downloader/internal/domain"
)

// errNoMedia marks a resolved link without a downloadable address
var errNoMedia = errors.New("no downloadable media found")

// ResolvedLink is one link with its resolved media
type ResolvedLink struct {
	Link     string                `json:"link"`
	Metadata *domain.MediaMetadata `json:"metadata"`
}

// ResolveFailure is one link that could not be resolved
type ResolveFailure struct {
	Link  string `json:"link"`
	Error string `json:"error"`
}

// ResolveResult summarises a batch resolve
type ResolveResult struct {
	Items        []ResolvedLink   `json:"items"`
	Failures     []ResolveFailure `json:"failures"`
	SuccessCount int              `json:"successCount"`
	FailureCount int              `json:"failureCount"`
	TotalCount   int              `json:"totalCount"`
}

// BatchItems turns the successes into orchestrator input, named by title
func (r *ResolveResult) BatchItems() []domain.BatchItem {
	items := make([]domain.BatchItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, domain.BatchItem{
			DisplayName: item.Metadata.Title,
			SourceURL:   item.Metadata.PlayAddress,
		})
	}
	return items
}

// ResolveService resolves many links concurrently
type ResolveService struct {
	resolver domain.VideoResolver
	limit    int
	logger   *zap.Logger
}

// NewResolveService creates a resolve service running at most limit calls at once
func NewResolveService(resolver domain.VideoResolver, limit int, logger *zap.Logger) *ResolveService {
	if limit < 1 {
		limit = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResolveService{resolver: resolver, limit: limit, logger: logger}
}

// ResolveBatch normalises links and resolves each one. Individual failures are
// reported in the result; only an empty input is an error.
func (s *ResolveService) ResolveBatch(ctx context.Context, links []string) (*ResolveResult, error) {
	normalized := domain.NormalizeURLList(links)
	if len(normalized) == 0 {
		return nil, &domain.InputError{Reason: "no links provided"}
	}

	type outcome struct {
		meta *domain.MediaMetadata
		err  error
	}
	outcomes := make([]outcome, len(normalized))

	p := pool.New().WithMaxGoroutines(s.limit)
	for i, link := range normalized {
		i, link := i, link
		p.Go(func() {
			if err := domain.ValidateSourceURL(link); err != nil {
				outcomes[i] = outcome{err: err}
				return
			}
			meta, err := s.resolver.Resolve(ctx, link)
			if err == nil && !meta.HasMedia() {
				err = errNoMedia
			}
			outcomes[i] = outcome{meta: meta, err: err}
		})
	}
	p.Wait()

	result := &ResolveResult{
		Items:      make([]ResolvedLink, 0, len(normalized)),
		Failures:   make([]ResolveFailure, 0),
		TotalCount: len(normalized),
	}
	for i, link := range normalized {
		if err := outcomes[i].err; err != nil {
			s.logger.Warn("Failed to resolve link", zap.String("url", link), zap.Error(err))
			result.Failures = append(result.Failures, ResolveFailure{Link: link, Error: err.Error()})
			continue
		}
		result.Items = append(result.Items, ResolvedLink{Link: link, Metadata: outcomes[i].meta})
	}
	result.SuccessCount = len(result.Items)
	result.FailureCount = len(result.Failures)

	return result, nil
}
