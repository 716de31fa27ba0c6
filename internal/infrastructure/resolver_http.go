package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/langliu/video-downloader/internal/domain"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// resolveSuccessCode is the only code the parsing service uses for success
const resolveSuccessCode = "0001"

// parseResponse is the parsing service's envelope. Fields are loosely typed
// since the service returns numbers and strings interchangeably.
type parseResponse struct {
	Code    interface{} `json:"code"`
	Message string      `json:"message"`
	Msg     string      `json:"msg"`
	Data    *struct {
		PlayAddr string      `json:"playAddr"`
		Desc     string      `json:"desc"`
		Cover    interface{} `json:"cover"`
		Music    interface{} `json:"music"`
		Size     interface{} `json:"size"`
	} `json:"data"`
}

// ParserClient resolves share links through the external parsing service
type ParserClient struct {
	config *domain.ResolverConfig
	client *http.Client
	logger *zap.Logger
}

// NewParserClient creates a new parsing service client
func NewParserClient(config *domain.ResolverConfig, logger *zap.Logger) *ParserClient {
	return &ParserClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Resolve posts the link to the parsing service and returns its metadata
func (p *ParserClient) Resolve(ctx context.Context, sourceURL string) (*domain.MediaMetadata, error) {
	if err := domain.ValidateSourceURL(sourceURL); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("link", sourceURL)
	form.Set("token", p.config.Token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &domain.ResolveError{URL: sourceURL, Reason: "failed to build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	p.logger.Debug("Resolving video", zap.String("url", sourceURL))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &domain.ResolveError{URL: sourceURL, Reason: "parsing service unreachable", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.ResolveError{URL: sourceURL, Reason: "failed to read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.ResolveError{
			URL:    sourceURL,
			Reason: fmt.Sprintf("parsing service returned status %d", resp.StatusCode),
		}
	}

	var parsed parseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &domain.ResolveError{URL: sourceURL, Reason: "malformed response", Err: err}
	}

	code := cast.ToString(parsed.Code)
	if code != resolveSuccessCode {
		reason := parsed.Message
		if reason == "" {
			reason = parsed.Msg
		}
		if reason == "" {
			reason = "parsing failed"
		}
		p.logger.Warn("Video resolve rejected",
			zap.String("url", sourceURL),
			zap.String("code", code),
			zap.String("reason", reason))
		return nil, &domain.ResolveError{URL: sourceURL, Code: code, Reason: reason}
	}

	if parsed.Data == nil {
		return nil, &domain.ResolveError{
			URL:    sourceURL,
			Code:   code,
			Reason: "response has no data",
			Err:    errors.New("missing data"),
		}
	}

	meta := &domain.MediaMetadata{
		PlayAddress: parsed.Data.PlayAddr,
		Title:       parsed.Data.Desc,
		CoverURL:    cast.ToString(parsed.Data.Cover),
		MusicURL:    cast.ToString(parsed.Data.Music),
		SizeHint:    cast.ToString(parsed.Data.Size),
	}

	p.logger.Debug("Video resolved",
		zap.String("url", sourceURL),
		zap.Bool("has_media", meta.HasMedia()))

	return meta, nil
}
