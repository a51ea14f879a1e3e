package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mrinal-mann/Knugget-new/core"
)

// GenerateSummaryRequest carries a transcript and its video metadata to
// the generation endpoint.
type GenerateSummaryRequest struct {
	Transcript core.Transcript `json:"transcript"`
	VideoMeta  core.VideoMeta  `json:"videoMetadata"`
}

// GenerateSummaryResult is the generation payload. User, when present,
// carries the authoritative credit balance after the spend.
type GenerateSummaryResult struct {
	Summary core.Summary `json:"summary"`
	User    *core.User   `json:"user,omitempty"`
}

// ListSummariesOptions filters and pages the summary listing.
type ListSummariesOptions struct {
	Page     int
	PageSize int
	VideoID  string
}

// SummaryPage is one page of the summary listing.
type SummaryPage struct {
	Items    []core.Summary `json:"summaries"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"pageSize"`
}

// GenerateSummary runs server-side summarization over a transcript. The
// call uses the widened generation deadline.
func (c *Client) GenerateSummary(ctx context.Context, req GenerateSummaryRequest) (GenerateSummaryResult, error) {
	if len(req.Transcript) == 0 {
		return GenerateSummaryResult{}, newError(KindRequestRejected, "transcript is empty", false, nil)
	}

	var result GenerateSummaryResult
	err := c.Do(ctx, Request{
		Method:       http.MethodPost,
		Path:         "/summary/generate",
		Body:         req,
		Out:          &result,
		Operation:    "summary.generate",
		RequiresAuth: true,
		Timeout:      c.generateTimeout,
	})
	if err != nil {
		return GenerateSummaryResult{}, err
	}
	if result.User != nil {
		result.User.Plan = core.ParsePlan(string(result.User.Plan))
	}
	return result, nil
}

// SaveSummary persists a summary server-side and returns the stored copy.
func (c *Client) SaveSummary(ctx context.Context, summary core.Summary) (core.Summary, error) {
	var saved core.Summary
	err := c.Do(ctx, Request{
		Method:       http.MethodPost,
		Path:         "/summary/save",
		Body:         summary,
		Out:          &saved,
		Operation:    "summary.save",
		RequiresAuth: true,
	})
	if err != nil {
		return core.Summary{}, err
	}
	return saved, nil
}

// ListSummaries fetches one page of saved summaries.
func (c *Client) ListSummaries(ctx context.Context, opts ListSummariesOptions) (SummaryPage, error) {
	query := url.Values{}
	if opts.Page > 0 {
		query.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		query.Set("limit", strconv.Itoa(opts.PageSize))
	}
	if videoID := strings.TrimSpace(opts.VideoID); videoID != "" {
		query.Set("videoId", videoID)
	}

	var page SummaryPage
	err := c.Do(ctx, Request{
		Method:       http.MethodGet,
		Path:         "/summary",
		Query:        query,
		Out:          &page,
		Operation:    "summary.list",
		RequiresAuth: true,
	})
	if err != nil {
		return SummaryPage{}, err
	}
	return page, nil
}

// UpdateSummary replaces a stored summary.
func (c *Client) UpdateSummary(ctx context.Context, id string, summary core.Summary) (core.Summary, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Summary{}, newError(KindRequestRejected, "summary id is required", false, nil)
	}

	var updated core.Summary
	err := c.Do(ctx, Request{
		Method:       http.MethodPut,
		Path:         "/summary/" + url.PathEscape(id),
		Body:         summary,
		Out:          &updated,
		Operation:    "summary.update",
		RequiresAuth: true,
	})
	if err != nil {
		return core.Summary{}, err
	}
	return updated, nil
}

// DeleteSummary removes a stored summary.
func (c *Client) DeleteSummary(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return newError(KindRequestRejected, "summary id is required", false, nil)
	}
	return c.Do(ctx, Request{
		Method:       http.MethodDelete,
		Path:         "/summary/" + url.PathEscape(id),
		Operation:    "summary.delete",
		RequiresAuth: true,
	})
}
