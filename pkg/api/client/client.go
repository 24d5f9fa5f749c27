// Package client provides typed access to the build platform API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/drewstone/docker-builder-platform/internal/domain"
)

// Client provides typed access to the API for tools and end to end tests.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:3000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// CreateProjectInput captures the payload for project creation.
type CreateProjectInput struct {
	Name                string             `json:"name"`
	Region              string             `json:"region,omitempty"`
	Autoscaling         bool               `json:"autoscaling"`
	BuilderCPUs         int                `json:"builderCpus,omitempty"`
	BuilderMemoryGB     int                `json:"builderMemoryGB,omitempty"`
	CacheTargetGB       map[string]float64 `json:"cacheStorageTargetGB,omitempty"`
	CacheRetentionDays  int                `json:"cacheRetentionDays,omitempty"`
	BuildTimeoutMinutes int                `json:"buildTimeoutMinutes,omitempty"`
}

// CreateProject registers a new project.
func (c *Client) CreateProject(ctx context.Context, input CreateProjectInput) (domain.Project, error) {
	var project domain.Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, &project); err != nil {
		return domain.Project{}, err
	}
	return project, nil
}

// GetProject fetches a project.
func (c *Client) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	var project domain.Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &project); err != nil {
		return domain.Project{}, err
	}
	return project, nil
}

// ProjectSettingsInput is a partial settings update; nil fields are left unchanged.
type ProjectSettingsInput struct {
	Autoscaling         *bool              `json:"autoscaling,omitempty"`
	BuilderCPUs         *int               `json:"builderCpus,omitempty"`
	BuilderMemoryGB     *int               `json:"builderMemoryGB,omitempty"`
	CacheTargetGB       map[string]float64 `json:"cacheStorageTargetGB,omitempty"`
	CacheRetentionDays  *int               `json:"cacheRetentionDays,omitempty"`
	BuildTimeoutMinutes *int               `json:"buildTimeoutMinutes,omitempty"`
}

// UpdateProjectSettings changes a project's scheduling and cache settings.
func (c *Client) UpdateProjectSettings(ctx context.Context, projectID string, input ProjectSettingsInput) (domain.Project, error) {
	var project domain.Project
	path := fmt.Sprintf("/projects/%s/settings", url.PathEscape(projectID))
	if err := c.do(ctx, http.MethodPatch, path, input, &project); err != nil {
		return domain.Project{}, err
	}
	return project, nil
}

// DeleteProject removes a project, its builds and its cache.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(projectID), nil, nil)
}

// ProjectUsage summarises a project's builds over a window of days.
type ProjectUsage struct {
	ProjectID           string  `json:"projectId"`
	Days                int     `json:"days"`
	TotalBuilds         int     `json:"totalBuilds"`
	SuccessfulBuilds    int     `json:"successfulBuilds"`
	FailedBuilds        int     `json:"failedBuilds"`
	SuccessRate         float64 `json:"successRate"`
	TotalBuildMinutes   float64 `json:"totalBuildMinutes"`
	CacheSavedMinutes   float64 `json:"cacheSavedMinutes"`
	AverageCacheHitRate float64 `json:"averageCacheHitRate"`
	BillableMinutes     int     `json:"billableMinutes"`
	Daily               []struct {
		Date         string  `json:"date"`
		Builds       int     `json:"builds"`
		Successful   int     `json:"successful"`
		Failed       int     `json:"failed"`
		TotalMinutes float64 `json:"totalMinutes"`
		SavedMinutes float64 `json:"savedMinutes"`
		CacheHitRate float64 `json:"cacheHitRate"`
	} `json:"daily"`
}

// Usage fetches build usage for the last days days; zero uses the server default.
func (c *Client) Usage(ctx context.Context, projectID string, days int) (ProjectUsage, error) {
	var usage ProjectUsage
	path := fmt.Sprintf("/projects/%s/usage", url.PathEscape(projectID))
	if days > 0 {
		path += "?days=" + strconv.Itoa(days)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &usage); err != nil {
		return ProjectUsage{}, err
	}
	return usage, nil
}

// CreateBuildInput is the payload of a build request.
type CreateBuildInput struct {
	ProjectID  string            `json:"projectId"`
	Dockerfile string            `json:"dockerfile,omitempty"`
	Context    string            `json:"context,omitempty"`
	Platforms  []string          `json:"platforms"`
	Tags       []string          `json:"tags,omitempty"`
	BuildArgs  map[string]string `json:"buildArgs,omitempty"`
	Secrets    map[string]string `json:"secrets,omitempty"`
	CacheFrom  string            `json:"cacheFrom,omitempty"`
	CacheTo    string            `json:"cacheTo,omitempty"`
	Push       bool              `json:"push,omitempty"`
}

// ScheduledBuild is returned when a build is accepted.
type ScheduledBuild struct {
	Build                domain.Build `json:"build"`
	Position             int          `json:"position"`
	EstimatedWaitSeconds int          `json:"estimatedWaitSeconds"`
}

// CreateBuild schedules a build.
func (c *Client) CreateBuild(ctx context.Context, input CreateBuildInput) (ScheduledBuild, error) {
	var res ScheduledBuild
	if err := c.do(ctx, http.MethodPost, "/builds", input, &res); err != nil {
		return ScheduledBuild{}, err
	}
	return res, nil
}

// GetBuild fetches a build.
func (c *Client) GetBuild(ctx context.Context, buildID string) (domain.Build, error) {
	var build domain.Build
	if err := c.do(ctx, http.MethodGet, "/builds/"+url.PathEscape(buildID), nil, &build); err != nil {
		return domain.Build{}, err
	}
	return build, nil
}

// BuildPage is one page of a project's builds.
type BuildPage struct {
	Builds []domain.Build `json:"builds"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ListBuilds pages through a project's builds. An empty status lists every build.
func (c *Client) ListBuilds(ctx context.Context, projectID, status string, limit, offset int) (BuildPage, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		query.Set("offset", fmt.Sprint(offset))
	}
	if status != "" {
		query.Set("status", status)
	}
	path := fmt.Sprintf("/projects/%s/builds", url.PathEscape(projectID))
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var page BuildPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return BuildPage{}, err
	}
	return page, nil
}

// CancelBuild cancels a queued or running build.
func (c *Client) CancelBuild(ctx context.Context, buildID string) (domain.Build, error) {
	var build domain.Build
	if err := c.do(ctx, http.MethodDelete, "/builds/"+url.PathEscape(buildID), nil, &build); err != nil {
		return domain.Build{}, err
	}
	return build, nil
}

// RetryBuild schedules a new build with the configuration of a finished one.
func (c *Client) RetryBuild(ctx context.Context, buildID string) (ScheduledBuild, error) {
	var res ScheduledBuild
	path := fmt.Sprintf("/builds/%s/retry", url.PathEscape(buildID))
	if err := c.do(ctx, http.MethodPost, path, nil, &res); err != nil {
		return ScheduledBuild{}, err
	}
	return res, nil
}

// LogLine is one line of build output.
type LogLine struct {
	BuildID string    `json:"buildId"`
	Seq     int       `json:"seq"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// BuildLogs fetches the output of a build.
func (c *Client) BuildLogs(ctx context.Context, buildID string) ([]LogLine, error) {
	var lines []LogLine
	path := fmt.Sprintf("/builds/%s/logs", url.PathEscape(buildID))
	if err := c.do(ctx, http.MethodGet, path, nil, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// CacheStats fetches per architecture cache statistics.
func (c *Client) CacheStats(ctx context.Context, projectID string) (domain.CacheStats, error) {
	var stats domain.CacheStats
	path := fmt.Sprintf("/projects/%s/cache", url.PathEscape(projectID))
	if err := c.do(ctx, http.MethodGet, path, nil, &stats); err != nil {
		return domain.CacheStats{}, err
	}
	return stats, nil
}

// ResetCache deletes every cache entry of a project.
func (c *Client) ResetCache(ctx context.Context, projectID string) error {
	path := fmt.Sprintf("/projects/%s/cache/reset", url.PathEscape(projectID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// PruneCache evicts least recently used entries down to targetGB, or the configured
// target when targetGB is zero. It returns the GB freed.
func (c *Client) PruneCache(ctx context.Context, projectID string, targetGB float64) (float64, error) {
	body := map[string]float64{}
	if targetGB > 0 {
		body["targetSizeGB"] = targetGB
	}
	var res struct {
		PrunedGB float64 `json:"prunedGB"`
	}
	path := fmt.Sprintf("/projects/%s/cache/prune", url.PathEscape(projectID))
	if err := c.do(ctx, http.MethodPost, path, body, &res); err != nil {
		return 0, err
	}
	return res.PrunedGB, nil
}

// ListBuilders returns the scheduler's view of builder nodes.
func (c *Client) ListBuilders(ctx context.Context) ([]domain.BuilderNode, error) {
	var nodes []domain.BuilderNode
	if err := c.do(ctx, http.MethodGet, "/builders", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// RemoveBuilder scales a builder node down.
func (c *Client) RemoveBuilder(ctx context.Context, builderID string) error {
	return c.do(ctx, http.MethodDelete, "/builders/"+url.PathEscape(builderID), nil, nil)
}
