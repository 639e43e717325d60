// Package jobdispatcher implements the platform driver interface against a
// narrower job-dispatch API: it can issue a token for a specific job and
// check whether that job has been picked up, but has no notion of listing
// or bulk-querying runners.
package jobdispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thpham/runnerfleet/internal/config"
	"github.com/thpham/runnerfleet/internal/identity"
	"github.com/thpham/runnerfleet/internal/platform"
	"github.com/thpham/runnerfleet/internal/retry"
	"github.com/thpham/runnerfleet/internal/rferrors"
)

// Client implements platform.Driver against a job-dispatcher API.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	log         *logrus.Logger
}

var _ platform.Driver = (*Client)(nil)

// NewClient builds a job-dispatcher platform driver from configuration.
func NewClient(cfg config.JobDispatcherConfig, log *logrus.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required: %w", rferrors.ErrConfig)
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required: %w", rferrors.ErrConfig)
	}

	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}, nil
}

type tokenResponse struct {
	Token string `json:"token"`
}

type jobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// IssueCredential implements platform.Driver: POST /v1/jobs/{id}/token.
// The job-dispatcher backend issues credentials per-job, so the job ID is
// expected to already be encoded in id.Metadata.RunnerID (the dispatcher's
// job identifiers are opaque strings upstream; this rendition keeps the
// numeric RunnerID field for interface symmetry with hostedvcs and
// formats it back to the dispatcher's string ID space).
func (c *Client) IssueCredential(ctx context.Context, id identity.RunnerIdentity, labels []string) (platform.Credential, identity.PlatformRunnerHealth, error) {
	jobID := fmt.Sprintf("%d", id.Metadata.RunnerID)
	endpoint := fmt.Sprintf("%s/v1/jobs/%s/token", c.baseURL, jobID)

	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, endpoint, nil, &resp, http.StatusOK, http.StatusCreated); err != nil {
		return platform.Credential{}, identity.PlatformRunnerHealth{}, err
	}
	if resp.Token == "" {
		return platform.Credential{}, identity.PlatformRunnerHealth{}, fmt.Errorf("empty token for job %s: %w", jobID, rferrors.ErrProtocol)
	}

	meta := identity.RunnerMetadata{Kind: identity.PlatformJobDispatcher, RunnerID: id.Metadata.RunnerID, BaseURL: c.baseURL}
	health := identity.PlatformRunnerHealth{
		Identity: identity.RunnerIdentity{InstanceID: id.InstanceID, Metadata: meta},
		State:    identity.PlatformOffline,
	}

	return platform.Credential{Token: resp.Token}, health, nil
}

// GetRunnerHealth implements platform.Driver. The job-dispatcher API has
// no runner-state endpoint of its own, so health is inferred from the
// job's own status instead of tracked independently.
func (c *Client) GetRunnerHealth(ctx context.Context, id identity.RunnerIdentity) (identity.PlatformRunnerHealth, error) {
	jobID := fmt.Sprintf("%d", id.Metadata.RunnerID)
	endpoint := fmt.Sprintf("%s/v1/jobs/%s", c.baseURL, jobID)

	var j jobResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &j, http.StatusOK); err != nil {
		return identity.PlatformRunnerHealth{}, err
	}

	state := identity.PlatformIdle
	if j.Status != "pending" {
		state = identity.PlatformBusy
	}
	return identity.PlatformRunnerHealth{Identity: id, State: state}, nil
}

// GetRunnersHealth implements platform.Driver by fanning out per-job
// lookups; the job-dispatcher API has no bulk listing endpoint for this
// backend, so NonRequested is always empty here. A job whose query fails
// transiently lands in FailedRequested rather than being dropped silently.
func (c *Client) GetRunnersHealth(ctx context.Context, ids []identity.RunnerIdentity) (platform.RunnersHealthResponse, error) {
	requested := make(map[identity.RunnerIdentity]identity.PlatformRunnerHealth, len(ids))
	var failed []identity.RunnerIdentity
	for _, id := range ids {
		health, err := c.GetRunnerHealth(ctx, id)
		if err != nil {
			if rferrors.IsRetryable(err) {
				failed = append(failed, id)
			}
			continue
		}
		requested[id] = health
	}
	return platform.RunnersHealthResponse{Requested: requested, FailedRequested: failed}, nil
}

// DeleteRunner implements platform.Driver. The job-dispatcher has no
// runner registration to delete; a job's lifecycle ends when it completes,
// not when its runner is torn down, so this is a no-op.
func (c *Client) DeleteRunner(ctx context.Context, id identity.RunnerIdentity) error {
	return nil
}

// CheckJobDispatched implements platform.Driver: GET /v1/jobs/{id},
// status != "pending" means a runner has picked it up.
func (c *Client) CheckJobDispatched(ctx context.Context, meta identity.RunnerMetadata, jobURL string) (bool, error) {
	var j jobResponse
	if err := c.do(ctx, http.MethodGet, jobURL, nil, &j, http.StatusOK); err != nil {
		return false, err
	}
	return j.Status != "pending", nil
}

// GetRemovalToken implements platform.Driver. Not supported by the
// job-dispatcher API.
func (c *Client) GetRemovalToken(ctx context.Context) (string, error) {
	return "", fmt.Errorf("removal tokens are not supported by the job-dispatcher backend: %w", rferrors.ErrConfig)
}

// do performs an HTTP request against the job-dispatcher API. A transient
// failure (connection error, 5xx, 429) is retried under retry.DefaultPolicy;
// permanent failures return on the first attempt.
func (c *Client) do(ctx context.Context, method, endpoint string, body interface{}, out interface{}, okStatuses ...int) error {
	var reqBody []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = b
	}

	return retry.Do(ctx, logrus.NewEntry(c.log), retry.DefaultPolicy, func() error {
		return c.doOnce(ctx, method, endpoint, reqBody, out, okStatuses)
	})
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, reqBody []byte, out interface{}, okStatuses []int) error {
	var body io.Reader
	if reqBody != nil {
		body = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w: %w", endpoint, rferrors.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	for _, ok := range okStatuses {
		if resp.StatusCode == ok {
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("failed to parse response: %w: %w", rferrors.ErrProtocol, err)
				}
			}
			return nil
		}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("request to %s failed with status %d: %w", endpoint, resp.StatusCode, rferrors.ErrTransient)
	}
	return fmt.Errorf("request to %s failed with status %d: %s: %w", endpoint, resp.StatusCode, string(respBody), rferrors.ErrPermanent)
}
