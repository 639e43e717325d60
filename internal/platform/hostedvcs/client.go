// Package hostedvcs implements the platform driver interface against a
// GitLab-style runner registration API (POST /api/v4/user/runners and the
// glrt-* runner authentication token model introduced in GitLab 15.11).
package hostedvcs

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

// Client implements platform.Driver against a GitLab instance.
type Client struct {
	instanceURL string
	accessToken string
	httpClient  *http.Client
	log         *logrus.Logger

	runnerType string
	groupID    int
	projectID  int

	runUntagged bool
	locked      bool
	accessLevel string
}

var _ platform.Driver = (*Client)(nil)

// NewClient builds a hostedvcs platform driver from configuration.
func NewClient(cfg config.HostedVCSConfig, log *logrus.Logger) (*Client, error) {
	if cfg.InstanceURL == "" {
		return nil, fmt.Errorf("instance URL is required: %w", rferrors.ErrConfig)
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required: %w", rferrors.ErrConfig)
	}

	return &Client{
		instanceURL: strings.TrimSuffix(cfg.InstanceURL, "/"),
		accessToken: cfg.AccessToken,
		runnerType:  cfg.RunnerType,
		groupID:     cfg.GroupID,
		projectID:   cfg.ProjectID,
		runUntagged: cfg.RunUntagged,
		locked:      cfg.Locked,
		accessLevel: cfg.AccessLevel,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}, nil
}

// IssueCredential implements platform.Driver.
func (c *Client) IssueCredential(ctx context.Context, id identity.RunnerIdentity, labels []string) (platform.Credential, identity.PlatformRunnerHealth, error) {
	endpoint := fmt.Sprintf("%s/api/v4/user/runners", c.instanceURL)

	req := createRunnerRequest{
		RunnerType:  c.runnerType,
		Description: id.InstanceID.String(),
		RunUntagged: c.runUntagged,
		Locked:      c.locked,
		AccessLevel: c.accessLevel,
	}
	switch c.runnerType {
	case "group_type":
		req.GroupID = c.groupID
	case "project_type":
		req.ProjectID = c.projectID
	}
	if len(labels) > 0 {
		req.TagList = strings.Join(labels, ",")
	}

	c.log.WithFields(logrus.Fields{
		"instance_id": id.InstanceID.String(),
		"runner_type": c.runnerType,
		"labels":      labels,
	}).Debug("issuing runner credential")

	var result createRunnerResponse
	if err := c.do(ctx, http.MethodPost, endpoint, req, &result, http.StatusCreated, http.StatusOK); err != nil {
		return platform.Credential{}, identity.PlatformRunnerHealth{}, err
	}
	if result.Token == "" {
		return platform.Credential{}, identity.PlatformRunnerHealth{}, fmt.Errorf("empty token received: %w", rferrors.ErrProtocol)
	}

	expiresAt := ""
	if result.TokenExpiresAt != nil {
		expiresAt = result.TokenExpiresAt.Format(time.RFC3339)
	}

	meta := identity.RunnerMetadata{Kind: identity.PlatformHostedVCS, RunnerID: int64(result.ID), BaseURL: c.instanceURL}
	health := identity.PlatformRunnerHealth{
		Identity: identity.RunnerIdentity{InstanceID: id.InstanceID, Metadata: meta},
		State:    identity.PlatformOffline,
	}

	c.log.WithField("runner_id", result.ID).Info("runner credential issued")
	return platform.Credential{Token: result.Token, ExpiresAt: expiresAt}, health, nil
}

// GetRunnerHealth implements platform.Driver. A runner that reports online
// is checked against its own running-job list to distinguish busy from
// idle; GitLab's base runner payload collapses both to the same status.
func (c *Client) GetRunnerHealth(ctx context.Context, id identity.RunnerIdentity) (identity.PlatformRunnerHealth, error) {
	endpoint := fmt.Sprintf("%s/api/v4/runners/%d", c.instanceURL, id.Metadata.RunnerID)

	var r runner
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &r, http.StatusOK); err != nil {
		return identity.PlatformRunnerHealth{}, err
	}

	state := identity.PlatformOffline
	if r.Online && r.Status != "offline" && r.Status != "stale" && r.Status != "never_contacted" {
		busy, err := c.isRunnerBusy(ctx, id.Metadata.RunnerID)
		if err != nil {
			c.log.WithError(err).WithField("runner_id", id.Metadata.RunnerID).Warn("failed to check running job status")
		}
		state = runnerState(busy)
	}

	return identity.PlatformRunnerHealth{
		Identity:    id,
		State:       state,
		Deletable:   r.Paused,
		ContactedAt: timeOrZero(r.ContactedAt),
	}, nil
}

// isRunnerBusy reports whether the runner currently has a job in the
// running state, via GET /api/v4/runners/:id/jobs.
func (c *Client) isRunnerBusy(ctx context.Context, runnerID int64) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/v4/runners/%d/jobs?status=running&per_page=1", c.instanceURL, runnerID)
	var jobs []job
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &jobs, http.StatusOK); err != nil {
		return false, err
	}
	return len(jobs) > 0, nil
}

// GetRunnersHealth implements platform.Driver by fanning out per-runner
// lookups for the requested set, then listing every runner this token can
// see to discover registrations nobody asked about (NonRequested) — the
// source of truth for ghost reaping. A per-identity query that fails with
// anything other than a 404 lands in FailedRequested rather than failing the whole call;
// its identity is absent from Requested and its health stays unknown for
// this pass.
func (c *Client) GetRunnersHealth(ctx context.Context, ids []identity.RunnerIdentity) (platform.RunnersHealthResponse, error) {
	requested := make(map[identity.RunnerIdentity]identity.PlatformRunnerHealth, len(ids))
	seen := make(map[string]struct{}, len(ids))
	var failed []identity.RunnerIdentity

	for _, id := range ids {
		seen[id.InstanceID.String()] = struct{}{}
		health, err := c.GetRunnerHealth(ctx, id)
		if err != nil {
			if errIsNotFound(err) {
				continue
			}
			failed = append(failed, id)
			continue
		}
		requested[id] = health
	}

	var nonRequested []identity.RunnerIdentity
	var all []runner
	endpoint := fmt.Sprintf("%s/api/v4/runners", c.instanceURL)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &all, http.StatusOK); err != nil {
		c.log.WithError(err).Warn("failed to list runners for ghost detection")
	} else {
		for _, r := range all {
			if _, ok := seen[r.Description]; ok {
				continue
			}
			instanceID, err := identity.ParseInstanceID(r.Description)
			if err != nil {
				continue
			}
			nonRequested = append(nonRequested, identity.RunnerIdentity{
				InstanceID: instanceID,
				Metadata:   identity.RunnerMetadata{Kind: identity.PlatformHostedVCS, RunnerID: int64(r.ID), BaseURL: c.instanceURL},
			})
		}
	}

	return platform.RunnersHealthResponse{
		Requested:       requested,
		FailedRequested: failed,
		NonRequested:    nonRequested,
	}, nil
}

// DeleteRunner implements platform.Driver.
func (c *Client) DeleteRunner(ctx context.Context, id identity.RunnerIdentity) error {
	endpoint := fmt.Sprintf("%s/api/v4/runners/%d", c.instanceURL, id.Metadata.RunnerID)

	err := c.do(ctx, http.MethodDelete, endpoint, nil, nil, http.StatusNoContent, http.StatusOK)
	if err != nil && errIsNotFound(err) {
		return nil
	}
	return err
}

// CheckJobDispatched implements platform.Driver.
func (c *Client) CheckJobDispatched(ctx context.Context, meta identity.RunnerMetadata, jobURL string) (bool, error) {
	var j job
	if err := c.do(ctx, http.MethodGet, jobURL, nil, &j, http.StatusOK); err != nil {
		return false, err
	}
	return j.Status != "pending", nil
}

// GetRemovalToken implements platform.Driver. GitLab's runner registration
// API has no separate removal token concept, so this returns the client's
// own configured access token without making any request.
func (c *Client) GetRemovalToken(ctx context.Context) (string, error) {
	return c.accessToken, nil
}

func runnerState(busy bool) identity.PlatformRunnerState {
	if busy {
		return identity.PlatformBusy
	}
	return identity.PlatformIdle
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func errIsNotFound(err error) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte("status 404"))
}

// do performs an HTTP request against the GitLab API, marshaling body (if
// non-nil) as JSON and unmarshaling the response into out (if non-nil). A
// transient failure (connection error, 5xx, 429) is retried under
// retry.DefaultPolicy; permanent failures return on the first attempt.
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
	req.Header.Set("PRIVATE-TOKEN", c.accessToken)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

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

	var errResp errorResponse
	_ = json.Unmarshal(respBody, &errResp)
	msg := errResp.Message + errResp.Error
	if msg == "" {
		msg = string(respBody)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("request to %s failed with status %d: %s: %w", endpoint, resp.StatusCode, msg, rferrors.ErrTransient)
	}
	return fmt.Errorf("request to %s failed with status %d: %s: %w", endpoint, resp.StatusCode, msg, rferrors.ErrPermanent)
}
