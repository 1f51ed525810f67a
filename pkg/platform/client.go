// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package platform implements the HTTP control client: state checkins,
// snapshot/settings fetches, provisioning, audit relay and editor token
// verification. Requests carry the device bearer token and a stable
// user-agent; retries are the caller's choice.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/config"
	"github.com/flowforge/device-agent/pkg/util/log"
	"github.com/flowforge/device-agent/pkg/version"
)

// DefaultTimeout bounds every request unless the caller's context is
// shorter.
const DefaultTimeout = 2 * time.Second

const (
	authorizationHeaderKey = "Authorization"
	useragentHTTPHeaderKey = "User-Agent"
	accessTokenHeaderKey   = "x-access-token"
)

// editorTokenTTL is how long a token verification result is trusted before
// the platform is asked again.
const editorTokenTTL = 30 * time.Second

var (
	// ErrRevoked marks 401/402/404 responses: the platform no longer
	// recognizes this device, so the agent must stop rather than retry.
	ErrRevoked = errors.New("device credentials rejected by the platform")

	// ErrInvalidToken marks a failed editor token verification.
	ErrInvalidToken = errors.New("editor token rejected by the platform")
)

var (
	platformExpvars = expvar.NewMap("platform")
	checkins        = expvar.Int{}
	checkinErrors   = expvar.Int{}
)

func init() {
	platformExpvars.Set("Checkins", &checkins)
	platformExpvars.Set("CheckinErrors", &checkinErrors)
}

// CheckInResult is the outcome of a state checkin.
type CheckInResult struct {
	// DesiredDelivered is true when the platform answered with a desired
	// state body, including an explicit null (device unassigned).
	DesiredDelivered bool
	Desired          *api.DesiredState

	// ReconcileRequired is true on a 409: the platform wants the agent to
	// fetch the target snapshot and settings and converge.
	ReconcileRequired bool
}

// Client is the authenticated HTTP client bound to one device identity.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	baseURL    string
	forgeURL   string
	tokenCache *cache.Cache
}

// New builds a client from the device configuration.
func New(cfg *config.Config) *Client {
	forge := strings.TrimRight(cfg.ForgeURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				Proxy:           config.TransportProxy(),
				TLSClientConfig: cfg.TLSConfig(),
			},
		},
		baseURL:    fmt.Sprintf("%s/api/v1/devices/%s/", forge, cfg.DeviceID),
		forgeURL:   forge,
		tokenCache: cache.New(editorTokenTTL, 2*time.Minute),
	}
}

func (c *Client) newRequest(ctx context.Context, method, url, token string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set(authorizationHeaderKey, "Bearer "+token)
	req.Header.Set(useragentHTTPHeaderKey, version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do runs one request and returns the status code and response body.
func (c *Client) do(ctx context.Context, method, url, token string, body interface{}) (int, []byte, error) {
	req, err := c.newRequest(ctx, method, url, token, body)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, payload, nil
}

// revokedStatus reports whether the platform refused the device identity.
func revokedStatus(status int) bool {
	return status == http.StatusUnauthorized ||
		status == http.StatusPaymentRequired ||
		status == http.StatusNotFound
}

// CheckIn posts the device status to live/state. The response may carry the
// next desired state, demand a reconciliation, or reject the device.
func (c *Client) CheckIn(ctx context.Context, report *api.StatusReport) (*CheckInResult, error) {
	checkins.Add(1)
	status, payload, err := c.do(ctx, http.MethodPost, c.baseURL+"live/state", c.cfg.Token, report)
	if err != nil {
		checkinErrors.Add(1)
		return nil, err
	}

	switch {
	case status == http.StatusConflict:
		// Some platform builds name the target right in the conflict
		// response; older ones leave the body empty and expect a fetch.
		res := &CheckInResult{ReconcileRequired: true}
		if trimmed := bytes.TrimSpace(payload); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			if err := json.Unmarshal(trimmed, &res.Desired); err != nil {
				log.Debugf("Ignoring malformed conflict body: %v", err)
				res.Desired = nil
			}
		}
		return res, nil
	case revokedStatus(status):
		return nil, ErrRevoked
	case status >= 300:
		checkinErrors.Add(1)
		return nil, fmt.Errorf("checkin failed with status %d", status)
	}

	res := &CheckInResult{}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return res, nil
	}
	res.DesiredDelivered = true
	if bytes.Equal(trimmed, []byte("null")) {
		return res, nil
	}
	if err := json.Unmarshal(trimmed, &res.Desired); err != nil {
		return nil, fmt.Errorf("malformed checkin response: %w", err)
	}
	return res, nil
}

// GetSnapshot fetches the target snapshot from live/snapshot.
func (c *Client) GetSnapshot(ctx context.Context) (*api.Snapshot, error) {
	status, payload, err := c.do(ctx, http.MethodGet, c.baseURL+"live/snapshot", c.cfg.Token, nil)
	if err != nil {
		return nil, err
	}
	if revokedStatus(status) {
		return nil, ErrRevoked
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("snapshot fetch failed with status %d", status)
	}
	var snap api.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("malformed snapshot: %w", err)
	}
	return &snap, nil
}

// GetSettings fetches the target settings from live/settings.
func (c *Client) GetSettings(ctx context.Context) (*api.Settings, error) {
	status, payload, err := c.do(ctx, http.MethodGet, c.baseURL+"live/settings", c.cfg.Token, nil)
	if err != nil {
		return nil, err
	}
	if revokedStatus(status) {
		return nil, ErrRevoked
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("settings fetch failed with status %d", status)
	}
	var settings api.Settings
	if err := json.Unmarshal(payload, &settings); err != nil {
		return nil, fmt.Errorf("malformed settings: %w", err)
	}
	return &settings, nil
}

// VerifyEditorToken asks the platform whether an editor access token is
// valid. Results, positive and negative, are cached for 30 seconds per
// token so the runtime's admin-auth checks do not hammer the platform.
func (c *Client) VerifyEditorToken(ctx context.Context, token string) (*api.EditorTokenInfo, error) {
	if cached, found := c.tokenCache.Get(token); found {
		switch v := cached.(type) {
		case *api.EditorTokenInfo:
			return v, nil
		case error:
			return nil, v
		}
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"editor/token", c.cfg.Token, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(accessTokenHeaderKey, token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		c.tokenCache.SetDefault(token, error(ErrInvalidToken))
		return nil, ErrInvalidToken
	}

	info := &api.EditorTokenInfo{}
	if err := json.Unmarshal(payload, info); err != nil {
		return nil, fmt.Errorf("malformed token verification response: %w", err)
	}
	c.tokenCache.SetDefault(token, info)
	return info, nil
}

// PostAudit relays one audit event to the platform's device audit log.
func (c *Client) PostAudit(ctx context.Context, event string, body map[string]interface{}) error {
	payload := map[string]interface{}{"event": event}
	for k, v := range body {
		if k != "event" {
			payload[k] = v
		}
	}

	url := fmt.Sprintf("%s/logging/device/%s/audit", c.forgeURL, c.cfg.DeviceID)
	status, _, err := c.do(ctx, http.MethodPost, url, c.cfg.Token, payload)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("audit post failed with status %d", status)
	}
	return nil
}

// Provision asks the platform to claim this device using the provisioning
// token. The agent polls this until the platform issues an identity.
func (c *Client) Provision(ctx context.Context) (*api.ProvisioningResult, error) {
	// Quick-connect tokens carry the team themselves, so both fields are
	// optional.
	body := map[string]interface{}{}
	if c.cfg.ProvisioningName != "" {
		body["name"] = c.cfg.ProvisioningName
	}
	if c.cfg.ProvisioningTeam != "" {
		body["team"] = c.cfg.ProvisioningTeam
	}
	status, payload, err := c.do(ctx, http.MethodPost, c.forgeURL+"/api/v1/devices/", c.cfg.ProvisioningToken, body)
	if err != nil {
		return nil, err
	}
	if revokedStatus(status) {
		return nil, ErrRevoked
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("provisioning request failed with status %d", status)
	}

	var res api.ProvisioningResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("malformed provisioning response: %w", err)
	}
	if res.DeviceID == "" || res.Token == "" {
		return nil, errors.New("provisioning response missing device credentials")
	}
	log.Infof("Device claimed by the platform as %s", res.DeviceID)
	return &res, nil
}
