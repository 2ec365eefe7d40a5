package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mhe/radgate/pkg/log"
	"github.com/mhe/radgate/pkg/types"
)

// SignalClient delivers reconciler signals over HTTP.
type SignalClient struct {
	base string
	http *http.Client
}

// NewSignalClient targets the controller service at host:port.
func NewSignalClient(addr string) *SignalClient {
	return &SignalClient{
		base: "http://" + addr,
		http: &http.Client{Timeout: 2 * time.Second},
	}
}

// Signal implements types.SignalSink.
func (c *SignalClient) Signal(ctx context.Context, action types.SignalAction, data types.SignalData) error {
	payload := map[string]any{"action": action, "data": data}
	return postJSON(ctx, c.http, c.base+"/signal", payload, nil)
}

// StoreClient talks to the store service's query and persistence surface.
type StoreClient struct {
	base string
	http *http.Client
}

// NewStoreClient targets the store service at host:port.
func NewStoreClient(addr string) *StoreClient {
	return &StoreClient{
		base: "http://" + addr,
		http: &http.Client{Timeout: 3 * time.Second},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// PolicyIDByHash implements types.PolicyQuery.
func (c *StoreClient) PolicyIDByHash(ctx context.Context, hash string) (*int64, error) {
	var env envelope
	err := doJSON(ctx, c.http, http.MethodPost, c.base+"/query/policy_id/by_hash",
		map[string]any{"hash": hash}, &env)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("policy_id by_hash query: %s", env.Error)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, nil
	}
	var data struct {
		PolicyID *int64 `json:"policy_id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding policy_id by_hash response: %w", err)
	}
	return data.PolicyID, nil
}

// CheckPolicyID implements types.PolicyQuery.
func (c *StoreClient) CheckPolicyID(ctx context.Context, policyID int64, hash string) (bool, *int64, error) {
	var env envelope
	err := doJSON(ctx, c.http, http.MethodPut, c.base+"/query/policy_id/check",
		map[string]any{"policy_id": policyID, "hash": hash}, &env)
	if err != nil {
		return false, nil, err
	}
	if !env.Success {
		return false, nil, fmt.Errorf("policy_id check query: %s", env.Error)
	}
	var data struct {
		PolicyIDExists bool   `json:"policy_id_exists"`
		PolicyIDByHash *int64 `json:"policy_id_by_hash"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return false, nil, fmt.Errorf("decoding policy_id check response: %w", err)
	}
	return data.PolicyIDExists, data.PolicyIDByHash, nil
}

// PolicyIDExists implements types.PolicyQuery.
func (c *StoreClient) PolicyIDExists(ctx context.Context, policyID int64) (bool, error) {
	var env envelope
	err := doJSON(ctx, c.http, http.MethodDelete, c.base+"/query/policy_id/check",
		map[string]any{"policy_id": policyID}, &env)
	if err != nil {
		return false, err
	}
	if !env.Success {
		return false, fmt.Errorf("policy_id exists query: %s", env.Error)
	}
	var data struct {
		PolicyIDExists bool `json:"policy_id_exists"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return false, fmt.Errorf("decoding policy_id exists response: %w", err)
	}
	return data.PolicyIDExists, nil
}

// AppendPolicyLog implements types.PolicyRecorder.
func (c *StoreClient) AppendPolicyLog(ctx context.Context, user, fgAddr string, mkey *int64, action string) error {
	payload := map[string]any{
		"user": user,
		"fg":   fgAddr,
		"response": map[string]any{
			"mkey":   mkey,
			"action": action,
		},
	}
	return postJSON(ctx, c.http, c.base+"/policy_logs", payload, nil)
}

// RadiusEvent delivers an extracted RADIUS attribute bag to the admission
// router.
func (c *StoreClient) RadiusEvent(ctx context.Context, attrs map[string]string) error {
	return postJSON(ctx, c.http, c.base+"/radius/event", map[string]any{"attrs": attrs}, nil)
}

// UpdatePolicyID implements types.PolicyRecorder.
func (c *StoreClient) UpdatePolicyID(ctx context.Context, login, hash string, policyID int64) error {
	payload := map[string]any{"login": login, "hash": hash, "policy_id": policyID}
	return postJSON(ctx, c.http, c.base+"/firewall_profiles/update_policy_id", payload, nil)
}

// KeepaliveClient pokes the application service so the access client
// re-announces the subscriber session.
type KeepaliveClient struct {
	base string
	http *http.Client
}

// NewKeepaliveClient targets the application service at host:port.
func NewKeepaliveClient(addr string) *KeepaliveClient {
	return &KeepaliveClient{
		base: "http://" + addr,
		http: &http.Client{Timeout: 2 * time.Second},
	}
}

// Keepalive implements types.Keepaliver.
func (c *KeepaliveClient) Keepalive(ctx context.Context, login string) error {
	return postJSON(ctx, c.http, c.base+"/keepalive", map[string]any{"login": login}, nil)
}

// DirectoryUser is one subscriber from the directory service.
type DirectoryUser struct {
	Login  string   `json:"login"`
	Emails []string `json:"emails"`
}

// LDAPClient lists report recipients from the directory service.
type LDAPClient struct {
	base string
	http *http.Client
}

// NewLDAPClient targets the directory service at host:port.
func NewLDAPClient(addr string) *LDAPClient {
	return &LDAPClient{
		base: "http://" + addr,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// List fetches every subscriber with their notification addresses.
func (c *LDAPClient) List(ctx context.Context) ([]DirectoryUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/list", nil)
	if err != nil {
		return nil, fmt.Errorf("building directory request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing directory users: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing directory users: status %d", resp.StatusCode)
	}

	var body struct {
		Users []DirectoryUser `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding directory response: %w", err)
	}
	log.WithComponent("client").Debug().Int("users", len(body.Users)).Msg("directory listed")
	return body.Users, nil
}

func postJSON(ctx context.Context, hc *http.Client, url string, payload, out any) error {
	return doJSON(ctx, hc, http.MethodPost, url, payload, out)
}

func doJSON(ctx context.Context, hc *http.Client, method, url string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request for %s: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", url, err)
		}
	}
	return nil
}

var (
	_ types.SignalSink     = (*SignalClient)(nil)
	_ types.PolicyQuery    = (*StoreClient)(nil)
	_ types.PolicyRecorder = (*StoreClient)(nil)
	_ types.Keepaliver     = (*KeepaliveClient)(nil)
)
