package fortigate

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mhe/radgate/pkg/log"
	"github.com/mhe/radgate/pkg/metrics"
)

// EditAction selects the policy mutation performed by EditPolicy.
type EditAction string

const (
	ActionAdd    EditAction = "add"
	ActionRename EditAction = "rename"
	ActionRemove EditAction = "remove"
)

// EditRequest parameterises EditPolicy. User names the subscriber address
// objects; NewName carries the target name for rename.
type EditRequest struct {
	PolicyID int64
	Action   EditAction
	User     string
	NewName  string
}

// Client talks to FortiGate appliances over the REST API. It holds no
// device state; every call targets the fgAddr it is given. TLS verification
// is disabled, the devices sit on a closed management network with
// self-signed certificates.
type Client struct {
	http  *http.Client
	token string
}

// NewClient builds a gateway client authenticating with the given API token.
func NewClient(apiToken string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		token: apiToken,
	}
}

// CreateIP creates the subscriber IPv4 address object.
func (c *Client) CreateIP(ctx context.Context, fgAddr, name, ip string) error {
	url := fmt.Sprintf("https://%s/api/v2/cmdb/firewall/address", fgAddr)
	payload := map[string]any{"name": name, "subnet": ip + " 255.255.255.255"}
	log.WithDevice(fgAddr).Info().Str("name", name).Str("ip", ip).Msg("create address")
	_, err := c.do(ctx, http.MethodPost, url, payload, "create_ip")
	return err
}

// CreateIPv6 creates the subscriber IPv6 address object, named name+"v6".
func (c *Client) CreateIPv6(ctx context.Context, fgAddr, name, ipv6 string) error {
	url := fmt.Sprintf("https://%s/api/v2/cmdb/firewall/address6", fgAddr)
	payload := map[string]any{"name": name + "v6", "ip6": ipv6}
	log.WithDevice(fgAddr).Info().Str("name", name).Str("ipv6", ipv6).Msg("create address6")
	_, err := c.do(ctx, http.MethodPost, url, payload, "create_ipv6")
	return err
}

// CreateService creates the shared custom service object carrying the
// inverted port lists.
func (c *Client) CreateService(ctx context.Context, fgAddr, name, tcp, udp string) error {
	url := fmt.Sprintf("https://%s/api/v2/cmdb/firewall.service/custom", fgAddr)
	payload := map[string]any{"name": name, "tcp-portrange": tcp, "udp-portrange": udp}
	log.WithDevice(fgAddr).Info().Str("name", name).Msg("create service")
	_, err := c.do(ctx, http.MethodPost, url, payload, "create_service")
	return err
}

// CreatePolicy installs the deny-template policy named after the rules hash
// with the subscriber as first source member, returning the assigned mkey.
func (c *Client) CreatePolicy(ctx context.Context, fgAddr, name, username string) (int64, error) {
	url := fmt.Sprintf("https://%s/api/v2/cmdb/firewall/policy?datasource=true&with_meta=true&vdom=transparent", fgAddr)
	payload := map[string]any{
		"name":    name,
		"action":  "deny",
		"srcintf": []map[string]string{{"name": "PPPoE_vlan"}},
		"dstintf": []map[string]string{{"name": "Core_vlan"}},
		"srcaddr": []map[string]string{{"name": username}},
		"dstaddr": []map[string]string{
			{"name": "ns4.belpak.by_ipv4"}, {"name": "ns3.belpak.by_ipv4"},
		},
		"srcaddr6": []map[string]string{{"name": username + "v6"}},
		"dstaddr6": []map[string]string{
			{"name": "ns3.belpak.by_ipv6"}, {"name": "ns4.belpak.by_ipv6"},
		},
		"schedule":        "always",
		"service":         []map[string]string{{"name": name}},
		"ssl-ssh-profile": "",
		"logtraffic":      "disable",
		"groups":          []map[string]string{{"name": "class2"}},
		"dstaddr-negate":  "enable",
		"dstaddr6-negate": "enable",
	}
	log.WithDevice(fgAddr).Info().Str("name", name).Str("user", username).Msg("create policy")
	body, err := c.do(ctx, http.MethodPost, url, payload, "create_policy")
	if err != nil {
		return 0, err
	}
	mkey, ok := extractMkey(body)
	if !ok {
		return 0, fmt.Errorf("create_policy on %s: response carries no mkey", fgAddr)
	}
	return mkey, nil
}

// MovePolicyToTop moves the policy ahead of every other rule.
func (c *Client) MovePolicyToTop(ctx context.Context, fgAddr string, policyID int64) error {
	url := fmt.Sprintf("https://%s/api/v2/cmdb/firewall/policy/%d?action=move&before=1", fgAddr, policyID)
	log.WithDevice(fgAddr).Info().Int64("policy_id", policyID).Msg("move policy to top")
	_, err := c.do(ctx, http.MethodPut, url, nil, "move_policy_to_top")
	return err
}

// GetPolicy fetches the full policy object. A missing policy returns
// (nil, nil).
func (c *Client) GetPolicy(ctx context.Context, fgAddr string, policyID int64) (map[string]any, error) {
	url := fmt.Sprintf("https://%s/api/v2/cmdb/firewall/policy/%d", fgAddr, policyID)
	body, err := c.do(ctx, http.MethodGet, url, nil, "get_policy")
	if err != nil {
		return nil, err
	}
	policy := unwrapPolicy(body)
	if policy == nil {
		return nil, nil
	}
	return policy, nil
}

// EditPolicy performs the read-modify-write policy mutation: fetch the
// current object, adjust srcaddr/srcaddr6 membership or the name, then
// re-POST (add, rename) or PUT (remove). A missing policy yields (0, nil)
// without touching the device.
func (c *Client) EditPolicy(ctx context.Context, fgAddr string, req EditRequest) (int64, error) {
	policy, err := c.GetPolicy(ctx, fgAddr, req.PolicyID)
	if err != nil {
		return 0, err
	}
	if policy == nil {
		log.WithDevice(fgAddr).Warn().Int64("policy_id", req.PolicyID).Msg("edit: policy not found")
		return 0, nil
	}

	log.WithDevice(fgAddr).Info().
		Int64("policy_id", req.PolicyID).
		Str("action", string(req.Action)).
		Str("user", req.User).
		Msg("edit policy")

	switch req.Action {
	case ActionAdd:
		policy["srcaddr"] = appendMember(policy["srcaddr"], req.User)
		policy["srcaddr6"] = appendMember(policy["srcaddr6"], req.User+"v6")
		body, err := c.do(ctx, http.MethodPost,
			fmt.Sprintf("https://%s/api/v2/cmdb/firewall/policy", fgAddr), policy, "edit_policy")
		if err != nil {
			return 0, err
		}
		mkey, _ := extractMkey(body)
		return mkey, nil
	case ActionRename:
		policy["name"] = req.NewName
		body, err := c.do(ctx, http.MethodPost,
			fmt.Sprintf("https://%s/api/v2/cmdb/firewall/policy", fgAddr), policy, "edit_policy")
		if err != nil {
			return 0, err
		}
		mkey, _ := extractMkey(body)
		return mkey, nil
	case ActionRemove:
		policy["srcaddr"] = removeMember(policy["srcaddr"], req.User)
		policy["srcaddr6"] = removeMember(policy["srcaddr6"], req.User+"v6")
		_, err := c.do(ctx, http.MethodPut,
			fmt.Sprintf("https://%s/api/v2/cmdb/firewall/policy/%d", fgAddr, req.PolicyID), policy, "edit_policy")
		return 0, err
	default:
		return 0, fmt.Errorf("edit_policy: unknown action %q", req.Action)
	}
}

// DeleteIP removes the subscriber IPv4 address object.
func (c *Client) DeleteIP(ctx context.Context, fgAddr, name string) error {
	url := fmt.Sprintf("https://%s/api/v2/cmdb/firewall/address/%s", fgAddr, name)
	log.WithDevice(fgAddr).Info().Str("name", name).Msg("delete address")
	_, err := c.do(ctx, http.MethodDelete, url, nil, "delete_ip")
	return err
}

// DeleteIPv6 removes the subscriber IPv6 address object.
func (c *Client) DeleteIPv6(ctx context.Context, fgAddr, name string) error {
	url := fmt.Sprintf("https://%s/api/v2/cmdb/firewall/address6/%sv6", fgAddr, name)
	log.WithDevice(fgAddr).Info().Str("name", name).Msg("delete address6")
	_, err := c.do(ctx, http.MethodDelete, url, nil, "delete_ipv6")
	return err
}

// DeleteService removes a shared service object.
func (c *Client) DeleteService(ctx context.Context, fgAddr, name string) error {
	url := fmt.Sprintf("https://%s/api/v2/cmdb/firewall.service/custom/%s", fgAddr, name)
	log.WithDevice(fgAddr).Info().Str("name", name).Msg("delete service")
	_, err := c.do(ctx, http.MethodDelete, url, nil, "delete_service")
	return err
}

// DeletePolicy removes a policy by mkey.
func (c *Client) DeletePolicy(ctx context.Context, fgAddr string, policyID int64) error {
	url := fmt.Sprintf("https://%s/api/v2/cmdb/firewall/policy/%d", fgAddr, policyID)
	log.WithDevice(fgAddr).Info().Int64("policy_id", policyID).Msg("delete policy")
	_, err := c.do(ctx, http.MethodDelete, url, nil, "delete_policy")
	return err
}

func (c *Client) do(ctx context.Context, method, url string, payload any, op string) (map[string]any, error) {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding payload: %w", op, err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GatewayCallsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w", op, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// absent objects are not a device failure
		metrics.GatewayCallsTotal.WithLabelValues(op, "ok").Inc()
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.GatewayCallsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%s %s: status %d", op, url, resp.StatusCode)
	}

	metrics.GatewayCallsTotal.WithLabelValues(op, "ok").Inc()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		// non-JSON 2xx bodies are accepted
		return nil, nil
	}
	return decoded, nil
}

// unwrapPolicy tolerates both a bare policy object and the results-wrapped
// form the appliances emit on collection reads.
func unwrapPolicy(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	if results, ok := body["results"].([]any); ok {
		if len(results) == 0 {
			return nil
		}
		if first, ok := results[0].(map[string]any); ok {
			return first
		}
		return nil
	}
	return body
}

func extractMkey(body map[string]any) (int64, bool) {
	if body == nil {
		return 0, false
	}
	switch v := body["mkey"].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func appendMember(list any, name string) []map[string]any {
	out := toMembers(list)
	for _, m := range out {
		if m["name"] == name {
			return out
		}
	}
	return append(out, map[string]any{"name": name})
}

func removeMember(list any, name string) []map[string]any {
	in := toMembers(list)
	out := make([]map[string]any, 0, len(in))
	for _, m := range in {
		if m["name"] != name {
			out = append(out, m)
		}
	}
	return out
}

func toMembers(list any) []map[string]any {
	items, ok := list.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
