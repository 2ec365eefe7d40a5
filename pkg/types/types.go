package types

import (
	"context"
	"encoding/json"
	"time"
)

// SignalAction identifies the reconciler operation requested by a signal.
type SignalAction string

const (
	SignalCreate SignalAction = "create"
	SignalEdit   SignalAction = "edit"
	SignalDelete SignalAction = "delete"
)

// Profile is one row of firewall_profiles: the administratively configured
// firewall rule-set of a subscriber. Hash is the hex MD5 of
// "tcp_rules|udp_rules" and is the dedup key for shared FortiGate service
// and policy objects. PolicyID is nil until a policy is installed (or when
// the subscriber is merged into another profile's shared policy).
type Profile struct {
	ID              int64   `db:"id" json:"id"`
	ProfileType     string  `db:"profile_type" json:"profile_type"`
	CanDelete       int     `db:"can_delete" json:"can_delete"`
	ProfileName     *string `db:"profile_name" json:"profile_name"`
	CreatedAt       string  `db:"created_at" json:"created_at"`
	UpdatedAt       string  `db:"updated_at" json:"updated_at"`
	Name            string  `db:"name" json:"name"`
	Login           string  `db:"login" json:"login"`
	IPPool          *string `db:"ip_pool" json:"ip_pool"`
	IPv6Pool        *string `db:"ip_v6_pool" json:"ip_v6_pool"`
	RegionID        string  `db:"region_id" json:"region_id"`
	TCPRules        string  `db:"tcp_rules" json:"tcp_rules"`
	UDPRules        string  `db:"udp_rules" json:"udp_rules"`
	FirewallProfile string  `db:"firewall_profile" json:"firewall_profile"`
	Hash            string  `db:"hash" json:"hash"`
	PolicyID        *int64  `db:"policy_id" json:"policy_id"`
}

// Session is one row of RADIUS_Sessions: a live subscriber session observed
// via Accounting-Start. At most one row exists per User_Name.
type Session struct {
	UserName            string `db:"User_Name" json:"User-Name"`
	Timestamp           string `db:"Timestamp" json:"Timestamp"`
	AcctStatusType      string `db:"Acct_Status_Type" json:"Acct-Status-Type"`
	FramedIPAddress     string `db:"Framed_IP_Address" json:"Framed-IP-Address"`
	DelegatedIPv6Prefix string `db:"Delegated_IPv6_Prefix" json:"Delegated-IPv6-Prefix"`
	NASIPAddress        string `db:"NAS_IP_Address" json:"NAS-IP-Address"`
}

// PolicyLogEntry is one audit row appended by the reconciler after a policy
// mutation on a FortiGate.
type PolicyLogEntry struct {
	UserName   string    `db:"User_Name"`
	Timestamp  time.Time `db:"Timestamp"`
	PolicyID   *int64    `db:"Policy_ID"`
	Result     string    `db:"Result"`
	HTTPStatus *int      `db:"HTTP_Status"`
	FGAddress  string    `db:"FG_Address"`
}

// Signal is the reconciler input: an action plus the attribute payload.
type Signal struct {
	Action SignalAction `json:"action"`
	Data   SignalData   `json:"data"`
}

// SignalData is the normalized signal payload. The RADIUS pipeline and the
// admin API both produce loosely-keyed attribute bags ("user_name" vs
// "login", "Framed-IP-Address" vs "ip"); the alternatives are materialized
// into explicit fields here, once, and unrecognized keys ride along in
// Extra.
type SignalData struct {
	Login         string
	Hash          string
	OldHash       string
	TCPRules      string
	UDPRules      string
	FramedIP      string
	DelegatedIPv6 string
	NASIP         string
	PolicyID      *int64

	// Extra carries pass-through attributes that no component interprets.
	Extra map[string]any
}

// signal payload keys, including the accepted aliases
const (
	keyLogin    = "login"
	keyUserName = "user_name"
	keyHash     = "hash"
	keyOldHash  = "old_hash"
	keyTCPRules = "tcp_rules"
	keyUDPRules = "udp_rules"
	keyFramedIP = "Framed-IP-Address"
	keyIP       = "ip"
	keyIPv6Pfx  = "Delegated-IPv6-Prefix"
	keyIPv6     = "ipv6"
	keyNASIP    = "NAS-IP-Address"
	keyPolicyID = "policy_id"
)

// MarshalJSON flattens the explicit fields and Extra into one object using
// the canonical key names.
func (d SignalData) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Extra)+9)
	for k, v := range d.Extra {
		m[k] = v
	}
	if d.Login != "" {
		m[keyLogin] = d.Login
	}
	if d.Hash != "" {
		m[keyHash] = d.Hash
	}
	if d.OldHash != "" {
		m[keyOldHash] = d.OldHash
	}
	m[keyTCPRules] = d.TCPRules
	m[keyUDPRules] = d.UDPRules
	if d.FramedIP != "" {
		m[keyFramedIP] = d.FramedIP
	}
	if d.DelegatedIPv6 != "" {
		m[keyIPv6Pfx] = d.DelegatedIPv6
	}
	if d.NASIP != "" {
		m[keyNASIP] = d.NASIP
	}
	if d.PolicyID != nil {
		m[keyPolicyID] = *d.PolicyID
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts the flat wire object and resolves key aliases.
func (d *SignalData) UnmarshalJSON(raw []byte) error {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*d = SignalDataFromMap(m)
	return nil
}

// SignalDataFromMap materializes a SignalData from a loose attribute bag.
func SignalDataFromMap(m map[string]any) SignalData {
	d := SignalData{Extra: make(map[string]any)}
	take := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := m[k]; ok {
				if s := toString(v); s != "" {
					return s
				}
			}
		}
		return ""
	}
	d.Login = take(keyUserName, keyLogin, "User-Name", "User_Name")
	d.Hash = take(keyHash)
	d.OldHash = take(keyOldHash)
	d.TCPRules = take(keyTCPRules)
	d.UDPRules = take(keyUDPRules)
	d.FramedIP = take(keyFramedIP, "Framed_IP_Address", keyIP)
	d.DelegatedIPv6 = take(keyIPv6Pfx, "Delegated_IPv6_Prefix", keyIPv6)
	d.NASIP = take(keyNASIP, "NAS_IP_Address")
	if v, ok := m[keyPolicyID]; ok {
		if id, ok := toInt64(v); ok {
			d.PolicyID = &id
		}
	}
	known := map[string]bool{
		keyLogin: true, keyUserName: true, "User-Name": true, "User_Name": true,
		keyHash: true, keyOldHash: true, keyTCPRules: true, keyUDPRules: true,
		keyFramedIP: true, "Framed_IP_Address": true, keyIP: true,
		keyIPv6Pfx: true, "Delegated_IPv6_Prefix": true, keyIPv6: true,
		keyNASIP: true, "NAS_IP_Address": true, keyPolicyID: true,
	}
	for k, v := range m {
		if !known[k] {
			d.Extra[k] = v
		}
	}
	return d
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return json.Number(jsonFloat(s)).String()
	case nil:
		return ""
	default:
		return ""
	}
}

func jsonFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// UTMColumns is the fixed analytical projection of a normalized UTM log
// record, in Stream Load / export column order.
var UTMColumns = []string{
	"action", "date", "dstcountry", "dstip", "dstport",
	"eventtype", "ipaddr", "msg", "srccountry", "srcip",
	"utmtype", "time", "user", "category", "hostname",
	"service", "url", "httpagent", "level", "threat",
}

// SignalSink accepts reconciler signals. The reconciler engine implements
// it directly; pkg/client provides the HTTP implementation used when the
// admission router and the reconciler run as separate services.
type SignalSink interface {
	Signal(ctx context.Context, action SignalAction, data SignalData) error
}

// PolicyQuery answers the policy-correlation questions the reconciler asks
// of the relational state. The store implements it natively; pkg/client
// implements it over the /query HTTP surface.
type PolicyQuery interface {
	// PolicyIDByHash returns the policy_id stored on any profile with the
	// given hash, or nil when no profile carries one.
	PolicyIDByHash(ctx context.Context, hash string) (*int64, error)

	// CheckPolicyID reports whether any profile row still references
	// policyID, and the policy_id held by profiles with the given hash.
	CheckPolicyID(ctx context.Context, policyID int64, hash string) (exists bool, byHash *int64, err error)

	// PolicyIDExists reports whether any profile row references policyID.
	PolicyIDExists(ctx context.Context, policyID int64) (bool, error)
}

// PolicyRecorder persists reconciler outcomes: the PolicyLogs audit append
// and the firewall_profiles.policy_id update.
type PolicyRecorder interface {
	AppendPolicyLog(ctx context.Context, user, fgAddr string, mkey *int64, action string) error
	UpdatePolicyID(ctx context.Context, login, hash string, policyID int64) error
}

// Keepaliver pokes the application service so an active client re-sends
// Accounting-Start while an admin write waits on the session precondition.
type Keepaliver interface {
	Keepalive(ctx context.Context, login string) error
}
