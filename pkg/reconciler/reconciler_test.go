package reconciler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhe/radgate/pkg/fortigate"
	"github.com/mhe/radgate/pkg/portmatrix"
	"github.com/mhe/radgate/pkg/types"
)

// fakeGateway records every device call in order and can be told to fail
// specific operations on specific devices.
type fakeGateway struct {
	calls    []string
	failures map[string]bool // "op@fg" -> fail
	nextMkey int64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failures: map[string]bool{}, nextMkey: 7}
}

func (g *fakeGateway) record(fg, op string, args ...any) error {
	g.calls = append(g.calls, fmt.Sprintf("%s@%s%v", op, fg, args))
	if g.failures[op+"@"+fg] {
		return errors.New(op + " failed on " + fg)
	}
	return nil
}

func (g *fakeGateway) CreateIP(_ context.Context, fg, name, ip string) error {
	return g.record(fg, "create_ip", name, ip)
}
func (g *fakeGateway) CreateIPv6(_ context.Context, fg, name, ipv6 string) error {
	return g.record(fg, "create_ipv6", name, ipv6)
}
func (g *fakeGateway) CreateService(_ context.Context, fg, name, tcp, udp string) error {
	return g.record(fg, "create_service", name, tcp, udp)
}
func (g *fakeGateway) CreatePolicy(_ context.Context, fg, name, username string) (int64, error) {
	if err := g.record(fg, "create_policy", name, username); err != nil {
		return 0, err
	}
	return g.nextMkey, nil
}
func (g *fakeGateway) MovePolicyToTop(_ context.Context, fg string, id int64) error {
	return g.record(fg, "move_policy_to_top", id)
}
func (g *fakeGateway) EditPolicy(_ context.Context, fg string, req fortigate.EditRequest) (int64, error) {
	if err := g.record(fg, "edit_policy", string(req.Action), req.PolicyID, req.User); err != nil {
		return 0, err
	}
	return req.PolicyID, nil
}
func (g *fakeGateway) DeleteIP(_ context.Context, fg, name string) error {
	return g.record(fg, "delete_ip", name)
}
func (g *fakeGateway) DeleteIPv6(_ context.Context, fg, name string) error {
	return g.record(fg, "delete_ipv6", name)
}
func (g *fakeGateway) DeleteService(_ context.Context, fg, name string) error {
	return g.record(fg, "delete_service", name)
}
func (g *fakeGateway) DeletePolicy(_ context.Context, fg string, id int64) error {
	return g.record(fg, "delete_policy", id)
}

type fakeQuery struct {
	byHash    *int64
	byHashFor map[string]*int64 // per-hash answers, overrides byHash
	exists    bool
}

func (q *fakeQuery) PolicyIDByHash(_ context.Context, hash string) (*int64, error) {
	if q.byHashFor != nil {
		return q.byHashFor[hash], nil
	}
	return q.byHash, nil
}
func (q *fakeQuery) CheckPolicyID(context.Context, int64, string) (bool, *int64, error) {
	return q.exists, q.byHash, nil
}
func (q *fakeQuery) PolicyIDExists(context.Context, int64) (bool, error) {
	return q.exists, nil
}

type fakeRecorder struct {
	logs    []string
	updates []string
}

func (r *fakeRecorder) AppendPolicyLog(_ context.Context, user, fg string, mkey *int64, action string) error {
	r.logs = append(r.logs, fmt.Sprintf("%s/%s/%d/%s", user, fg, *mkey, action))
	return nil
}
func (r *fakeRecorder) UpdatePolicyID(_ context.Context, login, hash string, policyID int64) error {
	r.updates = append(r.updates, fmt.Sprintf("%s/%s/%d", login, hash, policyID))
	return nil
}

func testEngine(gw *fakeGateway, q *fakeQuery, rec *fakeRecorder) *Engine {
	matrix := portmatrix.New([]portmatrix.CatalogEntry{
		{TCPRules: "22,80,443", UDPRules: "53"},
	})
	return NewEngine(Config{
		Gateway:  gw,
		Query:    q,
		Recorder: rec,
		Matrix:   matrix,
		FortiGate: map[string][]string{
			"1.1.1.1": {"fg-a", "fg-b"},
		},
	})
}

func intp(v int64) *int64 { return &v }

func createData() types.SignalData {
	return types.SignalData{
		Login: "u1", Hash: "h1", TCPRules: "80", UDPRules: "",
		FramedIP: "10.0.0.1", DelegatedIPv6: "2001:db8::/56", NASIP: "1.1.1.1",
	}
}

func TestColdCreate(t *testing.T) {
	gw := newFakeGateway()
	rec := &fakeRecorder{}
	e := testEngine(gw, &fakeQuery{}, rec)

	result, err := e.Process(context.Background(), types.SignalCreate, createData())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"create_ip@fg-a[u1 10.0.0.1]",
		"create_ipv6@fg-a[u1 2001:db8::/56]",
		"create_service@fg-a[h1 22,443 53]",
		"create_policy@fg-a[h1 u1]",
		"move_policy_to_top@fg-a[7]",
	}, gw.calls)

	assert.Equal(t, int64(7), result["policy_id"])
	assert.Equal(t, "22,443", result["inverted_tcp"])
	assert.Equal(t, "53", result["inverted_udp"])

	assert.Equal(t, []string{"u1/fg-a/7/create"}, rec.logs)
	assert.Equal(t, []string{"u1/h1/7"}, rec.updates)
}

func TestCreateJoinsSharedPolicy(t *testing.T) {
	gw := newFakeGateway()
	rec := &fakeRecorder{}
	e := testEngine(gw, &fakeQuery{byHash: intp(7)}, rec)

	data := createData()
	data.Login = "u2"

	result, err := e.Process(context.Background(), types.SignalCreate, data)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"create_ip@fg-a[u2 10.0.0.1]",
		"create_ipv6@fg-a[u2 2001:db8::/56]",
		"edit_policy@fg-a[add 7 u2]",
	}, gw.calls)
	assert.Equal(t, int64(7), result["policy_id"])
	assert.Empty(t, rec.logs)
	assert.Empty(t, rec.updates)
}

func TestEditToNewPolicy(t *testing.T) {
	gw := newFakeGateway()
	gw.nextMkey = 9
	rec := &fakeRecorder{}
	e := testEngine(gw, &fakeQuery{exists: true}, rec)

	data := createData()
	data.TCPRules = "22,80"
	data.Hash = "h2"
	data.OldHash = "h1"
	data.PolicyID = intp(7)

	result, err := e.Process(context.Background(), types.SignalEdit, data)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"edit_policy@fg-a[remove 7 u1]",
		"create_ip@fg-a[u1 10.0.0.1]",
		"create_ipv6@fg-a[u1 2001:db8::/56]",
		"create_service@fg-a[h2 443 53]",
		"create_policy@fg-a[h2 u1]",
	}, gw.calls)

	assert.Equal(t, true, result["migrated_to_new_policy"])
	assert.Equal(t, int64(9), result["new_policy_id"])
	assert.Equal(t, []string{"u1/fg-a/9/add"}, rec.logs)
	assert.Equal(t, []string{"u1/h2/9"}, rec.updates)
}

func TestEditRenamesOrphanPolicy(t *testing.T) {
	gw := newFakeGateway()
	e := testEngine(gw, &fakeQuery{}, &fakeRecorder{})

	data := createData()
	data.Hash = "h2"
	data.OldHash = "h1"
	data.PolicyID = intp(7)

	result, err := e.Process(context.Background(), types.SignalEdit, data)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"edit_policy@fg-a[rename 7 u1]",
		"delete_service@fg-a[h1]",
		"create_service@fg-a[h2 22,443 53]",
	}, gw.calls)
	assert.Equal(t, true, result["renamed_policy_and_service"])
}

func TestEditMigratesToPolicyByHash(t *testing.T) {
	gw := newFakeGateway()
	e := testEngine(gw, &fakeQuery{byHash: intp(8)}, &fakeRecorder{})

	data := createData()
	data.Hash = "h2"
	data.OldHash = "h1"
	data.PolicyID = intp(7)

	result, err := e.Process(context.Background(), types.SignalEdit, data)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"delete_policy@fg-a[7]",
		"delete_service@fg-a[h1]",
		"edit_policy@fg-a[add 8 u1]",
	}, gw.calls)
	assert.Equal(t, true, result["migrated_to_policy_by_hash"])
	assert.Equal(t, int64(8), result["new_policy_id"])
}

func TestEditJoinedProfileMovesBetweenSharedPolicies(t *testing.T) {
	// the profile joined a shared policy at create time, so it carries no
	// mkey of its own; both rule-sets resolve to live shared policies and
	// neither may lose its service object
	gw := newFakeGateway()
	e := testEngine(gw, &fakeQuery{byHashFor: map[string]*int64{"h1": intp(5), "h2": intp(7)}}, &fakeRecorder{})

	data := createData()
	data.Login = "u2"
	data.Hash = "h2"
	data.OldHash = "h1"

	result, err := e.Process(context.Background(), types.SignalEdit, data)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"edit_policy@fg-a[remove 5 u2]",
		"edit_policy@fg-a[add 7 u2]",
	}, gw.calls)
	assert.Equal(t, true, result["moved_to_policy_by_hash"])
	assert.Equal(t, int64(7), result["new_policy_id"])
}

func TestEditJoinedProfileWithRetiredOldHash(t *testing.T) {
	// old rule-set no longer maps to any policy: nothing to leave, the
	// subscriber just joins the shared policy covering the new rules
	gw := newFakeGateway()
	e := testEngine(gw, &fakeQuery{byHashFor: map[string]*int64{"h2": intp(7)}}, &fakeRecorder{})

	data := createData()
	data.Login = "u2"
	data.Hash = "h2"
	data.OldHash = "h1"

	result, err := e.Process(context.Background(), types.SignalEdit, data)
	require.NoError(t, err)

	assert.Equal(t, []string{"edit_policy@fg-a[add 7 u2]"}, gw.calls)
	assert.Equal(t, true, result["joined_policy_by_hash"])
	assert.Equal(t, int64(7), result["new_policy_id"])
}

func TestEditMovesBetweenLivePolicies(t *testing.T) {
	gw := newFakeGateway()
	e := testEngine(gw, &fakeQuery{exists: true, byHash: intp(8)}, &fakeRecorder{})

	data := createData()
	data.Hash = "h2"
	data.OldHash = "h1"
	data.PolicyID = intp(7)

	result, err := e.Process(context.Background(), types.SignalEdit, data)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"edit_policy@fg-a[remove 7 u1]",
		"edit_policy@fg-a[add 8 u1]",
	}, gw.calls)
	assert.Equal(t, true, result["moved_to_policy_by_hash"])
	assert.Equal(t, int64(7), result["old_policy_id"])
	assert.Equal(t, int64(8), result["new_policy_id"])
}

func TestDeleteLastUserTearsDown(t *testing.T) {
	gw := newFakeGateway()
	rec := &fakeRecorder{}
	e := testEngine(gw, &fakeQuery{exists: false}, rec)

	data := createData()
	data.PolicyID = intp(7)

	result, err := e.Process(context.Background(), types.SignalDelete, data)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"edit_policy@fg-a[remove 7 u1]",
		"delete_policy@fg-a[7]",
		"delete_service@fg-a[h1]",
		"delete_ip@fg-a[u1]",
		"delete_ipv6@fg-a[u1]",
	}, gw.calls)
	assert.Equal(t, true, result["deleted_policy"])
	assert.Equal(t, []string{"u1/fg-a/7/delete"}, rec.logs)
}

func TestDeleteOnSharedPolicyKeepsPolicy(t *testing.T) {
	gw := newFakeGateway()
	e := testEngine(gw, &fakeQuery{exists: true}, &fakeRecorder{})

	data := createData()
	data.Login = "u2"
	data.PolicyID = intp(7)

	result, err := e.Process(context.Background(), types.SignalDelete, data)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"edit_policy@fg-a[remove 7 u2]",
		"delete_service@fg-a[h1]",
		"delete_ip@fg-a[u2]",
		"delete_ipv6@fg-a[u2]",
	}, gw.calls)
	assert.Equal(t, true, result["removed_user_from_policy"])
	assert.Equal(t, int64(7), result["policy_id"])
}

func TestDeleteKeepsSharedServiceFlag(t *testing.T) {
	gw := newFakeGateway()
	matrix := portmatrix.New([]portmatrix.CatalogEntry{{TCPRules: "80"}})
	e := NewEngine(Config{
		Gateway: gw, Query: &fakeQuery{exists: true}, Recorder: &fakeRecorder{},
		Matrix:                   matrix,
		FortiGate:                map[string][]string{"1.1.1.1": {"fg-a"}},
		DeleteKeepsSharedService: true,
	})

	data := createData()
	data.PolicyID = intp(7)

	_, err := e.Process(context.Background(), types.SignalDelete, data)
	require.NoError(t, err)

	for _, call := range gw.calls {
		assert.NotContains(t, call, "delete_service")
	}
}

func TestFailoverRetriesWholeSequence(t *testing.T) {
	gw := newFakeGateway()
	gw.failures["create_service@fg-a"] = true
	rec := &fakeRecorder{}
	e := testEngine(gw, &fakeQuery{}, rec)

	result, err := e.Process(context.Background(), types.SignalCreate, createData())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"create_ip@fg-a[u1 10.0.0.1]",
		"create_ipv6@fg-a[u1 2001:db8::/56]",
		"create_service@fg-a[h1 22,443 53]",
		// whole sequence restarts on the standby
		"create_ip@fg-b[u1 10.0.0.1]",
		"create_ipv6@fg-b[u1 2001:db8::/56]",
		"create_service@fg-b[h1 22,443 53]",
		"create_policy@fg-b[h1 u1]",
		"move_policy_to_top@fg-b[7]",
	}, gw.calls)
	assert.Equal(t, int64(7), result["policy_id"])
	assert.Equal(t, []string{"u1/fg-b/7/create"}, rec.logs)
}

func TestAllDevicesFailing(t *testing.T) {
	gw := newFakeGateway()
	gw.failures["create_ip@fg-a"] = true
	gw.failures["create_ip@fg-b"] = true
	e := testEngine(gw, &fakeQuery{}, &fakeRecorder{})

	_, err := e.Process(context.Background(), types.SignalCreate, createData())
	assert.Error(t, err)
}

func TestUnknownNASMakesNoCalls(t *testing.T) {
	gw := newFakeGateway()
	e := testEngine(gw, &fakeQuery{}, &fakeRecorder{})

	data := createData()
	data.NASIP = "9.9.9.9"

	result, err := e.Process(context.Background(), types.SignalCreate, data)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Empty(t, gw.calls)
}

func TestUnsupportedAction(t *testing.T) {
	e := testEngine(newFakeGateway(), &fakeQuery{}, &fakeRecorder{})
	_, err := e.Process(context.Background(), types.SignalAction("restart"), types.SignalData{})
	assert.Error(t, err)
}
