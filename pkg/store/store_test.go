package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhe/radgate/pkg/types"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestProfileHash(t *testing.T) {
	// MD5("80,443|53")
	assert.Equal(t, "11df15c14f4e9132209b806b2e95aa30", ProfileHash("80,443", "53"))

	// equal rule-sets collide, order inside the strings matters
	assert.Equal(t, ProfileHash("80,443", "53"), ProfileHash("80,443", "53"))
	assert.NotEqual(t, ProfileHash("443,80", "53"), ProfileHash("80,443", "53"))

	// the separator keeps tcp/udp boundaries unambiguous
	assert.NotEqual(t, ProfileHash("80", "443"), ProfileHash("80,443", ""))
}

func TestCreateProfileComputesHash(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO firewall_profiles").
		WithArgs("individual", 1, nil, "2024-01-15 10:00:00", "2024-01-15 10:00:00",
			"Profile A", "alice", nil, nil, "minsk", "80,443", "53", "custom",
			ProfileHash("80,443", "53")).
		WillReturnResult(sqlmock.NewResult(11, 1))

	id, hash, err := s.CreateProfile(context.Background(), ProfileInput{
		ProfileType: "individual", CanDelete: 1,
		CreatedAt: "2024-01-15 10:00:00", UpdatedAt: "2024-01-15 10:00:00",
		Name: "Profile A", Login: "alice", RegionID: "minsk",
		TCPRules: "80,443", UDPRules: "53", FirewallProfile: "custom",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
	assert.Equal(t, ProfileHash("80,443", "53"), hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceProfileReturnsBothHashes(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT hash FROM firewall_profiles WHERE id").
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("oldhash111"))
	mock.ExpectExec("UPDATE firewall_profiles SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	oldHash, newHash, err := s.ReplaceProfile(context.Background(), 11, ProfileInput{
		Login: "alice", TCPRules: "25", UDPRules: "", UpdatedAt: "2024-01-16 10:00:00",
	})
	require.NoError(t, err)
	assert.Equal(t, "oldhash111", oldHash)
	assert.Equal(t, ProfileHash("25", ""), newHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceProfileMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT hash FROM firewall_profiles WHERE id").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))

	_, _, err := s.ReplaceProfile(context.Background(), 99, ProfileInput{Login: "x"})
	assert.Error(t, err)
}

func TestPolicyIDByHash(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT policy_id FROM firewall_profiles WHERE hash").
		WithArgs("somehash").
		WillReturnRows(sqlmock.NewRows([]string{"policy_id"}).AddRow(77))

	id, err := s.PolicyIDByHash(context.Background(), "somehash")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, int64(77), *id)
}

func TestPolicyIDByHashNullColumn(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT policy_id FROM firewall_profiles WHERE hash").
		WithArgs("somehash").
		WillReturnRows(sqlmock.NewRows([]string{"policy_id"}).AddRow(nil))

	id, err := s.PolicyIDByHash(context.Background(), "somehash")
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestPolicyIDByHashNoRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT policy_id FROM firewall_profiles WHERE hash").
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"policy_id"}))

	id, err := s.PolicyIDByHash(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestPolicyIDExists(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM firewall_profiles WHERE policy_id").
		WithArgs(int64(77)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	exists, err := s.PolicyIDExists(context.Background(), 77)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCheckPolicyID(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM firewall_profiles WHERE policy_id").
		WithArgs(int64(77)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT policy_id FROM firewall_profiles WHERE hash").
		WithArgs("newhash").
		WillReturnRows(sqlmock.NewRows([]string{"policy_id"}).AddRow(88))

	exists, byHash, err := s.CheckPolicyID(context.Background(), 77, "newhash")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NotNil(t, byHash)
	assert.Equal(t, int64(88), *byHash)
}

func TestSessionInsertAndDelete(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO RADIUS_Sessions").
		WithArgs("alice", "2024-01-15 10:00:00", "Start", "10.0.0.1", "2001:db8::/56", "192.0.2.1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM RADIUS_Sessions WHERE User_Name").
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.InsertSession(context.Background(), sessionFixture())
	require.NoError(t, err)
	require.NoError(t, s.DeleteSession(context.Background(), "alice"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func sessionFixture() types.Session {
	return types.Session{
		UserName:            "alice",
		Timestamp:           "2024-01-15 10:00:00",
		AcctStatusType:      "Start",
		FramedIPAddress:     "10.0.0.1",
		DelegatedIPv6Prefix: "2001:db8::/56",
		NASIPAddress:        "192.0.2.1",
	}
}

func TestGetSessionMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM RADIUS_Sessions WHERE User_Name").
		WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"User_Name"}))

	sess, err := s.GetSession(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestAppendPolicyLog(t *testing.T) {
	s, mock := newMockStore(t)

	mkey := int64(77)
	mock.ExpectExec("INSERT INTO PolicyLogs").
		WithArgs("alice", sqlmock.AnyArg(), int64(77), "create", nil, "fg1.example.net").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.AppendPolicyLog(context.Background(), "alice", "fg1.example.net", &mkey, "create")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePolicyID(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE firewall_profiles SET policy_id").
		WithArgs(int64(77), "alice", "somehash").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdatePolicyID(context.Background(), "alice", "somehash", 77)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
