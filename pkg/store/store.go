package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	// MySQL driver registration
	_ "github.com/go-sql-driver/mysql"

	"github.com/mhe/radgate/pkg/log"
	"github.com/mhe/radgate/pkg/types"
)

const profileColumns = `id, profile_type, can_delete, profile_name, created_at, updated_at,
	name, login, ip_pool, ip_v6_pool, region_id, tcp_rules, udp_rules, firewall_profile, hash, policy_id`

const sessionColumns = `User_Name, Timestamp, Acct_Status_Type, Framed_IP_Address, Delegated_IPv6_Prefix, NAS_IP_Address`

// ProfileInput carries the administratively submitted profile fields.
type ProfileInput struct {
	ProfileType     string  `json:"profile_type"`
	CanDelete       int     `json:"can_delete"`
	ProfileName     *string `json:"profile_name"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	Name            string  `json:"name"`
	Login           string  `json:"login"`
	IPPool          *string `json:"ip_pool"`
	IPv6Pool        *string `json:"ip_v6_pool"`
	RegionID        string  `json:"region_id"`
	TCPRules        string  `json:"tcp_rules"`
	UDPRules        string  `json:"udp_rules"`
	FirewallProfile string  `json:"firewall_profile"`
}

// Store wraps the relational database holding profiles, sessions and the
// policy audit log.
type Store struct {
	db *sqlx.DB
}

// Open connects to MySQL and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging mysql: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle (tests pass a sqlmock-backed one).
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ProfileHash returns the dedup key of a rule-set: the lowercase hex MD5 of
// "tcp|udp" over the raw submitted strings.
func ProfileHash(tcpRules, udpRules string) string {
	sum := md5.Sum([]byte(tcpRules + "|" + udpRules))
	return hex.EncodeToString(sum[:])
}

// ListProfiles returns one page of profiles, optionally filtered by login,
// with the unpaged total.
func (s *Store) ListProfiles(ctx context.Context, login string, page, pageSize int) ([]types.Profile, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 25
	}
	offset := (page - 1) * pageSize

	profiles := []types.Profile{}
	var total int64
	if login != "" {
		err := s.db.SelectContext(ctx, &profiles,
			"SELECT "+profileColumns+" FROM firewall_profiles WHERE login = ? ORDER BY id LIMIT ? OFFSET ?",
			login, pageSize, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("listing profiles: %w", err)
		}
		err = s.db.GetContext(ctx, &total,
			"SELECT COUNT(*) FROM firewall_profiles WHERE login = ?", login)
		if err != nil {
			return nil, 0, fmt.Errorf("counting profiles: %w", err)
		}
		return profiles, total, nil
	}

	err := s.db.SelectContext(ctx, &profiles,
		"SELECT "+profileColumns+" FROM firewall_profiles ORDER BY id LIMIT ? OFFSET ?", pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing profiles: %w", err)
	}
	err = s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM firewall_profiles")
	if err != nil {
		return nil, 0, fmt.Errorf("counting profiles: %w", err)
	}
	return profiles, total, nil
}

// GetProfile returns one profile by id, or nil when absent.
func (s *Store) GetProfile(ctx context.Context, id int64) (*types.Profile, error) {
	var p types.Profile
	err := s.db.GetContext(ctx, &p,
		"SELECT "+profileColumns+" FROM firewall_profiles WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting profile %d: %w", id, err)
	}
	return &p, nil
}

// CreateProfile inserts a new profile, computing its hash, and returns the
// new row id and the hash.
func (s *Store) CreateProfile(ctx context.Context, in ProfileInput) (int64, string, error) {
	hash := ProfileHash(in.TCPRules, in.UDPRules)
	now := time.Now().Format("2006-01-02 15:04:05")
	if in.CreatedAt == "" {
		in.CreatedAt = now
	}
	if in.UpdatedAt == "" {
		in.UpdatedAt = now
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO firewall_profiles (profile_type, can_delete, profile_name, created_at, updated_at,
			name, login, ip_pool, ip_v6_pool, region_id, tcp_rules, udp_rules, firewall_profile, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ProfileType, in.CanDelete, in.ProfileName, in.CreatedAt, in.UpdatedAt,
		in.Name, in.Login, in.IPPool, in.IPv6Pool, in.RegionID,
		in.TCPRules, in.UDPRules, in.FirewallProfile, hash)
	if err != nil {
		return 0, "", fmt.Errorf("inserting profile: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, "", fmt.Errorf("reading new profile id: %w", err)
	}
	log.WithUser(in.Login).Info().Int64("id", id).Str("hash", hash).Msg("profile created")
	return id, hash, nil
}

// ReplaceProfile overwrites profile id with the new fields and returns the
// previous and the new hash. The policy_id column is cleared; the
// reconciler re-binds it after the edit sequence.
func (s *Store) ReplaceProfile(ctx context.Context, id int64, in ProfileInput) (oldHash, newHash string, err error) {
	err = s.db.GetContext(ctx, &oldHash,
		"SELECT hash FROM firewall_profiles WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("profile %d not found", id)
	}
	if err != nil {
		return "", "", fmt.Errorf("reading profile %d: %w", id, err)
	}

	newHash = ProfileHash(in.TCPRules, in.UDPRules)
	if in.UpdatedAt == "" {
		in.UpdatedAt = time.Now().Format("2006-01-02 15:04:05")
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE firewall_profiles SET profile_type = ?, can_delete = ?, profile_name = ?, updated_at = ?,
			name = ?, login = ?, ip_pool = ?, ip_v6_pool = ?, region_id = ?,
			tcp_rules = ?, udp_rules = ?, firewall_profile = ?, hash = ?, policy_id = NULL
		 WHERE id = ?`,
		in.ProfileType, in.CanDelete, in.ProfileName, in.UpdatedAt,
		in.Name, in.Login, in.IPPool, in.IPv6Pool, in.RegionID,
		in.TCPRules, in.UDPRules, in.FirewallProfile, newHash, id)
	if err != nil {
		return "", "", fmt.Errorf("updating profile %d: %w", id, err)
	}
	log.WithUser(in.Login).Info().Int64("id", id).
		Str("old_hash", oldHash).Str("hash", newHash).Msg("profile replaced")
	return oldHash, newHash, nil
}

// DeleteProfile removes profile id, returning the fields the delete signal
// needs, or nil when the profile does not exist.
func (s *Store) DeleteProfile(ctx context.Context, id int64) (*types.Profile, error) {
	p, err := s.GetProfile(ctx, id)
	if err != nil || p == nil {
		return p, err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM firewall_profiles WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("deleting profile %d: %w", id, err)
	}
	log.WithUser(p.Login).Info().Int64("id", id).Msg("profile deleted")
	return p, nil
}

// ProfileByLogin returns the profile of a login, or nil. The admission
// router joins its rules, hash and policy_id into outgoing signals.
func (s *Store) ProfileByLogin(ctx context.Context, login string) (*types.Profile, error) {
	var p types.Profile
	err := s.db.GetContext(ctx, &p,
		"SELECT "+profileColumns+" FROM firewall_profiles WHERE login = ? LIMIT 1", login)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting profile for %s: %w", login, err)
	}
	return &p, nil
}

// UpdatePolicyID binds an installed policy mkey to every profile row of
// login with the given hash.
func (s *Store) UpdatePolicyID(ctx context.Context, login, hash string, policyID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE firewall_profiles SET policy_id = ? WHERE login = ? AND hash = ?",
		policyID, login, hash)
	if err != nil {
		return fmt.Errorf("updating policy_id for %s: %w", login, err)
	}
	log.WithUser(login).Info().Str("hash", hash).Int64("policy_id", policyID).Msg("policy_id updated")
	return nil
}

// PolicyIDByHash returns the policy_id of any profile with the given hash,
// or nil when no profile carries one.
func (s *Store) PolicyIDByHash(ctx context.Context, hash string) (*int64, error) {
	var id sql.NullInt64
	err := s.db.GetContext(ctx, &id,
		"SELECT policy_id FROM firewall_profiles WHERE hash = ? LIMIT 1", hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying policy_id by hash: %w", err)
	}
	if !id.Valid {
		return nil, nil
	}
	return &id.Int64, nil
}

// PolicyIDExists reports whether any profile row references policyID.
func (s *Store) PolicyIDExists(ctx context.Context, policyID int64) (bool, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM firewall_profiles WHERE policy_id = ?", policyID)
	if err != nil {
		return false, fmt.Errorf("counting policy_id references: %w", err)
	}
	return count > 0, nil
}

// CheckPolicyID answers both reconciler questions in one call.
func (s *Store) CheckPolicyID(ctx context.Context, policyID int64, hash string) (bool, *int64, error) {
	exists, err := s.PolicyIDExists(ctx, policyID)
	if err != nil {
		return false, nil, err
	}
	byHash, err := s.PolicyIDByHash(ctx, hash)
	if err != nil {
		return false, nil, err
	}
	return exists, byHash, nil
}

// InsertSession records an Accounting-Start session row.
func (s *Store) InsertSession(ctx context.Context, sess types.Session) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO RADIUS_Sessions ("+sessionColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		sess.UserName, sess.Timestamp, sess.AcctStatusType,
		sess.FramedIPAddress, sess.DelegatedIPv6Prefix, sess.NASIPAddress)
	if err != nil {
		return fmt.Errorf("inserting session for %s: %w", sess.UserName, err)
	}
	return nil
}

// DeleteSession removes the session rows of a login.
func (s *Store) DeleteSession(ctx context.Context, userName string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM RADIUS_Sessions WHERE User_Name = ?", userName)
	if err != nil {
		return fmt.Errorf("deleting session for %s: %w", userName, err)
	}
	return nil
}

// GetSession returns the live session of a login, or nil.
func (s *Store) GetSession(ctx context.Context, userName string) (*types.Session, error) {
	var sess types.Session
	err := s.db.GetContext(ctx, &sess,
		"SELECT "+sessionColumns+" FROM RADIUS_Sessions WHERE User_Name = ?", userName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting session for %s: %w", userName, err)
	}
	return &sess, nil
}

// AppendPolicyLog records one policy mutation outcome.
func (s *Store) AppendPolicyLog(ctx context.Context, user, fgAddr string, mkey *int64, action string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO PolicyLogs (User_Name, Timestamp, Policy_ID, Result, HTTP_Status, FG_Address) VALUES (?, ?, ?, ?, ?, ?)",
		user, time.Now(), mkey, action, nil, fgAddr)
	if err != nil {
		return fmt.Errorf("appending policy log for %s: %w", user, err)
	}
	return nil
}

// LatestPolicyLog returns the most recent policy log row for a user on a
// device, or nil when none exists.
func (s *Store) LatestPolicyLog(ctx context.Context, user, fgAddr string) (*types.PolicyLogEntry, error) {
	var e types.PolicyLogEntry
	err := s.db.GetContext(ctx, &e,
		`SELECT User_Name, Timestamp, Policy_ID, Result, HTTP_Status, FG_Address
		 FROM PolicyLogs WHERE User_Name = ? AND FG_Address = ?
		 ORDER BY Timestamp DESC LIMIT 1`, user, fgAddr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading policy log for %s: %w", user, err)
	}
	return &e, nil
}

// ProfileCount implements metrics.StatsSource.
func (s *Store) ProfileCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM firewall_profiles")
	return n, err
}

// SessionCount implements metrics.StatsSource.
func (s *Store) SessionCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM RADIUS_Sessions")
	return n, err
}
