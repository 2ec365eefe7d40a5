package reconciler

import (
	"context"
	"fmt"

	"github.com/mhe/radgate/pkg/fortigate"
	"github.com/mhe/radgate/pkg/log"
	"github.com/mhe/radgate/pkg/metrics"
	"github.com/mhe/radgate/pkg/portmatrix"
	"github.com/mhe/radgate/pkg/types"
)

// Gateway is the device operation set the reconciler drives. The fortigate
// client satisfies it; tests substitute a recording fake.
type Gateway interface {
	CreateIP(ctx context.Context, fgAddr, name, ip string) error
	CreateIPv6(ctx context.Context, fgAddr, name, ipv6 string) error
	CreateService(ctx context.Context, fgAddr, name, tcp, udp string) error
	CreatePolicy(ctx context.Context, fgAddr, name, username string) (int64, error)
	MovePolicyToTop(ctx context.Context, fgAddr string, policyID int64) error
	EditPolicy(ctx context.Context, fgAddr string, req fortigate.EditRequest) (int64, error)
	DeleteIP(ctx context.Context, fgAddr, name string) error
	DeleteIPv6(ctx context.Context, fgAddr, name string) error
	DeleteService(ctx context.Context, fgAddr, name string) error
	DeletePolicy(ctx context.Context, fgAddr string, policyID int64) error
}

// Config carries the engine's collaborators and the device topology.
type Config struct {
	Gateway  Gateway
	Query    types.PolicyQuery
	Recorder types.PolicyRecorder
	Matrix   *portmatrix.Matrix

	// FortiGate maps a NAS-IP to its ordered failover set.
	FortiGate map[string][]string

	// DeleteKeepsSharedService skips the service-object removal when other
	// subscribers still reference the shared policy.
	DeleteKeepsSharedService bool
}

// Engine applies signals to the FortiGate fleet. Within one signal the
// whole sequence is attempted on the first device of the failover set; any
// step failing abandons that device and restarts the sequence on the next.
// Partial progress on a failed device is not rolled back, the next signal
// for the same subscriber overwrites it.
type Engine struct {
	cfg Config
}

// NewEngine builds the reconciler engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

var _ types.SignalSink = (*Engine)(nil)

// Signal implements types.SignalSink, discarding the result payload.
func (e *Engine) Signal(ctx context.Context, action types.SignalAction, data types.SignalData) error {
	_, err := e.Process(ctx, action, data)
	return err
}

// Process applies one signal and returns the descriptive result payload.
func (e *Engine) Process(ctx context.Context, action types.SignalAction, data types.SignalData) (map[string]any, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SignalDuration, string(action))

	var (
		result map[string]any
		err    error
	)
	switch action {
	case types.SignalCreate:
		result, err = e.create(ctx, data)
	case types.SignalEdit:
		result, err = e.edit(ctx, data)
	case types.SignalDelete:
		result, err = e.delete(ctx, data)
	default:
		metrics.SignalsTotal.WithLabelValues(string(action), "unsupported").Inc()
		return nil, fmt.Errorf("unsupported action %q", action)
	}

	if err != nil {
		metrics.SignalsTotal.WithLabelValues(string(action), "error").Inc()
		return nil, err
	}
	metrics.SignalsTotal.WithLabelValues(string(action), "ok").Inc()
	return result, nil
}

// eachDevice runs seq against the failover set until one device carries the
// whole sequence.
func (e *Engine) eachDevice(ctx context.Context, data types.SignalData, seq func(fg string) (map[string]any, error)) (map[string]any, error) {
	devices := e.cfg.FortiGate[data.NASIP]
	if len(devices) == 0 {
		log.WithUser(data.Login).Warn().Str("nas", data.NASIP).Msg("no devices mapped for NAS, skipping")
		return nil, nil
	}

	var lastErr error
	for i, fg := range devices {
		if i > 0 {
			metrics.DeviceFailovers.Inc()
			log.WithUser(data.Login).Warn().Str("fg", fg).Msg("retrying sequence on standby device")
		}
		result, err := seq(fg)
		if err == nil {
			return result, nil
		}
		lastErr = err
		log.WithDevice(fg).Error().Err(err).Str("user", data.Login).Msg("sequence failed on device")
	}
	return nil, fmt.Errorf("all devices failed: %w", lastErr)
}

func (e *Engine) create(ctx context.Context, data types.SignalData) (map[string]any, error) {
	invTCP, invUDP := e.cfg.Matrix.Invert(data.TCPRules, data.UDPRules)

	var byHash *int64
	if data.Hash != "" {
		var err error
		byHash, err = e.cfg.Query.PolicyIDByHash(ctx, data.Hash)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", data.Login, err)
		}
	}

	result, err := e.eachDevice(ctx, data, func(fg string) (map[string]any, error) {
		if err := e.cfg.Gateway.CreateIP(ctx, fg, data.Login, data.FramedIP); err != nil {
			return nil, err
		}
		if err := e.cfg.Gateway.CreateIPv6(ctx, fg, data.Login, data.DelegatedIPv6); err != nil {
			return nil, err
		}

		if byHash != nil {
			// join the shared policy covering this rule-set
			if _, err := e.cfg.Gateway.EditPolicy(ctx, fg, fortigate.EditRequest{
				PolicyID: *byHash, Action: fortigate.ActionAdd, User: data.Login,
			}); err != nil {
				return nil, err
			}
			return map[string]any{"policy_id": *byHash}, nil
		}

		if err := e.cfg.Gateway.CreateService(ctx, fg, data.Hash, invTCP, invUDP); err != nil {
			return nil, err
		}
		mkey, err := e.cfg.Gateway.CreatePolicy(ctx, fg, data.Hash, data.Login)
		if err != nil {
			return nil, err
		}
		if err := e.cfg.Gateway.MovePolicyToTop(ctx, fg, mkey); err != nil {
			return nil, err
		}
		e.persist(ctx, data.Login, fg, mkey, data.Hash, "create")
		return map[string]any{"policy_id": mkey}, nil
	})
	if err != nil || result == nil {
		return result, err
	}

	result["inverted_tcp"] = invTCP
	result["inverted_udp"] = invUDP
	return result, nil
}

func (e *Engine) edit(ctx context.Context, data types.SignalData) (map[string]any, error) {
	invTCP, invUDP := e.cfg.Matrix.Invert(data.TCPRules, data.UDPRules)

	var (
		exists bool
		byHash *int64
		oldID  *int64
		err    error
	)
	switch {
	case data.PolicyID != nil && data.Hash != "":
		oldID = data.PolicyID
		exists, byHash, err = e.cfg.Query.CheckPolicyID(ctx, *data.PolicyID, data.Hash)
	case data.PolicyID != nil:
		oldID = data.PolicyID
		exists, err = e.cfg.Query.PolicyIDExists(ctx, *data.PolicyID)
	case data.Hash != "":
		byHash, err = e.cfg.Query.PolicyIDByHash(ctx, data.Hash)
	}
	if err != nil {
		return nil, fmt.Errorf("edit %s: %w", data.Login, err)
	}

	if oldID == nil && data.OldHash != "" {
		// no recorded mkey: the subscriber joined a shared policy at create
		// time, its id lives on another member's row keyed by the old hash
		oldID, err = e.cfg.Query.PolicyIDByHash(ctx, data.OldHash)
		if err != nil {
			return nil, fmt.Errorf("edit %s: %w", data.Login, err)
		}
		exists = oldID != nil
	}

	return e.eachDevice(ctx, data, func(fg string) (map[string]any, error) {
		switch {
		case oldID == nil && byHash != nil:
			// no old policy left to leave, join the shared policy covering
			// the new rule-set
			if _, err := e.cfg.Gateway.EditPolicy(ctx, fg, fortigate.EditRequest{
				PolicyID: *byHash, Action: fortigate.ActionAdd, User: data.Login,
			}); err != nil {
				return nil, err
			}
			return map[string]any{"joined_policy_by_hash": true, "new_policy_id": *byHash}, nil

		case oldID == nil:
			// no old policy and no shared match: build fresh state
			if err := e.cfg.Gateway.CreateService(ctx, fg, data.Hash, invTCP, invUDP); err != nil {
				return nil, err
			}
			mkey, err := e.cfg.Gateway.CreatePolicy(ctx, fg, data.Hash, data.Login)
			if err != nil {
				return nil, err
			}
			e.persist(ctx, data.Login, fg, mkey, data.Hash, "add")
			return map[string]any{"created_policy": true, "new_policy_id": mkey}, nil

		case !exists && byHash == nil:
			// nothing else references the rule-set: rename policy and
			// service in place
			if _, err := e.cfg.Gateway.EditPolicy(ctx, fg, fortigate.EditRequest{
				PolicyID: *oldID, Action: fortigate.ActionRename, User: data.Login, NewName: data.Hash,
			}); err != nil {
				return nil, err
			}
			if err := e.cfg.Gateway.DeleteService(ctx, fg, data.OldHash); err != nil {
				return nil, err
			}
			if err := e.cfg.Gateway.CreateService(ctx, fg, data.Hash, invTCP, invUDP); err != nil {
				return nil, err
			}
			return map[string]any{"renamed_policy_and_service": true}, nil

		case !exists && byHash != nil:
			// the old policy is orphaned and a shared policy already covers
			// the new rule-set
			if err := e.cfg.Gateway.DeletePolicy(ctx, fg, *oldID); err != nil {
				return nil, err
			}
			if err := e.cfg.Gateway.DeleteService(ctx, fg, data.OldHash); err != nil {
				return nil, err
			}
			if _, err := e.cfg.Gateway.EditPolicy(ctx, fg, fortigate.EditRequest{
				PolicyID: *byHash, Action: fortigate.ActionAdd, User: data.Login,
			}); err != nil {
				return nil, err
			}
			return map[string]any{"migrated_to_policy_by_hash": true, "new_policy_id": *byHash}, nil

		case exists && byHash == nil:
			// evict this subscriber from the shared policy and build a
			// fresh one for the new rule-set
			if _, err := e.cfg.Gateway.EditPolicy(ctx, fg, fortigate.EditRequest{
				PolicyID: *oldID, Action: fortigate.ActionRemove, User: data.Login,
			}); err != nil {
				return nil, err
			}
			if err := e.cfg.Gateway.CreateIP(ctx, fg, data.Login, data.FramedIP); err != nil {
				return nil, err
			}
			if err := e.cfg.Gateway.CreateIPv6(ctx, fg, data.Login, data.DelegatedIPv6); err != nil {
				return nil, err
			}
			if err := e.cfg.Gateway.CreateService(ctx, fg, data.Hash, invTCP, invUDP); err != nil {
				return nil, err
			}
			mkey, err := e.cfg.Gateway.CreatePolicy(ctx, fg, data.Hash, data.Login)
			if err != nil {
				return nil, err
			}
			e.persist(ctx, data.Login, fg, mkey, data.Hash, "add")
			return map[string]any{"migrated_to_new_policy": true, "new_policy_id": mkey}, nil

		default:
			// both policies are live: move the subscriber across
			if _, err := e.cfg.Gateway.EditPolicy(ctx, fg, fortigate.EditRequest{
				PolicyID: *oldID, Action: fortigate.ActionRemove, User: data.Login,
			}); err != nil {
				return nil, err
			}
			if _, err := e.cfg.Gateway.EditPolicy(ctx, fg, fortigate.EditRequest{
				PolicyID: *byHash, Action: fortigate.ActionAdd, User: data.Login,
			}); err != nil {
				return nil, err
			}
			return map[string]any{
				"moved_to_policy_by_hash": true,
				"old_policy_id":           *oldID,
				"new_policy_id":           *byHash,
			}, nil
		}
	})
}

func (e *Engine) delete(ctx context.Context, data types.SignalData) (map[string]any, error) {
	found := false
	if data.PolicyID != nil {
		var err error
		found, err = e.cfg.Query.PolicyIDExists(ctx, *data.PolicyID)
		if err != nil {
			return nil, fmt.Errorf("delete %s: %w", data.Login, err)
		}
	}

	return e.eachDevice(ctx, data, func(fg string) (map[string]any, error) {
		if data.PolicyID != nil {
			if _, err := e.cfg.Gateway.EditPolicy(ctx, fg, fortigate.EditRequest{
				PolicyID: *data.PolicyID, Action: fortigate.ActionRemove, User: data.Login,
			}); err != nil {
				return nil, err
			}
		}

		if !found {
			// last user on the policy: tear everything down
			if data.PolicyID != nil {
				if err := e.cfg.Gateway.DeletePolicy(ctx, fg, *data.PolicyID); err != nil {
					return nil, err
				}
			}
			if err := e.cfg.Gateway.DeleteService(ctx, fg, data.Hash); err != nil {
				return nil, err
			}
			if err := e.cfg.Gateway.DeleteIP(ctx, fg, data.Login); err != nil {
				return nil, err
			}
			if err := e.cfg.Gateway.DeleteIPv6(ctx, fg, data.Login); err != nil {
				return nil, err
			}
			if data.PolicyID != nil {
				e.persistLog(ctx, data.Login, fg, *data.PolicyID, "delete")
			}
			return map[string]any{"deleted_policy": true}, nil
		}

		// policy persists for the remaining members
		if !e.cfg.DeleteKeepsSharedService {
			if err := e.cfg.Gateway.DeleteService(ctx, fg, data.Hash); err != nil {
				return nil, err
			}
		}
		if err := e.cfg.Gateway.DeleteIP(ctx, fg, data.Login); err != nil {
			return nil, err
		}
		if err := e.cfg.Gateway.DeleteIPv6(ctx, fg, data.Login); err != nil {
			return nil, err
		}
		return map[string]any{"removed_user_from_policy": true, "policy_id": *data.PolicyID}, nil
	})
}

// persist records an installed policy in the relational state. Failures are
// logged but do not fail the device sequence, the appliance is already
// mutated.
func (e *Engine) persist(ctx context.Context, login, fg string, mkey int64, hash, action string) {
	e.persistLog(ctx, login, fg, mkey, action)
	if err := e.cfg.Recorder.UpdatePolicyID(ctx, login, hash, mkey); err != nil {
		log.WithUser(login).Warn().Err(err).Msg("policy_id update failed")
	}
}

func (e *Engine) persistLog(ctx context.Context, login, fg string, mkey int64, action string) {
	if err := e.cfg.Recorder.AppendPolicyLog(ctx, login, fg, &mkey, action); err != nil {
		log.WithUser(login).Warn().Err(err).Msg("policy log append failed")
	}
}
