package api

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handlePolicyIDByHash(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}

	id, err := s.cfg.Store.PolicyIDByHash(r.Context(), payload.Hash)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if id == nil {
		ok(w, nil)
		return
	}
	ok(w, map[string]any{"policy_id": *id})
}

func (s *Server) handlePolicyIDCheck(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PolicyID int64  `json:"policy_id"`
		Hash     string `json:"hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}

	exists, byHash, err := s.cfg.Store.CheckPolicyID(r.Context(), payload.PolicyID, payload.Hash)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	ok(w, map[string]any{"policy_id_exists": exists, "policy_id_by_hash": byHash})
}

func (s *Server) handlePolicyIDExists(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PolicyID int64 `json:"policy_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}

	exists, err := s.cfg.Store.PolicyIDExists(r.Context(), payload.PolicyID)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	ok(w, map[string]any{"policy_id_exists": exists})
}

func (s *Server) handleAppendPolicyLog(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		User     string `json:"user"`
		FG       string `json:"fg"`
		Response *struct {
			Mkey   *int64 `json:"mkey"`
			Action string `json:"action"`
		} `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	if payload.User == "" || payload.FG == "" || payload.Response == nil {
		fail(w, http.StatusBadRequest, "Missing required fields", "")
		return
	}

	err := s.cfg.Store.AppendPolicyLog(r.Context(), payload.User, payload.FG,
		payload.Response.Mkey, payload.Response.Action)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	ok(w, nil)
}

func (s *Server) handlePolicyLogByUser(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	fg := r.URL.Query().Get("fg")
	if user == "" || fg == "" {
		fail(w, http.StatusBadRequest, "user and fg are required", "")
		return
	}

	entry, err := s.cfg.Store.LatestPolicyLog(r.Context(), user, fg)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if entry == nil {
		ok(w, []any{})
		return
	}
	ok(w, []map[string]any{{
		"User_Name": entry.UserName,
		"Policy_ID": entry.PolicyID,
	}})
}
