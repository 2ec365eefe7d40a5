package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mhe/radgate/pkg/store"
	"github.com/mhe/radgate/pkg/types"
)

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize < 1 {
		pageSize = 25
	}
	login := q.Get("login")

	profiles, total, err := s.cfg.Store.ListProfiles(r.Context(), login, page, pageSize)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": err.Error(),
			"data": []any{}, "total": 0, "page": page, "page_size": pageSize,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "data": profiles,
		"total": total, "page": page, "page_size": pageSize,
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	p, err := s.cfg.Store.GetProfile(r.Context(), id)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if p == nil {
		fail(w, http.StatusNotFound, "Not found", "")
		return
	}
	ok(w, p)
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var in store.ProfileInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}

	sess, found := s.awaitSession(r.Context(), in.Login)
	if !found {
		fail(w, http.StatusBadRequest, sessionNotFoundMsg, "Waiting for RADIUS Accounting-Start...")
		return
	}

	id, hash, err := s.cfg.Store.CreateProfile(r.Context(), in)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	s.emitSignal(types.SignalCreate, signalData(sess, in.TCPRules, in.UDPRules, hash))
	ok(w, map[string]any{"id": id})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	var in store.ProfileInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}

	// the old policy binding feeds the edit signal before the rewrite
	// clears it
	prev, err := s.cfg.Store.GetProfile(r.Context(), id)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if prev == nil {
		fail(w, http.StatusNotFound, "Not found", "")
		return
	}

	sess, found := s.awaitSession(r.Context(), in.Login)
	if !found {
		fail(w, http.StatusBadRequest, sessionNotFoundMsg, "Waiting for RADIUS Accounting-Start...")
		return
	}

	oldHash, newHash, err := s.cfg.Store.ReplaceProfile(r.Context(), id, in)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	data := signalData(sess, in.TCPRules, in.UDPRules, newHash)
	data.OldHash = oldHash
	data.PolicyID = prev.PolicyID
	s.emitSignal(types.SignalEdit, data)
	ok(w, map[string]any{"id": id})
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	p, err := s.cfg.Store.GetProfile(r.Context(), id)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	if p == nil {
		fail(w, http.StatusNotFound, "profile not found", "")
		return
	}

	sess, found := s.awaitSession(r.Context(), p.Login)
	if !found {
		fail(w, http.StatusBadRequest, sessionNotFoundMsg, "Waiting for RADIUS Accounting-Start...")
		return
	}

	if _, err := s.cfg.Store.DeleteProfile(r.Context(), id); err != nil {
		fail(w, http.StatusInternalServerError, err.Error(), "")
		return
	}

	data := signalData(sess, p.TCPRules, p.UDPRules, p.Hash)
	data.PolicyID = p.PolicyID
	s.emitSignal(types.SignalDelete, data)
	ok(w, nil)
}

func (s *Server) handleUpdatePolicyID(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Login    string `json:"login"`
		Hash     string `json:"hash"`
		PolicyID *int64 `json:"policy_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	if payload.Login == "" || payload.Hash == "" || payload.PolicyID == nil {
		fail(w, http.StatusBadRequest, "Missing required fields", "")
		return
	}

	if err := s.cfg.Store.UpdatePolicyID(r.Context(), payload.Login, payload.Hash, *payload.PolicyID); err != nil {
		fail(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	ok(w, map[string]any{"updated": true})
}
