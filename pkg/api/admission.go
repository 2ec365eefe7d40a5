package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mhe/radgate/pkg/log"
	"github.com/mhe/radgate/pkg/types"
)

// subscriberClass reports whether a RADIUS Class attribute marks managed
// subscriber traffic.
func subscriberClass(class string) bool {
	return class == "2" || class == "00000002"
}

// handleRadiusEvent is the admission router: the observer POSTs the
// extracted attribute bag of every Accounting-Request here.
func (s *Server) handleRadiusEvent(w http.ResponseWriter, r *http.Request) {
	var event struct {
		Attrs map[string]any `json:"attrs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}

	attrs := event.Attrs
	status := strings.ToLower(str(attrs["Acct-Status-Type"]))
	class := str(attrs["Class"])
	userName := str(attrs["User-Name"])

	if !subscriberClass(class) {
		// non-subscriber accounting traffic
		ok(w, nil)
		return
	}

	switch status {
	case "start":
		sess := types.Session{
			UserName:            userName,
			Timestamp:           time.Now().Format("2006-01-02 15:04:05"),
			AcctStatusType:      str(attrs["Acct-Status-Type"]),
			FramedIPAddress:     str(attrs["Framed-IP-Address"]),
			DelegatedIPv6Prefix: str(attrs["Delegated-IPv6-Prefix"]),
			NASIPAddress:        str(attrs["NAS-IP-Address"]),
		}
		if err := s.cfg.Store.InsertSession(r.Context(), sess); err != nil {
			fail(w, http.StatusInternalServerError, err.Error(), "")
			return
		}
		log.WithUser(userName).Info().Str("nas", sess.NASIPAddress).Msg("session started")

		p, err := s.cfg.Store.ProfileByLogin(r.Context(), userName)
		if err != nil {
			fail(w, http.StatusInternalServerError, err.Error(), "")
			return
		}
		if p != nil {
			data := types.SignalDataFromMap(attrs)
			data.TCPRules = p.TCPRules
			data.UDPRules = p.UDPRules
			data.Hash = p.Hash
			s.emitSignal(types.SignalCreate, data)
		}

	case "stop":
		if err := s.cfg.Store.DeleteSession(r.Context(), userName); err != nil {
			fail(w, http.StatusInternalServerError, err.Error(), "")
			return
		}
		log.WithUser(userName).Info().Msg("session stopped")

		p, err := s.cfg.Store.ProfileByLogin(r.Context(), userName)
		if err != nil {
			fail(w, http.StatusInternalServerError, err.Error(), "")
			return
		}
		if p != nil {
			data := types.SignalDataFromMap(attrs)
			data.TCPRules = p.TCPRules
			data.UDPRules = p.UDPRules
			data.Hash = p.Hash
			data.PolicyID = p.PolicyID
			s.emitSignal(types.SignalDelete, data)
		}
	}

	ok(w, nil)
}

// handleRadiusCheck probes for the live session of a login.
func (s *Server) handleRadiusCheck(w http.ResponseWriter, r *http.Request) {
	login := r.URL.Query().Get("login")
	if login == "" {
		fail(w, http.StatusBadRequest, "login is required", "")
		return
	}

	sess, err := s.cfg.Store.GetSession(r.Context(), login)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"found":   false,
			"message": "check failed: " + err.Error(),
			"comment": nil,
		})
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"found":   false,
			"message": "RADIUS session not found",
			"comment": "Waiting for RADIUS Accounting-Start...",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"found":   true,
		"message": "RADIUS session found",
		"comment": nil,
		"data":    sess,
	})
}

func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		raw, _ := json.Marshal(s)
		return string(raw)
	default:
		return ""
	}
}
