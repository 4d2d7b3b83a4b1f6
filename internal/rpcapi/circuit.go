package rpcapi

import (
	"net/http"

	"github.com/klingon-exchange/operatord/internal/store"
)

func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	if s.circuit == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "circuit breaker unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.circuit.Snapshot())
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	if s.circuit == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "circuit breaker unavailable")
		return
	}
	actor := actorFromContext(r.Context())
	if s.store != nil {
		if err := s.store.AppendConfigAudit(&store.ConfigAuditEntry{
			Key: "circuit_breaker.state", OldValue: string(s.circuit.Snapshot().State), NewValue: "ACTIVE",
			Actor: actor, Reason: "manual reset",
		}); err != nil {
			s.log.Error("failed to append config audit entry", "key", "circuit_breaker.state", "error", err)
		}
	}
	s.circuit.Reset()
	s.log.Warn("circuit breaker reset by operator", "actor", actor)
	if s.hub != nil {
		s.hub.Broadcast(EventCircuitReset, map[string]string{"actor": actor})
	}
	writeJSON(w, http.StatusOK, s.circuit.Snapshot())
}

type haltRequest struct {
	// Confirm must be the literal string "HALT" so a misdirected
	// automated request can never trip the kill switch by accident.
	Confirm string `json:"confirm"`
}

func (s *Server) handleCircuitHalt(w http.ResponseWriter, r *http.Request) {
	if s.circuit == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "circuit breaker unavailable")
		return
	}
	var req haltRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Confirm != "HALT" {
		writeJSONError(w, http.StatusBadRequest, `confirm must equal "HALT"`)
		return
	}
	actor := actorFromContext(r.Context())
	if s.store != nil {
		if err := s.store.AppendConfigAudit(&store.ConfigAuditEntry{
			Key: "circuit_breaker.state", OldValue: string(s.circuit.Snapshot().State), NewValue: "TRIPPED",
			Actor: actor, Reason: "manual halt",
		}); err != nil {
			s.log.Error("failed to append config audit entry", "key", "circuit_breaker.state", "error", err)
		}
	}
	s.circuit.Halt()
	s.log.Warn("trading halted by operator", "actor", actor)
	if s.hub != nil {
		s.hub.Broadcast(EventCircuitTripped, map[string]string{"actor": actor, "reason": "MANUAL"})
	}
	writeJSON(w, http.StatusOK, s.circuit.Snapshot())
}
