package rpcapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/klingon-exchange/operatord/internal/store"
)

// paginate reads limit/offset query parameters shared by every list
// endpoint, defaulting to a bounded page so a client cannot
// accidentally request the entire ledger in one response.
func paginate(r *http.Request) (limit, offset int) {
	limit = 100
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	limit, offset := paginate(r)
	f := store.TradeFilter{Strategy: r.URL.Query().Get("strategy"), Limit: limit, Offset: offset}
	if st := r.URL.Query().Get("status"); st != "" {
		status := store.TradeStatus(st)
		f.Status = &status
	}
	trades, err := s.store.ListTrades(f)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	positions, err := s.store.ActivePositions()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	limit, offset := paginate(r)
	f := store.WalletFilter{Limit: limit, Offset: offset}
	if st := r.URL.Query().Get("status"); st != "" {
		status := store.WalletStatus(st)
		f.Status = &status
	}
	wallets, err := s.store.ListWallets(f)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wallets)
}

type setWalletStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// handleSetWalletStatus lets an operator manually override a wallet's
// roster status (e.g. force-demote a wallet the scorer has not yet
// caught up with). Distinct from TTL expiry, which the roster sweep
// writes to the store directly.
func (s *Server) handleSetWalletStatus(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	addr := r.PathValue("address")
	var req setWalletStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	newStatus := store.WalletStatus(req.Status)
	if _, ok := map[store.WalletStatus]bool{
		store.WalletCandidate: true, store.WalletActive: true,
		store.WalletProbation: true, store.WalletExpired: true,
	}[newStatus]; !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid wallet status")
		return
	}

	if err := s.store.SetWalletStatus(addr, newStatus); err != nil {
		if err == store.ErrWalletNotFound {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info("wallet status overridden", "actor", actorFromContext(r.Context()), "address", addr, "status", newStatus, "reason", req.Reason)
	if s.hub != nil {
		s.hub.Broadcast(EventWalletDemoted, map[string]string{"address": addr, "status": string(newStatus)})
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr, "status": string(newStatus)})
}

func (s *Server) handleListConfigAudit(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	since := parseTimeParam(r, "since", time.Now().Add(-30*24*time.Hour))
	until := parseTimeParam(r, "until", time.Now())
	entries, err := s.store.ListConfigAudit(since, until)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	discrepancies, err := s.store.ListOpenDiscrepancies()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, discrepancies)
}

func (s *Server) handleResolveDiscrepancy(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid discrepancy id")
		return
	}
	actor := actorFromContext(r.Context())
	if err := s.store.ResolveDiscrepancy(id, actor); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func parseTimeParam(r *http.Request, key string, fallback time.Time) time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return fallback
	}
	return t
}
