package rpcapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/klingon-exchange/operatord/internal/store"
)

// destructiveFields names config fields whose change can materially
// widen risk (loosening the circuit breaker's trip thresholds), and
// which therefore require admin rather than operator role even though
// the section they live in is otherwise operator-editable.
var destructiveFields = map[string]bool{
	"CircuitBreakers.MaxLoss24h":          true,
	"CircuitBreakers.MaxConsecutiveLoss":  true,
	"CircuitBreakers.MaxDrawdownPercent":  true,
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Get())
}

// sectionField locates the exported Config field whose name, compared
// case-insensitively and with underscores stripped, matches key --
// "circuit_breakers" and "CircuitBreakers" both resolve to the
// CircuitBreakers field.
func sectionField(cfgVal reflect.Value, key string) (reflect.Value, string, bool) {
	want := strings.ReplaceAll(strings.ToLower(key), "_", "")
	t := cfgVal.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if strings.ToLower(f.Name) == want {
			return cfgVal.Field(i), f.Name, true
		}
	}
	return reflect.Value{}, "", false
}

// handlePatchConfig applies a partial update to one config section:
// the request body is decoded onto a copy of the section's current
// value, then diffed field-by-field against the original so the
// audit trail records one row per changed field (per
// store.AppendConfigAudit's contract), not a snapshot of the whole
// section. Any changed field named in destructiveFields additionally
// requires admin role.
func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil || s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}

	current := s.cfg.Get()
	cfgVal := reflect.ValueOf(current).Elem()
	field, fieldName, ok := sectionField(cfgVal, r.PathValue("section"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown config section")
		return
	}

	// Decode onto a copy of the section so unspecified fields keep
	// their current value instead of zeroing out.
	patched := reflect.New(field.Type())
	patched.Elem().Set(field)
	if err := decodeJSON(r, patched.Interface()); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	changes, err := diffStruct(fieldName, field, patched.Elem())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(changes) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no changes"})
		return
	}

	role := roleFromContext(r.Context())
	for _, c := range changes {
		if destructiveFields[c.key] && !role.atLeast(RoleAdmin) {
			writeJSONError(w, http.StatusForbidden, fmt.Sprintf("%s requires admin role", c.key))
			return
		}
	}

	next := *current
	nextVal := reflect.ValueOf(&next).Elem()
	nf, _, _ := sectionField(nextVal, fieldName)
	nf.Set(patched.Elem())

	if err := next.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Swap(&next); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	actor := actorFromContext(r.Context())
	reason := r.URL.Query().Get("reason")
	for _, c := range changes {
		if err := s.store.AppendConfigAudit(&store.ConfigAuditEntry{
			Key: c.key, OldValue: c.oldValue, NewValue: c.newValue, Actor: actor, Reason: reason,
			At: time.Now(),
		}); err != nil {
			s.log.Error("failed to append config audit entry", "key", c.key, "error", err)
		}
	}

	s.log.Info("config section patched", "actor", actor, "section", fieldName, "fields", len(changes))
	writeJSON(w, http.StatusOK, next)
}

type fieldChange struct {
	key      string
	oldValue string
	newValue string
}

// diffStruct compares before and after field-by-field, prefixing each
// key with section so the audit log reads e.g.
// "CircuitBreakers.MaxLoss24h" rather than a bare field name.
func diffStruct(section string, before, after reflect.Value) ([]fieldChange, error) {
	if before.Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpcapi: config section %s is not a struct", section)
	}
	var changes []fieldChange
	t := before.Type()
	for i := 0; i < t.NumField(); i++ {
		bf := before.Field(i)
		af := after.Field(i)
		if reflect.DeepEqual(bf.Interface(), af.Interface()) {
			continue
		}
		changes = append(changes, fieldChange{
			key:      section + "." + t.Field(i).Name,
			oldValue: toJSONString(bf.Interface()),
			newValue: toJSONString(af.Interface()),
		})
	}
	return changes, nil
}

func toJSONString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
