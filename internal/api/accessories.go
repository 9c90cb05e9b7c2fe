package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/history"
	"github.com/nerrad567/gray-logic-accessory-bridge/internal/homekit"
)

// CharacteristicValue is the body returned by characteristic reads and writes.
type CharacteristicValue struct {
	AccessoryID      string `json:"accessory_id"`
	ServiceID        string `json:"service_id"`
	CharacteristicID string `json:"characteristic_id"`
	Value            any    `json:"value"`
	Cached           bool   `json:"cached,omitempty"`
}

// WriteRequest is the body of a characteristic PUT.
type WriteRequest struct {
	Value     any    `json:"value"`
	WriteType string `json:"write_type,omitempty"`
}

func (s *Server) handleListHomes(w http.ResponseWriter, _ *http.Request) {
	homes, err := s.bridge.Homes()
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"homes": homes, "count": len(homes)})
}

func (s *Server) handleGetHome(w http.ResponseWriter, r *http.Request) {
	home, err := s.bridge.Home(chi.URLParam(r, "id"))
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, home)
}

// handleListAccessories lists every accessory, optionally filtered by
// ?home_id=.
func (s *Server) handleListAccessories(w http.ResponseWriter, r *http.Request) {
	accessories, err := s.bridge.Accessories()
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	if homeID := r.URL.Query().Get("home_id"); homeID != "" {
		filtered := make([]homekit.Accessory, 0, len(accessories))
		for _, a := range accessories {
			if a.HomeID == homeID {
				filtered = append(filtered, a)
			}
		}
		accessories = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"accessories": accessories, "count": len(accessories)})
}

func (s *Server) handleGetAccessory(w http.ResponseWriter, r *http.Request) {
	view, err := s.bridge.Accessory(chi.URLParam(r, "id"))
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleFindAccessory(w http.ResponseWriter, r *http.Request) {
	view, err := s.bridge.FindAccessoryByName(chi.URLParam(r, "name"))
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Identify(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeBridgeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func characteristicRef(r *http.Request) homekit.CharacteristicRef {
	return homekit.CharacteristicRef{
		AccessoryID:      chi.URLParam(r, "id"),
		ServiceID:        chi.URLParam(r, "sid"),
		CharacteristicID: chi.URLParam(r, "cid"),
	}
}

// cachedValue returns the cached value of ref from the current snapshot.
func (s *Server) cachedValue(ref homekit.CharacteristicRef) (any, error) {
	view, err := s.bridge.Accessory(ref.AccessoryID)
	if err != nil {
		return nil, err
	}
	c, ok := view.Characteristic(ref.ServiceID, ref.CharacteristicID)
	if !ok {
		return nil, homekit.ErrNotFound
	}
	return c.Value, nil
}

// handleReadCharacteristic reads through the native layer. ?cached=true
// answers from the cache without a native round trip.
func (s *Server) handleReadCharacteristic(w http.ResponseWriter, r *http.Request) {
	ref := characteristicRef(r)
	resp := CharacteristicValue{AccessoryID: ref.AccessoryID, ServiceID: ref.ServiceID, CharacteristicID: ref.CharacteristicID}

	var err error
	if cached, _ := strconv.ParseBool(r.URL.Query().Get("cached")); cached {
		resp.Cached = true
		resp.Value, err = s.cachedValue(ref)
	} else {
		resp.Value, err = s.bridge.ReadCharacteristic(r.Context(), ref.AccessoryID, ref.ServiceID, ref.CharacteristicID)
	}
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWriteCharacteristic writes and answers with the value the cache holds
// afterwards, which is the confirmed value for with_response writes.
func (s *Server) handleWriteCharacteristic(w http.ResponseWriter, r *http.Request) {
	ref := characteristicRef(r)

	var req WriteRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			writeBadRequest(w, "request body is required")
			return
		}
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	err := s.bridge.WriteCharacteristic(r.Context(), ref.AccessoryID, ref.ServiceID, ref.CharacteristicID,
		req.Value, homekit.ParseWriteType(req.WriteType))
	if err != nil {
		writeBridgeError(w, err)
		return
	}

	resp := CharacteristicValue{AccessoryID: ref.AccessoryID, ServiceID: ref.ServiceID, CharacteristicID: ref.CharacteristicID}
	if v, err := s.cachedValue(ref); err == nil {
		resp.Value = v
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCharacteristicHistory returns the change journal for one
// characteristic, newest first. ?limit= defaults to 50 and is capped at 200.
func (s *Server) handleCharacteristicHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeHistoryDisabled, "characteristic history is not enabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ref := characteristicRef(r)
	entries, err := s.history.History(r.Context(), ref, limit)
	if err != nil {
		if errors.Is(err, history.ErrInvalidRef) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("querying characteristic history", "ref", ref.String(), "error", err)
		writeInternalError(w, "failed to query history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}
