/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valentin-ulloa/bauhaustravel/pkg/airports"
	"github.com/valentin-ulloa/bauhaustravel/pkg/notification"
	"github.com/valentin-ulloa/bauhaustravel/pkg/storage"
	"github.com/valentin-ulloa/bauhaustravel/pkg/trip"
)

const maxBodyBytes = 1 << 20

type createTripRequest struct {
	ClientName        string            `json:"client_name" validate:"required"`
	WhatsApp          string            `json:"whatsapp" validate:"required,e164"`
	FlightNumber      string            `json:"flight_number" validate:"required"`
	OriginIATA        string            `json:"origin_iata" validate:"required,len=3,alpha"`
	DestinationIATA   string            `json:"destination_iata" validate:"required,len=3,alpha"`
	DepartureDate     string            `json:"departure_date" validate:"required"`
	Status            string            `json:"status" validate:"omitempty,oneof=SCHEDULED DELAYED BOARDING IN_FLIGHT"`
	Metadata          map[string]string `json:"metadata"`
	ClientDescription string            `json:"client_description"`
	AgencyID          string            `json:"agency_id" validate:"omitempty,uuid"`
}

// normalize trims every field and upper-cases the codes so validation and
// storage see canonical values.
func (r *createTripRequest) normalize() {
	r.ClientName = strings.TrimSpace(r.ClientName)
	r.WhatsApp = strings.TrimSpace(r.WhatsApp)
	r.FlightNumber = strings.ToUpper(strings.TrimSpace(r.FlightNumber))
	r.OriginIATA = strings.ToUpper(strings.TrimSpace(r.OriginIATA))
	r.DestinationIATA = strings.ToUpper(strings.TrimSpace(r.DestinationIATA))
	r.DepartureDate = strings.TrimSpace(r.DepartureDate)
	r.Status = strings.ToUpper(strings.TrimSpace(r.Status))
	r.ClientDescription = strings.TrimSpace(r.ClientDescription)
	r.AgencyID = strings.TrimSpace(r.AgencyID)
}

type dispatchView struct {
	Status     notification.DispatchStatus `json:"status"`
	Reason     string                      `json:"reason,omitempty"`
	ProviderID string                      `json:"provider_id,omitempty"`
	Attempts   int                         `json:"attempts,omitempty"`
}

func viewOf(res notification.DispatchResult) dispatchView {
	return dispatchView{
		Status:     res.Status,
		Reason:     res.Reason,
		ProviderID: res.ProviderID,
		Attempts:   res.Attempts,
	}
}

type createTripResponse struct {
	TripID       uuid.UUID    `json:"trip_id"`
	Status       trip.Status  `json:"status"`
	DepartureUTC time.Time    `json:"departure_utc"`
	NextCheckAt  *time.Time   `json:"next_check_at,omitempty"`
	Confirmation dispatchView `json:"confirmation"`
}

type tripDetailResponse struct {
	Trip          *trip.Trip                  `json:"trip"`
	Notifications []trip.NotificationLogEntry `json:"notifications"`
}

type recheckResponse struct {
	TripID      uuid.UUID `json:"trip_id"`
	NextCheckAt time.Time `json:"next_check_at"`
}

type sendNotificationRequest struct {
	TripID string            `json:"trip_id" validate:"required,uuid"`
	Kind   string            `json:"kind" validate:"required"`
	Extra  map[string]string `json:"extra"`
}

type errorResponse struct {
	Error   string     `json:"error"`
	Details []string   `json:"details,omitempty"`
	TripID  *uuid.UUID `json:"trip_id,omitempty"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req createTripRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.normalize()
	if err := s.validate.Struct(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "validation failed",
			Details: validationDetails(err),
		})
		return
	}

	departureUTC, err := airports.ParseDeparture(req.DepartureDate, req.OriginIATA)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if dup, err := s.store.FindDuplicateTrip(ctx, req.WhatsApp, req.FlightNumber, departureUTC); err != nil {
		s.writeError(w, http.StatusInternalServerError, "duplicate check failed")
		s.log.Error("duplicate check failed", zap.Error(err))
		return
	} else if dup != nil {
		s.writeJSON(w, http.StatusConflict, errorResponse{
			Error:  "trip already exists for this passenger, flight and day",
			TripID: &dup.ID,
		})
		return
	}

	now := s.clock().UTC()
	nextCheck := departureUTC.Add(-s.cfg.FirstCheckLead)
	if nextCheck.Before(now) {
		nextCheck = now
	}

	t := &trip.Trip{
		ClientName:        req.ClientName,
		WhatsApp:          req.WhatsApp,
		FlightNumber:      req.FlightNumber,
		OriginIATA:        req.OriginIATA,
		DestinationIATA:   req.DestinationIATA,
		DepartureUTC:      departureUTC,
		Status:            trip.Status(req.Status),
		Metadata:          req.Metadata,
		ClientDescription: req.ClientDescription,
		NextCheckAt:       &nextCheck,
	}
	if req.AgencyID != "" {
		agencyID, perr := uuid.Parse(req.AgencyID)
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, "agency_id: invalid uuid")
			return
		}
		t.AgencyID = &agencyID
	}

	if err := s.store.CreateTrip(ctx, t); err != nil {
		if errors.Is(err, storage.ErrDuplicateTrip) {
			// Lost the race with a concurrent create of the same trip.
			s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		s.writeError(w, http.StatusInternalServerError, "persisting trip failed")
		s.log.Error("persisting trip failed", zap.Error(err))
		return
	}

	confirmation := s.notifier.SendReservationConfirmation(ctx, t)

	s.writeJSON(w, http.StatusCreated, createTripResponse{
		TripID:       t.ID,
		Status:       t.Status,
		DepartureUTC: t.DepartureUTC,
		NextCheckAt:  t.NextCheckAt,
		Confirmation: viewOf(confirmation),
	})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "tripID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid trip id")
		return
	}

	ctx := r.Context()
	t, err := s.store.TripByID(ctx, id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "loading trip failed")
		s.log.Error("loading trip failed", zap.String("trip_id", id.String()), zap.Error(err))
		return
	}
	if t == nil {
		s.writeError(w, http.StatusNotFound, "trip not found")
		return
	}

	entries, err := s.store.NotificationsWhere(ctx, id)
	if err != nil {
		// The trip itself is the answer; a log read failure degrades to an
		// empty history rather than a 500.
		s.log.Warn("loading notification log failed", zap.String("trip_id", id.String()), zap.Error(err))
		entries = nil
	}
	if entries == nil {
		entries = []trip.NotificationLogEntry{}
	}

	s.writeJSON(w, http.StatusOK, tripDetailResponse{Trip: t, Notifications: entries})
}

// handleRecheckTrip forces the next tick to pick the trip up, the escape
// hatch for externally signalled changes.
func (s *Server) handleRecheckTrip(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "tripID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid trip id")
		return
	}

	ctx := r.Context()
	t, err := s.store.TripByID(ctx, id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "loading trip failed")
		s.log.Error("loading trip failed", zap.String("trip_id", id.String()), zap.Error(err))
		return
	}
	if t == nil {
		s.writeError(w, http.StatusNotFound, "trip not found")
		return
	}
	if t.Status.IsTerminal() {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("trip is %s and no longer polled", t.Status))
		return
	}

	now := s.clock().UTC()
	if err := s.store.UpdateTrip(ctx, id, trip.Patch{NextCheckAt: &now}); err != nil {
		s.writeError(w, http.StatusInternalServerError, "scheduling recheck failed")
		s.log.Error("scheduling recheck failed", zap.String("trip_id", id.String()), zap.Error(err))
		return
	}

	s.writeJSON(w, http.StatusAccepted, recheckResponse{TripID: id, NextCheckAt: now})
}

// handleSendNotification drives one kind through the engine's dispatch
// pipeline. The HTTP status reflects request validity; the delivery outcome,
// including FAILED, travels in the body.
func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var req sendNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Kind = strings.ToUpper(strings.TrimSpace(req.Kind))
	req.TripID = strings.TrimSpace(req.TripID)
	if err := s.validate.Struct(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "validation failed",
			Details: validationDetails(err),
		})
		return
	}
	id, err := uuid.Parse(req.TripID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "trip_id: invalid uuid")
		return
	}

	res, err := s.notifier.SendSingle(r.Context(), id, trip.NotificationKind(req.Kind), req.Extra)
	if err != nil {
		switch {
		case errors.Is(err, notification.ErrUnknownKind):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, notification.ErrTripNotFound):
			s.writeError(w, http.StatusNotFound, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, "dispatch failed")
			s.log.Error("single dispatch failed",
				zap.String("trip_id", id.String()), zap.String("kind", req.Kind), zap.Error(err))
		}
		return
	}

	s.writeJSON(w, http.StatusOK, viewOf(res))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("writing response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// validationDetails flattens validator errors into "field: rule" strings.
func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return details
}
