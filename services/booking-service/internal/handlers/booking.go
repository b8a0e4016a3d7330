package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/carshare/libs/auth"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/carshare/services/booking-service/internal/model"
)

type BookingHandler struct {
	svc    *booking.Service
	logger *slog.Logger
}

func NewBookingHandler(svc *booking.Service, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{svc: svc, logger: logger}
}

// Register mounts the API on mux under /api/v1.
func (h *BookingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/slots", h.Slots)
	mux.HandleFunc("/api/v1/slots/durations", h.Durations)
	mux.HandleFunc("/api/v1/bookings/check", h.Check)
	mux.HandleFunc("/api/v1/bookings", h.Bookings)
	mux.HandleFunc("/api/v1/bookings/mine", h.Mine)
	mux.HandleFunc("/api/v1/bookings/extend", h.Extend)
	mux.HandleFunc("/api/v1/bookings/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/admin/bookings/delete", h.Delete)
}

type windowRequest struct {
	CarID     string `json:"car_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type createBookingRequest struct {
	CarID     string `json:"car_id"`
	UserID    string `json:"user_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Status    string `json:"status"`
	Notes     string `json:"notes"`
}

type extendBookingRequest struct {
	BookingID string `json:"booking_id"`
	EndTime   string `json:"end_time"`
}

type cancelBookingRequest struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason"`
}

type deleteBookingRequest struct {
	BookingID string `json:"booking_id"`
}

type extensionItem struct {
	ExtendedAt          string `json:"extended_at"`
	MinutesAdded        int    `json:"minutes_added"`
	AdditionalCostCents int64  `json:"additional_cost_cents"`
}

type bookingItem struct {
	BookingID        string          `json:"booking_id,omitempty"`
	CarID            string          `json:"car_id"`
	UserID           string          `json:"user_id,omitempty"`
	StartTime        string          `json:"start_time"`
	EndTime          string          `json:"end_time"`
	Status           string          `json:"status"`
	PriceCents       int64           `json:"price_cents"`
	Notes            string          `json:"notes,omitempty"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	CancelledAt      string          `json:"cancelled_at,omitempty"`
	ExtensionHistory []extensionItem `json:"extension_history,omitempty"`
	CreatedAt        string          `json:"created_at,omitempty"`
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type slotsResponse struct {
	CarID         string     `json:"car_id"`
	Date          string     `json:"date"`
	BufferMinutes int        `json:"buffer_minutes"`
	StepMinutes   int        `json:"step_minutes"`
	Slots         []slotItem `json:"slots"`
	StartTimes    []string   `json:"start_times"`
}

type durationsResponse struct {
	CarID     string `json:"car_id"`
	StartTime string `json:"start_time"`
	Minutes   []int  `json:"minutes"`
}

type checkResponse struct {
	Conflict  bool          `json:"conflict"`
	Conflicts []bookingItem `json:"conflicts"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	carID := strings.TrimSpace(r.URL.Query().Get("car_id"))
	dateStr := strings.TrimSpace(r.URL.Query().Get("date"))
	if carID == "" || dateStr == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "car_id and date are required", false)
		return
	}
	date, err := time.ParseInLocation(time.DateOnly, dateStr, h.svc.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "date must be YYYY-MM-DD", false)
		return
	}

	day, err := h.svc.FreeSlots(r.Context(), carID, date)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := slotsResponse{
		CarID:         carID,
		Date:          dateStr,
		BufferMinutes: int(h.svc.Buffer() / time.Minute),
		StepMinutes:   int(h.svc.Granularity() / time.Minute),
		Slots:         make([]slotItem, 0, len(day.Slots)),
		StartTimes:    make([]string, 0, len(day.StartTimes)),
	}
	for _, s := range day.Slots {
		resp.Slots = append(resp.Slots, slotItem{StartTime: formatTime(s.Start), EndTime: formatTime(s.End)})
	}
	for _, t := range day.StartTimes {
		resp.StartTimes = append(resp.StartTimes, formatTime(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *BookingHandler) Durations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	carID := strings.TrimSpace(r.URL.Query().Get("car_id"))
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(r.URL.Query().Get("start_time")))
	if carID == "" || err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "car_id and RFC3339 start_time are required", false)
		return
	}

	durs, err := h.svc.Durations(r.Context(), carID, start)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	resp := durationsResponse{CarID: carID, StartTime: formatTime(start), Minutes: make([]int, 0, len(durs))}
	for _, d := range durs {
		resp.Minutes = append(resp.Minutes, int(d/time.Minute))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *BookingHandler) Check(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req windowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start, end, ok := parseWindow(w, req.StartTime, req.EndTime)
	if !ok {
		return
	}
	if strings.TrimSpace(req.CarID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "car_id is required", false)
		return
	}

	found, err := h.svc.Conflicts(r.Context(), strings.TrimSpace(req.CarID), start, end, "")
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	resp := checkResponse{Conflict: len(found) > 0, Conflicts: make([]bookingItem, 0, len(found))}
	for _, b := range found {
		item := toItem(b)
		// Only the window and status of other customers' bookings are disclosed.
		if !principal.IsAdmin() && b.UserID != principal.UserID {
			item.BookingID = ""
			item.UserID = ""
			item.PriceCents = 0
		}
		resp.Conflicts = append(resp.Conflicts, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Bookings creates a booking on POST and returns one by booking_id on GET.
func (h *BookingHandler) Bookings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.get(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *BookingHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	start, end, ok := parseWindow(w, req.StartTime, req.EndTime)
	if !ok {
		return
	}
	req.CarID = strings.TrimSpace(req.CarID)
	if req.CarID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "car_id is required", false)
		return
	}
	status := model.Status(strings.TrimSpace(req.Status))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status", false)
		return
	}

	b, err := h.svc.Commit(r.Context(), actorFrom(r), booking.NewBooking{
		CarID:     req.CarID,
		UserID:    strings.TrimSpace(req.UserID),
		StartTime: start,
		EndTime:   end,
		Status:    status,
		Notes:     strings.TrimSpace(req.Notes),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItem(b))
}

func (h *BookingHandler) get(w http.ResponseWriter, r *http.Request) {
	bookingID := strings.TrimSpace(r.URL.Query().Get("booking_id"))
	if bookingID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "booking_id is required", false)
		return
	}
	b, err := h.svc.Get(r.Context(), actorFrom(r), bookingID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(b))
}

func (h *BookingHandler) Mine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))

	list, err := h.svc.UserBookings(r.Context(), actorFrom(r), userID, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	items := make([]bookingItem, 0, len(list))
	for _, b := range list {
		items = append(items, toItem(b))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) Extend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req extendBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	newEnd, err := time.Parse(time.RFC3339, strings.TrimSpace(req.EndTime))
	if req.BookingID == "" || err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "booking_id and RFC3339 end_time are required", false)
		return
	}

	b, err := h.svc.Extend(r.Context(), actorFrom(r), req.BookingID, newEnd)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(b))
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	if req.BookingID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "booking_id is required", false)
		return
	}

	b, err := h.svc.Cancel(r.Context(), actorFrom(r), req.BookingID, strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(b))
}

func (h *BookingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req deleteBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	if req.BookingID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "booking_id is required", false)
		return
	}

	if err := h.svc.Delete(r.Context(), actorFrom(r), req.BookingID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps service errors onto statuses. Conflicts and invalid
// transitions share 409 but keep distinct codes so the UI can offer another slot.
func (h *BookingHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found", false)
	case errors.Is(err, booking.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission_denied", "permission denied", false)
	case errors.Is(err, booking.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, "invalid_window", trimSentinel(err), false)
	case errors.Is(err, booking.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "the selected window is no longer available", false)
	case errors.Is(err, booking.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", trimSentinel(err), false)
	case booking.IsTransient(err):
		h.logger.Warn("store unavailable", "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable, try again", true)
	default:
		h.logger.Error("booking operation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error", false)
	}
}

func actorFrom(r *http.Request) booking.Actor {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return booking.Actor{}
	}
	return booking.Actor{UserID: p.UserID, Admin: p.IsAdmin()}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", false)
		return false
	}
	return true
}

func parseWindow(w http.ResponseWriter, rawStart, rawEnd string) (time.Time, time.Time, bool) {
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(rawStart))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid start_time", false)
		return time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(rawEnd))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid end_time", false)
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func toItem(b model.Booking) bookingItem {
	item := bookingItem{
		BookingID:    b.ID,
		CarID:        b.CarID,
		UserID:       b.UserID,
		StartTime:    formatTime(b.StartTime),
		EndTime:      formatTime(b.EndTime),
		Status:       string(b.Status),
		PriceCents:   b.PriceCents,
		Notes:        b.Notes,
		CancelReason: b.CancelReason,
	}
	if b.CancelledAt != nil {
		item.CancelledAt = formatTime(*b.CancelledAt)
	}
	if !b.CreatedAt.IsZero() {
		item.CreatedAt = formatTime(b.CreatedAt)
	}
	for _, e := range b.ExtensionHistory {
		item.ExtensionHistory = append(item.ExtensionHistory, extensionItem{
			ExtendedAt:          formatTime(e.ExtendedAt),
			MinutesAdded:        e.MinutesAdded,
			AdditionalCostCents: e.AdditionalCostCents,
		})
	}
	return item
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func trimSentinel(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, "booking: "); i >= 0 {
		return msg[i+len("booking: "):]
	}
	return msg
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string, retryable bool) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code, Retryable: retryable})
}
