package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pawcare-labs/pawcare/services/provider-service/internal/discovery"
	"github.com/pawcare-labs/pawcare/services/provider-service/internal/model"
	"github.com/pawcare-labs/pawcare/services/provider-service/internal/storage"
)

type Handler struct {
	repo *storage.Repository
	now  func() time.Time
}

func New(repo *storage.Repository) *Handler {
	return &Handler{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

func providerIDFromHeader(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Provider-Id"))
}

type providerItem struct {
	ProviderID      string   `json:"provider_id"`
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Bio             string   `json:"bio,omitempty"`
	Specialties     []string `json:"specialties,omitempty"`
	City            string   `json:"city,omitempty"`
	ClinicName      string   `json:"clinic_name,omitempty"`
	ExperienceYears int      `json:"experience_years"`
	PricePerSession int64    `json:"price_per_session"`
	Currency        string   `json:"currency"`
	RatingAvg       float64  `json:"rating_avg"`
	RatingCount     int      `json:"rating_count"`
	CompletedCount  int      `json:"completed_count"`
	PatientCount    int      `json:"patient_count"`
	AvailableNow    bool     `json:"available_now"`
	NextAvailable   string   `json:"next_available,omitempty"`
	ResponseTime    string   `json:"response_time"`
}

func (h *Handler) item(p model.Provider, e discovery.Enrichment) providerItem {
	it := providerItem{
		ProviderID:      p.ID,
		Name:            p.Name,
		Type:            p.Type,
		Bio:             p.Bio,
		Specialties:     p.Specialties,
		City:            p.City,
		ClinicName:      p.ClinicName,
		ExperienceYears: p.ExperienceYears,
		PricePerSession: p.PricePerSession,
		Currency:        p.Currency,
		RatingAvg:       p.RatingAvg,
		RatingCount:     p.RatingCount,
		CompletedCount:  p.CompletedCount,
		PatientCount:    p.PatientCount,
		AvailableNow:    e.AvailableNow,
		ResponseTime:    e.ResponseTime,
	}
	if e.NextAvailable != nil {
		it.NextAvailable = e.NextAvailable.UTC().Format(time.RFC3339)
	}
	return it
}

// Search is the public provider directory with availability enrichment.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	filter := storage.SearchFilter{
		Type:      strings.TrimSpace(q.Get("type")),
		City:      strings.TrimSpace(q.Get("city")),
		Specialty: strings.TrimSpace(q.Get("specialty")),
		Query:     strings.TrimSpace(q.Get("q")),
		SortBy:    strings.TrimSpace(q.Get("sort_by")),
		Ascending: strings.EqualFold(strings.TrimSpace(q.Get("order")), "asc"),
	}
	switch filter.SortBy {
	case "", "rating", "price", "experience", "name":
	default:
		http.Error(w, "sort_by must be rating, price, experience, or name", http.StatusBadRequest)
		return
	}
	if raw := strings.TrimSpace(q.Get("min_rating")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 5 {
			http.Error(w, "invalid min_rating", http.StatusBadRequest)
			return
		}
		filter.MinRating = v
	}
	if raw := strings.TrimSpace(q.Get("max_price")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid max_price", http.StatusBadRequest)
			return
		}
		filter.MaxPrice = v
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			filter.Limit = n
		}
	}
	if raw := strings.TrimSpace(q.Get("skip")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			filter.Skip = n
		}
	}

	providers, total, err := h.repo.Search(r.Context(), filter)
	if err != nil {
		http.Error(w, "failed to search providers", http.StatusInternalServerError)
		return
	}

	now := h.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	horizon := today.AddDate(0, 0, discovery.LookaheadDays+1)

	items := make([]providerItem, 0, len(providers))
	for _, p := range providers {
		slots, err := h.repo.ListSlots(r.Context(), p.ID, today, horizon)
		if err != nil {
			http.Error(w, "failed to load availability", http.StatusInternalServerError)
			return
		}
		items = append(items, h.item(p, discovery.Enrich(p, slots, now)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"providers": items,
		"total":     total,
		"limit":     limit,
		"skip":      filter.Skip,
		"has_more":  filter.Skip+limit < total,
	})
}

// Detail is the public provider page: profile, availability summary, and
// the upcoming open slots.
func (h *Handler) Detail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" {
		http.Error(w, "provider_id is required", http.StatusBadRequest)
		return
	}

	p, err := h.repo.Get(r.Context(), providerID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "provider not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load provider", http.StatusInternalServerError)
		return
	}

	now := h.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	horizon := today.AddDate(0, 0, discovery.LookaheadDays+1)
	slots, err := h.repo.ListSlots(r.Context(), p.ID, today, horizon)
	if err != nil {
		http.Error(w, "failed to load availability", http.StatusInternalServerError)
		return
	}

	type slotItem struct {
		Date      string `json:"date"`
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
	}
	var open []slotItem
	for _, s := range slots {
		if s.IsBooked {
			continue
		}
		open = append(open, slotItem{
			Date:      s.SlotDate.UTC().Format("2006-01-02"),
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"provider": h.item(p, discovery.Enrich(p, slots, now)),
		"slots":    open,
	})
}

// UpsertProfile lets a provider create or update their own listing.
func (h *Handler) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	providerID := providerIDFromHeader(r)
	if providerID == "" {
		http.Error(w, "missing X-Provider-Id", http.StatusBadRequest)
		return
	}

	var req struct {
		Name            string   `json:"name"`
		Type            string   `json:"type"`
		Email           string   `json:"email"`
		Phone           string   `json:"phone"`
		Bio             string   `json:"bio"`
		Specialties     []string `json:"specialties"`
		City            string   `json:"city"`
		ClinicName      string   `json:"clinic_name"`
		ExperienceYears int      `json:"experience_years"`
		PricePerSession int64    `json:"price_per_session"`
		Currency        string   `json:"currency"`
		IsActive        *bool    `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Type = strings.TrimSpace(strings.ToLower(req.Type))
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	switch req.Type {
	case model.TypeVet, model.TypeGroomer, model.TypeTrainer:
	default:
		http.Error(w, "type must be vet, groomer, or trainer", http.StatusBadRequest)
		return
	}
	if req.ExperienceYears < 0 || req.PricePerSession < 0 {
		http.Error(w, "experience_years and price_per_session must not be negative", http.StatusBadRequest)
		return
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "usd"
	}
	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	p := &model.Provider{
		ID:              providerID,
		Name:            req.Name,
		Type:            req.Type,
		Email:           strings.TrimSpace(req.Email),
		Phone:           strings.TrimSpace(req.Phone),
		Bio:             strings.TrimSpace(req.Bio),
		Specialties:     req.Specialties,
		City:            strings.TrimSpace(req.City),
		ClinicName:      strings.TrimSpace(req.ClinicName),
		ExperienceYears: req.ExperienceYears,
		PricePerSession: req.PricePerSession,
		Currency:        currency,
		IsActive:        isActive,
	}
	id, err := h.repo.Upsert(r.Context(), p)
	if err != nil {
		http.Error(w, "failed to save profile", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"provider_id": id})
}

// ReplaceSlots sets a provider's open slot grid for one date. Booked slots
// are never removed.
func (h *Handler) ReplaceSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	providerID := providerIDFromHeader(r)
	if providerID == "" {
		http.Error(w, "missing X-Provider-Id", http.StatusBadRequest)
		return
	}

	var req struct {
		Date  string `json:"date"`
		Slots []struct {
			StartTime string `json:"start_time"`
			EndTime   string `json:"end_time"`
		} `json:"slots"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	date, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(req.Date), time.UTC)
	if err != nil {
		http.Error(w, "invalid date (want YYYY-MM-DD)", http.StatusBadRequest)
		return
	}

	slots := make([]model.Slot, 0, len(req.Slots))
	for _, s := range req.Slots {
		start := strings.TrimSpace(s.StartTime)
		end := strings.TrimSpace(s.EndTime)
		if !validClock(start) || !validClock(end) || end <= start {
			http.Error(w, "invalid slot times (want HH:MM, end after start)", http.StatusBadRequest)
			return
		}
		slots = append(slots, model.Slot{StartTime: start, EndTime: end})
	}

	if err := h.repo.ReplaceSlots(r.Context(), providerID, date, slots); err != nil {
		http.Error(w, "failed to save slots", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" {
		providerID = providerIDFromHeader(r)
	}
	if providerID == "" {
		http.Error(w, "provider_id is required", http.StatusBadRequest)
		return
	}

	now := h.now()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, discovery.LookaheadDays+1)
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		d, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
		if err != nil {
			http.Error(w, "invalid date (want YYYY-MM-DD)", http.StatusBadRequest)
			return
		}
		from = d
		to = d.AddDate(0, 0, 1)
	}

	slots, err := h.repo.ListSlots(r.Context(), providerID, from, to)
	if err != nil {
		http.Error(w, "failed to list slots", http.StatusInternalServerError)
		return
	}

	type slotItem struct {
		Date      string `json:"date"`
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
		IsBooked  bool   `json:"is_booked"`
	}
	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			Date:      s.SlotDate.UTC().Format("2006-01-02"),
			StartTime: s.StartTime,
			EndTime:   s.EndTime,
			IsBooked:  s.IsBooked,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

func (h *Handler) CreateReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	var req struct {
		ProviderID    string `json:"provider_id"`
		AppointmentID string `json:"appointment_id"`
		Rating        int    `json:"rating"`
		Comment       string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if req.ProviderID == "" {
		http.Error(w, "provider_id is required", http.StatusBadRequest)
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		http.Error(w, "rating must be between 1 and 5", http.StatusBadRequest)
		return
	}

	if _, err := h.repo.Get(r.Context(), req.ProviderID); err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "provider not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load provider", http.StatusInternalServerError)
		return
	}

	id, err := h.repo.AddReview(r.Context(), model.Review{
		ProviderID:    req.ProviderID,
		UserID:        userID,
		AppointmentID: strings.TrimSpace(req.AppointmentID),
		Rating:        req.Rating,
		Comment:       strings.TrimSpace(req.Comment),
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateReview) {
			http.Error(w, "appointment already reviewed", http.StatusConflict)
			return
		}
		http.Error(w, "failed to save review", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"review_id": id})
}

func (h *Handler) ListReviews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" {
		http.Error(w, "provider_id is required", http.StatusBadRequest)
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	reviews, err := h.repo.ListReviews(r.Context(), providerID, limit)
	if err != nil {
		http.Error(w, "failed to list reviews", http.StatusInternalServerError)
		return
	}

	type reviewItem struct {
		ReviewID      string `json:"review_id"`
		UserID        string `json:"user_id"`
		AppointmentID string `json:"appointment_id,omitempty"`
		Rating        int    `json:"rating"`
		Comment       string `json:"comment,omitempty"`
		CreatedAt     string `json:"created_at"`
	}
	items := make([]reviewItem, 0, len(reviews))
	for _, rev := range reviews {
		items = append(items, reviewItem{
			ReviewID:      rev.ID,
			UserID:        rev.UserID,
			AppointmentID: rev.AppointmentID,
			Rating:        rev.Rating,
			Comment:       rev.Comment,
			CreatedAt:     rev.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

func validClock(clock string) bool {
	if len(clock) != 5 || clock[2] != ':' {
		return false
	}
	hour, err := strconv.Atoi(clock[:2])
	if err != nil || hour < 0 || hour > 23 {
		return false
	}
	minute, err := strconv.Atoi(clock[3:])
	if err != nil || minute < 0 || minute > 59 {
		return false
	}
	return true
}
