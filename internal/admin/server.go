package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/FinBot/internal/models"
	"github.com/digkill/FinBot/internal/repository"
	"github.com/digkill/FinBot/internal/service"
)

type Users interface {
	ListTelegramIDs(ctx context.Context) ([]int64, error)
}

type Tiers interface {
	ResolveByID(ctx context.Context, telegramID int64, now time.Time) (*models.User, models.Tier, error)
}

type Subscriptions interface {
	StartTrial(ctx context.Context, telegramID int64, days int, now time.Time) (service.TrialResult, error)
	UpgradeToPremium(ctx context.Context, telegramID int64, months int, now time.Time) (service.PremiumResult, error)
}

type Referrals interface {
	RecordReferral(ctx context.Context, referrerID int64, now time.Time) (service.ReferralResult, error)
}

type Campaigns interface {
	SuperVIPDecaySweep(ctx context.Context, now time.Time) (service.SweepReport, error)
}

type Plans interface {
	List(ctx context.Context) ([]models.Plan, error)
	Create(ctx context.Context, input service.CreatePlanInput) (*models.Plan, error)
	Update(ctx context.Context, id int64, input service.UpdatePlanInput) (*models.Plan, error)
	Delete(ctx context.Context, id int64) error
}

type Payments interface {
	HandleYooKassaWebhook(ctx context.Context, payload []byte, now time.Time) error
}

type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Deps are the collaborators behind the admin routes.
type Deps struct {
	Users         Users
	Tiers         Tiers
	Subscriptions Subscriptions
	Referrals     Referrals
	Campaigns     Campaigns
	Plans         Plans
	Payments      Payments
	Bot           Sender
}

type Server struct {
	addr     string
	username string
	password string
	log      *slog.Logger
	deps     Deps
	validate *validator.Validate
	router   *chi.Mux
	now      func() time.Time
}

func NewServer(addr, username, password string, log *slog.Logger, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		username: username,
		password: password,
		log:      log,
		deps:     deps,
		validate: validator.New(),
		router:   r,
		now:      time.Now,
	}
	r.Post("/webhook/yookassa", s.handleYooKassaWebhook)
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Post("/broadcast", s.handleBroadcast)
		protected.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Post("/trial", s.handleStartTrial)
			r.Post("/premium", s.handleUpgradePremium)
			r.Post("/referrals", s.handleRecordReferral)
		})
		protected.Post("/campaigns/decay-sweep", s.handleDecaySweep)
		protected.Route("/plans", func(r chi.Router) {
			r.Get("/", s.handleListPlans)
			r.Post("/", s.handleCreatePlan)
			r.Put("/{id}", s.handleUpdatePlan)
			r.Delete("/{id}", s.handleDeletePlan)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin panel listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

type broadcastRequest struct {
	Message string `json:"message" validate:"required,max=4096"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !s.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	ids, err := s.deps.Users.ListTelegramIDs(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}

	count := 0
	for _, id := range ids {
		msg := tgbotapi.NewMessage(id, req.Message)
		if _, err := s.deps.Bot.Send(msg); err != nil {
			s.log.Error("send broadcast", "user", id, "err", err)
			continue
		}
		count++
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sent":  count,
		"total": len(ids),
	})
}

type userResponse struct {
	TelegramID         int64            `json:"telegram_id"`
	Username           string           `json:"username"`
	StoredTier         models.Tier      `json:"stored_tier"`
	EffectiveTier      models.Tier      `json:"effective_tier"`
	VIPStatus          models.VIPStatus `json:"vip_status"`
	TrialEndsAt        *time.Time       `json:"trial_ends_at,omitempty"`
	PremiumExpiresAt   *time.Time       `json:"premium_expires_at,omitempty"`
	DailyMessageCount  int              `json:"daily_message_count"`
	PeriodMessageCount int              `json:"period_message_count"`
	ReferralCount      int              `json:"referral_count"`
	IsUnlocked         bool             `json:"is_unlocked"`
	SuperVIPSince      *time.Time       `json:"super_vip_since,omitempty"`
	LastActivityAt     *time.Time       `json:"last_activity_at,omitempty"`
	StreakDays         int              `json:"streak_days"`
	MilestonesAchieved []int            `json:"milestones_achieved"`
}

func newUserResponse(u *models.User, effective models.Tier) userResponse {
	return userResponse{
		TelegramID:         u.TelegramID,
		Username:           u.Username,
		StoredTier:         u.Tier,
		EffectiveTier:      effective,
		VIPStatus:          u.VIPStatus(),
		TrialEndsAt:        u.TrialEndsAt,
		PremiumExpiresAt:   u.PremiumExpiresAt,
		DailyMessageCount:  u.DailyMessageCount,
		PeriodMessageCount: u.PeriodMessageCount,
		ReferralCount:      u.ReferralCount,
		IsUnlocked:         u.IsUnlocked,
		SuperVIPSince:      u.SuperVIPSince,
		LastActivityAt:     u.LastActivityAt,
		StreakDays:         u.StreakDays,
		MilestonesAchieved: u.MilestonesAchieved,
	}
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	user, tier, err := s.deps.Tiers.ResolveByID(r.Context(), id, s.now())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newUserResponse(user, tier))
}

type trialRequest struct {
	Days int `json:"days" validate:"required,min=1,max=365"`
}

func (s *Server) handleStartTrial(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req trialRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Subscriptions.StartTrial(r.Context(), id, req.Days, s.now())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"started":          res.Started,
		"already_elevated": res.AlreadyElevated,
		"tier":             res.Tier,
		"trial_ends_at":    res.User.TrialEndsAt,
	})
}

type premiumRequest struct {
	Months int `json:"months" validate:"required,min=1,max=120"`
}

func (s *Server) handleUpgradePremium(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req premiumRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Subscriptions.UpgradeToPremium(r.Context(), id, req.Months, s.now())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"from_tier":          res.FromTier,
		"tier":               res.User.Tier,
		"premium_expires_at": res.User.PremiumExpiresAt,
	})
}

func (s *Server) handleRecordReferral(w http.ResponseWriter, r *http.Request) {
	id, ok := s.userID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Referrals.RecordReferral(r.Context(), id, s.now())
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"referral_count":    res.Count,
		"unlocked":          res.Unlocked,
		"super_vip_granted": res.SuperVIPGranted,
	})
}

func (s *Server) handleDecaySweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Campaigns.SuperVIPDecaySweep(r.Context(), s.now())
	body := map[string]any{
		"scanned":    report.Scanned,
		"warned":     report.Warned,
		"downgraded": report.Downgraded,
		"failed":     report.Failed,
	}
	if err != nil {
		s.log.Error("manual decay sweep", "err", err)
		body["error"] = err.Error()
		s.writeJSON(w, http.StatusInternalServerError, body)
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.deps.Plans.List(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !s.decode(w, r, &req) {
		return
	}
	input := service.CreatePlanInput{
		Title:           req.Title,
		Description:     req.Description,
		Currency:        req.Currency,
		PriceMinorUnits: req.PriceMinorUnits,
		DurationMonths:  req.DurationMonths,
		IsActive:        req.IsActive,
	}
	plan, err := s.deps.Plans.Create(r.Context(), input)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req planUpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	input := service.UpdatePlanInput{
		Title:           req.Title,
		Description:     req.Description,
		Currency:        req.Currency,
		PriceMinorUnits: req.PriceMinorUnits,
		DurationMonths:  req.DurationMonths,
		IsActive:        req.IsActive,
	}
	plan, err := s.deps.Plans.Update(r.Context(), id, input)
	if err != nil {
		if errors.Is(err, service.ErrPlanNotFound) {
			http.Error(w, "plan not found", http.StatusNotFound)
			return
		}
		s.badRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.deps.Plans.Delete(r.Context(), id); err != nil {
		s.badRequest(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleYooKassaWebhook is the public endpoint for YooKassa payment status
// updates. A succeeded payment upgrades the payer to premium.
func (s *Server) handleYooKassaWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	if err := s.deps.Payments.HandleYooKassaWebhook(r.Context(), body, s.now()); err != nil {
		s.log.Error("yookassa webhook", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="finbot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// decode reads a JSON body into v and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": fields})
			return false
		}
		s.badRequest(w, err)
		return false
	}
	return true
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, "user not found", http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidDuration):
		s.badRequest(w, err)
	case errors.Is(err, service.ErrStoreUnavailable):
		s.log.Error("admin handler store error", "err", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}

type planRequest struct {
	Title           string `json:"title" validate:"required,max=255"`
	Description     string `json:"description" validate:"max=1024"`
	Currency        string `json:"currency" validate:"omitempty,len=3"`
	PriceMinorUnits int    `json:"price_minor_units" validate:"required,gt=0"`
	DurationMonths  int    `json:"duration_months" validate:"omitempty,min=1,max=120"`
	IsActive        *bool  `json:"is_active"`
}

type planUpdateRequest struct {
	Title           *string `json:"title" validate:"omitempty,max=255"`
	Description     *string `json:"description" validate:"omitempty,max=1024"`
	Currency        *string `json:"currency" validate:"omitempty,len=3"`
	PriceMinorUnits *int    `json:"price_minor_units" validate:"omitempty,gt=0"`
	DurationMonths  *int    `json:"duration_months" validate:"omitempty,min=1,max=120"`
	IsActive        *bool   `json:"is_active"`
}
