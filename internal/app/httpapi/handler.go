// Package httpapi exposes the operational HTTP surface: health, metrics,
// job supervision, price history queries and subscription management.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/pricewatch/internal/app/domain/pricehistory"
	"github.com/R3E-Network/pricewatch/internal/app/metrics"
	"github.com/R3E-Network/pricewatch/internal/app/services/orchestrator"
	"github.com/R3E-Network/pricewatch/internal/app/services/prices"
	"github.com/R3E-Network/pricewatch/internal/app/storage"
	"github.com/R3E-Network/pricewatch/internal/httputil"
	"github.com/R3E-Network/pricewatch/internal/middleware"
	"github.com/R3E-Network/pricewatch/pkg/logger"
)

const (
	defaultHistoryDays = 30
	maxHistoryDays     = 3650
	healthTimeout      = 2 * time.Second
)

// Jobs is the job supervision surface of the orchestrator.
type Jobs interface {
	Status() []orchestrator.JobStatus
	TriggerJob(name string) error
	Leading() bool
}

// PriceReader returns the current, possibly cached, quote for an item.
type PriceReader interface {
	Get(ctx context.Context, itemID int64, region string) (prices.Quote, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators served over HTTP.
type Deps struct {
	Store            storage.Store
	Prices           PriceReader
	Jobs             Jobs
	Coordinator      Pinger
	InstanceID       string
	Region           string
	DefaultThreshold int
	Limiter          *middleware.RateLimiter
}

type handler struct {
	deps Deps
	log  *logger.Logger
}

// NewHandler returns a router exposing the ops API.
func NewHandler(deps Deps, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if deps.Region == "" {
		deps.Region = "us"
	}
	h := &handler{deps: deps, log: log}

	router := mux.NewRouter()
	router.Use(middleware.RecoverMiddleware(log), middleware.LoggingMiddleware(log))
	if deps.Limiter != nil {
		router.Use(deps.Limiter.Handler)
	}

	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{name}/run", h.runJob).Methods(http.MethodPost)

	items := router.PathPrefix("/items/{id:[0-9]+}").Subrouter()
	items.HandleFunc("/history", h.itemHistory).Methods(http.MethodGet)
	items.HandleFunc("/stats", h.itemStats).Methods(http.MethodGet)
	items.HandleFunc("/price", h.itemPrice).Methods(http.MethodGet)

	router.HandleFunc("/subscriptions", h.listSubscriptions).Methods(http.MethodGet)
	router.HandleFunc("/subscriptions", h.upsertSubscription).Methods(http.MethodPut)
	router.HandleFunc("/subscriptions", h.deleteSubscription).Methods(http.MethodDelete)

	return metrics.InstrumentHandler(router)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			return
		}
		checks[name] = "ok"
	}
	check("database", h.deps.Store)
	check("coordination", h.deps.Coordinator)

	body := map[string]any{
		"status":      "ok",
		"checks":      checks,
		"instance_id": h.deps.InstanceID,
	}
	if h.deps.Jobs != nil {
		body["leader"] = h.deps.Jobs.Leading()
	}
	status := http.StatusOK
	if !healthy {
		body["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, body)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		httputil.WriteJSON(w, http.StatusOK, []orchestrator.JobStatus{})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.deps.Jobs.Status())
}

func (h *handler) runJob(w http.ResponseWriter, r *http.Request) {
	if h.deps.Jobs == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	name := mux.Vars(r)["name"]
	switch err := h.deps.Jobs.TriggerJob(name); {
	case errors.Is(err, orchestrator.ErrUnknownJob):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, orchestrator.ErrJobRunning):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.log.WithError(err).WithField("job", name).Error("trigger job failed")
		httputil.InternalError(w, "trigger failed")
	default:
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "triggered"})
	}
}

func (h *handler) itemHistory(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemIDFrom(w, r)
	if !ok {
		return
	}
	days := defaultHistoryDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryDays {
			httputil.BadRequest(w, "days must be between 1 and 3650")
			return
		}
		days = n
	}

	history, err := h.deps.Store.GetHistory(r.Context(), itemID, h.region(r), days)
	if err != nil {
		h.log.WithError(err).WithField("item_id", itemID).Error("get history failed")
		httputil.InternalError(w, "history unavailable")
		return
	}
	if history == nil {
		history = []pricehistory.Snapshot{}
	}
	httputil.WriteJSON(w, http.StatusOK, history)
}

func (h *handler) itemStats(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemIDFrom(w, r)
	if !ok {
		return
	}
	stats, err := h.deps.Store.GetDiscountStats(r.Context(), itemID)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, "no history for item")
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("item_id", itemID).Error("get stats failed")
		httputil.InternalError(w, "stats unavailable")
		return
	}

	resp := struct {
		pricehistory.Stats
		Best *pricehistory.BestDiscount `json:"best_discount,omitempty"`
	}{Stats: stats}
	if best, err := h.deps.Store.BestDiscountEver(r.Context(), itemID); err == nil {
		resp.Best = &best
	} else if !errors.Is(err, storage.ErrNotFound) {
		h.log.WithError(err).WithField("item_id", itemID).Warn("best discount lookup failed")
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *handler) itemPrice(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemIDFrom(w, r)
	if !ok {
		return
	}
	if h.deps.Prices == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "price source not configured")
		return
	}
	quote, err := h.deps.Prices.Get(r.Context(), itemID, h.region(r))
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, quote)
	case errors.Is(err, prices.ErrTerminal):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, httputil.ErrRateLimited):
		var cooldown *httputil.CooldownError
		if errors.As(err, &cooldown) {
			if secs := int(time.Until(cooldown.Until).Seconds()) + 1; secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
		httputil.WriteError(w, http.StatusTooManyRequests, "price source rate limited")
	default:
		h.log.WithError(err).WithField("item_id", itemID).Warn("price lookup failed")
		httputil.WriteError(w, http.StatusBadGateway, "price source unavailable")
	}
}

type subscriptionRequest struct {
	SubscriberID    string `json:"subscriber_id"`
	TenantID        string `json:"tenant_id"`
	ItemID          int64  `json:"item_id"`
	ItemName        string `json:"item_name"`
	NotifyThreshold *int   `json:"notify_threshold_percent"`
}

func (req subscriptionRequest) key() pricehistory.SubscriptionKey {
	return pricehistory.SubscriptionKey{
		SubscriberID: strings.TrimSpace(req.SubscriberID),
		ItemID:       req.ItemID,
		TenantID:     strings.TrimSpace(req.TenantID),
	}
}

func (h *handler) upsertSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	threshold := h.deps.DefaultThreshold
	if req.NotifyThreshold != nil {
		threshold = *req.NotifyThreshold
	}
	sub := pricehistory.Subscription{
		SubscriptionKey: req.key(),
		ItemName:        strings.TrimSpace(req.ItemName),
		NotifyThreshold: threshold,
	}
	if err := sub.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	saved, err := h.deps.Store.UpsertSubscription(r.Context(), sub)
	if err != nil {
		h.log.WithError(err).WithField("subscriber_id", sub.SubscriberID).Error("upsert subscription failed")
		httputil.InternalError(w, "subscription not saved")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, saved)
}

func (h *handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemID, err := strconv.ParseInt(q.Get("item_id"), 10, 64)
	if err != nil || itemID <= 0 {
		httputil.BadRequest(w, "item_id must be a positive integer")
		return
	}
	key := subscriptionRequest{
		SubscriberID: q.Get("subscriber_id"),
		TenantID:     q.Get("tenant_id"),
		ItemID:       itemID,
	}.key()
	if key.SubscriberID == "" {
		httputil.BadRequest(w, "subscriber_id is required")
		return
	}

	removed, err := h.deps.Store.DeactivateSubscription(r.Context(), key)
	if err != nil {
		h.log.WithError(err).WithField("subscriber_id", key.SubscriberID).Error("deactivate subscription failed")
		httputil.InternalError(w, "subscription not removed")
		return
	}
	if !removed {
		httputil.NotFound(w, "no active subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subscriber := strings.TrimSpace(q.Get("subscriber_id"))
	if subscriber == "" {
		httputil.BadRequest(w, "subscriber_id is required")
		return
	}
	subs, err := h.deps.Store.ListSubscriptions(r.Context(), subscriber, strings.TrimSpace(q.Get("tenant_id")))
	if err != nil {
		h.log.WithError(err).WithField("subscriber_id", subscriber).Error("list subscriptions failed")
		httputil.InternalError(w, "subscriptions unavailable")
		return
	}
	if subs == nil {
		subs = []pricehistory.Subscription{}
	}
	httputil.WriteJSON(w, http.StatusOK, subs)
}

func (h *handler) region(r *http.Request) string {
	if region := strings.TrimSpace(r.URL.Query().Get("region")); region != "" {
		return strings.ToLower(region)
	}
	return h.deps.Region
}

func itemIDFrom(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid item id")
		return 0, false
	}
	return id, true
}
