// Package http carries the admin surface: alarms, ranges, readings queries,
// subscriptions and ad-hoc alert publishing.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	alarms "citysense-cloud/internal/alarms/domain"
	"citysense-cloud/internal/observability/metrics"
	rangecache "citysense-cloud/internal/ranges/cache"
	ranges "citysense-cloud/internal/ranges/domain"
	subscriptions "citysense-cloud/internal/subscriptions/domain"
	telemetry "citysense-cloud/internal/telemetry/domain"
)

// AlarmLister serves alarm episodes.
type AlarmLister interface {
	List(ctx context.Context, filter alarms.ListFilter) ([]alarms.Alarm, error)
}

// SubscriptionManager drives live subscriptions.
type SubscriptionManager interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) (bool, error)
}

// AlertSender publishes ad-hoc alerts.
type AlertSender interface {
	PublishText(ctx context.Context, topic, message string) error
	PublishTo(topic, message string) error
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// clientError reports whether err belongs to the caller rather than the
// server.
func clientError(err error) bool {
	return errors.Is(err, telemetry.ErrInvalidColumn) ||
		errors.Is(err, telemetry.ErrUnsupportedOperator) ||
		errors.Is(err, telemetry.ErrInvalidTimestampFormat)
}

// AlarmsHandler serves GET /admin/alarms.
type AlarmsHandler struct {
	service AlarmLister
}

// NewAlarmsHandler constructs the handler.
func NewAlarmsHandler(service AlarmLister) (*AlarmsHandler, error) {
	if service == nil {
		return nil, errors.New("alarms handler: nil service")
	}
	return &AlarmsHandler{service: service}, nil
}

func (h *AlarmsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	filter := alarms.ListFilter{Parameter: query.Get("parameter")}
	if sensorID := query.Get("sensor_id"); sensorID != "" {
		filter.SensorID = &sensorID
	}
	if raw := query.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid active flag")
			return
		}
		filter.Active = &active
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	list, err := h.service.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "alarm listing failed")
		return
	}
	if list == nil {
		list = []alarms.Alarm{}
	}
	writeJSON(w, http.StatusOK, list)
}

// RangesHandler serves GET and POST /admin/ranges. Writes go through the
// cache so the new bounds are visible to the alarm engine immediately.
type RangesHandler struct {
	cache *rangecache.Cache
}

// NewRangesHandler constructs the handler.
func NewRangesHandler(cache *rangecache.Cache) (*RangesHandler, error) {
	if cache == nil {
		return nil, errors.New("ranges handler: nil cache")
	}
	return &RangesHandler{cache: cache}, nil
}

func (h *RangesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := h.cache.List(r.Context())
		if list == nil {
			list = []ranges.ParameterRange{}
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var rng ranges.ParameterRange
		if err := json.NewDecoder(r.Body).Decode(&rng); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if rng.Parameter == "" {
			writeError(w, http.StatusBadRequest, "missing parameter name")
			return
		}
		if !telemetry.ColumnAllowed(rng.Parameter) {
			writeError(w, http.StatusBadRequest, "unknown parameter")
			return
		}
		if err := h.cache.Update(r.Context(), rng); err != nil {
			writeError(w, http.StatusInternalServerError, "range update failed")
			return
		}
		writeJSON(w, http.StatusOK, rng)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ReadingsHandler serves GET /admin/readings.
type ReadingsHandler struct {
	query telemetry.ReadingQuery
}

// NewReadingsHandler constructs the handler.
func NewReadingsHandler(query telemetry.ReadingQuery) (*ReadingsHandler, error) {
	if query == nil {
		return nil, errors.New("readings handler: nil query")
	}
	return &ReadingsHandler{query: query}, nil
}

func (h *ReadingsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	params, err := parseReadingQuery(r.URL.Query())
	if err != nil {
		metrics.IncQuery("client_error")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := h.query.Query(r.Context(), params)
	if err != nil {
		if clientError(err) {
			metrics.IncQuery("client_error")
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		metrics.IncQuery("error")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	metrics.IncQuery("success")
	if rows == nil {
		rows = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// parseReadingQuery maps URL parameters onto query params, enforcing the
// strict timestamp wire format on start/end.
func parseReadingQuery(values url.Values) (telemetry.QueryParams, error) {
	params := telemetry.QueryParams{
		Filter:   values.Get("filter"),
		Operator: values.Get("op"),
		Value:    values.Get("value"),
		SortBy:   values.Get("sortBy"),
		Order:    values.Get("order"),
	}
	if raw := values.Get("start"); raw != "" {
		ts, err := telemetry.ParseQueryTimestamp(raw)
		if err != nil {
			return telemetry.QueryParams{}, err
		}
		params.Start = &ts
	}
	if raw := values.Get("end"); raw != "" {
		ts, err := telemetry.ParseQueryTimestamp(raw)
		if err != nil {
			return telemetry.QueryParams{}, err
		}
		params.End = &ts
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return telemetry.QueryParams{}, errors.New("invalid limit")
		}
		params.Limit = limit
	}
	if raw := values.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return telemetry.QueryParams{}, errors.New("invalid offset")
		}
		params.Offset = offset
	}
	return params, nil
}

// SubscriptionsHandler serves GET, POST and DELETE /admin/subscriptions.
type SubscriptionsHandler struct {
	repo    subscriptions.Repository
	manager SubscriptionManager
}

// NewSubscriptionsHandler constructs the handler.
func NewSubscriptionsHandler(repo subscriptions.Repository, manager SubscriptionManager) (*SubscriptionsHandler, error) {
	if repo == nil {
		return nil, errors.New("subscriptions handler: nil repository")
	}
	if manager == nil {
		return nil, errors.New("subscriptions handler: nil manager")
	}
	return &SubscriptionsHandler{repo: repo, manager: manager}, nil
}

type subscriptionRequest struct {
	Topic string `json:"topic"`
}

func (h *SubscriptionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := h.repo.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "subscription listing failed")
			return
		}
		if list == nil {
			list = []subscriptions.Subscription{}
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req subscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
			writeError(w, http.StatusBadRequest, "missing topic")
			return
		}
		if err := h.manager.Subscribe(r.Context(), req.Topic); err != nil {
			writeError(w, http.StatusInternalServerError, "subscribe failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"topic": req.Topic, "status": "subscribed"})
	case http.MethodDelete:
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			var req subscriptionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
				topic = req.Topic
			}
		}
		if topic == "" {
			writeError(w, http.StatusBadRequest, "missing topic")
			return
		}
		existed, err := h.manager.Unsubscribe(r.Context(), topic)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "unsubscribe failed")
			return
		}
		if !existed {
			writeError(w, http.StatusNotFound, "unknown subscription")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"topic": topic, "status": "unsubscribed"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// AlertsHandler serves POST /admin/alerts: an ad-hoc alert aimed either at
// an explicit topic or at a known subscription's alert topic.
type AlertsHandler struct {
	sender AlertSender
}

// NewAlertsHandler constructs the handler.
func NewAlertsHandler(sender AlertSender) (*AlertsHandler, error) {
	if sender == nil {
		return nil, errors.New("alerts handler: nil sender")
	}
	return &AlertsHandler{sender: sender}, nil
}

type publishAlertRequest struct {
	Topic        string `json:"topic"`
	Subscription string `json:"subscription"`
	Message      string `json:"message"`
}

func (h *AlertsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req publishAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "missing message")
		return
	}
	switch {
	case req.Topic != "":
		if err := h.sender.PublishTo(req.Topic, req.Message); err != nil {
			writeError(w, http.StatusBadGateway, "publish failed")
			return
		}
	case req.Subscription != "":
		if err := h.sender.PublishText(r.Context(), req.Subscription, req.Message); err != nil {
			writeError(w, http.StatusBadGateway, "publish failed")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "missing topic or subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}
