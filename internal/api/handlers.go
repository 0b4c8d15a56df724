package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/pulsestack/pulse-apm/internal/agent"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/storage"
)

type handlers struct {
	logger *slog.Logger
	agent  *agent.Agent
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("response encoding failed", slog.Any("error", err))
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	snap := h.agent.Correlations().Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"timestamp":       time.Now().UTC(),
		"activeTraces":    snap.ActiveTraces,
		"completedTraces": snap.CompletedTraces,
	})
}

func (h *handlers) listCircuits(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.agent.Circuits().AllStats())
}

func (h *handlers) circuitAction(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	action := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

	var ok bool
	switch action {
	case "reset":
		ok = h.agent.Circuits().Reset(name)
	case "force-open":
		ok = h.agent.Circuits().ForceOpen(name)
	case "force-close":
		ok = h.agent.Circuits().ForceClose(name)
	default:
		h.writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown circuit "+name)
		return
	}
	stats, _ := h.agent.Circuits().Stats(name)
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if r.URL.Query().Get("unacknowledged") == "true" {
		h.writeJSON(w, http.StatusOK, h.agent.Alerts().Unacknowledged())
		return
	}
	h.writeJSON(w, http.StatusOK, h.agent.Alerts().Recent(limit))
}

func (h *handlers) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.agent.Alerts().Acknowledge(id) {
		h.writeError(w, http.StatusNotFound, "unknown alert "+id)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"acknowledged": id})
}

func (h *handlers) listExceptionGroups(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.agent.ExceptionWatcher().Groups())
}

type resolveRequest struct {
	ResolvedBy string `json:"resolvedBy"`
	Notes      string `json:"notes"`
}

func (h *handlers) resolveExceptionGroup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !h.agent.ExceptionWatcher().ResolveGroup(id, req.ResolvedBy, req.Notes) {
		h.writeError(w, http.StatusNotFound, "unknown exception group "+id)
		return
	}
	group, _ := h.agent.ExceptionWatcher().Group(id)
	h.writeJSON(w, http.StatusOK, group)
}

func (h *handlers) listCorrelations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	h.writeJSON(w, http.StatusOK, h.agent.Correlations().History(limit))
}

func (h *handlers) getCorrelation(w http.ResponseWriter, r *http.Request) {
	traceID := mux.Vars(r)["traceId"]
	cc, ok := h.agent.Correlations().Context(traceID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown trace "+traceID)
		return
	}
	h.writeJSON(w, http.StatusOK, cc)
}

func (h *handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	filter := storage.Filter{
		Tag:    r.URL.Query().Get("tag"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if typ := r.URL.Query().Get("type"); typ != "" {
		filter.Types = []models.WatcherType{models.WatcherType(typ)}
	}

	result, err := h.agent.Store().Find(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *handlers) analyticsOverview(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.agent.Analytics().Overview())
}

func (h *handlers) analyticsTrends(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.agent.Analytics().Trends())
}

func (h *handlers) analyticsDistribution(w http.ResponseWriter, r *http.Request) {
	typ := models.WatcherType(mux.Vars(r)["type"])
	switch typ {
	case models.WatcherRequest, models.WatcherQuery, models.WatcherCache, models.WatcherJob, models.WatcherException:
	default:
		h.writeError(w, http.StatusBadRequest, "unknown watcher type")
		return
	}
	h.writeJSON(w, http.StatusOK, h.agent.Analytics().Distribution(r.Context(), typ))
}

func (h *handlers) watcherMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"requests":   h.agent.RequestWatcher().Metrics(),
		"cache":      h.agent.CacheWatcher().Metrics(),
		"jobs":       h.agent.JobWatcher().Metrics(),
		"exceptions": h.agent.ExceptionWatcher().Metrics(),
	})
}

func (h *handlers) topFailedJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.agent.JobWatcher().TopFailed(queryInt(r, "limit", 10)))
}

func (h *handlers) topSlowJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.agent.JobWatcher().TopSlow(queryInt(r, "limit", 10)))
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
