package server

import (
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"

	"github.com/quantora/candle-ingest/internal/logger"
	"github.com/quantora/candle-ingest/internal/model"
	"github.com/quantora/candle-ingest/internal/reconcile"
	"github.com/quantora/candle-ingest/internal/store"
)

// Handler serves the external read contract: ordered range scans over the
// persisted series. The trailing candle may be non-final; callers must
// check isFinal before treating the latest bucket as settled.
type Handler struct {
	store      store.Store
	reconciler *reconcile.Reconciler
	logger     logger.Logger
}

func NewHandler(st store.Store, reconciler *reconcile.Reconciler, logger logger.Logger) http.Handler {
	h := &Handler{
		store:      st,
		reconciler: reconciler,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /candles", h.candles)
	mux.HandleFunc("GET /frontier", h.frontier)
	mux.HandleFunc("GET /gaps", h.gaps)
	mux.HandleFunc("GET /healthz", h.healthz)
	return mux
}

func (h *Handler) candles(w http.ResponseWriter, r *http.Request) {
	symbol, interval, ok := h.seriesParams(w, r)
	if !ok {
		return
	}

	start, err := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	if err != nil {
		http.Error(w, "invalid start", http.StatusBadRequest)
		return
	}
	end, err := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
	if err != nil {
		http.Error(w, "invalid end", http.StatusBadRequest)
		return
	}

	candles, err := h.store.RangeScan(r.Context(), symbol, interval, start, end)
	if err != nil {
		h.logger.Errorf("range scan for api: %s", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, candles)
}

func (h *Handler) frontier(w http.ResponseWriter, r *http.Request) {
	symbol, interval, ok := h.seriesParams(w, r)
	if !ok {
		return
	}

	frontier, err := h.store.Frontier(r.Context(), symbol, interval)
	if err != nil {
		h.logger.Errorf("frontier for api: %s", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, frontier)
}

func (h *Handler) gaps(w http.ResponseWriter, _ *http.Request) {
	type gap struct {
		Symbol   string         `json:"symbol"`
		Interval model.Interval `json:"interval"`
		From     int64          `json:"from"`
		To       int64          `json:"to"`
	}

	unresolved := h.reconciler.Unresolved()
	out := make([]gap, 0, len(unresolved))
	for _, g := range unresolved {
		out = append(out, gap{Symbol: g.Symbol, Interval: g.Interval, From: g.From, To: g.To})
	}

	h.writeJSON(w, out)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) seriesParams(w http.ResponseWriter, r *http.Request) (string, model.Interval, bool) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return "", "", false
	}

	interval, err := model.ParseInterval(r.URL.Query().Get("interval"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}

	return symbol, interval, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		h.logger.Errorf("marshal api response: %s", err)
		http.Error(w, "encoding error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
