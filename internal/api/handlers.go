package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"lendindexer/internal/numeric"
	"lendindexer/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func limitFromQuery(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list markets failed")
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	market, ok, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get market failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "market not found")
		return
	}
	writeJSON(w, http.StatusOK, market)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	rows, err := s.store.ListTransactions(r.Context(), marketID, limitFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list transactions failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	rows, err := s.store.ListMarketSnapshots(r.Context(), marketID, limitFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list snapshots failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) listAccrualEvents(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	rows, err := s.store.ListAccrualEvents(r.Context(), marketID, limitFromQuery(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list accrual events failed")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// positionView adds the read-time health_factor projection to a stored
// position.
type positionView struct {
	store.UserPosition
	HealthFactor *string `json:"health_factor"`
}

func withHealthFactor(market *store.Market, pos store.UserPosition) positionView {
	view := positionView{UserPosition: pos}
	debt := market.BorrowIndex.MulAmount(pos.DebtScaled)
	if hf, ok := numeric.HealthFactor(pos.Collateral, debt, market.LiquidationThreshold); ok {
		s := hf.String()
		view.HealthFactor = &s
	}
	return view
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	userAddress := chi.URLParam(r, "userAddress")

	market, ok, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get market failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "market not found")
		return
	}
	pos, ok, err := s.store.GetPosition(r.Context(), marketID, userAddress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get position failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, withHealthFactor(market, *pos))
}

func (s *Server) listPositionsByUser(w http.ResponseWriter, r *http.Request) {
	userAddress := r.URL.Query().Get("user")
	if userAddress == "" {
		writeError(w, http.StatusBadRequest, "user query parameter required")
		return
	}
	positions, err := s.store.ListPositionsByUser(r.Context(), userAddress)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list positions failed")
		return
	}

	marketCache := make(map[string]*store.Market, len(positions))
	views := make([]positionView, 0, len(positions))
	for _, pos := range positions {
		market, ok := marketCache[pos.MarketID]
		if !ok {
			loaded, found, err := s.store.GetMarket(r.Context(), pos.MarketID)
			if err != nil || !found {
				continue
			}
			market = loaded
			marketCache[pos.MarketID] = market
		}
		views = append(views, withHealthFactor(market, pos))
	}
	writeJSON(w, http.StatusOK, views)
}

// listLiquidatablePositions implements spec §6's "positions that are
// liquidatable" query as a read-time filter: health_factor < 1.
func (s *Server) listLiquidatablePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListAllPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list positions failed")
		return
	}

	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list markets failed")
		return
	}
	byID := make(map[string]*store.Market, len(markets))
	for i := range markets {
		byID[markets[i].ID] = &markets[i]
	}

	one := numeric.One()
	views := make([]positionView, 0)
	for _, pos := range positions {
		market, ok := byID[pos.MarketID]
		if !ok {
			continue
		}
		view := withHealthFactor(market, pos)
		if view.HealthFactor == nil {
			continue
		}
		hf, err := numeric.ParseRatio(*view.HealthFactor)
		if err != nil || hf.GreaterThanOrEqual(one) {
			continue
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}
