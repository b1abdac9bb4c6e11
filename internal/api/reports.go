package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"A2A-PayGate/internal/payment"
)

// revenueResponse 中的金额均为最小单位的十进制字符串。
type revenueResponse struct {
	Route   string            `json:"route,omitempty"`
	Total   string            `json:"total"`
	ByRoute map[string]string `json:"byRoute,omitempty"`
}

type healthResponse struct {
	Status  string   `json:"status"`
	DevMode bool     `json:"devMode"`
	Skills  []string `json:"skills"`
	Routes  int      `json:"routes"`
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	var (
		receipts []payment.Receipt
		err      error
	)
	if route := strings.TrimSpace(r.URL.Query().Get("route")); route != "" {
		receipts, err = s.deps.Ledger.ByRoute(r.Context(), route)
	} else {
		receipts, err = s.deps.Ledger.List(r.Context())
	}
	if err != nil {
		s.internalError(w, "查询收据失败", err)
		return
	}
	sort.Slice(receipts, func(i, j int) bool {
		return receipts[i].Timestamp.After(receipts[j].Timestamp)
	})
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit < len(receipts) {
			receipts = receipts[:limit]
		}
	}
	if receipts == nil {
		receipts = []payment.Receipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.deps.Ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, payment.ErrReceiptNotFound) {
			http.Error(w, "收据不存在", http.StatusNotFound)
			return
		}
		s.internalError(w, "查询收据失败", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleRevenue(w http.ResponseWriter, r *http.Request) {
	if route := strings.TrimSpace(r.URL.Query().Get("route")); route != "" {
		total, err := s.deps.Ledger.RevenueByRoute(r.Context(), route)
		if err != nil {
			s.internalError(w, "统计收入失败", err)
			return
		}
		writeJSON(w, http.StatusOK, revenueResponse{Route: payment.NormalizeRoute(route), Total: total.String()})
		return
	}

	total, err := s.deps.Ledger.TotalRevenue(r.Context())
	if err != nil {
		s.internalError(w, "统计收入失败", err)
		return
	}
	breakdown, err := s.deps.Ledger.RevenueBreakdown(r.Context())
	if err != nil {
		s.internalError(w, "统计收入失败", err)
		return
	}
	resp := revenueResponse{Total: total.String(), ByRoute: make(map[string]string, len(breakdown))}
	for route, amount := range breakdown {
		resp.ByRoute[route] = amount.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Manager.Stats(r.Context())
	if err != nil {
		s.internalError(w, "统计任务失败", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pricing.Routes())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		DevMode: s.deps.Gate != nil && s.deps.Gate.DevMode(),
		Skills:  s.deps.Registry.Skills(),
		Routes:  len(s.deps.Pricing.Routes()),
	})
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, slog.Any("error", err))
	http.Error(w, msg, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
