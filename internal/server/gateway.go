package server

import (
	"PerpSettle/internal/api"
	"PerpSettle/internal/errs"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// HTTP headers carrying caller credentials.
const (
	HeaderCallerID    = "X-Caller-Id"
	HeaderCallerToken = "X-Caller-Token"
)

const maxBodyBytes = 1 << 20

// ErrorBody is the JSON body of a failed HTTP call.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind"`
}

// NewGateway serves the settlement API as HTTP/JSON on a grpc-gateway mux. Handlers call svc
// in process, with caller headers mapped to the same metadata the gRPC transport reads.
func NewGateway(svc *Service) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"POST", "/v1/commands/{command_type}", svc.handleCommand},
		{"GET", "/v1/collaterals", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			resp, err := svc.GetConfiguredCollaterals(r.Context(), &api.Empty{})
			writeResult(w, resp, err)
		}},
		{"GET", "/v1/markets/{market_id}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := svc.GetMarketConfiguration(r.Context(), &api.MarketRequest{MarketID: p["market_id"]})
			writeResult(w, resp, err)
		}},
		{"GET", "/v1/accounts/{account_id}/markets/{market_id}/notional", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := svc.GetNotionalValue(r.Context(), accountMarket(p))
			writeResult(w, resp, err)
		}},
		{"GET", "/v1/accounts/{account_id}/markets/{market_id}/margin", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := svc.GetMarginSummary(r.Context(), accountMarket(p))
			writeResult(w, resp, err)
		}},
		{"GET", "/v1/accounts/{account_id}/markets/{market_id}/order", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := svc.GetPendingOrder(r.Context(), accountMarket(p))
			writeResult(w, resp, err)
		}},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func (s *Service) handleCommand(w http.ResponseWriter, r *http.Request, p map[string]string) {
	commandType := p["command_type"]
	req, err := api.NewRequest(commandType)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: read body: %v", errs.ErrInvalidRequest, err))
		return
	}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, fmt.Errorf("%w: decode %s: %v", errs.ErrInvalidRequest, commandType, err))
		return
	}

	resp, err := s.Execute(withCallerHeaders(r), commandType, req)
	writeResult(w, resp, err)
}

// withCallerHeaders exposes the HTTP credential headers as incoming gRPC metadata.
func withCallerHeaders(r *http.Request) context.Context {
	md := metadata.Pairs(
		MetadataCallerID, r.Header.Get(HeaderCallerID),
		MetadataCallerToken, r.Header.Get(HeaderCallerToken),
	)
	return metadata.NewIncomingContext(r.Context(), md)
}

func accountMarket(p map[string]string) *api.AccountMarketRequest {
	return &api.AccountMarketRequest{AccountID: p["account_id"], MarketID: p["market_id"]}
}

func writeResult(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, runtime.HTTPStatusFromCode(StatusCode(err)), ErrorBody{
		Error: err.Error(),
		Code:  errs.Code(err),
		Kind:  errs.KindOf(err).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
