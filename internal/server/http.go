package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"BatchLedger/internal/core"
	"BatchLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const maxBodyBytes = 1 << 20

type route struct {
	method  string
	pattern string
	handle  func(r *http.Request, params map[string]string) (any, error)
}

// HTTPHandler builds the HTTP/JSON API. Routes call the same services as
// the gRPC handlers in process, so both transports share one error mapping.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []route{
		{"GET", "/v1/accounts/{account}/balances/{asset}", s.httpBalance},
		{"GET", "/v1/accounts/{account}/positions/{product}", s.httpPosition},
		{"GET", "/v1/accounts/{account}/signers/{signer}", s.httpSigner},
		{"GET", "/v1/accounts/{account}/journals", s.httpJournals},
		{"GET", "/v1/assets/{asset}/totals", s.httpAssetTotals},
		{"GET", "/v1/fees/alt-quote", s.httpAltFee},
		{"GET", "/v1/status", s.httpStatus},
		{"GET", "/v1/admin/integrity", s.httpIntegrity},
		{"POST", "/v1/batches", s.authenticated(core.CommandBatch)},
		{"POST", "/v1/deposits", s.authenticated(core.CommandDeposit)},
		{"POST", "/v1/commands/{kind}", s.authenticated("")},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.serve(rt.handle)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (s *GRPCServer) serve(handle func(r *http.Request, params map[string]string) (any, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		resp, err := handle(r, params)
		if err != nil {
			st := toStatus(err)
			status := runtime.HTTPStatusFromCode(st.Code())
			if status >= http.StatusInternalServerError {
				s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
			}
			writeJSON(w, status, map[string]any{
				"code":    st.Code().String(),
				"message": st.Message(),
			})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// authenticated submits the request body as a command of kind. An empty
// kind is taken from the {kind} path parameter.
func (s *GRPCServer) authenticated(kind core.CommandKind) func(r *http.Request, params map[string]string) (any, error) {
	return func(r *http.Request, params map[string]string) (any, error) {
		caller, err := s.auth.authenticate(r.Header.Get("Authorization"))
		if err != nil {
			return nil, err
		}
		k := kind
		if k == "" {
			k = core.CommandKind(params["kind"])
		}
		body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", query.ErrInvalidArgument, err)
		}
		return s.ingest.Submit(r.Context(), k, caller, body)
	}
}

func (s *GRPCServer) httpBalance(r *http.Request, p map[string]string) (any, error) {
	account, asset, err := parseAddressPair("account", p["account"], "asset", p["asset"])
	if err != nil {
		return nil, err
	}
	return s.queries.GetBalance(r.Context(), account, asset)
}

func (s *GRPCServer) httpPosition(r *http.Request, p map[string]string) (any, error) {
	account, err := parseAddress("account", p["account"])
	if err != nil {
		return nil, err
	}
	product, err := strconv.ParseUint(p["product"], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: product %q", query.ErrInvalidArgument, p["product"])
	}
	return s.queries.GetPosition(r.Context(), account, uint8(product))
}

func (s *GRPCServer) httpSigner(r *http.Request, p map[string]string) (any, error) {
	account, signer, err := parseAddressPair("account", p["account"], "signer", p["signer"])
	if err != nil {
		return nil, err
	}
	return s.queries.GetSigner(r.Context(), account, signer)
}

func (s *GRPCServer) httpJournals(r *http.Request, p map[string]string) (any, error) {
	account, err := parseAddress("account", p["account"])
	if err != nil {
		return nil, err
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("%w: limit %q", query.ErrInvalidArgument, v)
		}
	}
	var before *int64
	if v := q.Get("before_sequence"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: before_sequence %q", query.ErrInvalidArgument, v)
		}
		before = &seq
	}
	entries, err := s.queries.GetJournalHistory(r.Context(), account, limit, before)
	if err != nil {
		return nil, err
	}
	return &JournalResponse{Entries: entries}, nil
}

func (s *GRPCServer) httpAssetTotals(r *http.Request, p map[string]string) (any, error) {
	asset, err := parseAddress("asset", p["asset"])
	if err != nil {
		return nil, err
	}
	return s.queries.GetAssetTotals(r.Context(), asset)
}

func (s *GRPCServer) httpAltFee(r *http.Request, _ map[string]string) (any, error) {
	return s.queries.QuoteAltFee(r.Context(), r.URL.Query().Get("amount"))
}

func (s *GRPCServer) httpStatus(r *http.Request, _ map[string]string) (any, error) {
	return s.queries.GetStatus(r.Context())
}

func (s *GRPCServer) httpIntegrity(r *http.Request, _ map[string]string) (any, error) {
	return s.queries.VerifyIntegrity(r.Context())
}
