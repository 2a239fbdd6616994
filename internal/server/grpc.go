package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"BatchLedger/internal/core"
	"BatchLedger/internal/ingestion"
	"BatchLedger/internal/observability"
	"BatchLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	ingestServiceName = "batchledger.v1.IngestService"
	queryServiceName  = "batchledger.v1.QueryService"
)

// GRPCServer serves the ingest and query services over gRPC and the same
// handlers as HTTP/JSON through a grpc-gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	healthServer  *health.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker

	queries *query.QueryService
	ingest  *ingestion.GRPCIngestService
	auth    authenticator
	log     zerolog.Logger
}

// ServerDeps holds the services exposed by the server.
type ServerDeps struct {
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	HealthChecker *observability.HealthChecker
	// Callers maps API bearer tokens to the caller address they act as.
	// Every ingest call must present one.
	Callers map[string]common.Address
	Logger  zerolog.Logger
}

func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		queries:       deps.QueryService,
		ingest:        deps.IngestService,
		auth:          newAuthenticator(deps.Callers),
		log:           deps.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.auth.unaryInterceptor))
	s.grpcServer.RegisterService(&ingestServiceDesc, &ingestServer{svc: deps.IngestService})
	s.grpcServer.RegisterService(&queryServiceDesc, &queryServer{qs: deps.QueryService})

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(s.grpcServer)
	return s
}

// SetServing flips the gRPC health status, mirroring readiness.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ingestServiceName, st)
	s.healthServer.SetServingStatus(queryServiceName, st)
}

// StartGRPC listens on the configured address and serves until ctx is done.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.Serve(ctx, lis)
}

// Serve serves gRPC on lis until ctx is done, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON API and health probes until ctx is done.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Wire codec
// ============================================================================

// jsonCodec lets gRPC clients call the services with JSON bodies by
// selecting the "json" content subtype.
type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// unary adapts a typed handler to a grpc.MethodDesc.
func unary[S any, Req any](service, method string, call func(srv S, ctx context.Context, req *Req) (any, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, r any) (any, error) {
				resp, err := call(srv.(S), ctx, r.(*Req))
				if err != nil {
					return nil, toStatus(err).Err()
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

// ============================================================================
// IngestService
// ============================================================================

// SubmitRequest carries a command payload in its JSON wire form.
type SubmitRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type ingestServer struct {
	svc *ingestion.GRPCIngestService
}

// ingestHandler is the handler type registered for the ingest service.
type ingestHandler interface {
	submit(ctx context.Context, req *SubmitRequest) (any, error)
}

func (s *ingestServer) submit(ctx context.Context, req *SubmitRequest) (any, error) {
	return s.svc.Submit(ctx, core.CommandKind(req.Kind), callerFrom(ctx), req.Payload)
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: ingestServiceName,
	HandlerType: (*ingestHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary(ingestServiceName, "Submit", func(s ingestHandler, ctx context.Context, req *SubmitRequest) (any, error) {
			return s.submit(ctx, req)
		}),
		unary(ingestServiceName, "SubmitBatch", func(s ingestHandler, ctx context.Context, req *json.RawMessage) (any, error) {
			return s.submit(ctx, &SubmitRequest{Kind: "batch", Payload: *req})
		}),
		unary(ingestServiceName, "Deposit", func(s ingestHandler, ctx context.Context, req *json.RawMessage) (any, error) {
			return s.submit(ctx, &SubmitRequest{Kind: "deposit", Payload: *req})
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "batchledger/v1/ingest",
}

// ============================================================================
// QueryService
// ============================================================================

type AccountRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset,omitempty"`
	Signer  string `json:"signer,omitempty"`
	Product uint8  `json:"product,omitempty"`
}

type AssetRequest struct {
	Asset string `json:"asset"`
}

type JournalRequest struct {
	Account        string `json:"account"`
	Limit          int    `json:"limit"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type AltFeeRequest struct {
	Amount string `json:"amount"`
}

type Empty struct{}

// JournalResponse wraps a page of journal history.
type JournalResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type queryServer struct {
	qs *query.QueryService
}

// queryHandler is the handler type registered for the query service.
type queryHandler interface {
	service() *query.QueryService
}

func (s *queryServer) service() *query.QueryService { return s.qs }

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: queryServiceName,
	HandlerType: (*queryHandler)(nil),
	Methods: []grpc.MethodDesc{
		unary(queryServiceName, "GetBalance", func(s queryHandler, ctx context.Context, req *AccountRequest) (any, error) {
			account, asset, err := parseAddressPair("account", req.Account, "asset", req.Asset)
			if err != nil {
				return nil, err
			}
			return s.service().GetBalance(ctx, account, asset)
		}),
		unary(queryServiceName, "GetPosition", func(s queryHandler, ctx context.Context, req *AccountRequest) (any, error) {
			account, err := parseAddress("account", req.Account)
			if err != nil {
				return nil, err
			}
			return s.service().GetPosition(ctx, account, req.Product)
		}),
		unary(queryServiceName, "GetSigner", func(s queryHandler, ctx context.Context, req *AccountRequest) (any, error) {
			account, signer, err := parseAddressPair("account", req.Account, "signer", req.Signer)
			if err != nil {
				return nil, err
			}
			return s.service().GetSigner(ctx, account, signer)
		}),
		unary(queryServiceName, "GetAssetTotals", func(s queryHandler, ctx context.Context, req *AssetRequest) (any, error) {
			asset, err := parseAddress("asset", req.Asset)
			if err != nil {
				return nil, err
			}
			return s.service().GetAssetTotals(ctx, asset)
		}),
		unary(queryServiceName, "GetJournalHistory", func(s queryHandler, ctx context.Context, req *JournalRequest) (any, error) {
			account, err := parseAddress("account", req.Account)
			if err != nil {
				return nil, err
			}
			entries, err := s.service().GetJournalHistory(ctx, account, req.Limit, req.BeforeSequence)
			if err != nil {
				return nil, err
			}
			return &JournalResponse{Entries: entries}, nil
		}),
		unary(queryServiceName, "QuoteAltFee", func(s queryHandler, ctx context.Context, req *AltFeeRequest) (any, error) {
			return s.service().QuoteAltFee(ctx, req.Amount)
		}),
		unary(queryServiceName, "GetStatus", func(s queryHandler, ctx context.Context, _ *Empty) (any, error) {
			return s.service().GetStatus(ctx)
		}),
		unary(queryServiceName, "VerifyIntegrity", func(s queryHandler, ctx context.Context, _ *Empty) (any, error) {
			return s.service().VerifyIntegrity(ctx)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "batchledger/v1/query",
}
