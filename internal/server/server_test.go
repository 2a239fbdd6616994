package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"BatchLedger/internal/core"
	"BatchLedger/internal/ingestion"
	"BatchLedger/internal/observability"
	"BatchLedger/internal/query"
	"BatchLedger/internal/server"
	"BatchLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

const (
	custodyToken   = "custody-token"
	adminToken     = "admin-token"
	sequencerToken = "sequencer-token"
)

func depositBody(amount, reference string) []byte {
	return []byte(fmt.Sprintf(
		`{"account":%q,"asset":%q,"raw_amount":%q,"reference":%q}`,
		alice.Hex(), testutil.USDC.Hex(), amount, reference,
	))
}

func newServer(t *testing.T) (*server.GRPCServer, *core.Engine) {
	t.Helper()
	engine := testutil.NewEngine(t, core.Dependencies{})
	runner := core.NewRunner(engine, core.RunnerConfig{
		Dedup:  core.NewDedupChecker(100, nil, nil),
		Logger: zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go runner.Run(ctx)

	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv := server.NewGRPCServer("", "", &server.ServerDeps{
		QueryService:  query.NewQueryService(engine, query.Config{}),
		IngestService: ingestion.NewGRPCIngestService(runner, time.Second),
		HealthChecker: health,
		Callers: map[string]common.Address{
			custodyToken:   testutil.Custodian,
			adminToken:     testutil.Admin,
			sequencerToken: testutil.Sequencer,
		},
		Logger: zerolog.Nop(),
	})
	return srv, engine
}

func do(t *testing.T, h http.Handler, method, path, token string, body []byte) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

// ===== Test: HTTP gateway =====

func TestHTTP_DepositAndQuery(t *testing.T) {
	srv, _ := newServer(t)
	h, err := srv.HTTPHandler()
	require.NoError(t, err)

	code, body := do(t, h, "POST", "/v1/deposits", custodyToken, depositBody("10000000", "0xhttp:1"))
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, 1.0, body["sequence"])

	code, body = do(t, h, "POST", "/v1/deposits", custodyToken, depositBody("10000000", "0xhttp:1"))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "AlreadyExists", body["code"])

	code, body = do(t, h, "GET", "/v1/accounts/"+alice.Hex()+"/balances/"+testutil.USDC.Hex(), "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "10", body["balance"])

	code, _ = do(t, h, "GET", "/v1/accounts/"+alice.Hex()+"/balances/0x000000000000000000000000000000000000dead", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, h, "GET", "/v1/accounts/not-an-address/balances/"+testutil.USDC.Hex(), "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = do(t, h, "GET", "/v1/status", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1.0, body["sequence"])
}

func TestHTTP_AuthAndRoles(t *testing.T) {
	srv, engine := newServer(t)
	h, err := srv.HTTPHandler()
	require.NoError(t, err)

	code, _ := do(t, h, "POST", "/v1/deposits", "", depositBody("1", "0xhttp:2"))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, h, "POST", "/v1/deposits", "wrong", depositBody("1", "0xhttp:2"))
	assert.Equal(t, http.StatusUnauthorized, code)

	flags := []byte(`{"paused":true,"deposits_enabled":true,"withdrawals_enabled":true}`)
	code, body := do(t, h, "POST", "/v1/commands/set_flags", custodyToken, flags)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "PermissionDenied", body["code"])
	assert.False(t, engine.Flags().Paused)

	code, _ = do(t, h, "POST", "/v1/commands/set_flags", adminToken, flags)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, engine.Flags().Paused)

	code, body = do(t, h, "POST", "/v1/deposits", custodyToken, depositBody("1", "0xhttp:3"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "FailedPrecondition", body["code"])

	code, _ = do(t, h, "POST", "/v1/batches", adminToken, []byte(`{"records":[]}`))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_BatchNeedsSequencer(t *testing.T) {
	srv, engine := newServer(t)
	h, err := srv.HTTPHandler()
	require.NoError(t, err)

	records := testutil.Records(t, 0, &core.DepositInsuranceFund{Asset: testutil.USDC, Amount: testutil.E18(1)})
	batch := []byte(fmt.Sprintf(`{"records":[%q]}`, hexutil.Encode(records[0])))

	for _, token := range []string{adminToken, custodyToken} {
		code, body := do(t, h, "POST", "/v1/batches", token, batch)
		assert.Equal(t, http.StatusForbidden, code)
		assert.Equal(t, "PermissionDenied", body["code"])
	}
	assert.Equal(t, uint32(0), engine.TxCounter())

	code, body := do(t, h, "POST", "/v1/batches", sequencerToken, batch)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, 1.0, body["next_tx_id"])
	assert.Equal(t, testutil.E18(1).String(), engine.InsuranceFund(testutil.USDC).String())
}

func TestHTTP_HealthProbes(t *testing.T) {
	srv, _ := newServer(t)
	h, err := srv.HTTPHandler()
	require.NoError(t, err)

	code, body := do(t, h, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])

	code, _ = do(t, h, "GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

// ===== Test: gRPC =====

func dial(t *testing.T, srv *server.GRPCServer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_DepositAndBalance(t *testing.T) {
	srv, _ := newServer(t)
	conn := dial(t, srv)
	ctx := context.Background()

	var res ingestion.SubmitResult
	err := conn.Invoke(ctx, "/batchledger.v1.IngestService/Deposit", json.RawMessage(depositBody("1", "0xgrpc:1")), &res)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+custodyToken)
	require.NoError(t, conn.Invoke(authed, "/batchledger.v1.IngestService/Deposit", json.RawMessage(depositBody("3000000", "0xgrpc:1")), &res))
	assert.Equal(t, int64(1), res.Sequence)

	err = conn.Invoke(authed, "/batchledger.v1.IngestService/Deposit", json.RawMessage(depositBody("3000000", "0xgrpc:1")), &res)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	var bal query.BalanceResponse
	require.NoError(t, conn.Invoke(ctx, "/batchledger.v1.QueryService/GetBalance",
		&server.AccountRequest{Account: alice.Hex(), Asset: testutil.USDC.Hex()}, &bal))
	assert.Equal(t, "3", bal.Balance)

	err = conn.Invoke(ctx, "/batchledger.v1.QueryService/GetPosition",
		&server.AccountRequest{Account: alice.Hex(), Product: 42}, &query.PositionResponse{})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_Health(t *testing.T) {
	srv, _ := newServer(t)
	conn := dial(t, srv)
	client := healthpb.NewHealthClient(conn)

	// The health service speaks protobuf; override the default json subtype.
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	srv.SetServing(true)
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
