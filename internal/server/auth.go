package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"BatchLedger/internal/core"
	"BatchLedger/internal/ingestion"
	"BatchLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var errUnauthenticated = errors.New("missing or unknown bearer token")

type callerKey struct{}

func withCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// callerFrom returns the authenticated caller, or the zero address.
func callerFrom(ctx context.Context) common.Address {
	caller, _ := ctx.Value(callerKey{}).(common.Address)
	return caller
}

type credential struct {
	token  []byte
	caller common.Address
}

// authenticator resolves bearer tokens to caller identities. The engine
// still checks roles; the token only establishes who is calling.
type authenticator struct {
	creds []credential
}

func newAuthenticator(callers map[string]common.Address) authenticator {
	a := authenticator{}
	for token, caller := range callers {
		a.creds = append(a.creds, credential{token: []byte(token), caller: caller})
	}
	return a
}

func (a authenticator) authenticate(header string) (common.Address, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok || token == "" {
		return common.Address{}, errUnauthenticated
	}
	for _, c := range a.creds {
		if subtle.ConstantTimeCompare(c.token, []byte(token)) == 1 {
			return c.caller, nil
		}
	}
	return common.Address{}, errUnauthenticated
}

// unaryInterceptor authenticates ingest calls. Queries are unauthenticated.
func (a authenticator) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+ingestServiceName+"/") {
		return handler(ctx, req)
	}
	var header string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("authorization"); len(v) > 0 {
			header = v[0]
		}
	}
	caller, err := a.authenticate(header)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return handler(withCaller(ctx, caller), req)
}

// toStatus maps service errors onto gRPC codes. The HTTP gateway derives
// its status from the same code.
func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}

	code := codes.Internal
	var coreErr *core.Error
	switch {
	case errors.Is(err, errUnauthenticated):
		code = codes.Unauthenticated
	case errors.Is(err, core.ErrDuplicateCommand):
		code = codes.AlreadyExists
	case errors.Is(err, query.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, query.ErrInvalidArgument), errors.Is(err, ingestion.ErrInvalidPayload):
		code = codes.InvalidArgument
	case errors.Is(err, query.ErrUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.As(err, &coreErr):
		switch coreErr.Kind {
		case core.KindAuthorization:
			code = codes.PermissionDenied
		case core.KindFeatureDisabled, core.KindResource:
			code = codes.FailedPrecondition
		case core.KindSequencing:
			code = codes.Aborted
		default:
			code = codes.InvalidArgument
		}
	}
	return status.New(code, err.Error())
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not a hex address", query.ErrInvalidArgument, field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAddressPair(f1, s1, f2, s2 string) (common.Address, common.Address, error) {
	a, err := parseAddress(f1, s1)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	b, err := parseAddress(f2, s2)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return a, b, nil
}
