// Package auth attaches credentials to outgoing Membrane calls and checks
// them on the event intake.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AuthorizationHeader is the metadata key carrying credentials.
const AuthorizationHeader = "authorization"

var (
	errMissingAuth   = errors.New("missing authorization header")
	errInvalidFormat = errors.New("invalid authorization header format")
	errInvalidToken  = errors.New("invalid credentials")
)

// ClientConfig holds credentials sent with every Membrane call.
type ClientConfig struct {
	// APIKey is sent verbatim as the authorization header.
	APIKey string
	// BearerToken is sent as "Bearer <token>" when no APIKey is set.
	BearerToken string
	// Headers are extra metadata entries added to each call.
	Headers map[string]string
}

// ServerConfig holds the credentials accepted by the intake.
type ServerConfig struct {
	// Enabled enables authentication.
	Enabled bool
	// BearerToken is the expected token, sent as "Bearer <token>".
	BearerToken string
	// AllowRawToken also accepts the token without the "Bearer " prefix.
	AllowRawToken bool
}

// Metadata returns the outgoing metadata for cfg, or nil when there is none.
func (cfg ClientConfig) Metadata() metadata.MD {
	md := metadata.MD{}
	for k, v := range cfg.Headers {
		md.Set(k, v)
	}
	switch {
	case cfg.APIKey != "":
		md.Set(AuthorizationHeader, cfg.APIKey)
	case cfg.BearerToken != "":
		md.Set(AuthorizationHeader, "Bearer "+cfg.BearerToken)
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

// GRPCClientInterceptor returns a unary interceptor that adds cfg's
// credentials to every call.
func GRPCClientInterceptor(cfg ClientConfig) grpc.UnaryClientInterceptor {
	md := cfg.Metadata()
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if md != nil {
			ctx = metadata.NewOutgoingContext(ctx, metadata.Join(existingOutgoing(ctx), md))
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func existingOutgoing(ctx context.Context) metadata.MD {
	md, _ := metadata.FromOutgoingContext(ctx)
	return md
}

// GRPCServerInterceptor returns a unary interceptor that rejects calls whose
// authorization metadata does not match cfg.
func GRPCServerInterceptor(cfg ServerConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !cfg.Enabled {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		var header string
		if values := md.Get(AuthorizationHeader); len(values) > 0 {
			header = values[0]
		}
		if err := cfg.check(header); err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		return handler(ctx, req)
	}
}

// HTTPMiddleware returns an HTTP middleware enforcing cfg.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if err := cfg.check(r.Header.Get("Authorization")); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (cfg ServerConfig) check(header string) error {
	if cfg.BearerToken == "" {
		return nil
	}
	if header == "" {
		return errMissingAuth
	}

	token, found := strings.CutPrefix(header, "Bearer ")
	if !found && !cfg.AllowRawToken {
		return errInvalidFormat
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.BearerToken)) != 1 {
		return errInvalidToken
	}
	return nil
}
