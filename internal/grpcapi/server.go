// Package grpcapi is the RPC transport. Its unary interceptor is the
// enforcement adapter: it reads the bearer token from metadata, resolves the
// caller and checks the capability declared for the method before any
// handler runs.
package grpcapi

import (
	"context"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"condohub.io/internal/audit"
	"condohub.io/internal/auth"
	"condohub.io/internal/catalog"
	"condohub.io/internal/obs"
)

const (
	transportName = "grpc"

	authMetadata      = "authorization"
	requestIDMetadata = "x-request-id"
	userAgentMetadata = "user-agent"

	bearer = "bearer "
)

// Pinger reports whether backing stores are reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the RPC services to the auth core.
type Deps struct {
	Enforcer *auth.Enforcer
	Sessions *auth.Sessions
	Admin    *auth.Admin
	Scopes   *auth.ScopeResolver
	Ready    Pinger
	Version  string
}

type access int

const (
	accessPublic access = iota + 1
	accessAuthenticated
	accessCapability
)

type rule struct {
	access  access
	key     auth.CapabilityKey
	context ContextFunc
}

// ContextFunc derives the call context of a request from the resource it
// targets. A returned error means the decision cannot be made.
type ContextFunc func(ctx context.Context, req *structpb.Struct) (auth.CallContext, error)

// RuleOption configures the call context of a capability rule. Without
// options the context is empty, which only unrestricted holders satisfy.
type RuleOption func(*rule)

// TenantField names the request fields, in order of preference, that
// identify the target tenant.
func TenantField(names ...string) RuleOption {
	return func(r *rule) {
		r.context = chain(r.context, func(cc *auth.CallContext, req *structpb.Struct) {
			for _, name := range names {
				if cc.TenantID = stringField(req, name); cc.TenantID != "" {
					return
				}
			}
		})
	}
}

// OwnerField names the request field identifying the user who owns the
// target resource.
func OwnerField(name string) RuleOption {
	return func(r *rule) {
		r.context = chain(r.context, func(cc *auth.CallContext, req *structpb.Struct) {
			cc.ResourceOwnerID = stringField(req, name)
		})
	}
}

// WithCallContext replaces the field-derived context of a rule.
func WithCallContext(fn ContextFunc) RuleOption {
	return func(r *rule) { r.context = fn }
}

func chain(prev ContextFunc, set func(*auth.CallContext, *structpb.Struct)) ContextFunc {
	return func(ctx context.Context, req *structpb.Struct) (auth.CallContext, error) {
		var cc auth.CallContext
		if prev != nil {
			var err error
			if cc, err = prev(ctx, req); err != nil {
				return cc, err
			}
		}
		set(&cc, req)
		return cc, nil
	}
}

// Server implements the RPC services and owns the per-method access rules.
// Methods without a rule are refused.
type Server struct {
	enforcer *auth.Enforcer
	sessions *auth.Sessions
	admin    *auth.Admin
	scopes   *auth.ScopeResolver
	ready    Pinger
	version  string

	mu    sync.RWMutex
	rules map[string]rule
}

// NewServer builds the services and declares the rules for every built-in
// method.
func NewServer(d Deps) *Server {
	s := &Server{
		enforcer: d.Enforcer,
		sessions: d.Sessions,
		admin:    d.Admin,
		scopes:   d.Scopes,
		ready:    d.Ready,
		version:  d.Version,
		rules:    make(map[string]rule),
	}
	s.Public(MethodLogin)
	s.Public(MethodRefresh)
	s.Public(MethodHealthCheck)

	s.Authenticated(MethodLogout)
	s.Authenticated(MethodLogoutAll)
	s.Authenticated(MethodMe)
	s.Authenticated(MethodCheckAccess)

	// Grant methods are checked against the grant itself, never the target
	// user, so an own-scope holder cannot widen their own access.
	s.Require(MethodGrantCapability, catalog.PermissionsAssign, WithCallContext(issueContext))
	s.Require(MethodRevokeGrant, catalog.PermissionsRevoke, WithCallContext(s.revokeContext))
	s.Require(MethodSetPoolActive, catalog.GroupsUpdate)
	return s
}

// Require guards fullMethod behind authentication and key. The call context
// comes only from the request fields the options declare.
func (s *Server) Require(fullMethod string, key auth.CapabilityKey, opts ...RuleOption) {
	r := rule{access: accessCapability, key: key}
	for _, opt := range opts {
		opt(&r)
	}
	s.setRule(fullMethod, r)
}

// Authenticated guards fullMethod behind authentication only.
func (s *Server) Authenticated(fullMethod string) {
	s.setRule(fullMethod, rule{access: accessAuthenticated})
}

// Public lets fullMethod run without credentials.
func (s *Server) Public(fullMethod string) {
	s.setRule(fullMethod, rule{access: accessPublic})
}

func (s *Server) setRule(fullMethod string, r rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[fullMethod] = r
}

func (s *Server) ruleFor(fullMethod string) (rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[fullMethod]
	return r, ok
}

// Register attaches the built-in services to g.
func (s *Server) Register(g grpc.ServiceRegistrar) {
	g.RegisterService(&authServiceDesc, s)
	g.RegisterService(&accessServiceDesc, s)
	g.RegisterService(&healthServiceDesc, s)
}

// NewGRPCServer returns a grpc.Server with the enforcement interceptor
// installed and the built-in services registered.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.UnaryInterceptor()))
	g := grpc.NewServer(opts...)
	s.Register(g)
	return g
}

// UnaryInterceptor enforces the method rules.
func (s *Server) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx = withRequestID(ctx)
		resp, err := s.enforce(ctx, req, info.FullMethod, handler)
		obs.ObserveGRPC(info.FullMethod, status.Code(err).String())
		return resp, err
	}
}

func (s *Server) enforce(ctx context.Context, req any, method string, handler grpc.UnaryHandler) (any, error) {
	r, ok := s.ruleFor(method)
	if !ok {
		obs.Logger().WarnContext(ctx, "grpcapi: method has no access rule", "method", method)
		return nil, status.Error(codes.PermissionDenied, "forbidden")
	}
	if r.access == accessPublic {
		return handler(ctx, req)
	}

	token, err := bearerFromMetadata(ctx)
	if err != nil {
		return nil, s.deny(ctx, method, err)
	}
	caller, err := s.enforcer.Authenticate(ctx, token)
	if err != nil {
		return nil, s.deny(ctx, method, err)
	}
	ctx = auth.ContextWithCaller(ctx, caller)
	ctx = auth.ContextWithToken(ctx, token)

	if r.access == accessCapability {
		cc, err := callContext(ctx, r, req)
		if err != nil {
			return nil, s.deny(ctx, method, err)
		}
		if _, err := s.enforcer.Authorize(ctx, caller, r.key, cc); err != nil {
			return nil, s.deny(ctx, method, err)
		}
		obs.ObserveDecision(transportName, auth.OutcomeAllowed.String())
	}
	return handler(ctx, req)
}

// deny maps an enforcement error onto gRPC status codes. Only the
// identity/authorization split is visible to the client.
func (s *Server) deny(ctx context.Context, method string, err error) error {
	outcome, ok := auth.DenialOutcome(err)
	if !ok {
		obs.ObserveDecision(transportName, "error")
		obs.CaptureError(ctx, "grpcapi: authorization unavailable", err,
			"request_id", audit.RequestIDFromContext(ctx),
			"method", method,
		)
		return status.Error(codes.Unavailable, "authorization unavailable")
	}
	obs.ObserveDecision(transportName, outcome.String())
	obs.Logger().InfoContext(ctx, "grpcapi: call denied",
		"request_id", audit.RequestIDFromContext(ctx),
		"method", method,
		"reason", err.Error(),
	)
	if outcome.IsIdentity() {
		return status.Error(codes.Unauthenticated, "unauthenticated")
	}
	return status.Error(codes.PermissionDenied, "forbidden")
}

// bearerFromMetadata returns "" when no authorization metadata is present.
func bearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", nil
	}
	values := md.Get(authMetadata)
	if len(values) == 0 {
		return "", nil
	}
	header := strings.TrimSpace(values[0])
	if header == "" {
		return "", nil
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", &auth.DeniedError{Outcome: auth.OutcomeInvalidCredential, Detail: "unsupported authorization scheme"}
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", &auth.DeniedError{Outcome: auth.OutcomeInvalidCredential, Detail: "empty bearer token"}
	}
	return token, nil
}

func callContext(ctx context.Context, r rule, req any) (auth.CallContext, error) {
	msg, ok := req.(*structpb.Struct)
	if !ok || r.context == nil {
		return auth.CallContext{}, nil
	}
	return r.context(ctx, msg)
}

// issueContext reads the grant being issued. A request that does not decode
// yields the empty context.
func issueContext(_ context.Context, req *structpb.Struct) (auth.CallContext, error) {
	var in grantRequest
	if err := fromStruct(req, &in); err != nil {
		return auth.CallContext{}, nil
	}
	return auth.IssueContext(in.GrantInput), nil
}

func (s *Server) revokeContext(ctx context.Context, req *structpb.Struct) (auth.CallContext, error) {
	return s.admin.RevokeContext(ctx, stringField(req, "user_id"), stringField(req, "grant_id"))
}

func withRequestID(ctx context.Context) context.Context {
	var rid string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(requestIDMetadata); len(v) > 0 {
			rid = strings.TrimSpace(v[0])
		}
	}
	if rid == "" {
		rid = uuid.NewString()
	}
	return audit.WithRequestID(ctx, rid)
}

func clientInfo(ctx context.Context) auth.ClientInfo {
	var info auth.ClientInfo
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr := p.Addr.String()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
		info.IPAddress = addr
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(userAgentMetadata); len(v) > 0 {
			info.UserAgent = v[0]
		}
	}
	return info
}
