package grpcapi

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"condohub.io/internal/audit"
	"condohub.io/internal/auth"
	"condohub.io/internal/obs"
)

const serviceName = "condohub-auth"

// CheckAccess request fields describing the call the caller asks about.
const (
	checkTenantField      = "condominium_id"
	checkTenantAliasField = "tenant_id"
	checkOwnerField       = "owner_id"
)

// Fully qualified method names of the built-in services.
const (
	MethodLogin       = "/condohub.v1.AuthService/Login"
	MethodRefresh     = "/condohub.v1.AuthService/Refresh"
	MethodLogout      = "/condohub.v1.AuthService/Logout"
	MethodLogoutAll   = "/condohub.v1.AuthService/LogoutAll"
	MethodMe          = "/condohub.v1.AuthService/Me"
	MethodCheckAccess = "/condohub.v1.AuthService/CheckAccess"

	MethodGrantCapability = "/condohub.v1.AccessService/GrantCapability"
	MethodRevokeGrant     = "/condohub.v1.AccessService/RevokeGrant"
	MethodSetPoolActive   = "/condohub.v1.AccessService/SetPoolActive"

	MethodHealthCheck = "/condohub.v1.Health/Check"
)

type authServiceServer interface {
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LogoutAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Me(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckAccess(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type accessServiceServer interface {
	GrantCapability(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RevokeGrant(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetPoolActive(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type healthServer interface {
	Check(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var (
	_ authServiceServer   = (*Server)(nil)
	_ accessServiceServer = (*Server)(nil)
	_ healthServer        = (*Server)(nil)
)

type structMethod func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(fullMethod string, fn structMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return fn(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*structpb.Struct))
		})
	}
}

var authServiceDesc = grpc.ServiceDesc{
	ServiceName: "condohub.v1.AuthService",
	HandlerType: (*authServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Login", Handler: unary(MethodLogin, (*Server).Login)},
		{MethodName: "Refresh", Handler: unary(MethodRefresh, (*Server).Refresh)},
		{MethodName: "Logout", Handler: unary(MethodLogout, (*Server).Logout)},
		{MethodName: "LogoutAll", Handler: unary(MethodLogoutAll, (*Server).LogoutAll)},
		{MethodName: "Me", Handler: unary(MethodMe, (*Server).Me)},
		{MethodName: "CheckAccess", Handler: unary(MethodCheckAccess, (*Server).CheckAccess)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "condohub/v1/auth.proto",
}

var accessServiceDesc = grpc.ServiceDesc{
	ServiceName: "condohub.v1.AccessService",
	HandlerType: (*accessServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GrantCapability", Handler: unary(MethodGrantCapability, (*Server).GrantCapability)},
		{MethodName: "RevokeGrant", Handler: unary(MethodRevokeGrant, (*Server).RevokeGrant)},
		{MethodName: "SetPoolActive", Handler: unary(MethodSetPoolActive, (*Server).SetPoolActive)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "condohub/v1/access.proto",
}

var healthServiceDesc = grpc.ServiceDesc{
	ServiceName: "condohub.v1.Health",
	HandlerType: (*healthServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: unary(MethodHealthCheck, (*Server).Check)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "condohub/v1/health.proto",
}

type sessionResponse struct {
	User      auth.User `json:"user"`
	TokenType string    `json:"token_type"`
	auth.TokenPair
}

// Profile is the Me response: the caller, their navigation and their
// effective grants.
type Profile struct {
	User    auth.User     `json:"user"`
	Modules []auth.Module `json:"modules"`
	Grants  []auth.Grant  `json:"grants"`
}

type grantRequest struct {
	UserID string `json:"user_id"`
	auth.GrantInput
}

func (s *Server) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := auth.LoginInput{
		Email:    stringField(req, "email"),
		Password: stringField(req, "password"),
		Client:   clientInfo(ctx),
	}
	session, err := s.sessions.Login(ctx, in)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, status.Error(codes.Unauthenticated, "invalid credentials")
		}
		return nil, serviceError(ctx, "login", err)
	}
	return respond(sessionResponse{User: session.User, TokenType: "Bearer", TokenPair: session.Tokens})
}

func (s *Server) Refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in := auth.RefreshInput{
		RefreshToken: stringField(req, "refresh_token"),
		Client:       clientInfo(ctx),
	}
	session, err := s.sessions.Refresh(ctx, in)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrInvalidInput) {
			return nil, status.Error(codes.Unauthenticated, "invalid refresh token")
		}
		return nil, serviceError(ctx, "refresh", err)
	}
	return respond(sessionResponse{User: session.User, TokenType: "Bearer", TokenPair: session.Tokens})
}

func (s *Server) Logout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := stringField(req, "refresh_token")
	caller, _ := auth.CallerFromContext(ctx)
	if err := s.sessions.Logout(ctx, caller, token, clientInfo(ctx)); err != nil {
		return nil, serviceError(ctx, "logout", err)
	}
	return emptyStruct(), nil
}

func (s *Server) LogoutAll(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	caller, _ := auth.CallerFromContext(ctx)
	if err := s.sessions.LogoutAll(ctx, caller, clientInfo(ctx)); err != nil {
		return nil, serviceError(ctx, "logout-all", err)
	}
	return emptyStruct(), nil
}

func (s *Server) Me(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	caller, _ := auth.CallerFromContext(ctx)
	modules, err := s.scopes.Navigation(ctx, caller)
	if err != nil {
		return nil, serviceError(ctx, "navigation", err)
	}
	grants, err := s.scopes.EffectiveGrants(ctx, caller.ID)
	if err != nil {
		return nil, serviceError(ctx, "effective grants", err)
	}
	if modules == nil {
		modules = []auth.Module{}
	}
	if grants == nil {
		grants = []auth.Grant{}
	}
	return respond(Profile{User: caller, Modules: modules, Grants: grants})
}

// checkContext reads the hypothetical call a CheckAccess request describes.
// The answer concerns the caller alone, so the fields are taken as given.
func checkContext(req *structpb.Struct) auth.CallContext {
	cc := auth.CallContext{
		TenantID:        stringField(req, checkTenantField),
		ResourceOwnerID: stringField(req, checkOwnerField),
	}
	if cc.TenantID == "" {
		cc.TenantID = stringField(req, checkTenantAliasField)
	}
	return cc
}

// CheckAccess answers with a plain boolean; the denial reason stays
// server-side.
func (s *Server) CheckAccess(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := auth.ParseCapabilityKey(stringField(req, "capability"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid capability")
	}
	caller, _ := auth.CallerFromContext(ctx)
	d, err := s.enforcer.Authorize(ctx, caller, key, checkContext(req))
	if err != nil && auth.IsTransient(err) {
		return nil, s.deny(ctx, MethodCheckAccess, err)
	}
	obs.ObserveDecision(transportName, d.Outcome.String())
	return respond(map[string]any{"capability": key.String(), "allowed": d.Allowed()})
}

func (s *Server) GrantCapability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in grantRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	g, err := s.admin.GrantCapability(ctx, in.UserID, in.GrantInput)
	if err != nil {
		return nil, serviceError(ctx, "grant capability", err)
	}
	s.audit(ctx, "grants.create", map[string]any{
		"user_id":    in.UserID,
		"grant_id":   g.ID,
		"capability": g.Capability.String(),
		"scope":      string(g.Scope),
		"scope_id":   g.ScopeID,
	})
	return respond(g)
}

func (s *Server) RevokeGrant(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, grantID := stringField(req, "user_id"), stringField(req, "grant_id")
	if err := s.admin.RevokeGrant(ctx, userID, grantID); err != nil {
		return nil, serviceError(ctx, "revoke grant", err)
	}
	s.audit(ctx, "grants.revoke", map[string]any{"user_id": userID, "grant_id": grantID})
	return emptyStruct(), nil
}

func (s *Server) SetPoolActive(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	poolID := stringField(req, "pool_id")
	active, ok := boolField(req, "is_active")
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "is_active is required")
	}
	pool, err := s.admin.SetPoolActive(ctx, poolID, active)
	if err != nil {
		return nil, serviceError(ctx, "set pool active", err)
	}
	s.audit(ctx, "pools.update", map[string]any{"pool_id": pool.ID, "is_active": pool.IsActive})
	return respond(pool)
}

func (s *Server) Check(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.ready != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(pingCtx); err != nil {
			obs.Logger().WarnContext(ctx, "grpcapi: not ready", "error", err)
			return nil, status.Error(codes.Unavailable, "not ready")
		}
	}
	return respond(map[string]any{
		"status":       "ok",
		"service":      serviceName,
		"version":      s.version,
		"time_rfc3339": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Logger().WarnContext(ctx, "grpcapi: audit log failed", "event", event, "error", err)
	}
}

func respond(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func serviceError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrConflict):
		return status.Error(codes.AlreadyExists, "resource already exists")
	case errors.Is(err, auth.ErrNotFound):
		return status.Error(codes.NotFound, "resource not found")
	default:
		obs.CaptureError(ctx, "grpcapi: "+op+" failed", err, "request_id", audit.RequestIDFromContext(ctx))
		return status.Error(codes.Internal, "internal error")
	}
}
