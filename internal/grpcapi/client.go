package grpcapi

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"condohub.io/internal/auth"
)

// Client calls the RPC services of a remote engine.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// WithBearer attaches an access token to outgoing calls made with ctx.
func WithBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, authMetadata, "Bearer "+token)
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out sessionResponse
	if err := c.call(ctx, MethodLogin, map[string]any{"email": email, "password": password}, &out); err != nil {
		return auth.Session{}, err
	}
	return auth.Session{User: out.User, Tokens: out.TokenPair}, nil
}

// Refresh rotates a refresh credential.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (auth.Session, error) {
	var out sessionResponse
	if err := c.call(ctx, MethodRefresh, map[string]any{"refresh_token": refreshToken}, &out); err != nil {
		return auth.Session{}, err
	}
	return auth.Session{User: out.User, Tokens: out.TokenPair}, nil
}

// Logout revokes refreshToken. ctx must carry the caller's access token.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.call(ctx, MethodLogout, map[string]any{"refresh_token": refreshToken}, nil)
}

// LogoutAll revokes every refresh credential of the caller.
func (c *Client) LogoutAll(ctx context.Context) error {
	return c.call(ctx, MethodLogoutAll, map[string]any{}, nil)
}

// Me returns the caller's profile.
func (c *Client) Me(ctx context.Context) (Profile, error) {
	var out Profile
	if err := c.call(ctx, MethodMe, map[string]any{}, &out); err != nil {
		return Profile{}, err
	}
	return out, nil
}

// CheckAccess asks whether the caller holds key under cc.
func (c *Client) CheckAccess(ctx context.Context, key auth.CapabilityKey, cc auth.CallContext) (bool, error) {
	req := map[string]any{"capability": key.String()}
	if cc.TenantID != "" {
		req[checkTenantField] = cc.TenantID
	}
	if cc.ResourceOwnerID != "" {
		req[checkOwnerField] = cc.ResourceOwnerID
	}
	var out struct {
		Allowed bool `json:"allowed"`
	}
	if err := c.call(ctx, MethodCheckAccess, req, &out); err != nil {
		return false, err
	}
	return out.Allowed, nil
}

// Health reports whether the remote engine is ready.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, MethodHealthCheck, map[string]any{}, nil)
}

func (c *Client) call(ctx context.Context, method string, req map[string]any, out any) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(forwardToken(ctx), method, in, resp); err != nil {
		return mapStatusError(err)
	}
	if out == nil {
		return nil
	}
	if err := fromStruct(resp, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// forwardToken propagates the token of an authenticated inbound call unless
// ctx already carries outgoing authorization.
func forwardToken(ctx context.Context) context.Context {
	if md, ok := metadata.FromOutgoingContext(ctx); ok && len(md.Get(authMetadata)) > 0 {
		return ctx
	}
	if token, ok := auth.TokenFromContext(ctx); ok {
		return WithBearer(ctx, token)
	}
	return ctx
}

// mapStatusError converts status codes back into auth sentinels so callers
// can use errors.Is regardless of transport.
func mapStatusError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		switch st.Message() {
		case "invalid credentials":
			return fmt.Errorf("%w: %s", auth.ErrInvalidCredentials, st.Message())
		case "invalid refresh token":
			return fmt.Errorf("%w: %s", auth.ErrInvalidToken, st.Message())
		}
		return fmt.Errorf("%w: %s", auth.ErrUnauthenticated, st.Message())
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", auth.ErrForbidden, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", auth.ErrNotFound, st.Message())
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", auth.ErrConflict, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", auth.ErrInvalidInput, st.Message())
	default:
		return err
	}
}

// WithTimeout returns a context with a default timeout for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
