// Package authv1 describes the larder.auth.v1.AuthService gRPC service over
// protobuf well-known types, together with its client stub.
package authv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "larder.auth.v1.AuthService"

// Full method names.
const (
	MethodSignIn  = "/" + ServiceName + "/SignIn"
	MethodRefresh = "/" + ServiceName + "/Refresh"
	MethodLogout  = "/" + ServiceName + "/Logout"
	MethodWhoAmI  = "/" + ServiceName + "/WhoAmI"
)

// AuthServiceServer is the server API.
type AuthServiceServer interface {
	// SignIn exchanges an identity token for a token pair.
	SignIn(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// Refresh rotates a refresh token.
	Refresh(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// Logout revokes a refresh token.
	Logout(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	// WhoAmI returns the user id of the bearer access token.
	WhoAmI(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
}

// UnimplementedAuthServiceServer answers Unimplemented for every method.
type UnimplementedAuthServiceServer struct{}

func (UnimplementedAuthServiceServer) SignIn(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method SignIn not implemented")
}
func (UnimplementedAuthServiceServer) Refresh(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Refresh not implemented")
}
func (UnimplementedAuthServiceServer) Logout(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Logout not implemented")
}
func (UnimplementedAuthServiceServer) WhoAmI(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method WhoAmI not implemented")
}

// RegisterAuthServiceServer registers srv on s.
func RegisterAuthServiceServer(s grpc.ServiceRegistrar, srv AuthServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc is the grpc.ServiceDesc for AuthService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SignIn", Handler: unary(MethodSignIn, newString, AuthServiceServer.SignIn)},
		{MethodName: "Refresh", Handler: unary(MethodRefresh, newString, AuthServiceServer.Refresh)},
		{MethodName: "Logout", Handler: unary(MethodLogout, newString, AuthServiceServer.Logout)},
		{MethodName: "WhoAmI", Handler: unary(MethodWhoAmI, newEmpty, AuthServiceServer.WhoAmI)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "larder/auth/v1/auth.proto",
}

func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func newEmpty() *emptypb.Empty           { return new(emptypb.Empty) }

func unary[Req, Resp proto.Message](
	fullMethod string,
	newReq func() Req,
	call func(AuthServiceServer, context.Context, Req) (Resp, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(AuthServiceServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(Req))
		})
	}
}

// AuthServiceClient is the client API.
type AuthServiceClient interface {
	SignIn(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error)
	Refresh(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error)
	Logout(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
	WhoAmI(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
}

type authServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewAuthServiceClient wraps cc.
func NewAuthServiceClient(cc grpc.ClientConnInterface) AuthServiceClient {
	return &authServiceClient{cc: cc}
}

func (c *authServiceClient) SignIn(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodSignIn, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authServiceClient) Refresh(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodRefresh, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authServiceClient) Logout(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, MethodLogout, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authServiceClient) WhoAmI(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, MethodWhoAmI, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
