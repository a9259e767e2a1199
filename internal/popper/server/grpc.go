package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/internal/popper/service"
	coregrpc "github.com/msto63/popper/pkg/core/grpc"
	"github.com/msto63/popper/pkg/core/logging"
)

// UnaryServerInterceptor validates unary calls. The full method name is the
// endpoint path; the request message, rendered as JSON, is the payload.
// Methods without a configured chain pass through. x-forwarded-for metadata
// names the client only when the peer is one of proxies.
func UnaryServerInterceptor(v Validator, proxies *TrustedProxies, logger *logging.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = logging.Nop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		res, err := v.Validate(ctx, grpcRequest(ctx, info.FullMethod, req, proxies))
		switch {
		case errors.Is(err, service.ErrNoChain):
			return handler(ctx, req)
		case errors.Is(err, service.ErrClosed):
			return nil, status.Error(codes.Unavailable, "validation service is shutting down")
		case err != nil:
			logger.Error("Validation failed to run", "method", info.FullMethod, "error", err)
			return nil, status.Error(codes.Internal, "validation failed to run")
		}

		if !res.IsValid() {
			return nil, grpcStatus(res).Err()
		}
		return handler(ctx, req)
	}
}

func grpcRequest(ctx context.Context, method string, req interface{}, proxies *TrustedProxies) service.Request {
	out := service.Request{
		Endpoint:  method,
		Method:    "POST",
		Headers:   make(map[string]string),
		RequestID: coregrpc.GetRequestID(ctx),
	}

	if msg, ok := req.(proto.Message); ok {
		out.Size = int64(proto.Size(msg))
		if data, err := protojson.Marshal(msg); err == nil {
			out.Payload = decodePayload(data, "application/json")
		}
	}

	var forwardedFor, realIP string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for k, vals := range md {
			if len(vals) > 0 {
				out.Headers[k] = vals[0]
			}
		}
		if out.RequestID == "" {
			out.RequestID = first(md, strings.ToLower(HeaderRequestID))
		}
		out.UserID = first(md, strings.ToLower(HeaderUserID))
		out.SessionID = first(md, strings.ToLower(HeaderSessionID))
		forwardedFor = strings.Join(md.Get("x-forwarded-for"), ",")
		realIP = first(md, "x-real-ip")
	}

	var peerHost string
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		peerHost = hostOnly(p.Addr.String())
	}
	out.ClientIP = proxies.Resolve(peerHost, forwardedFor, realIP)
	return out
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// grpcStatus renders a blocked result as a status with BadRequest field
// violations and, for rate limiting, RetryInfo
func grpcStatus(res *chain.Result) *status.Status {
	msg := "request rejected by validation"
	if len(res.Errors) > 0 {
		msg = res.Errors[0].Message
	}
	st := status.New(GRPCCode(res), msg)

	br := &errdetails.BadRequest{}
	for _, e := range res.Errors {
		field := e.Field
		if field == "" {
			field = e.Validator
		}
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       field,
			Description: e.Code + ": " + e.Message,
		})
	}
	details := []protoadapt.MessageV1{br}
	if secs, ok := RetryAfter(res); ok {
		details = append(details, &errdetails.RetryInfo{
			RetryDelay: durationpb.New(time.Duration(secs) * time.Second),
		})
	}

	withDetails, err := st.WithDetails(details...)
	if err != nil {
		return st
	}
	return withDetails
}
