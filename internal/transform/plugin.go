package transform

// The plugin protocol is a single unary method carrying well-known
// protobuf Structs, so plugins need no generated code:
//
//	service connector.v1.Transformer {
//	  rpc Transform(google.protobuf.Struct) returns (google.protobuf.Struct);
//	}

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"connector/internal/clock"
	"connector/internal/fault"
	"connector/internal/logging"
	"connector/record"
)

const transformMethod = "/connector.v1.Transformer/Transform"

// PluginRequest is what a plugin receives for each record.
type PluginRequest struct {
	Partition string
	Cursor    record.Cursor
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

// PluginResponse is the plugin's answer. Verdict is "keep" (default),
// "drop" or "deadletter".
type PluginResponse struct {
	Verdict string
	Key     []byte
	Value   []byte
	Headers map[string]string
	Reason  string
}

// PluginServer is implemented by transformer plugins.
type PluginServer interface {
	Transform(ctx context.Context, req PluginRequest) (PluginResponse, error)
}

// PluginFunc adapts a function to PluginServer.
type PluginFunc func(ctx context.Context, req PluginRequest) (PluginResponse, error)

func (f PluginFunc) Transform(ctx context.Context, req PluginRequest) (PluginResponse, error) {
	return f(ctx, req)
}

type structServer interface {
	transform(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type pluginAdapter struct{ impl PluginServer }

func (a pluginAdapter) transform(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := requestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := a.impl.Transform(ctx, req)
	if err != nil {
		return nil, err
	}
	return responseToStruct(resp)
}

func transformHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(structServer).transform(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: transformMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(structServer).transform(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var transformerServiceDesc = grpc.ServiceDesc{
	ServiceName: "connector.v1.Transformer",
	HandlerType: (*structServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Transform", Handler: transformHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "connector/v1/transformer.proto",
}

// RegisterPluginServer exposes impl on s.
func RegisterPluginServer(s grpc.ServiceRegistrar, impl PluginServer) {
	s.RegisterService(&transformerServiceDesc, pluginAdapter{impl: impl})
}

/* ───────────── client stage ───────────── */

type PluginConfig struct {
	Target      string        `yaml:"target"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

func (c *PluginConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
}

// PluginStage calls a remote Transformer for every record.
type PluginStage struct {
	name  string
	cfg   PluginConfig
	conn  *grpc.ClientConn
	clock clock.Clock
}

// NewPluginStage dials target lazily; opts default to plaintext.
func NewPluginStage(name string, cfg PluginConfig, opts ...grpc.DialOption) (*PluginStage, error) {
	cfg.applyDefaults()
	if cfg.Target == "" {
		return nil, fmt.Errorf("%s: target required", name)
	}
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, err
	}
	return &PluginStage{name: name, cfg: cfg, conn: conn, clock: clock.Real{}}, nil
}

func (s *PluginStage) Name() string { return s.name }

func (s *PluginStage) Apply(ctx context.Context, r *record.Transformed) (Verdict, error) {
	in, err := requestToStruct(PluginRequest{Partition: PartitionFrom(ctx), Cursor: r.Cursor, Key: r.Key, Value: r.Value, Headers: r.Headers})
	if err != nil {
		return Reject, err
	}
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		out := new(structpb.Struct)
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		err := s.conn.Invoke(cctx, transformMethod, in, out)
		cancel()
		if err == nil {
			resp, err := responseFromStruct(out)
			if err != nil {
				return Reject, err
			}
			return apply(resp, r)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if !retryable(err) {
			return Reject, fmt.Errorf("plugin %s: %w", s.cfg.Target, err)
		}
		logging.L().Debug("transform plugin retry", "stage", s.name, "attempt", attempt, "err", err)
		if err := clock.Sleep(ctx, s.clock, time.Duration(attempt)*s.cfg.Backoff); err != nil {
			break
		}
	}
	if ctx.Err() != nil {
		lastErr = ctx.Err()
	}
	return Retry, fault.New(fault.TransformTransient, "plugin "+s.cfg.Target, lastErr)
}

func (s *PluginStage) Close() error { return s.conn.Close() }

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Canceled:
		return true
	}
	return false
}

func apply(resp PluginResponse, r *record.Transformed) (Verdict, error) {
	switch resp.Verdict {
	case "", "keep":
		r.Key, r.Value = resp.Key, resp.Value
		if resp.Headers != nil {
			r.Headers = resp.Headers
		}
		return Keep, nil
	case "drop":
		return Drop, nil
	case "deadletter":
		if resp.Reason == "" {
			resp.Reason = "rejected by plugin"
		}
		return Reject, errors.New(resp.Reason)
	default:
		return Reject, fmt.Errorf("unknown plugin verdict %q", resp.Verdict)
	}
}

/* ───────────── Struct codec ───────────── */

func putBytes(m map[string]any, field string, b []byte) {
	if b == nil {
		return
	}
	if utf8.Valid(b) {
		m[field] = string(b)
		return
	}
	m[field+"_base64"] = base64.StdEncoding.EncodeToString(b)
}

func getBytes(s *structpb.Struct, field string) ([]byte, error) {
	f := s.GetFields()
	if v, ok := f[field]; ok {
		return []byte(v.GetStringValue()), nil
	}
	if v, ok := f[field+"_base64"]; ok {
		return base64.StdEncoding.DecodeString(v.GetStringValue())
	}
	return nil, nil
}

func putHeaders(m map[string]any, h map[string]string) {
	if len(h) == 0 {
		return
	}
	hm := make(map[string]any, len(h))
	for k, v := range h {
		hm[k] = v
	}
	m["headers"] = hm
}

func getHeaders(s *structpb.Struct) map[string]string {
	hv, ok := s.GetFields()["headers"]
	if !ok {
		return nil
	}
	out := map[string]string{}
	for k, v := range hv.GetStructValue().GetFields() {
		out[k] = v.GetStringValue()
	}
	return out
}

func requestToStruct(req PluginRequest) (*structpb.Struct, error) {
	m := map[string]any{"partition": req.Partition, "cursor": string(req.Cursor)}
	putBytes(m, "key", req.Key)
	putBytes(m, "value", req.Value)
	putHeaders(m, req.Headers)
	return structpb.NewStruct(m)
}

func requestFromStruct(s *structpb.Struct) (PluginRequest, error) {
	key, err := getBytes(s, "key")
	if err != nil {
		return PluginRequest{}, err
	}
	val, err := getBytes(s, "value")
	if err != nil {
		return PluginRequest{}, err
	}
	f := s.GetFields()
	return PluginRequest{
		Partition: f["partition"].GetStringValue(),
		Cursor:    record.Cursor(f["cursor"].GetStringValue()),
		Key:       key,
		Value:     val,
		Headers:   getHeaders(s),
	}, nil
}

func responseToStruct(resp PluginResponse) (*structpb.Struct, error) {
	m := map[string]any{}
	if resp.Verdict != "" {
		m["verdict"] = resp.Verdict
	}
	if resp.Reason != "" {
		m["reason"] = resp.Reason
	}
	putBytes(m, "key", resp.Key)
	putBytes(m, "value", resp.Value)
	putHeaders(m, resp.Headers)
	return structpb.NewStruct(m)
}

func responseFromStruct(s *structpb.Struct) (PluginResponse, error) {
	key, err := getBytes(s, "key")
	if err != nil {
		return PluginResponse{}, err
	}
	val, err := getBytes(s, "value")
	if err != nil {
		return PluginResponse{}, err
	}
	f := s.GetFields()
	return PluginResponse{
		Verdict: f["verdict"].GetStringValue(),
		Reason:  f["reason"].GetStringValue(),
		Key:     key,
		Value:   val,
		Headers: getHeaders(s),
	}, nil
}

func init() {
	Register("grpc", func(_ context.Context, name string, decode Decode) (Stage, error) {
		var cfg PluginConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		return NewPluginStage(name, cfg)
	})
}
