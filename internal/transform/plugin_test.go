package transform

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"connector/internal/clock"
	"connector/internal/fault"
	"connector/record"
)

func startPlugin(t *testing.T, impl PluginServer) *PluginStage {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterPluginServer(srv, impl)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	stage, err := NewPluginStage("plugin", PluginConfig{Target: "passthrough:///bufnet", Timeout: time.Second},
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	stage.clock = clock.NewInstant(time.Unix(0, 0))
	t.Cleanup(func() { stage.Close() })
	return stage
}

func TestPluginStage_Transforms(t *testing.T) {
	stage := startPlugin(t, PluginFunc(func(ctx context.Context, req PluginRequest) (PluginResponse, error) {
		return PluginResponse{
			Key:     req.Key,
			Value:   []byte(strings.ToUpper(string(req.Value))),
			Headers: map[string]string{"partition": req.Partition, "cursor": string(req.Cursor)},
		}, nil
	}))

	p := NewPipeline(stage)
	res := p.Apply(context.Background(), record.Item{
		Record: record.Record{Partition: "logs/0", Key: []byte("k"), Payload: []byte("hello")},
		Cursor: "9",
	})
	if res.Verdict != Keep || string(res.Record.Value) != "HELLO" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Record.Headers["partition"] != "logs/0" || res.Record.Headers["cursor"] != "9" {
		t.Fatalf("plugin did not see record context: %v", res.Record.Headers)
	}
}

func TestPluginStage_BinaryPayloadRoundTrips(t *testing.T) {
	stage := startPlugin(t, PluginFunc(func(_ context.Context, req PluginRequest) (PluginResponse, error) {
		return PluginResponse{Value: req.Value}, nil
	}))
	r := &record.Transformed{Value: []byte{0xff, 0x00, 0xfe}}
	if v, err := stage.Apply(context.Background(), r); err != nil || v != Keep {
		t.Fatalf("apply: %s %v", v, err)
	}
	if string(r.Value) != "\xff\x00\xfe" {
		t.Fatalf("binary payload mangled: %x", r.Value)
	}
}

func TestPluginStage_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	stage := startPlugin(t, PluginFunc(func(_ context.Context, req PluginRequest) (PluginResponse, error) {
		if calls.Add(1) < 3 {
			return PluginResponse{}, status.Error(codes.Unavailable, "warming up")
		}
		return PluginResponse{Verdict: "drop"}, nil
	}))
	v, err := stage.Apply(context.Background(), &record.Transformed{Value: []byte("x")})
	if err != nil || v != Drop {
		t.Fatalf("want drop after retries, got %s %v", v, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("want 3 calls, got %d", calls.Load())
	}
}

func TestPluginStage_DeadLettersOnRejection(t *testing.T) {
	var calls atomic.Int32
	stage := startPlugin(t, PluginFunc(func(context.Context, PluginRequest) (PluginResponse, error) {
		calls.Add(1)
		return PluginResponse{}, status.Error(codes.InvalidArgument, "bad schema")
	}))
	res := NewPipeline(stage).Apply(context.Background(), item("x"))
	if res.Verdict != Reject || !strings.Contains(res.DeadLetter.Reason, "bad schema") {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls.Load() != 1 {
		t.Fatalf("non-retryable codes must not be retried, got %d calls", calls.Load())
	}
}

func TestPluginStage_ExplicitDeadLetterVerdict(t *testing.T) {
	stage := startPlugin(t, PluginFunc(func(context.Context, PluginRequest) (PluginResponse, error) {
		return PluginResponse{Verdict: "deadletter", Reason: "blocked user"}, nil
	}))
	res := NewPipeline(stage).Apply(context.Background(), item("x"))
	if res.Verdict != Reject || !strings.Contains(res.DeadLetter.Reason, "blocked user") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestPluginStage_OutageIsTransient(t *testing.T) {
	var calls atomic.Int32
	stage := startPlugin(t, PluginFunc(func(context.Context, PluginRequest) (PluginResponse, error) {
		calls.Add(1)
		return PluginResponse{}, status.Error(codes.Unavailable, "down")
	}))
	res := NewPipeline(stage).Apply(context.Background(), item("x"))
	if res.Verdict != Retry || !fault.Is(res.Err, fault.TransformTransient) {
		t.Fatalf("want transient retry, got %s %v (%+v)", res.Verdict, res.Err, res.DeadLetter)
	}
	if calls.Load() != int32(stage.cfg.MaxAttempts) {
		t.Fatalf("want %d calls, got %d", stage.cfg.MaxAttempts, calls.Load())
	}
}

func TestPluginStage_CancelledIsTransient(t *testing.T) {
	stage := startPlugin(t, PluginFunc(func(context.Context, PluginRequest) (PluginResponse, error) {
		return PluginResponse{}, nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := NewPipeline(stage).Apply(ctx, item("x")); res.Verdict != Retry {
		t.Fatalf("cancelled call must not dead-letter, got %s (%+v)", res.Verdict, res.DeadLetter)
	}
}
