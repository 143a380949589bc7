package advisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"bot-core/internal/errs"
)

func chatServer(t *testing.T, content string, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		resp := map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": content}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestHTTPAdvisor_ParsesVerdict(t *testing.T) {
	srv := chatServer(t, "Sure.\n{\"action\":\"LONG\",\"confidence\":82,\"reasoning\":\"trend intact\"}", 0)
	defer srv.Close()

	svc := NewService(NewHTTPAdvisor(srv.URL, "secret", ""))
	res := svc.Analyze(context.Background(), Request{Symbol: "BTCUSDT", Action: ActionLong}, time.Second)
	require.True(t, res.Available, "%v", res.Err)
	assert.Equal(t, ActionLong, res.Verdict.Action)
	assert.Equal(t, 82.0, res.Verdict.Confidence)
	assert.True(t, res.Agrees(ActionLong))
}

func TestHTTPAdvisor_TimeoutIsUnavailable(t *testing.T) {
	srv := chatServer(t, `{"action":"long","confidence":90}`, 2*time.Second)
	defer srv.Close()

	svc := NewService(NewHTTPAdvisor(srv.URL, "secret", "m"))
	start := time.Now()
	res := svc.Analyze(context.Background(), Request{}, 50*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Available)
	assert.True(t, errs.Is(res.Err, errs.KindAdvisorUnavailable))
}

func TestHTTPAdvisor_BadReplies(t *testing.T) {
	for name, content := range map[string]string{
		"no json":        "I am not sure",
		"unknown action": `{"action":"moon","confidence":99}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := chatServer(t, content, 0)
			defer srv.Close()
			res := NewService(NewHTTPAdvisor(srv.URL, "secret", "")).Analyze(context.Background(), Request{}, time.Second)
			assert.False(t, res.Available)
		})
	}

	srv := chatServer(t, "{}", 0)
	defer srv.Close()
	res := NewService(NewHTTPAdvisor(srv.URL, "wrong", "")).Analyze(context.Background(), Request{}, time.Second)
	assert.False(t, res.Available)
	assert.Contains(t, res.Err.Error(), "401")
}

type fakeWorker struct{}

func (fakeWorker) Analyze(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	action := "hold"
	if in.GetFields()["indicators"].GetStructValue().GetFields()["rsi"].GetNumberValue() > 50 {
		action = in.GetFields()["action"].GetStringValue()
	}
	return structpb.NewStruct(map[string]any{"action": action, "confidence": 70.0, "reasoning": "rsi check"})
}

func TestGRPCAdvisor_RoundTrip(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	s := grpc.NewServer()
	RegisterServer(s, fakeWorker{})
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	adv := NewGRPCAdvisor(conn)
	defer adv.Close()

	svc := NewService(adv)
	res := svc.Analyze(context.Background(), Request{
		Symbol: "ETHUSDT", Action: ActionShort,
		Indicators: map[string]float64{"rsi": 55}, Reasons: []string{"cross"},
	}, time.Second)
	require.True(t, res.Available, "%v", res.Err)
	assert.Equal(t, ActionShort, res.Verdict.Action)
	assert.Equal(t, "rsi check", res.Verdict.Reasoning)

	res = svc.Analyze(context.Background(), Request{Action: ActionLong, Indicators: map[string]float64{"rsi": 40}}, time.Second)
	require.True(t, res.Available)
	assert.False(t, res.Agrees(ActionLong))
}

func TestNoopAndNilService(t *testing.T) {
	res := NewService(nil).Analyze(context.Background(), Request{}, time.Second)
	assert.False(t, res.Available)
	assert.ErrorIs(t, res.Err, ErrDisabled)

	var svc *Service
	assert.False(t, svc.Analyze(context.Background(), Request{}, time.Second).Available)
}

func TestConfirm(t *testing.T) {
	agree := Result{Available: true, Verdict: Verdict{Action: ActionLong}}
	disagree := Result{Available: true, Verdict: Verdict{Action: ActionHold}}
	down := Result{Err: ErrDisabled}

	tests := []struct {
		name    string
		res     Result
		conf    float64
		proceed bool
		outcome string
	}{
		{"agrees", agree, 50, true, OutcomeConfirmed},
		{"disagrees low confidence", disagree, 60, false, OutcomeRejected},
		{"disagrees high confidence", disagree, 75, true, OutcomeOverridden},
		{"unavailable", down, 10, true, OutcomeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, outcome := Confirm(tt.res, ActionLong, tt.conf, 75)
			assert.Equal(t, tt.proceed, ok)
			assert.Equal(t, tt.outcome, outcome)
		})
	}
}
