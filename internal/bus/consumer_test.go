package bus

import (
	"context"
	"errors"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/job"
	"pgsorchestrator/internal/supervisor"
	"pgsorchestrator/internal/testutil"
	"pgsorchestrator/pkg/retry"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MemberID() string         { return "member-1" }
func (s *fakeSession) GenerationID() int32      { return 1 }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

func (s *fakeSession) offsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newClaim(values ...string) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		ch <- &sarama.ConsumerMessage{Topic: "pipeline-launch", Offset: int64(i), Value: []byte(v)}
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

// scriptedSubmitter returns the queued error for each call, then nil.
type scriptedSubmitter struct {
	mu    sync.Mutex
	errs  []error
	calls atomic.Int64
	seen  [][]byte
}

func (s *scriptedSubmitter) Submit(_ context.Context, raw []byte) (*job.Job, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, raw)
	if len(s.errs) == 0 {
		return &job.Job{ID: "INTP000001"}, nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return nil, err
}

func newHandler(target Submitter) *requestHandler {
	c := NewConsumer(nil, Config{SubmitRetry: retry.Policy{MaxRetries: 2, Initial: time.Millisecond, Max: time.Millisecond}}, target)
	return c.handler
}

func TestConsumeClaim_MarksHandledRequests(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		errs       []error
		wantCalls  int64
		wantMarked int
		wantErr    bool
	}{
		{name: "accepted", wantCalls: 1, wantMarked: 1},
		{name: "invalid request", errs: []error{apperrors.Validation("pipeline_param.id", "job id is required")}, wantCalls: 1, wantMarked: 1},
		{name: "duplicate", errs: []error{apperrors.Conflict("job", "INTP000001", "job already exists")}, wantCalls: 1, wantMarked: 1},
		{name: "store hiccup", errs: []error{errors.New("connection reset")}, wantCalls: 2, wantMarked: 1},
		{name: "store down", errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}, wantCalls: 3, wantMarked: 0, wantErr: true},
		{name: "shutting down", errs: []error{supervisor.ErrClosed}, wantCalls: 1, wantMarked: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			target := &scriptedSubmitter{errs: tt.errs}
			sess := &fakeSession{ctx: context.Background()}

			err := newHandler(target).ConsumeClaim(sess, newClaim(`{"pipeline_param":{"id":"INTP000001"}}`))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ConsumeClaim error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := target.calls.Load(); got != tt.wantCalls {
				t.Errorf("expected %d submit calls, got %d", tt.wantCalls, got)
			}
			if got := len(sess.offsets()); got != tt.wantMarked {
				t.Errorf("expected %d marked messages, got %d", tt.wantMarked, got)
			}
		})
	}
}

func TestConsumeClaim_StopsAtFirstUnrecordedRequest(t *testing.T) {
	t.Parallel()
	target := &scriptedSubmitter{errs: []error{nil, errors.New("x"), errors.New("y"), errors.New("z")}}
	sess := &fakeSession{ctx: context.Background()}

	err := newHandler(target).ConsumeClaim(sess, newClaim("first", "second", "third"))
	if err == nil {
		t.Fatal("expected an error for the unrecorded request")
	}
	if got := sess.offsets(); len(got) != 1 || got[0] != 0 {
		t.Errorf("expected only offset 0 marked, got %v", got)
	}
	if len(target.seen) != 4 || string(target.seen[3]) != "second" {
		t.Errorf("third request must not be submitted before the second is recorded")
	}
}

func TestConsumeClaim_ReturnsWhenSessionEnds(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan error, 1)
	go func() { done <- newHandler(&scriptedSubmitter{}).ConsumeClaim(sess, claim) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on session end, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return")
	}
}

// fakeGroup delivers one claim per Consume call until ctx is cancelled.
type fakeGroup struct {
	sarama.ConsumerGroup
	errs     chan error
	sessions atomic.Int64
	values   []string
	sess     *fakeSession
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Consume(ctx context.Context, _ []string, handler sarama.ConsumerGroupHandler) error {
	g.sessions.Add(1)
	if err := handler.Setup(g.sess); err != nil {
		return err
	}
	err := handler.ConsumeClaim(g.sess, newClaim(g.values...))
	_ = handler.Cleanup(g.sess)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Millisecond):
	}
	return nil
}

func (g *fakeGroup) Close() error {
	close(g.errs)
	return nil
}

func TestConsumer_RunRejoinsUntilCancelled(t *testing.T) {
	t.Parallel()
	group := &fakeGroup{
		errs:   make(chan error),
		values: []string{"request"},
		sess:   &fakeSession{ctx: context.Background()},
	}
	target := &scriptedSubmitter{}
	c := NewConsumer(group, Config{}, target)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	testutil.MustWaitForCount(t, &group.sessions, 2)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if target.calls.Load() < 2 {
		t.Errorf("expected a submit per session, got %d", target.calls.Load())
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("REQUEST_TOPIC", "launch")

	cfg := LoadConfigFromEnv()
	if len(cfg.Brokers) != 2 || cfg.Brokers[1] != "kafka-2:9092" {
		t.Errorf("unexpected brokers %v", cfg.Brokers)
	}
	if cfg.Topic != "launch" || cfg.GroupID != "pgs-orchestrator" {
		t.Errorf("unexpected config %+v", cfg)
	}
}
