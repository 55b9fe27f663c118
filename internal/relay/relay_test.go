package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	contractmq "flowagent/contracts/mq"
	"flowagent/internal/eventbus"
)

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
	body [][]byte
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.body = append(p.body, body)
	return nil
}

func TestRelayForwardsSelectedTypes(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	pub := &fakePublisher{}
	r := New(bus, pub, []string{"agent:decision_rejected", "bogus"}, zap.NewNop())
	r.Start()
	defer r.Stop()

	bus.Emit(context.Background(), eventbus.DecisionRejectedPayload{RecordID: "r1", Code: "LOW_CONFIDENCE"}, eventbus.WithOrgID("org-1"))
	bus.Emit(context.Background(), eventbus.IntakePayload{IntakeID: "i1", Content: "x"})

	if len(pub.keys) != 1 || pub.keys[0] != "agent.decision_rejected" {
		t.Fatalf("keys = %v", pub.keys)
	}
	var env contractmq.EventEnvelope
	if err := json.Unmarshal(pub.body[0], &env); err != nil {
		t.Fatal(err)
	}
	if env.OrgID != "org-1" || env.Type != "agent:decision_rejected" {
		t.Errorf("envelope = %+v", env)
	}
	var p eventbus.DecisionRejectedPayload
	json.Unmarshal(env.Payload, &p)
	if p.RecordID != "r1" {
		t.Errorf("payload = %+v", p)
	}
}

func TestRelaySkipsReplays(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	pub := &fakePublisher{}
	r := New(bus, pub, []string{"task.sla.breached"}, zap.NewNop())
	r.Start()
	bus.Emit(context.Background(), eventbus.SLABreachedPayload{}, eventbus.WithMetadata("replayed", "true"))
	if len(pub.keys) != 0 {
		t.Errorf("replayed event was relayed")
	}
}

func TestRelayReportsPublishFailure(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	r := New(bus, &fakePublisher{err: errors.New("channel closed")}, []string{"task.sla.warning"}, zap.NewNop())
	r.Start()
	res := bus.Emit(context.Background(), eventbus.SLAWarningPayload{})
	if res.Failed != 1 {
		t.Errorf("failed = %d, want 1", res.Failed)
	}
	r.Stop()
	if bus.SubscriberCount() != 0 {
		t.Errorf("subscribers = %d", bus.SubscriberCount())
	}
}
