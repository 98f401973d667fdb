package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/retry"
)

type mockTx struct{ pgx.Tx }

// fakeEventRepo keeps the event log in memory with the same publish
// bookkeeping as the Postgres implementation: per-saga seq assignment,
// attempt counting, poison parking.
type fakeEventRepo struct {
	events    []*domain.TransactionEvent
	published map[string]time.Time
	attempts  map[string]int
	poisoned  map[string]bool
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{
		published: make(map[string]time.Time),
		attempts:  make(map[string]int),
		poisoned:  make(map[string]bool),
	}
}

func (f *fakeEventRepo) AppendInTx(ctx context.Context, tx pgx.Tx, event *domain.TransactionEvent) error {
	var seq int64
	for _, e := range f.events {
		if e.SagaID == event.SagaID && e.Seq > seq {
			seq = e.Seq
		}
	}
	event.Seq = seq + 1
	stored := *event
	f.events = append(f.events, &stored)
	return nil
}

func (f *fakeEventRepo) ListBySaga(ctx context.Context, sagaID string) ([]*domain.TransactionEvent, error) {
	var out []*domain.TransactionEvent
	for _, e := range f.events {
		if e.SagaID == sagaID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEventRepo) ListUnpublished(ctx context.Context, limit int) ([]*domain.TransactionEvent, error) {
	var out []*domain.TransactionEvent
	for _, e := range f.events {
		if _, ok := f.published[e.EventID]; ok {
			continue
		}
		if f.poisoned[e.EventID] {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeEventRepo) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	f.published[eventID] = at
	return nil
}

func (f *fakeEventRepo) RecordPublishFailure(ctx context.Context, eventID string, maxAttempts int) (bool, error) {
	f.attempts[eventID]++
	if f.attempts[eventID] >= maxAttempts {
		f.poisoned[eventID] = true
		return true, nil
	}
	return false, nil
}

type producedRecord struct {
	topic   string
	key     string
	event   *domain.TransactionEvent
	headers map[string]string
}

type fakeProducer struct {
	records  []producedRecord
	failKeys map[string]bool
}

func (f *fakeProducer) ProduceJSON(ctx context.Context, topic, key string, data interface{}, headers map[string]string) error {
	event := data.(*domain.TransactionEvent)
	if f.failKeys[event.EventID] {
		return errors.New("broker unreachable")
	}
	f.records = append(f.records, producedRecord{topic: topic, key: key, event: event, headers: headers})
	return nil
}

type fakeDLQ struct {
	messages []*retry.DLQMessage
}

func (f *fakeDLQ) PublishToDLQ(ctx context.Context, msg *retry.DLQMessage) error {
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeDLQ) GetDLQTopic(originalTopic string) string { return originalTopic + ".dlq" }

var outboxNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func testSaga(sagaID string) *domain.SagaInstance {
	return &domain.SagaInstance{
		SagaID:         sagaID,
		TenantID:       "tenant-1",
		BusinessUnitID: "bu-1",
	}
}

func TestAppendBuildsEnvelope(t *testing.T) {
	repo := newFakeEventRepo()
	appender := NewAppender(repo, clock.NewFake(outboxNow))

	payload := map[string]string{"payment_id": "pay-1"}
	event, err := appender.Append(context.Background(), mockTx{}, testSaga("saga-1"), "PaymentInitiated", payload, "pay-1", "")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if event.EventID == "" {
		t.Error("expected an assigned event id")
	}
	if event.SagaID != "saga-1" || event.TenantID != "tenant-1" || event.BusinessUnitID != "bu-1" {
		t.Errorf("envelope not stamped from the saga: %+v", event)
	}
	if event.Type != "PaymentInitiated" {
		t.Errorf("unexpected type %s", event.Type)
	}
	if !event.OccurredAt.Equal(outboxNow) {
		t.Errorf("expected occurred_at %v, got %v", outboxNow, event.OccurredAt)
	}
	if event.Seq != 1 {
		t.Errorf("expected seq 1 for first event, got %d", event.Seq)
	}
	var decoded map[string]string
	if err := json.Unmarshal(event.Payload, &decoded); err != nil || decoded["payment_id"] != "pay-1" {
		t.Errorf("payload did not round-trip: %s", event.Payload)
	}
}

func TestAppendNilPayloadWritesEmptyObject(t *testing.T) {
	repo := newFakeEventRepo()
	appender := NewAppender(repo, clock.NewFake(outboxNow))

	event, err := appender.Append(context.Background(), mockTx{}, testSaga("saga-1"), "PaymentTimedOut", nil, "pay-1", "evt-0")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if string(event.Payload) != "{}" {
		t.Errorf("expected empty object payload, got %s", event.Payload)
	}
	if event.CausationID != "evt-0" {
		t.Errorf("expected causation evt-0, got %s", event.CausationID)
	}
}

func TestAppendAssignsPerSagaSequence(t *testing.T) {
	repo := newFakeEventRepo()
	appender := NewAppender(repo, clock.NewFake(outboxNow))
	ctx := context.Background()

	first, _ := appender.Append(ctx, mockTx{}, testSaga("saga-1"), "PaymentInitiated", nil, "pay-1", "")
	second, _ := appender.Append(ctx, mockTx{}, testSaga("saga-1"), "FraudApproved", nil, "pay-1", first.EventID)
	other, _ := appender.Append(ctx, mockTx{}, testSaga("saga-2"), "PaymentInitiated", nil, "pay-2", "")

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("expected seq 1,2 within saga-1, got %d,%d", first.Seq, second.Seq)
	}
	if other.Seq != 1 {
		t.Errorf("sequences are per saga, saga-2 should start at 1, got %d", other.Seq)
	}
}

func newTestPublisher(repo *fakeEventRepo, producer *fakeProducer, dlq *fakeDLQ, maxAttempts int) *Publisher {
	return NewPublisher(repo, producer, dlq, &PublisherConfig{
		Topic:        "payments.transaction-events",
		PollInterval: time.Hour,
		BatchSize:    100,
		MaxAttempts:  maxAttempts,
	}, clock.NewFake(outboxNow))
}

func seedEvents(repo *fakeEventRepo, sagaID string, types ...string) []*domain.TransactionEvent {
	appender := NewAppender(repo, clock.NewFake(outboxNow))
	var out []*domain.TransactionEvent
	for _, typ := range types {
		event, _ := appender.Append(context.Background(), mockTx{}, testSaga(sagaID), typ, nil, "pay-1", "")
		out = append(out, event)
	}
	return out
}

func TestDrainPublishesInOrderAndMarks(t *testing.T) {
	repo := newFakeEventRepo()
	producer := &fakeProducer{}
	p := newTestPublisher(repo, producer, &fakeDLQ{}, 10)

	seedEvents(repo, "saga-1", "PaymentInitiated", "FraudApproved")
	seedEvents(repo, "saga-2", "PaymentInitiated")

	p.drainOnce(context.Background())

	if len(producer.records) != 3 {
		t.Fatalf("expected 3 published events, got %d", len(producer.records))
	}
	if producer.records[0].event.Type != "PaymentInitiated" || producer.records[1].event.Type != "FraudApproved" {
		t.Errorf("saga-1 events out of order: %s, %s", producer.records[0].event.Type, producer.records[1].event.Type)
	}
	for _, rec := range producer.records {
		if rec.key != rec.event.SagaID {
			t.Errorf("messages must be keyed by saga_id, got key %s for saga %s", rec.key, rec.event.SagaID)
		}
		if rec.headers["event_id"] != rec.event.EventID {
			t.Errorf("missing event_id header on %s", rec.event.EventID)
		}
	}
	if len(repo.published) != 3 {
		t.Errorf("expected all rows marked published, got %d", len(repo.published))
	}

	// Nothing left on the next pass
	p.drainOnce(context.Background())
	if len(producer.records) != 3 {
		t.Errorf("republished already-published rows: %d records", len(producer.records))
	}
}

func TestPublishFailureLeavesRowForRetry(t *testing.T) {
	repo := newFakeEventRepo()
	events := seedEvents(repo, "saga-1", "PaymentInitiated")
	producer := &fakeProducer{failKeys: map[string]bool{events[0].EventID: true}}
	dlq := &fakeDLQ{}
	p := newTestPublisher(repo, producer, dlq, 3)

	p.drainOnce(context.Background())

	if repo.attempts[events[0].EventID] != 1 {
		t.Errorf("expected one recorded attempt, got %d", repo.attempts[events[0].EventID])
	}
	if len(repo.published) != 0 {
		t.Error("failed event must stay unpublished")
	}
	if len(dlq.messages) != 0 {
		t.Errorf("event below the attempt cap must not be quarantined, got %d DLQ messages", len(dlq.messages))
	}

	// Broker recovers: the same row publishes on the next pass
	producer.failKeys = nil
	p.drainOnce(context.Background())
	if len(repo.published) != 1 {
		t.Error("expected event published after broker recovery")
	}
}

func TestPublishFailureStallsRestOfSaga(t *testing.T) {
	repo := newFakeEventRepo()
	events := seedEvents(repo, "saga-1", "PaymentInitiated", "FraudApproved")
	seedEvents(repo, "saga-2", "PaymentInitiated")
	producer := &fakeProducer{failKeys: map[string]bool{events[0].EventID: true}}
	p := newTestPublisher(repo, producer, &fakeDLQ{}, 10)

	p.drainOnce(context.Background())

	// saga-1's first event failed, so its second must wait; the
	// independent saga still goes out.
	if len(producer.records) != 1 {
		t.Fatalf("expected only saga-2's event published, got %d records", len(producer.records))
	}
	if got := producer.records[0].event.SagaID; got != "saga-2" {
		t.Errorf("expected saga-2's event, got one from %s", got)
	}
	if _, ok := repo.published[events[1].EventID]; ok {
		t.Error("later event of the stalled saga must stay unpublished")
	}
	if repo.attempts[events[1].EventID] != 0 {
		t.Errorf("stalled event must not burn an attempt, got %d", repo.attempts[events[1].EventID])
	}

	// Broker recovers: the stalled saga drains in seq order
	producer.failKeys = nil
	p.drainOnce(context.Background())
	if len(producer.records) != 3 {
		t.Fatalf("expected all events published after recovery, got %d", len(producer.records))
	}
	if producer.records[1].event.Seq != 1 || producer.records[2].event.Seq != 2 {
		t.Errorf("saga-1 drained out of order: seq %d then %d",
			producer.records[1].event.Seq, producer.records[2].event.Seq)
	}
}

func TestPoisonedEventQuarantinedToDLQ(t *testing.T) {
	repo := newFakeEventRepo()
	events := seedEvents(repo, "saga-1", "PaymentInitiated")
	producer := &fakeProducer{failKeys: map[string]bool{events[0].EventID: true}}
	dlq := &fakeDLQ{}
	p := newTestPublisher(repo, producer, dlq, 2)

	p.drainOnce(context.Background())
	p.drainOnce(context.Background())

	if !repo.poisoned[events[0].EventID] {
		t.Fatal("expected event parked as poison after exhausting attempts")
	}
	if len(dlq.messages) != 1 {
		t.Fatalf("expected one DLQ message, got %d", len(dlq.messages))
	}
	msg := dlq.messages[0]
	if msg.ID != events[0].EventID || msg.OriginalKey != "saga-1" {
		t.Errorf("DLQ message misaddressed: %+v", msg)
	}
	if msg.Source != "outbox-publisher" {
		t.Errorf("unexpected DLQ source %s", msg.Source)
	}

	// Poisoned rows never re-enter the publish scan
	p.drainOnce(context.Background())
	if got := repo.attempts[events[0].EventID]; got != 2 {
		t.Errorf("poisoned row was scanned again, attempts %d", got)
	}
}
