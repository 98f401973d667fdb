package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDefaultDLQConfig(t *testing.T) {
	config := DefaultDLQConfig()

	if config.TopicPrefix != "dlq." {
		t.Errorf("TopicPrefix = %s, want dlq.", config.TopicPrefix)
	}

	if config.TopicSuffix != ".dlq" {
		t.Errorf("TopicSuffix = %s, want .dlq", config.TopicSuffix)
	}

	if config.UsePrefix {
		t.Error("UsePrefix should be false by default")
	}

	if config.Source != "unknown" {
		t.Errorf("Source = %s, want unknown", config.Source)
	}
}

func TestDLQMessage_JSON(t *testing.T) {
	now := time.Now()
	msg := &DLQMessage{
		ID:            "msg-123",
		TenantID:      "tenant-a",
		CorrelationID: "corr-1",
		OriginalTopic: "payment-events",
		OriginalKey:   "pay-456",
		Payload:       json.RawMessage(`{"test": "data"}`),
		Headers: map[string]string{
			"event_type": "payment.initiated",
		},
		Error:          "kafka connection failed",
		ErrorCode:      "KAFKA_ERR",
		Attempts:       3,
		FirstAttemptAt: now.Add(-5 * time.Minute),
		LastAttemptAt:  now,
		MovedToDLQAt:   now,
		Source:         "outbox-publisher",
		Metadata: map[string]interface{}{
			"saga_id": "saga-789",
		},
	}

	// Test JSON marshaling
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal DLQMessage: %v", err)
	}

	// Test JSON unmarshaling
	var decoded DLQMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal DLQMessage: %v", err)
	}

	if decoded.ID != msg.ID {
		t.Errorf("ID = %s, want %s", decoded.ID, msg.ID)
	}

	if decoded.TenantID != msg.TenantID {
		t.Errorf("TenantID = %s, want %s", decoded.TenantID, msg.TenantID)
	}

	if decoded.OriginalTopic != msg.OriginalTopic {
		t.Errorf("OriginalTopic = %s, want %s", decoded.OriginalTopic, msg.OriginalTopic)
	}

	if decoded.Error != msg.Error {
		t.Errorf("Error = %s, want %s", decoded.Error, msg.Error)
	}

	if decoded.Attempts != msg.Attempts {
		t.Errorf("Attempts = %d, want %d", decoded.Attempts, msg.Attempts)
	}
}

// mockProducer records ProduceJSON calls for testing
type mockProducer struct {
	PublishedMessages []struct {
		Topic   string
		Key     string
		Data    interface{}
		Headers map[string]string
	}
	ShouldFail bool
}

func (m *mockProducer) ProduceJSON(ctx context.Context, topic string, key string, data interface{}, headers map[string]string) error {
	if m.ShouldFail {
		return errors.New("mock publish failed")
	}

	m.PublishedMessages = append(m.PublishedMessages, struct {
		Topic   string
		Key     string
		Data    interface{}
		Headers map[string]string
	}{
		Topic:   topic,
		Key:     key,
		Data:    data,
		Headers: headers,
	})

	return nil
}

func TestKafkaDLQPublisher_GetDLQTopic(t *testing.T) {
	tests := []struct {
		name          string
		originalTopic string
		usePrefix     bool
		prefix        string
		suffix        string
		expected      string
	}{
		{
			name:          "suffix mode",
			originalTopic: "payment-events",
			usePrefix:     false,
			suffix:        ".dlq",
			expected:      "payment-events.dlq",
		},
		{
			name:          "prefix mode",
			originalTopic: "payment-events",
			usePrefix:     true,
			prefix:        "dlq.",
			expected:      "dlq.payment-events",
		},
		{
			name:          "custom suffix",
			originalTopic: "clearing-outcomes",
			usePrefix:     false,
			suffix:        "-dead-letter",
			expected:      "clearing-outcomes-dead-letter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &DLQConfig{
				TopicPrefix: tt.prefix,
				TopicSuffix: tt.suffix,
				UsePrefix:   tt.usePrefix,
			}

			publisher := NewKafkaDLQPublisher(&mockProducer{}, config)
			got := publisher.GetDLQTopic(tt.originalTopic)

			if got != tt.expected {
				t.Errorf("GetDLQTopic(%s) = %s, want %s", tt.originalTopic, got, tt.expected)
			}
		})
	}
}

func TestKafkaDLQPublisher_PublishToDLQ(t *testing.T) {
	mock := &mockProducer{}
	config := &DLQConfig{
		TopicSuffix: ".dlq",
		UsePrefix:   false,
		Source:      "outbox-publisher",
	}

	publisher := NewKafkaDLQPublisher(mock, config)

	msg := &DLQMessage{
		ID:            "msg-123",
		TenantID:      "tenant-a",
		CorrelationID: "corr-1",
		OriginalTopic: "payment-events",
		OriginalKey:   "pay-456",
		Payload:       json.RawMessage(`{"payment_id": "pay-456"}`),
		Headers: map[string]string{
			"event_type": "payment.initiated",
		},
		Error:          "kafka connection failed",
		Attempts:       3,
		FirstAttemptAt: time.Now().Add(-1 * time.Minute),
		LastAttemptAt:  time.Now(),
	}

	err := publisher.PublishToDLQ(context.Background(), msg)
	if err != nil {
		t.Fatalf("PublishToDLQ failed: %v", err)
	}

	if len(mock.PublishedMessages) != 1 {
		t.Fatalf("Expected 1 published message, got %d", len(mock.PublishedMessages))
	}

	published := mock.PublishedMessages[0]

	if published.Topic != "payment-events.dlq" {
		t.Errorf("Topic = %s, want payment-events.dlq", published.Topic)
	}

	if published.Key != "pay-456" {
		t.Errorf("Key = %s, want pay-456", published.Key)
	}

	// Check headers
	if published.Headers["original_topic"] != "payment-events" {
		t.Errorf("Header original_topic = %s, want payment-events", published.Headers["original_topic"])
	}

	if published.Headers["error"] != "kafka connection failed" {
		t.Errorf("Header error = %s, want 'kafka connection failed'", published.Headers["error"])
	}

	if published.Headers["attempts"] != "3" {
		t.Errorf("Header attempts = %s, want 3", published.Headers["attempts"])
	}

	if published.Headers["tenant_id"] != "tenant-a" {
		t.Errorf("Header tenant_id = %s, want tenant-a", published.Headers["tenant_id"])
	}

	if published.Headers["correlation_id"] != "corr-1" {
		t.Errorf("Header correlation_id = %s, want corr-1", published.Headers["correlation_id"])
	}

	if published.Headers["source"] != "outbox-publisher" {
		t.Errorf("Header source = %s, want outbox-publisher", published.Headers["source"])
	}

	// Check that MovedToDLQAt was set
	publishedMsg, ok := published.Data.(*DLQMessage)
	if !ok {
		t.Fatal("Published data is not a DLQMessage")
	}

	if publishedMsg.MovedToDLQAt.IsZero() {
		t.Error("MovedToDLQAt should be set")
	}

	if publishedMsg.Source != "outbox-publisher" {
		t.Errorf("Source = %s, want outbox-publisher", publishedMsg.Source)
	}
}

func TestKafkaDLQPublisher_PublishToDLQ_NilMessage(t *testing.T) {
	mock := &mockProducer{}
	publisher := NewKafkaDLQPublisher(mock, nil)

	err := publisher.PublishToDLQ(context.Background(), nil)
	if err == nil {
		t.Error("Expected error for nil message")
	}
}

func TestKafkaDLQPublisher_PublishToDLQ_PublishFails(t *testing.T) {
	mock := &mockProducer{ShouldFail: true}
	publisher := NewKafkaDLQPublisher(mock, nil)

	msg := &DLQMessage{
		ID:            "msg-123",
		OriginalTopic: "payment-events",
		OriginalKey:   "pay-456",
		Error:         "test error",
	}

	err := publisher.PublishToDLQ(context.Background(), msg)
	if err == nil {
		t.Error("Expected error when publish fails")
	}
}

func TestNewKafkaDLQPublisher_WithNilConfig(t *testing.T) {
	mock := &mockProducer{}
	publisher := NewKafkaDLQPublisher(mock, nil)

	if publisher.config == nil {
		t.Fatal("Config should not be nil")
	}

	if publisher.config.TopicSuffix != ".dlq" {
		t.Errorf("TopicSuffix = %s, want .dlq", publisher.config.TopicSuffix)
	}
}

func TestNoOpDLQPublisher(t *testing.T) {
	publisher := NewNoOpDLQPublisher()

	msg := &DLQMessage{
		ID:            "msg-123",
		OriginalTopic: "test-topic",
	}

	err := publisher.PublishToDLQ(context.Background(), msg)
	if err != nil {
		t.Errorf("NoOpDLQPublisher.PublishToDLQ should not return error, got %v", err)
	}

	topic := publisher.GetDLQTopic("test-topic")
	if topic != "test-topic.dlq" {
		t.Errorf("GetDLQTopic = %s, want test-topic.dlq", topic)
	}
}

func TestDLQHandler_ProcessWithDLQ_Success(t *testing.T) {
	mock := &mockProducer{}
	dlqPublisher := NewKafkaDLQPublisher(mock, nil)

	handlerConfig := &DLQHandlerConfig{
		RetryConfig: &Config{
			MaxRetries:      3,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2.0,
			JitterFactor:    0,
		},
		Source: "queue-redrive-worker",
	}

	handler := NewDLQHandler(dlqPublisher, handlerConfig)

	msgCtx := &MessageContext{
		ID:      "msg-123",
		Topic:   "payment-events",
		Key:     "pay-456",
		Payload: json.RawMessage(`{"test": "data"}`),
	}

	attempts := 0
	op := func(ctx context.Context) error {
		attempts++
		return nil
	}

	err := handler.ProcessWithDLQ(context.Background(), msgCtx, op)
	if err != nil {
		t.Errorf("ProcessWithDLQ failed: %v", err)
	}

	if attempts != 1 {
		t.Errorf("Operation called %d times, want 1", attempts)
	}

	// No DLQ message should be published
	if len(mock.PublishedMessages) != 0 {
		t.Errorf("Expected 0 DLQ messages, got %d", len(mock.PublishedMessages))
	}
}

func TestDLQHandler_ProcessWithDLQ_AllRetriesFail(t *testing.T) {
	mock := &mockProducer{}
	dlqPublisher := NewKafkaDLQPublisher(mock, &DLQConfig{
		TopicSuffix: ".dlq",
		Source:      "queue-redrive-worker",
	})

	handlerConfig := &DLQHandlerConfig{
		RetryConfig: &Config{
			MaxRetries:      2,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2.0,
			JitterFactor:    0,
		},
		Source: "queue-redrive-worker",
	}

	var dlqCallback *DLQMessage
	handlerConfig.OnDLQ = func(msg *DLQMessage) {
		dlqCallback = msg
	}

	handler := NewDLQHandler(dlqPublisher, handlerConfig)

	msgCtx := &MessageContext{
		ID:            "msg-123",
		TenantID:      "tenant-a",
		CorrelationID: "corr-1",
		Topic:         "payment-events",
		Key:           "pay-456",
		Payload:       json.RawMessage(`{"test": "data"}`),
		Headers: map[string]string{
			"event_type": "payment.initiated",
		},
	}

	attempts := 0
	op := func(ctx context.Context) error {
		attempts++
		return errors.New("persistent error")
	}

	err := handler.ProcessWithDLQ(context.Background(), msgCtx, op)
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got %v", err)
	}

	// Initial + 2 retries = 3 total
	if attempts != 3 {
		t.Errorf("Operation called %d times, want 3", attempts)
	}

	// DLQ message should be published
	if len(mock.PublishedMessages) != 1 {
		t.Fatalf("Expected 1 DLQ message, got %d", len(mock.PublishedMessages))
	}

	published := mock.PublishedMessages[0]
	if published.Topic != "payment-events.dlq" {
		t.Errorf("DLQ topic = %s, want payment-events.dlq", published.Topic)
	}

	// Check callback was invoked
	if dlqCallback == nil {
		t.Error("OnDLQ callback was not invoked")
	} else {
		if dlqCallback.Attempts != 3 {
			t.Errorf("DLQ callback attempts = %d, want 3", dlqCallback.Attempts)
		}
		if dlqCallback.TenantID != "tenant-a" {
			t.Errorf("DLQ callback tenant = %s, want tenant-a", dlqCallback.TenantID)
		}
	}
}

func TestDLQHandler_ProcessWithDLQ_PermanentError(t *testing.T) {
	mock := &mockProducer{}
	dlqPublisher := NewKafkaDLQPublisher(mock, nil)

	handlerConfig := &DLQHandlerConfig{
		RetryConfig: &Config{
			MaxRetries:      5,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2.0,
			JitterFactor:    0,
		},
		Source: "queue-redrive-worker",
	}

	handler := NewDLQHandler(dlqPublisher, handlerConfig)

	msgCtx := &MessageContext{
		ID:    "msg-123",
		Topic: "payment-events",
		Key:   "pay-456",
	}

	attempts := 0
	op := func(ctx context.Context) error {
		attempts++
		return Permanent(errors.New("permanent error"))
	}

	err := handler.ProcessWithDLQ(context.Background(), msgCtx, op)
	if err == nil {
		t.Error("Expected error for permanent error")
	}

	// Only 1 attempt for permanent errors
	if attempts != 1 {
		t.Errorf("Operation called %d times, want 1", attempts)
	}

	// DLQ message should still be published for permanent errors
	if len(mock.PublishedMessages) != 1 {
		t.Errorf("Expected 1 DLQ message for permanent error, got %d", len(mock.PublishedMessages))
	}
}

func TestDefaultDLQHandlerConfig(t *testing.T) {
	config := DefaultDLQHandlerConfig()

	if config.RetryConfig == nil {
		t.Error("RetryConfig should not be nil")
	}

	if config.Source != "unknown" {
		t.Errorf("Source = %s, want unknown", config.Source)
	}
}

func TestNewDLQHandler_WithNilConfig(t *testing.T) {
	mock := &mockProducer{}
	dlqPublisher := NewKafkaDLQPublisher(mock, nil)

	handler := NewDLQHandler(dlqPublisher, nil)
	if handler.config == nil {
		t.Error("Config should not be nil")
	}
}
