package metrics

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// Payment counters
	PaymentsSubmitted *telemetry.Counter
	PaymentsCompleted *telemetry.Counter
	PaymentsFailed    *telemetry.Counter
	PaymentsRejected  *telemetry.Counter
	PaymentsTimedOut  *telemetry.Counter
	PaymentsCancelled *telemetry.Counter

	// Limit engine counters
	LimitReservations *telemetry.Counter
	LimitRejections   *telemetry.Counter
	LimitReleases     *telemetry.Counter
	LimitExpirations  *telemetry.Counter

	// Fraud counters
	FraudAssessments *telemetry.Counter

	// Resiliency counters
	BreakerTransitions *telemetry.Counter
	RetryAttempts      *telemetry.Counter
	CallsRejected      *telemetry.Counter
	MessagesQueued     *telemetry.Counter
	RedriveResults     *telemetry.Counter

	// Outbox counters
	EventsPublished *telemetry.Counter
	EventsPoisoned  *telemetry.Counter

	// Error tracking
	ErrorsTotal *telemetry.Counter

	// Histograms
	SagaDuration          *telemetry.Histogram
	StepDuration          *telemetry.Histogram
	OutboxPublishLatency  *telemetry.Histogram
	BackendCallDuration   *telemetry.Histogram
	RequestDuration       *telemetry.Histogram

	// Gauges
	ActiveSagas     *telemetry.UpDownCounter
	SuspendedSagas  *telemetry.UpDownCounter
	QueueDepth      *telemetry.UpDownCounter
	OutboxBacklog   *telemetry.UpDownCounter

	initOnce sync.Once
	initErr  error
)

// Init initializes all payment engine metrics
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func initMetrics() error {
	var err error

	// Payment counters
	PaymentsSubmitted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "payments_submitted_total",
		Description: "Total number of payments accepted for orchestration",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	PaymentsCompleted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "payments_completed_total",
		Description: "Total number of payments that reached COMPLETED",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	PaymentsFailed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "payments_failed_total",
		Description: "Total number of payments that reached FAILED after compensation",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	PaymentsRejected, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "payments_rejected_total",
		Description: "Total number of payments rejected by business rules",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	PaymentsTimedOut, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "payments_timed_out_total",
		Description: "Total number of payments that exceeded their orchestration deadline",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	PaymentsCancelled, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "payments_cancelled_total",
		Description: "Total number of payments cancelled by request",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	// Limit engine counters
	LimitReservations, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "limit_reservations_total",
		Description: "Total number of limit reservations created",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	LimitRejections, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "limit_rejections_total",
		Description: "Total number of reservations rejected, by dimension",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	LimitReleases, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "limit_releases_total",
		Description: "Total number of reservations released back to capacity",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	LimitExpirations, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "limit_expirations_total",
		Description: "Total number of reservations expired by the sweeper",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	// Fraud counters
	FraudAssessments, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "fraud_assessments_total",
		Description: "Total number of fraud assessments by outcome",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	// Resiliency counters
	BreakerTransitions, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "breaker_transitions_total",
		Description: "Circuit breaker state transitions by breaker name",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	RetryAttempts, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "retry_attempts_total",
		Description: "Retry attempts beyond the first, by operation",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	CallsRejected, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "resilience_calls_rejected_total",
		Description: "Calls rejected before dispatch (breaker open, bulkhead full)",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	MessagesQueued, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "offline_messages_queued_total",
		Description: "Operations deferred to the offline queue",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	RedriveResults, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "queue_redrive_results_total",
		Description: "Redrive outcomes by result (processed, retry, expired, failed)",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	// Outbox counters
	EventsPublished, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "outbox_events_published_total",
		Description: "Outbox events successfully published to Kafka",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	EventsPoisoned, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "outbox_events_poisoned_total",
		Description: "Outbox events parked as POISON after exhausting publish attempts",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	// Error tracking
	ErrorsTotal, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "payments_errors_total",
		Description: "Total number of errors by type and operation",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	// Histograms
	SagaDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "saga_duration_seconds",
		Description: "Duration from saga start to terminal state",
		Unit:        "s",
	}, []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600}) // 100ms to 1h
	if err != nil {
		return err
	}

	StepDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "saga_step_duration_seconds",
		Description: "Duration of individual saga step executions",
		Unit:        "s",
	}, []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30})
	if err != nil {
		return err
	}

	OutboxPublishLatency, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "outbox_publish_latency_seconds",
		Description: "Lag between event append and Kafka publish",
		Unit:        "s",
	}, []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60})
	if err != nil {
		return err
	}

	BackendCallDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "backend_call_duration_seconds",
		Description: "Duration of guarded calls to core banking backends",
		Unit:        "s",
	}, []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5})
	if err != nil {
		return err
	}

	// Request duration histogram for latency tracking (p50, p90, p99)
	RequestDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "payments_request_duration_seconds",
		Description: "HTTP request duration in seconds",
		Unit:        "s",
	}, []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10})
	if err != nil {
		return err
	}

	// Up-down counters for current state
	ActiveSagas, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "saga_active",
		Description: "Current number of sagas in RUNNING or COMPENSATING",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SuspendedSagas, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "saga_suspended",
		Description: "Current number of sagas awaiting an external trigger",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	QueueDepth, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "offline_queue_depth",
		Description: "Current number of queued messages awaiting redrive",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	OutboxBacklog, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "outbox_backlog",
		Description: "Current number of unpublished outbox events",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	return nil
}

// RecordSubmission records an accepted payment
func RecordSubmission(ctx context.Context, tenantID, paymentType string) {
	if PaymentsSubmitted != nil {
		PaymentsSubmitted.Inc(ctx,
			attribute.String("tenant_id", tenantID),
			attribute.String("payment_type", paymentType),
		)
	}
	if ActiveSagas != nil {
		ActiveSagas.Inc(ctx)
	}
}

// RecordSagaOutcome records a saga reaching a terminal state
func RecordSagaOutcome(ctx context.Context, tenantID, status string, durationSeconds float64) {
	attrs := []attribute.KeyValue{
		attribute.String("tenant_id", tenantID),
	}
	switch status {
	case "COMPLETED":
		if PaymentsCompleted != nil {
			PaymentsCompleted.Inc(ctx, attrs...)
		}
	case "FAILED":
		if PaymentsFailed != nil {
			PaymentsFailed.Inc(ctx, attrs...)
		}
	case "REJECTED":
		if PaymentsRejected != nil {
			PaymentsRejected.Inc(ctx, attrs...)
		}
	case "TIMED_OUT":
		if PaymentsTimedOut != nil {
			PaymentsTimedOut.Inc(ctx, attrs...)
		}
	}
	if SagaDuration != nil {
		SagaDuration.Record(ctx, durationSeconds,
			attribute.String("status", status),
		)
	}
	if ActiveSagas != nil {
		ActiveSagas.Dec(ctx)
	}
}

// RecordCancelRequest counts an accepted cancellation request. The saga
// still finalizes as FAILED with cause cancel_requested, so the outcome
// counters are unaffected.
func RecordCancelRequest(ctx context.Context, tenantID string) {
	if PaymentsCancelled != nil {
		PaymentsCancelled.Inc(ctx, attribute.String("tenant_id", tenantID))
	}
}

// RecordStepDuration records how long a saga step took
func RecordStepDuration(ctx context.Context, step string, success bool, durationSeconds float64) {
	if StepDuration != nil {
		StepDuration.Record(ctx, durationSeconds,
			attribute.String("step", step),
			attribute.Bool("success", success),
		)
	}
}

// RecordSuspension tracks sagas entering or leaving suspension
func RecordSuspension(ctx context.Context, entering bool) {
	if SuspendedSagas == nil {
		return
	}
	if entering {
		SuspendedSagas.Inc(ctx)
	} else {
		SuspendedSagas.Dec(ctx)
	}
}

// RecordReservation records a successful limit reservation
func RecordReservation(ctx context.Context, tenantID string) {
	if LimitReservations != nil {
		LimitReservations.Inc(ctx,
			attribute.String("tenant_id", tenantID),
		)
	}
}

// RecordLimitRejection records a reservation rejected on a dimension
func RecordLimitRejection(ctx context.Context, tenantID, dimension string) {
	if LimitRejections != nil {
		LimitRejections.Inc(ctx,
			attribute.String("tenant_id", tenantID),
			attribute.String("dimension", dimension),
		)
	}
}

// RecordFraudOutcome records one fraud assessment decision
func RecordFraudOutcome(ctx context.Context, tenantID, outcome string, usedFallback bool) {
	if FraudAssessments != nil {
		FraudAssessments.Inc(ctx,
			attribute.String("tenant_id", tenantID),
			attribute.String("outcome", outcome),
			attribute.Bool("used_fallback", usedFallback),
		)
	}
}

// RecordRelease records a reservation released back to capacity
func RecordRelease(ctx context.Context, tenantID string) {
	if LimitReleases != nil {
		LimitReleases.Inc(ctx,
			attribute.String("tenant_id", tenantID),
		)
	}
}

// RecordExpirations records reservations expired by the sweeper
func RecordExpirations(ctx context.Context, count int64) {
	if LimitExpirations != nil {
		LimitExpirations.Add(ctx, count)
	}
}

// RecordBreakerTransition records a circuit breaker state change
func RecordBreakerTransition(ctx context.Context, name, from, to string) {
	if BreakerTransitions != nil {
		BreakerTransitions.Inc(ctx,
			attribute.String("breaker", name),
			attribute.String("from", from),
			attribute.String("to", to),
		)
	}
}

// RecordRetry records a retry attempt beyond the first
func RecordRetry(ctx context.Context, operation string) {
	if RetryAttempts != nil {
		RetryAttempts.Inc(ctx,
			attribute.String("operation", operation),
		)
	}
}

// RecordCallRejected records a call refused before dispatch
func RecordCallRejected(ctx context.Context, service, reason string) {
	if CallsRejected != nil {
		CallsRejected.Inc(ctx,
			attribute.String("service", service),
			attribute.String("reason", reason),
		)
	}
}

// RecordQueued records an operation deferred to the offline queue
func RecordQueued(ctx context.Context, service string) {
	if MessagesQueued != nil {
		MessagesQueued.Inc(ctx,
			attribute.String("service", service),
		)
	}
	if QueueDepth != nil {
		QueueDepth.Inc(ctx)
	}
}

// RecordRedrive records the outcome of a queued message redrive
func RecordRedrive(ctx context.Context, result string) {
	if RedriveResults != nil {
		RedriveResults.Inc(ctx,
			attribute.String("result", result),
		)
	}
	if QueueDepth != nil && (result == "processed" || result == "expired" || result == "cancelled" || result == "failed") {
		QueueDepth.Dec(ctx)
	}
}

// RecordPublish records a successful outbox publish with its append-to-publish lag
func RecordPublish(ctx context.Context, topic string, lagSeconds float64) {
	if EventsPublished != nil {
		EventsPublished.Inc(ctx,
			attribute.String("topic", topic),
		)
	}
	if OutboxPublishLatency != nil {
		OutboxPublishLatency.Record(ctx, lagSeconds)
	}
}

// RecordPoison records an outbox event parked after exhausting attempts
func RecordPoison(ctx context.Context, topic string) {
	if EventsPoisoned != nil {
		EventsPoisoned.Inc(ctx,
			attribute.String("topic", topic),
		)
	}
}

// lastBacklog tracks the previously observed outbox backlog so the gauge
// moves by deltas.
var lastBacklog int64

// SetOutboxBacklog records the observed count of unpublished events
func SetOutboxBacklog(ctx context.Context, observed int64) {
	if OutboxBacklog == nil {
		return
	}
	previous := atomic.SwapInt64(&lastBacklog, observed)
	if delta := observed - previous; delta != 0 {
		OutboxBacklog.Add(ctx, delta)
	}
}

// RecordBackendCall records a guarded backend call
func RecordBackendCall(ctx context.Context, backend, operation string, success bool, durationSeconds float64) {
	if BackendCallDuration != nil {
		BackendCallDuration.Record(ctx, durationSeconds,
			attribute.String("backend", backend),
			attribute.String("operation", operation),
			attribute.Bool("success", success),
		)
	}
}

// RecordError records an error by type and operation
func RecordError(ctx context.Context, errorType, operation string) {
	if ErrorsTotal != nil {
		ErrorsTotal.Inc(ctx,
			attribute.String("error_type", errorType),
			attribute.String("operation", operation),
		)
	}
}

// RecordRequestDuration records HTTP request duration
func RecordRequestDuration(ctx context.Context, operation string, durationSeconds float64) {
	if RequestDuration != nil {
		RequestDuration.Record(ctx, durationSeconds,
			attribute.String("operation", operation),
		)
	}
}
