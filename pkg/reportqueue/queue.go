// Package reportqueue implements analysis.ReportRequester over a Redis
// stream: an XAdd-based pending stream with consumer-group Pop/Ack,
// carrying the report-generation requests TriggerAnalysis enqueues once
// an AnalysisRecord is ready.
package reportqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const streamKeyReports = "reports:queue:pending"

// Request is the payload pushed onto the stream for one report.
type Request struct {
	ID         uuid.UUID `json:"id"`
	ProjectID  uuid.UUID `json:"project_id"`
	Template   string    `json:"template"`
	Priority   string    `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue pushes report requests onto a Redis stream for a downstream
// report-rendering worker to consume.
type Queue struct {
	client *redis.Client
}

// New dials Redis and verifies connectivity.
func New(addr string) (*Queue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Queue{client: client}, nil
}

// Close releases the underlying Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// EnqueueReport implements analysis.ReportRequester: pushes a report
// request onto the pending stream and returns its generated ID.
func (q *Queue) EnqueueReport(ctx context.Context, projectID uuid.UUID, template, priority string) (uuid.UUID, error) {
	req := Request{
		ID:         uuid.New(),
		ProjectID:  projectID,
		Template:   template,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal report request: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKeyReports,
		Values: map[string]interface{}{
			"payload":    payload,
			"project_id": projectID.String(),
			"report_id":  req.ID.String(),
		},
	}).Err()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to push report request: %w", err)
	}
	return req.ID, nil
}

// EnsureGroup creates the consumer group used by report-rendering
// workers, if it doesn't already exist.
func (q *Queue) EnsureGroup(ctx context.Context, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, streamKeyReports, group, "$").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Pop retrieves the next pending report request for a consumer group,
// blocking briefly for new entries. Returns a nil request on timeout.
func (q *Queue) Pop(ctx context.Context, group, consumer string) (string, *Request, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKeyReports, ">"},
		Count:    1,
		Block:    2 * time.Second,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return "", nil, nil
	}

	msg := streams[0].Messages[0]
	payloadStr, ok := msg.Values["payload"].(string)
	if !ok {
		return msg.ID, nil, fmt.Errorf("invalid payload format")
	}

	var req Request
	if err := json.Unmarshal([]byte(payloadStr), &req); err != nil {
		return msg.ID, nil, fmt.Errorf("failed to unmarshal report request: %w", err)
	}
	return msg.ID, &req, nil
}

// Ack acknowledges a report request as processed.
func (q *Queue) Ack(ctx context.Context, group, msgID string) error {
	return q.client.XAck(ctx, streamKeyReports, group, msgID).Err()
}
