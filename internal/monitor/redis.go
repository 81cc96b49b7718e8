package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/crewnexus/internal/event"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "workflow:"
	eventsPrefix  = "workflow_events:"
)

// RedisSink publishes events on a per-workflow channel, keeps them in a
// sorted set scored by timestamp and stores metrics in expiring hashes.
type RedisSink struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisSink connects to redisURL and checks the connection.
func NewRedisSink(ctx context.Context, redisURL string, logger *zap.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisSinkFromClient(rdb, logger), nil
}

// NewRedisSinkFromClient wraps an existing client.
func NewRedisSinkFromClient(rdb *redis.Client, logger *zap.Logger) *RedisSink {
	return &RedisSink{rdb: rdb, ttl: MetricsTTL, logger: logger}
}

// Publish sends ev to subscribers of its workflow and appends it to the
// workflow's event log.
func (s *RedisSink) Publish(ctx context.Context, ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Publish(ctx, channelPrefix+ev.WorkflowID, data)
		p.ZAdd(ctx, eventsPrefix+ev.WorkflowID, redis.Z{
			Score:  float64(ev.Timestamp.UnixNano()) / 1e9,
			Member: data,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, ev.WorkflowID, err)
	}

	s.logger.Debug("published event",
		zap.String("workflow", ev.WorkflowID),
		zap.String("type", string(ev.Type)))
	return nil
}

// RecordMetrics upserts the metrics hash of scope and refreshes its expiry.
func (s *RedisSink) RecordMetrics(ctx context.Context, scope event.Scope, metrics map[string]any) error {
	if len(metrics) == 0 {
		return nil
	}
	key := metricsKey(scope)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, flatten(metrics))
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record metrics %s: %w", key, err)
	}
	return nil
}

// RecordRun folds run into its scope's counters. Averages are derived
// when read.
func (s *RedisSink) RecordRun(ctx context.Context, run event.Run) error {
	key := metricsKey(run.Scope)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, key, "total_executions", 1)
		p.HIncrBy(ctx, key, outcomeField(run.Outcome), 1)
		p.HIncrBy(ctx, key, "total_execution_time_ms", run.Elapsed.Milliseconds())
		p.HIncrBy(ctx, key, "total_tokens_used", int64(run.TokensUsed))
		p.HSet(ctx, key, "last_execution", run.At.UTC().Format(time.RFC3339Nano))
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record run %s: %w", key, err)
	}
	return nil
}

func outcomeField(o event.Outcome) string {
	switch o {
	case event.OutcomeSucceeded, event.OutcomeCancelled:
		return string(o) + "_executions"
	}
	return "failed_executions"
}

// Recent returns up to limit events of workflowID, newest first.
func (s *RedisSink) Recent(ctx context.Context, workflowID string, limit int) ([]*event.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	raw, err := s.rdb.ZRevRange(ctx, eventsPrefix+workflowID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read events of %s: %w", workflowID, err)
	}
	events := make([]*event.Event, 0, len(raw))
	for _, r := range raw {
		var ev event.Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			s.logger.Warn("skipping malformed event", zap.String("workflow", workflowID), zap.Error(err))
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

// Subscribe streams events published for workflowID. The channel closes
// when ctx is done.
func (s *RedisSink) Subscribe(ctx context.Context, workflowID string) (<-chan *event.Event, error) {
	ps := s.rdb.Subscribe(ctx, channelPrefix+workflowID)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", workflowID, err)
	}

	ch := make(chan *event.Event, 16)
	go func() {
		defer close(ch)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev event.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("skipping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case ch <- &ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// WorkflowMetrics returns the metrics hash of workflowID.
func (s *RedisSink) WorkflowMetrics(ctx context.Context, workflowID string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, metricsKey(event.WorkflowScope(workflowID))).Result()
	if err != nil {
		return nil, fmt.Errorf("read workflow metrics %s: %w", workflowID, err)
	}
	return m, nil
}

// AgentMetrics returns the aggregated stats of agentID, zero-valued when
// nothing was recorded.
func (s *RedisSink) AgentMetrics(ctx context.Context, agentID string) (*RunStats, error) {
	return s.readStats(ctx, event.AgentScope(agentID))
}

// Performance scans every agent and workflow metrics hash. Hashes without
// recorded runs are skipped.
func (s *RedisSink) Performance(ctx context.Context) (*Performance, error) {
	var errs []error
	collect := func(kind event.ScopeKind) []RunStats {
		var out []RunStats
		prefix := metricsKey(event.Scope{Kind: kind})
		iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			scope := event.Scope{Kind: kind, ID: strings.TrimPrefix(iter.Val(), prefix)}
			st, err := s.readStats(ctx, scope)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if st.TotalExecutions > 0 {
				out = append(out, *st)
			}
		}
		if err := iter.Err(); err != nil {
			errs = append(errs, fmt.Errorf("scan %s: %w", prefix, err))
		}
		return out
	}
	agents := collect(event.ScopeAgent)
	workflows := collect(event.ScopeWorkflow)
	return NewPerformance(agents, workflows), errors.Join(errs...)
}

func (s *RedisSink) readStats(ctx context.Context, scope event.Scope) (*RunStats, error) {
	key := metricsKey(scope)
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read metrics %s: %w", key, err)
	}
	st := &RunStats{ID: scope.ID}
	var errs []error
	parse := func(field string) int64 {
		v, ok := m[field]
		if !ok {
			return 0
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", field, err))
		}
		return n
	}
	st.TotalExecutions = parse("total_executions")
	st.SuccessfulExecutions = parse("successful_executions")
	st.FailedExecutions = parse("failed_executions")
	st.CancelledExecutions = parse("cancelled_executions")
	st.TotalExecutionTime = time.Duration(parse("total_execution_time_ms")) * time.Millisecond
	st.TotalTokensUsed = parse("total_tokens_used")
	if v, ok := m["last_execution"]; ok {
		if at, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.LastExecution = &at
		}
	}
	st.derive()
	if len(errs) > 0 {
		return st, fmt.Errorf("metrics %s: %w", key, errors.Join(errs...))
	}
	return st, nil
}

// Ping checks the connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis connection.
func (s *RedisSink) Close() error {
	return s.rdb.Close()
}
