package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultEvidenceStream is the Redis stream equivocation evidence is appended to.
const DefaultEvidenceStream = "lockchain:evidence"

// RedisEvidenceSink appends evidence to a Redis stream so that reputation
// tracking outside this node can consume it.
type RedisEvidenceSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisEvidenceSink creates a sink on an existing client. maxLen caps the
// stream length approximately; zero leaves it unbounded.
func NewRedisEvidenceSink(client redis.UniversalClient, stream string, maxLen int64) *RedisEvidenceSink {
	if stream == "" {
		stream = DefaultEvidenceStream
	}
	return &RedisEvidenceSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisEvidenceSink) Record(ctx context.Context, ev EquivocationEvidence) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"voter_id": ev.VoterID,
			"cycle_id": strconv.FormatUint(ev.CycleID, 10),
			"round":    strconv.FormatUint(ev.Round, 10),
			"evidence": payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}

// Recent reads up to count of the most recent evidence entries, newest first.
func (s *RedisEvidenceSink) Recent(ctx context.Context, count int64) ([]EquivocationEvidence, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("redis xrevrange %s: %w", s.stream, err)
	}
	out := make([]EquivocationEvidence, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["evidence"].(string)
		if !ok {
			continue
		}
		var ev EquivocationEvidence
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode evidence %s: %w", msg.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
