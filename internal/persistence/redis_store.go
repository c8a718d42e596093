package persistence

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stageflow/pkg/api"
)

// RedisStore is a RunStore and HistoryStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>run:<id>               => gob-encoded redisRunPayload
//	<prefix>idx:all                => SET of all run IDs
//	<prefix>idx:wf:<workflow>      => SET of run IDs for a given workflow
//	<prefix>idx:status:<status>    => SET of run IDs for a given status
//	<prefix>history:<id>           => LIST of gob-encoded history entries
//
// The indexes are best-effort; stale status entries are filtered against
// the payload when listing.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

type redisRunPayload struct {
	ID         string
	Workflow   string
	Status     string
	Input      string
	Output     []byte
	Error      string
	StartedAt  int64
	FinishedAt int64
}

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "stageflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stageflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyRun(id string) string {
	return s.prefix + "run:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyWorkflow(name string) string {
	return s.prefix + "idx:wf:" + name
}

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisStore) keyHistory(id string) string {
	return s.prefix + "history:" + id
}

func encodeRedisRun(rec *api.RunRecord) ([]byte, error) {
	out, err := EncodeResult(rec.Output)
	if err != nil {
		return nil, err
	}
	return encodeGob(redisRunPayload{
		ID:         rec.ID,
		Workflow:   rec.Workflow,
		Status:     string(rec.Status),
		Input:      rec.Input,
		Output:     out,
		Error:      errString(rec.Err),
		StartedAt:  unixNano(rec.StartedAt),
		FinishedAt: unixNano(rec.FinishedAt),
	})
}

func decodeRedisRun(data []byte) (*api.RunRecord, error) {
	if len(data) == 0 {
		return nil, ErrRunNotFound
	}
	var p redisRunPayload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, err
	}
	out, err := DecodeResult(p.Output)
	if err != nil {
		return nil, err
	}
	return &api.RunRecord{
		ID:         p.ID,
		Workflow:   p.Workflow,
		Status:     api.Status(p.Status),
		Input:      p.Input,
		Output:     out,
		Err:        errFromString(p.Error),
		StartedAt:  fromUnixNano(p.StartedAt),
		FinishedAt: fromUnixNano(p.FinishedAt),
	}, nil
}

func (s *RedisStore) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	data, err := encodeRedisRun(rec)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.keyRun(rec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrRunExists
	}

	s.index(ctx, rec, "")
	return nil
}

func (s *RedisStore) UpdateRun(ctx context.Context, rec *api.RunRecord) error {
	prev, err := s.GetRun(ctx, rec.ID)
	if err != nil {
		return err
	}

	data, err := encodeRedisRun(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.keyRun(rec.ID), data, 0).Err(); err != nil {
		return err
	}

	s.index(ctx, rec, prev.Status)
	return nil
}

// index updates the lookup sets (best-effort; we don't treat index failures as fatal).
func (s *RedisStore) index(ctx context.Context, rec *api.RunRecord, prevStatus api.Status) {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), rec.ID)
	pipe.SAdd(ctx, s.keyWorkflow(rec.Workflow), rec.ID)
	if prevStatus != "" && prevStatus != rec.Status {
		pipe.SRem(ctx, s.keyStatus(prevStatus), rec.ID)
	}
	pipe.SAdd(ctx, s.keyStatus(rec.Status), rec.ID)
	_, _ = pipe.Exec(ctx)
}

func (s *RedisStore) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	data, err := s.client.Get(ctx, s.keyRun(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return decodeRedisRun(data)
}

func (s *RedisStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	var (
		ids []string
		err error
	)
	switch {
	case filter.Workflow != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx, s.keyWorkflow(filter.Workflow), s.keyStatus(filter.Status)).Result()
	case filter.Workflow != "":
		ids, err = s.client.SMembers(ctx, s.keyWorkflow(filter.Workflow)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	runs := []*api.RunRecord{}
	if len(ids) == 0 {
		return runs, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyRun(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		rec, err := decodeRedisRun(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(rec) {
			runs = append(runs, rec)
		}
	}
	sortRuns(runs)
	return runs, nil
}

type redisHistoryPayload struct {
	RunID    string
	At       int64
	Type     string
	Workflow string
	Step     string
	Kind     string
	Detail   string
}

func (s *RedisStore) AppendEvent(ctx context.Context, entry api.HistoryEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	data, err := encodeGob(redisHistoryPayload{
		RunID:    entry.RunID,
		At:       at.UnixNano(),
		Type:     string(entry.Type),
		Workflow: entry.Workflow,
		Step:     entry.Step,
		Kind:     string(entry.Kind),
		Detail:   entry.Detail,
	})
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.keyHistory(entry.RunID), data).Err()
}

func (s *RedisStore) ListEvents(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	items, err := s.client.LRange(ctx, s.keyHistory(runID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]api.HistoryEntry, 0, len(items))
	for _, item := range items {
		var p redisHistoryPayload
		if err := gob.NewDecoder(bytes.NewReader([]byte(item))).Decode(&p); err != nil {
			return nil, err
		}
		out = append(out, api.HistoryEntry{
			RunID:    p.RunID,
			At:       time.Unix(0, p.At),
			Type:     api.HistoryType(p.Type),
			Workflow: p.Workflow,
			Step:     p.Step,
			Kind:     api.Kind(p.Kind),
			Detail:   p.Detail,
		})
	}
	return out, nil
}
