// Package store wraps the shared Redis key/value state with typed
// accessors. The store is the system of record; the bus is volatile.
// Every mutating field has a single writer role: the Executor owns
// experiment run states, the Dispatcher owns archival, the Monitor owns
// aggregates, and the Alert Gate owns nothing here (its cooldowns are
// in-memory). Everything else reads.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Key prefixes for the entities in the shared store.
const (
	keyExperiment  = "experiments:"
	keyRun         = "experiment_runs:"
	keyMetrics     = "metrics:"
	keyAggregated  = "metrics_aggregated:"
	keyMetricsSpec = "metrics_specs:"
	keySchedule    = "schedules:"
	keyTool        = "tools:"

	keyLearningIndex = "learnings:tactical:index"
	keyLearningEntry = "learnings:tactical:"
)

// Store is a typed view over one Redis client. It is safe for concurrent
// use; the client pools connections internally.
type Store struct {
	rdb    redis.Cmdable
	prefix string
	now    func() time.Time
}

// New wraps an existing client. prefix namespaces the document keys
// (status, worklist, product, recent runs); entity keys are fixed.
func New(rdb redis.Cmdable, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix, now: time.Now}
}

// WithClock replaces the store's clock; tests pin timestamps with it.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Open connects to the store endpoint and verifies it with a ping.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}
	return New(client, prefix), nil
}

// Close releases the underlying client if the store owns one.
func (s *Store) Close() error {
	if c, ok := s.rdb.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}

func (s *Store) docKey(name string) string { return s.prefix + name }

// Experiment is the decoded experiments:{id} hash.
type Experiment struct {
	ID              string
	State           string
	Hypothesis      string
	SuccessCriteria []string
	FailureCriteria []string
	Tool            string
	Params          map[string]any
	ArchivedAt      string
	ArchivedReason  string
}

// parseCriteria accepts either a JSON array or a single bare criterion
// string, matching what submitters actually write.
func parseCriteria(raw string) []string {
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list
	}
	return []string{raw}
}

func experimentFromHash(id string, h map[string]string) Experiment {
	exp := Experiment{
		ID:              id,
		State:           h["state"],
		Hypothesis:      h["hypothesis"],
		SuccessCriteria: parseCriteria(h["success_criteria"]),
		FailureCriteria: parseCriteria(h["failure_criteria"]),
		Tool:            h["tool"],
		ArchivedAt:      h["archived_at"],
		ArchivedReason:  h["archived_reason"],
	}
	if raw := h["params"]; raw != "" {
		var params map[string]any
		if err := json.Unmarshal([]byte(raw), &params); err == nil {
			exp.Params = params
		}
	}
	return exp
}

// Experiment loads one experiment hash. A missing key returns a zero
// Experiment with only the ID set.
func (s *Store) Experiment(ctx context.Context, id string) (Experiment, error) {
	h, err := s.rdb.HGetAll(ctx, keyExperiment+id).Result()
	if err != nil {
		return Experiment{ID: id}, err
	}
	return experimentFromHash(id, h), nil
}

// ActiveExperiments scans experiments:* and returns those with state
// active, running, or blank (blank counts as active for monitoring).
func (s *Store) ActiveExperiments(ctx context.Context) ([]Experiment, error) {
	var out []Experiment
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, keyExperiment+"*", 100).Result()
		if err != nil {
			return out, err
		}
		for _, key := range keys {
			h, err := s.rdb.HGetAll(ctx, key).Result()
			if err != nil || len(h) == 0 {
				continue
			}
			exp := experimentFromHash(key[len(keyExperiment):], h)
			switch exp.State {
			case "active", "running", "":
				out = append(out, exp)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// CountExperiments returns (running, total) over all experiment hashes.
// Read-only surface for the Responder.
func (s *Store) CountExperiments(ctx context.Context) (running, total int, err error) {
	var cursor uint64
	for {
		keys, next, scanErr := s.rdb.Scan(ctx, cursor, keyExperiment+"*", 100).Result()
		if scanErr != nil {
			return running, total, scanErr
		}
		for _, key := range keys {
			state, getErr := s.rdb.HGet(ctx, key, "state").Result()
			if getErr != nil && getErr != redis.Nil {
				continue
			}
			total++
			if state == "running" {
				running++
			}
		}
		cursor = next
		if cursor == 0 {
			return running, total, nil
		}
	}
}

// CreateExperiment writes a new experiment hash with state=active.
// Called by the submission path only.
func (s *Store) CreateExperiment(ctx context.Context, exp Experiment) error {
	success, _ := json.Marshal(exp.SuccessCriteria)
	failure, _ := json.Marshal(exp.FailureCriteria)
	fields := map[string]any{
		"state":            "active",
		"hypothesis":       exp.Hypothesis,
		"success_criteria": string(success),
		"failure_criteria": string(failure),
	}
	if exp.Tool != "" {
		fields["tool"] = exp.Tool
	}
	if exp.Params != nil {
		params, _ := json.Marshal(exp.Params)
		fields["params"] = string(params)
	}
	return s.rdb.HSet(ctx, keyExperiment+exp.ID, fields).Err()
}

// SetExperimentState writes the state field. Executor-only writer role.
func (s *Store) SetExperimentState(ctx context.Context, id, state string) error {
	return s.rdb.HSet(ctx, keyExperiment+id, "state", state).Err()
}

// ArchiveExperiment performs the atomic archival HSET. Dispatcher-only
// writer role; archival is terminal.
func (s *Store) ArchiveExperiment(ctx context.Context, id, reason, by string) error {
	return s.rdb.HSet(ctx, keyExperiment+id, map[string]any{
		"state":           "archived",
		"archived_at":     s.now().UTC().Format(time.RFC3339),
		"archived_reason": reason,
		"archived_by":     by,
	}).Err()
}

// SaveRun writes a run record hash. Runs are immutable after their
// terminal status is written.
func (s *Store) SaveRun(ctx context.Context, runID string, fields map[string]string) error {
	m := make(map[string]any, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return s.rdb.HSet(ctx, keyRun+runID, m).Err()
}

// AppendMetric tail-appends one raw metric envelope to the per-experiment
// stream. Retention is external.
func (s *Store) AppendMetric(ctx context.Context, experimentID string, raw []byte) error {
	return s.rdb.RPush(ctx, keyMetrics+experimentID, raw).Err()
}

// Aggregate operations. Each is a single atomic Redis command; a group of
// them for one metric envelope is NOT atomic as a group, and readers
// tolerate point-in-time inconsistency between sum, count, and latest.

func (s *Store) AggIncrEvent(ctx context.Context, experimentID, event string) error {
	return s.rdb.HIncrBy(ctx, keyAggregated+experimentID, event+"_count", 1).Err()
}

func (s *Store) AggObserve(ctx context.Context, experimentID, name string, value float64) error {
	key := keyAggregated + experimentID
	if err := s.rdb.HIncrByFloat(ctx, key, name+"_sum", value).Err(); err != nil {
		return err
	}
	if err := s.rdb.HIncrBy(ctx, key, name+"_count", 1).Err(); err != nil {
		return err
	}
	return s.rdb.HSet(ctx, key, name+"_latest", strconv.FormatFloat(value, 'f', -1, 64)).Err()
}

func (s *Store) AggTouch(ctx context.Context, experimentID string) error {
	return s.rdb.HSet(ctx, keyAggregated+experimentID, "last_updated", s.now().UTC().Format(time.RFC3339)).Err()
}

// AggSnapshot reads the raw aggregate hash in one HGETALL. The snapshot
// is a consistent view of the hash at one point, though sibling fields
// for a metric may reflect different envelopes under concurrent writers.
func (s *Store) AggSnapshot(ctx context.Context, experimentID string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, keyAggregated+experimentID).Result()
}

// MetricsSpec reads the declared metrics for an experiment.
func (s *Store) MetricsSpec(ctx context.Context, experimentID string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, keyMetricsSpec+experimentID).Result()
}

// SetMetricsSpec declares metrics at submission time; read-only after.
func (s *Store) SetMetricsSpec(ctx context.Context, experimentID string, spec map[string]string) error {
	m := make(map[string]any, len(spec))
	for k, v := range spec {
		m[k] = v
	}
	return s.rdb.HSet(ctx, keyMetricsSpec+experimentID, m).Err()
}

// Schedule is the schedules:{id} hash.
type Schedule struct {
	Cron     string
	Timezone string
	Enabled  bool
}

func (s *Store) Schedule(ctx context.Context, experimentID string) (Schedule, error) {
	h, err := s.rdb.HGetAll(ctx, keySchedule+experimentID).Result()
	if err != nil {
		return Schedule{}, err
	}
	enabled, _ := strconv.ParseBool(h["enabled"])
	return Schedule{Cron: h["cron"], Timezone: h["timezone"], Enabled: enabled}, nil
}

func (s *Store) SetSchedule(ctx context.Context, experimentID string, sched Schedule) error {
	return s.rdb.HSet(ctx, keySchedule+experimentID, map[string]any{
		"cron":     sched.Cron,
		"timezone": sched.Timezone,
		"enabled":  strconv.FormatBool(sched.Enabled),
	}).Err()
}

// SetToolState registers or flips a tool in the registry. state is
// "active" or "inactive".
func (s *Store) SetToolState(ctx context.Context, name, state string) error {
	return s.rdb.HSet(ctx, keyTool+name, "state", state).Err()
}

// ToolState returns the registry state for a tool, "" if unregistered.
func (s *Store) ToolState(ctx context.Context, name string) (string, error) {
	state, err := s.rdb.HGet(ctx, keyTool+name, "state").Result()
	if err == redis.Nil {
		return "", nil
	}
	return state, err
}

// ActiveTools lists registered tools with state=active.
func (s *Store) ActiveTools(ctx context.Context) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, keyTool+"*", 100).Result()
		if err != nil {
			return out, err
		}
		for _, key := range keys {
			state, err := s.rdb.HGet(ctx, key, "state").Result()
			if err == nil && state == "active" {
				out = append(out, key[len(keyTool):])
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// AppendLearning stores a learning entry and indexes it by timestamp in
// the tactical sorted set. The entry gets an RFC3339 header. Append-only.
func (s *Store) AppendLearning(ctx context.Context, text string) error {
	now := s.now().UTC()
	entryKey := keyLearningEntry + uuid.NewString()
	entry := fmt.Sprintf("## %s\n%s", now.Format(time.RFC3339), text)
	if err := s.rdb.Set(ctx, entryKey, entry, 0).Err(); err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, keyLearningIndex, redis.Z{
		Score:  float64(now.Unix()),
		Member: entryKey,
	}).Err()
}

// RecentLearnings returns the latest n learning entries, newest first.
func (s *Store) RecentLearnings(ctx context.Context, n int64) ([]string, error) {
	keys, err := s.rdb.ZRevRange(ctx, keyLearningIndex, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		entry, err := s.rdb.Get(ctx, key).Result()
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("dangling learning index entry")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Document accessors. Dispatcher-owned for writes.

func (s *Store) Worklist(ctx context.Context) (string, error) {
	v, err := s.rdb.Get(ctx, s.docKey("worklist")).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// SetWorklist overwrites the worklist document.
func (s *Store) SetWorklist(ctx context.Context, content string) error {
	return s.rdb.Set(ctx, s.docKey("worklist"), content, 0).Err()
}

func (s *Store) Product(ctx context.Context) (string, error) {
	v, err := s.rdb.Get(ctx, s.docKey("product")).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *Store) Status(ctx context.Context) (string, error) {
	v, err := s.rdb.Get(ctx, s.docKey("status")).Result()
	if err == redis.Nil {
		return "unknown", nil
	}
	return v, err
}

// RecentRuns returns the last n entries from the activity log.
func (s *Store) RecentRuns(ctx context.Context, n int64) ([]string, error) {
	return s.rdb.LRange(ctx, s.docKey("recent_runs"), 0, n-1).Result()
}

// PushRecentRun records one activity entry at the head of the log.
func (s *Store) PushRecentRun(ctx context.Context, entry string) error {
	return s.rdb.LPush(ctx, s.docKey("recent_runs"), entry).Err()
}
