// Package redisstate implements the distributed state manager on Redis. A
// single Lua script is the only authoritative reader/writer for a state key;
// regular reads are advisory snapshots. Kill propagation rides Redis pub/sub.
package redisstate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mandategate/mandategate/internal/runtime"
)

// Key TTL outlives the mandate so late commits against an expired mandate
// still see replay state.
const stateTTL = 15 * time.Minute

// checkAndCommitScript performs the atomic transition: re-check replay,
// kill, budget, and rate limits against the authoritative state, then apply
// the change. All keys share the {agentID} hash tag so the script works on
// cluster deployments.
//
// KEYS[1] = state hash, KEYS[2] = seen-action set, KEYS[3] = agent kill key
// ARGV: actionId, cost, costClass, toolName, maxCostTotal(-1=unlimited),
//
//	maxCostPerCall(-1=unlimited), rlMax, rlWindowMs (-1=none),
//	trlMax, trlWindowMs (-1=none), nowMs, ttlSec
var checkAndCommitScript = redis.NewScript(`
local state = KEYS[1]
local seen = KEYS[2]
local agentKill = KEYS[3]

local actionId = ARGV[1]
local cost = tonumber(ARGV[2])
local costClass = ARGV[3]
local tool = ARGV[4]
local maxTotal = tonumber(ARGV[5])
local maxPerCall = tonumber(ARGV[6])
local rlMax = tonumber(ARGV[7])
local rlWindow = tonumber(ARGV[8])
local trlMax = tonumber(ARGV[9])
local trlWindow = tonumber(ARGV[10])
local now = tonumber(ARGV[11])
local ttl = tonumber(ARGV[12])

if redis.call("SISMEMBER", seen, actionId) == 1 then
    return "REPLAY"
end
if redis.call("EXISTS", agentKill) == 1 then
    return "KILLED"
end
if redis.call("HGET", state, "killed") == "1" then
    return "KILLED"
end

if maxPerCall >= 0 and cost > maxPerCall then
    return "PER_CALL_LIMIT"
end

local cum = tonumber(redis.call("HGET", state, "cumulative")) or 0
if maxTotal >= 0 and cum + cost > maxTotal then
    return "TOTAL_BUDGET"
end

-- Project both windows before any mutation.
local awStart, awCount
if rlWindow >= 0 then
    awStart = tonumber(redis.call("HGET", state, "aw_start"))
    awCount = tonumber(redis.call("HGET", state, "aw_count")) or 0
    if awStart and now - awStart < rlWindow then
        if awCount >= rlMax then
            return "RATE_LIMIT"
        end
        awCount = awCount + 1
    else
        awStart = now
        awCount = 1
    end
end

local twStart, twCount
if trlWindow >= 0 and tool ~= "" then
    twStart = tonumber(redis.call("HGET", state, "tw_start:" .. tool))
    twCount = tonumber(redis.call("HGET", state, "tw_count:" .. tool)) or 0
    if twStart and now - twStart < trlWindow then
        if twCount >= trlMax then
            return "RATE_LIMIT"
        end
        twCount = twCount + 1
    else
        twStart = now
        twCount = 1
    end
end

redis.call("SADD", seen, actionId)
redis.call("HSET", state, "cumulative", cum + cost)
if costClass == "cognition" then
    local cog = tonumber(redis.call("HGET", state, "cognition")) or 0
    redis.call("HSET", state, "cognition", cog + cost)
else
    local exec = tonumber(redis.call("HGET", state, "execution")) or 0
    redis.call("HSET", state, "execution", exec + cost)
end
redis.call("HINCRBY", state, "calls", 1)
redis.call("HSET", state, "updated_ms", now)
if awStart then
    redis.call("HSET", state, "aw_start", awStart, "aw_count", awCount)
end
if twStart then
    redis.call("HSET", state, "tw_start:" .. tool, twStart, "tw_count:" .. tool, twCount)
end
redis.call("EXPIRE", state, ttl)
redis.call("EXPIRE", seen, ttl)
return "OK"
`)

// Manager implements runtime.Manager on a Redis backend. Safe for concurrent
// use; one Manager is shared per process.
type Manager struct {
	client redis.UniversalClient
	logger *slog.Logger

	// brokenSubs counts kill subscriptions whose link is down. Mutating
	// operations fail closed while it is non-zero.
	brokenSubs atomic.Int32

	mu     sync.Mutex
	pubs   map[int]*redis.PubSub
	nextID int
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New builds a distributed state manager over an existing Redis client.
func New(client redis.UniversalClient, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		logger: slog.Default(),
		pubs:   make(map[int]*redis.PubSub),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func stateKey(agentID, mandateID string) string {
	return fmt.Sprintf("mg:{%s}:state:%s", agentID, mandateID)
}

func seenKey(agentID, mandateID string) string {
	return fmt.Sprintf("mg:{%s}:seen:%s", agentID, mandateID)
}

func agentKillKey(agentID string) string {
	return fmt.Sprintf("mg:{%s}:killed", agentID)
}

func killChannel(agentID, mandateID string) string {
	if mandateID == "" {
		return fmt.Sprintf("mg:kill:{%s}", agentID)
	}
	return fmt.Sprintf("mg:kill:{%s}:%s", agentID, mandateID)
}

// Get returns an advisory snapshot assembled from the state hash and the
// seen-action set.
func (m *Manager) Get(ctx context.Context, agentID, mandateID string) (*runtime.State, error) {
	pipe := m.client.Pipeline()
	hashCmd := pipe.HGetAll(ctx, stateKey(agentID, mandateID))
	seenCmd := pipe.SMembers(ctx, seenKey(agentID, mandateID))
	killCmd := pipe.Exists(ctx, agentKillKey(agentID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrStoreUnavailable, err)
	}

	s := runtime.NewState()
	fields := hashCmd.Val()
	s.CumulativeCost = parseFloat(fields["cumulative"])
	s.CognitionCost = parseFloat(fields["cognition"])
	s.ExecutionCost = parseFloat(fields["execution"])
	s.CallCount = int(parseInt(fields["calls"]))
	s.Killed = fields["killed"] == "1" || killCmd.Val() > 0
	if ms := parseInt(fields["updated_ms"]); ms > 0 {
		s.UpdatedAt = time.UnixMilli(ms)
	}
	if start, ok := fields["aw_start"]; ok {
		s.AgentWindow = &runtime.Window{
			StartMs: parseInt(start),
			Count:   int(parseInt(fields["aw_count"])),
		}
	}
	for field, val := range fields {
		tool, found := strings.CutPrefix(field, "tw_start:")
		if !found {
			continue
		}
		s.ToolWindows[tool] = &runtime.Window{
			StartMs: parseInt(val),
			Count:   int(parseInt(fields["tw_count:"+tool])),
		}
	}
	for _, id := range seenCmd.Val() {
		s.SeenActionIDs[id] = struct{}{}
	}
	return s, nil
}

// CheckAndCommit runs the atomic script. A down kill-subscription fails the
// commit closed: accepting while blind to kills would violate kill finality.
func (m *Manager) CheckAndCommit(ctx context.Context, agentID, mandateID string, ch runtime.Change) error {
	if m.brokenSubs.Load() > 0 {
		return &runtime.RejectionError{Code: runtime.CodeStoreUnavailable, Reason: "kill subscription link is down"}
	}
	if ch.Now.IsZero() {
		ch.Now = time.Now()
	}

	maxTotal := -1.0
	if ch.Limits.MaxCostTotal != nil {
		maxTotal = *ch.Limits.MaxCostTotal
	}
	maxPerCall := -1.0
	if ch.Limits.MaxCostPerCall != nil {
		maxPerCall = *ch.Limits.MaxCostPerCall
	}
	rlMax, rlWindow := int64(-1), int64(-1)
	if rl := ch.Limits.RateLimit; rl != nil {
		rlMax, rlWindow = int64(rl.MaxCalls), rl.WindowMs
	}
	trlMax, trlWindow := int64(-1), int64(-1)
	if rl := ch.Limits.ToolRateLimit; rl != nil {
		trlMax, trlWindow = int64(rl.MaxCalls), rl.WindowMs
	}

	keys := []string{
		stateKey(agentID, mandateID),
		seenKey(agentID, mandateID),
		agentKillKey(agentID),
	}
	res, err := checkAndCommitScript.Run(ctx, m.client, keys,
		ch.ActionID, ch.SettledCost, string(ch.CostClass), ch.ToolName,
		maxTotal, maxPerCall, rlMax, rlWindow, trlMax, trlWindow,
		ch.Now.UnixMilli(), int64(stateTTL.Seconds()),
	).Result()
	if err != nil {
		return &runtime.RejectionError{Code: runtime.CodeStoreUnavailable, Reason: err.Error()}
	}

	verdict, ok := res.(string)
	if !ok {
		return &runtime.RejectionError{Code: runtime.CodeStoreUnavailable, Reason: fmt.Sprintf("unexpected script result %T", res)}
	}
	switch verdict {
	case "OK":
		return nil
	case "REPLAY":
		return &runtime.RejectionError{Code: runtime.CodeReplay, Reason: "action already committed"}
	case "KILLED":
		return &runtime.RejectionError{Code: runtime.CodeKilled, Reason: "agent is killed"}
	case "PER_CALL_LIMIT":
		return &runtime.RejectionError{Code: runtime.CodePerCallLimit, Reason: "per-call limit exceeded"}
	case "TOTAL_BUDGET":
		return &runtime.RejectionError{Code: runtime.CodeTotalBudget, Reason: "total budget exceeded"}
	case "RATE_LIMIT":
		return &runtime.RejectionError{Code: runtime.CodeRateLimit, Reason: "rate limit exceeded"}
	default:
		return &runtime.RejectionError{Code: runtime.CodeStoreUnavailable, Reason: "unknown verdict " + verdict}
	}
}

// Kill writes the kill marker and publishes on the kill channel. An empty
// mandateID kills the whole agent; the commit script checks the agent kill
// key, so the write is visible synchronously to every commit that follows.
func (m *Manager) Kill(ctx context.Context, agentID, mandateID, reason string) error {
	sig := runtime.KillSignal{AgentID: agentID, MandateID: mandateID, Reason: reason, At: time.Now()}
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal kill signal: %w", err)
	}

	if mandateID == "" {
		if err := m.client.Set(ctx, agentKillKey(agentID), reason, 0).Err(); err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrStoreUnavailable, err)
		}
	} else {
		if err := m.client.HSet(ctx, stateKey(agentID, mandateID), "killed", "1", "kill_reason", reason).Err(); err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrStoreUnavailable, err)
		}
	}
	if err := m.client.Publish(ctx, killChannel(agentID, mandateID), payload).Err(); err != nil {
		m.logger.Warn("kill publish failed", "agent_id", agentID, "mandate_id", mandateID, "error", err)
	}
	return nil
}

// IsKilled reads the kill markers.
func (m *Manager) IsKilled(ctx context.Context, agentID, mandateID string) (bool, error) {
	n, err := m.client.Exists(ctx, agentKillKey(agentID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", runtime.ErrStoreUnavailable, err)
	}
	if n > 0 || mandateID == "" {
		return n > 0, nil
	}
	killed, err := m.client.HGet(ctx, stateKey(agentID, mandateID), "killed").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", runtime.ErrStoreUnavailable, err)
	}
	return killed == "1", nil
}

// ClearKill deletes the agent-level kill key. State hashes killed
// individually keep their killed field.
func (m *Manager) ClearKill(ctx context.Context, agentID string) error {
	if err := m.client.Del(ctx, agentKillKey(agentID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrStoreUnavailable, err)
	}
	return nil
}

// SubscribeKill subscribes to the pair channel and the agent-wide channel.
// While the link is down the manager refuses commits.
func (m *Manager) SubscribeKill(ctx context.Context, agentID, mandateID string, handler func(runtime.KillSignal)) (func(), error) {
	channels := []string{killChannel(agentID, "")}
	if mandateID != "" {
		channels = append(channels, killChannel(agentID, mandateID))
	}
	pubsub := m.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", runtime.ErrStoreUnavailable, err)
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.pubs[id] = pubsub
	m.mu.Unlock()

	go m.consume(pubsub, agentID, mandateID, handler)

	return func() {
		m.mu.Lock()
		delete(m.pubs, id)
		m.mu.Unlock()
		_ = pubsub.Close()
	}, nil
}

func (m *Manager) consume(pubsub *redis.PubSub, agentID, mandateID string, handler func(runtime.KillSignal)) {
	ch := pubsub.Channel()
	for msg := range ch {
		var sig runtime.KillSignal
		if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
			m.logger.Warn("bad kill payload", "channel", msg.Channel, "error", err)
			continue
		}
		handler(sig)
	}
	// Channel closure without Close means the link dropped; fail closed
	// until the caller re-subscribes.
	m.mu.Lock()
	closed := m.closed
	active := false
	for _, p := range m.pubs {
		if p == pubsub {
			active = true
			break
		}
	}
	m.mu.Unlock()
	if active && !closed {
		m.brokenSubs.Add(1)
		m.logger.Error("kill subscription lost, failing closed",
			"agent_id", agentID, "mandate_id", mandateID)
	}
}

// Close tears down every subscription. The Redis client is owned by the
// caller and left open.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	pubs := m.pubs
	m.pubs = make(map[int]*redis.PubSub)
	m.mu.Unlock()
	for _, p := range pubs {
		_ = p.Close()
	}
	return nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// Compile-time interface verification.
var _ runtime.Manager = (*Manager)(nil)
