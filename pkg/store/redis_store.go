package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/themis/pkg/themiserr"
	"github.com/cuemby/themis/pkg/types"
)

// RedisStore implements Store on top of a single Redis instance, matching
// the primitive set spec.md §4.1 calls for: TTL'd strings, hashes, sets,
// blocking-pop lists, counters, and watch/multi/exec transactions.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr and returns a Store backed by it.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connecting to coordination store at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client, used by tests
// to point a Store at a miniredis instance.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error { return s.client.Close() }

// --- Node membership and disk topology ---

func (s *RedisStore) RegisterNode(ctx context.Context, node types.Node) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, keyNodes, node.Hostname)
	pipe.HSet(ctx, keyIPv4Address, node.Hostname, node.IPv4Address)
	pipe.HSet(ctx, keyHostnameByIP, node.IPv4Address, node.Hostname)
	ifaces, err := json.Marshal(node.InterfaceIPs)
	if err != nil {
		return fmt.Errorf("marshaling interfaces for %s: %w", node.Hostname, err)
	}
	pipe.HSet(ctx, keyInterfaces, node.Hostname, ifaces)
	if len(node.InputDisks) > 0 {
		members := make([]any, len(node.InputDisks))
		for i, d := range node.InputDisks {
			members[i] = d
		}
		pipe.SAdd(ctx, keyNodeInputDisks(node.Hostname), members...)
	}
	if len(node.IntermediateDisks) > 0 {
		members := make([]any, len(node.IntermediateDisks))
		for i, d := range node.IntermediateDisks {
			members[i] = d
		}
		pipe.SAdd(ctx, keyNodeLocalDisks(node.Hostname), members...)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("registering node %s: %w", node.Hostname, err)
	}
	return nil
}

func (s *RedisStore) Nodes(ctx context.Context) ([]string, error) {
	hosts, err := s.client.SMembers(ctx, keyNodes).Result()
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	return hosts, nil
}

func (s *RedisStore) LiveNodes(ctx context.Context) ([]string, error) {
	hosts, err := s.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, len(hosts))
	for _, h := range hosts {
		ok, err := s.IsLive(ctx, h)
		if err != nil {
			return nil, err
		}
		if ok {
			live = append(live, h)
		}
	}
	return live, nil
}

func (s *RedisStore) DeadNodes(ctx context.Context) ([]string, error) {
	hosts, err := s.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	dead := make([]string, 0, len(hosts))
	for _, h := range hosts {
		ok, err := s.IsLive(ctx, h)
		if err != nil {
			return nil, err
		}
		if !ok {
			dead = append(dead, h)
		}
	}
	return dead, nil
}

func (s *RedisStore) IPv4Address(ctx context.Context, hostname string) (string, error) {
	ip, err := s.client.HGet(ctx, keyIPv4Address, hostname).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("no ipv4 address registered for %s", hostname)
	}
	if err != nil {
		return "", fmt.Errorf("looking up ipv4 address for %s: %w", hostname, err)
	}
	return ip, nil
}

func (s *RedisStore) HostnameForIP(ctx context.Context, ip string) (string, error) {
	host, err := s.client.HGet(ctx, keyHostnameByIP, ip).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("no hostname registered for ip %s", ip)
	}
	if err != nil {
		return "", fmt.Errorf("looking up hostname for ip %s: %w", ip, err)
	}
	return host, nil
}

func (s *RedisStore) Interfaces(ctx context.Context, hostname string) ([]string, error) {
	raw, err := s.client.HGet(ctx, keyInterfaces, hostname).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up interfaces for %s: %w", hostname, err)
	}
	var ifaces []string
	if err := json.Unmarshal([]byte(raw), &ifaces); err != nil {
		return nil, fmt.Errorf("decoding interfaces for %s: %w", hostname, err)
	}
	return ifaces, nil
}

func (s *RedisStore) InputDisks(ctx context.Context, hostname string) ([]string, error) {
	disks, err := s.client.SMembers(ctx, keyNodeInputDisks(hostname)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing input disks for %s: %w", hostname, err)
	}
	return disks, nil
}

func (s *RedisStore) IntermediateDisks(ctx context.Context, hostname string) ([]string, error) {
	disks, err := s.client.SDiff(ctx, keyNodeLocalDisks(hostname), keyFailedLocalDisks(hostname)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing intermediate disks for %s: %w", hostname, err)
	}
	return disks, nil
}

func (s *RedisStore) FailedDisks(ctx context.Context, hostname string) ([]string, error) {
	disks, err := s.client.SMembers(ctx, keyFailedLocalDisks(hostname)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing failed disks for %s: %w", hostname, err)
	}
	return disks, nil
}

func (s *RedisStore) MarkDiskFailed(ctx context.Context, hostname, disk string) error {
	if err := s.client.SAdd(ctx, keyFailedLocalDisks(hostname), disk).Err(); err != nil {
		return fmt.Errorf("marking disk %s failed on %s: %w", disk, hostname, err)
	}
	return nil
}

// --- Keepalive ---

func (s *RedisStore) CreateKeepalive(ctx context.Context, hostname string, pid int, timeout time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, keyNodes, hostname)
	pipe.Set(ctx, keyKeepalive(hostname), pid, timeout)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("creating keepalive for %s: %w", hostname, err)
	}
	return nil
}

func (s *RedisStore) RefreshKeepalive(ctx context.Context, hostname string, timeout time.Duration) error {
	ok, err := s.client.Expire(ctx, keyKeepalive(hostname), timeout).Result()
	if err != nil {
		return fmt.Errorf("refreshing keepalive for %s: %w", hostname, err)
	}
	if !ok {
		return fmt.Errorf("refreshing keepalive for %s: %w", hostname, themiserr.ErrNodeDead)
	}
	return nil
}

func (s *RedisStore) KeepalivePID(ctx context.Context, hostname string) (int, error) {
	raw, err := s.client.Get(ctx, keyKeepalive(hostname)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("keepalive pid for %s: %w", hostname, themiserr.ErrNodeDead)
	}
	if err != nil {
		return 0, fmt.Errorf("reading keepalive pid for %s: %w", hostname, err)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing keepalive pid for %s: %w", hostname, err)
	}
	return pid, nil
}

func (s *RedisStore) IsLive(ctx context.Context, hostname string) (bool, error) {
	n, err := s.client.Exists(ctx, keyKeepalive(hostname)).Result()
	if err != nil {
		return false, fmt.Errorf("checking liveness for %s: %w", hostname, err)
	}
	return n > 0, nil
}

// --- Job queue and job info ---

func (s *RedisStore) NextJobID(ctx context.Context) (int64, error) {
	id, err := s.client.Incr(ctx, keyNextJobID).Result()
	if err != nil {
		return 0, fmt.Errorf("allocating job id: %w", err)
	}
	return id, nil
}

func (s *RedisStore) NextBatchID(ctx context.Context) (int64, error) {
	id, err := s.client.Incr(ctx, keyNextBatchID).Result()
	if err != nil {
		return 0, fmt.Errorf("allocating batch id: %w", err)
	}
	return id, nil
}

func (s *RedisStore) PushJobGroup(ctx context.Context, specs []types.JobSpec) error {
	data, err := json.Marshal(specs)
	if err != nil {
		return fmt.Errorf("marshaling job submission: %w", err)
	}
	if err := s.client.RPush(ctx, keyJobQueue, data).Err(); err != nil {
		return fmt.Errorf("enqueuing job submission: %w", err)
	}
	return nil
}

func (s *RedisStore) BlockingPopJobGroup(ctx context.Context, timeout time.Duration) ([]types.JobSpec, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, keyJobQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("popping job submission: %w", err)
	}
	var specs []types.JobSpec
	if err := json.Unmarshal([]byte(res[1]), &specs); err != nil {
		return nil, false, fmt.Errorf("decoding job submission: %w", err)
	}
	return specs, true, nil
}

func (s *RedisStore) ClearJobQueue(ctx context.Context) error {
	if err := s.client.Del(ctx, keyJobQueue).Err(); err != nil {
		return fmt.Errorf("clearing job queue: %w", err)
	}
	return nil
}

func (s *RedisStore) SetJobInfo(ctx context.Context, job types.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %d: %w", job.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyJobInfo(job.ID), data, 0)
	if job.Name != "" {
		pipe.HSet(ctx, keyCoordinatorJobID, job.Name, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing job info %d: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) GetJobInfo(ctx context.Context, id int64) (types.Job, error) {
	raw, err := s.client.Get(ctx, keyJobInfo(id)).Result()
	if errors.Is(err, redis.Nil) {
		return types.Job{}, fmt.Errorf("no job info for job %d", id)
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("reading job info %d: %w", id, err)
	}
	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return types.Job{}, fmt.Errorf("decoding job info %d: %w", id, err)
	}
	return job, nil
}

func (s *RedisStore) LookupJobIDByName(ctx context.Context, name string) (int64, bool, error) {
	raw, err := s.client.HGet(ctx, keyCoordinatorJobID, name).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up job id for %q: %w", name, err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing job id for %q: %w", name, err)
	}
	return id, true, nil
}

func (s *RedisStore) SetJobParams(ctx context.Context, id int64, params map[string]any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling params for job %d: %w", id, err)
	}
	if err := s.client.Set(ctx, keyJobParams(id), data, 0).Err(); err != nil {
		return fmt.Errorf("writing params for job %d: %w", id, err)
	}
	return nil
}

func (s *RedisStore) GetJobParams(ctx context.Context, id int64) (map[string]any, error) {
	raw, err := s.client.Get(ctx, keyJobParams(id)).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading params for job %d: %w", id, err)
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("decoding params for job %d: %w", id, err)
	}
	return params, nil
}

func (s *RedisStore) SetRecoveryInfo(ctx context.Context, jobID, recoveringJobID int64) error {
	if err := s.client.Set(ctx, keyRecoveryInfo(jobID), recoveringJobID, 0).Err(); err != nil {
		return fmt.Errorf("writing recovery info for job %d: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) GetRecoveryInfo(ctx context.Context, jobID int64) (int64, bool, error) {
	raw, err := s.client.Get(ctx, keyRecoveryInfo(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading recovery info for job %d: %w", jobID, err)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing recovery info for job %d: %w", jobID, err)
	}
	return id, true, nil
}

// UpdateJobStatus performs the compare-and-set status transition spec.md §4.1
// calls out as one of only two operations that require the store's
// optimistic-concurrency primitive: a WATCH on the job's info key, a
// precondition check against preStatus, then a MULTI/EXEC write, retried on
// a concurrent modification (redis.TxFailedErr) per spec.md §8 invariant 6.
func (s *RedisStore) UpdateJobStatus(ctx context.Context, id int64, preStatus, postStatus types.JobStatus, mutate func(*types.Job)) error {
	key := keyJobInfo(id)
	for {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			job, err := s.getJobInfoTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if preStatus != "" && job.Status != preStatus {
				return fmt.Errorf("job %d status is %q, not %q: %w", id, job.Status, preStatus, themiserr.ErrTerminalStatus)
			}
			if mutate != nil {
				mutate(&job)
			}
			job.Status = postStatus
			data, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("marshaling job %d: %w", id, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("updating status for job %d: %w", id, err)
		}
		return nil
	}
}

func (s *RedisStore) getJobInfoTx(ctx context.Context, tx *redis.Tx, id int64) (types.Job, error) {
	raw, err := tx.Get(ctx, keyJobInfo(id)).Result()
	if errors.Is(err, redis.Nil) {
		return types.Job{}, fmt.Errorf("no job info for job %d", id)
	}
	if err != nil {
		return types.Job{}, fmt.Errorf("reading job info %d: %w", id, err)
	}
	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return types.Job{}, fmt.Errorf("decoding job info %d: %w", id, err)
	}
	return job, nil
}

func (s *RedisStore) SetBoundaryListFile(ctx context.Context, jobID int64, path string) error {
	if err := s.client.HSet(ctx, keyDiskBoundaryLists, strconv.FormatInt(jobID, 10), path).Err(); err != nil {
		return fmt.Errorf("registering boundary list file for job %d: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) GetBoundaryListFile(ctx context.Context, jobID int64) (string, bool, error) {
	path, err := s.client.HGet(ctx, keyDiskBoundaryLists, strconv.FormatInt(jobID, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up boundary list file for job %d: %w", jobID, err)
	}
	return path, true, nil
}

func (s *RedisStore) SetLogicalDiskCountsFile(ctx context.Context, jobID int64, hostname, path string) error {
	if err := s.client.HSet(ctx, keyLogicalDiskCountsFiles(jobID), hostname, path).Err(); err != nil {
		return fmt.Errorf("registering logical disk counts file for job %d host %s: %w", jobID, hostname, err)
	}
	return nil
}

func (s *RedisStore) GetLogicalDiskCountsFile(ctx context.Context, jobID int64, hostname string) (string, bool, error) {
	path, err := s.client.HGet(ctx, keyLogicalDiskCountsFiles(jobID), hostname).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up logical disk counts file for job %d host %s: %w", jobID, hostname, err)
	}
	return path, true, nil
}

// --- Batch lifecycle ---

func (s *RedisStore) AddJobsToBatch(ctx context.Context, batchID int64, jobIDs []int64) error {
	members := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		members[i] = id
	}
	if err := s.client.RPush(ctx, keyBatchJobs(batchID), members...).Err(); err != nil {
		return fmt.Errorf("adding jobs to batch %d: %w", batchID, err)
	}
	return nil
}

func (s *RedisStore) GetBatchJobs(ctx context.Context, batchID int64) ([]int64, error) {
	raw, err := s.client.LRange(ctx, keyBatchJobs(batchID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs for batch %d: %w", batchID, err)
	}
	return parseInt64Slice(raw)
}

func (s *RedisStore) MarkBatchIncomplete(ctx context.Context, batchID int64) error {
	if err := s.client.SAdd(ctx, keyIncompleteBatches, batchID).Err(); err != nil {
		return fmt.Errorf("marking batch %d incomplete: %w", batchID, err)
	}
	return nil
}

func (s *RedisStore) MarkBatchFailed(ctx context.Context, batchID int64) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, keyFailedBatches, batchID)
	pipe.SRem(ctx, keyIncompleteBatches, batchID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("marking batch %d failed: %w", batchID, err)
	}
	return nil
}

func (s *RedisStore) MarkBatchComplete(ctx context.Context, batchID int64) error {
	if err := s.client.SRem(ctx, keyIncompleteBatches, batchID).Err(); err != nil {
		return fmt.Errorf("marking batch %d complete: %w", batchID, err)
	}
	return nil
}

func (s *RedisStore) IncompleteBatches(ctx context.Context) ([]int64, error) {
	raw, err := s.client.SMembers(ctx, keyIncompleteBatches).Result()
	if err != nil {
		return nil, fmt.Errorf("listing incomplete batches: %w", err)
	}
	return parseInt64Slice(raw)
}

func (s *RedisStore) FailedBatches(ctx context.Context) ([]int64, error) {
	raw, err := s.client.SMembers(ctx, keyFailedBatches).Result()
	if err != nil {
		return nil, fmt.Errorf("listing failed batches: %w", err)
	}
	return parseInt64Slice(raw)
}

func (s *RedisStore) SetBatchRemaining(ctx context.Context, batchID int64, hostnames []string) error {
	key := keyBatchRemaining(batchID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(hostnames) > 0 {
		members := make([]any, len(hostnames))
		for i, h := range hostnames {
			members[i] = h
		}
		pipe.SAdd(ctx, key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("setting batch %d remaining set: %w", batchID, err)
	}
	return nil
}

func (s *RedisStore) RemoveBatchRemaining(ctx context.Context, batchID int64, hostname string) error {
	if err := s.client.SRem(ctx, keyBatchRemaining(batchID), hostname).Err(); err != nil {
		return fmt.Errorf("removing %s from batch %d remaining set: %w", hostname, batchID, err)
	}
	return nil
}

func (s *RedisStore) BatchRemaining(ctx context.Context, batchID int64) ([]string, error) {
	hosts, err := s.client.SMembers(ctx, keyBatchRemaining(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing batch %d remaining set: %w", batchID, err)
	}
	return hosts, nil
}

func (s *RedisStore) PushBatchQueue(ctx context.Context, hostname string, batchID int64) error {
	if err := s.client.RPush(ctx, keyBatchQueue(hostname), batchID).Err(); err != nil {
		return fmt.Errorf("pushing batch %d onto %s's queue: %w", batchID, hostname, err)
	}
	return nil
}

func (s *RedisStore) BlockingPopBatchQueue(ctx context.Context, hostname string, timeout time.Duration) (int64, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, keyBatchQueue(hostname)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("popping %s's batch queue: %w", hostname, err)
	}
	id, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing batch id from %s's queue: %w", hostname, err)
	}
	return id, true, nil
}

func (s *RedisStore) ClearBatchQueue(ctx context.Context, hostname string) error {
	if err := s.client.Del(ctx, keyBatchQueue(hostname)).Err(); err != nil {
		return fmt.Errorf("clearing %s's batch queue: %w", hostname, err)
	}
	return nil
}

// --- Phase completion and barriers ---

func (s *RedisStore) PhaseCompleted(ctx context.Context, batchID int64, hostIP string, phase types.Phase) error {
	key := keyPhaseCompletedNodes(string(phase), strconv.FormatInt(batchID, 10))
	if err := s.client.RPush(ctx, key, hostIP).Err(); err != nil {
		return fmt.Errorf("recording phase %s completion for batch %d: %w", phase, batchID, err)
	}
	return nil
}

func (s *RedisStore) DrainPhaseCompletions(ctx context.Context, batchID int64, phase types.Phase) ([]string, error) {
	key := keyPhaseCompletedNodes(string(phase), strconv.FormatInt(batchID, 10))
	var out []string
	for {
		val, err := s.client.LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("draining phase %s completions for batch %d: %w", phase, batchID, err)
		}
		out = append(out, val)
	}
}

func (s *RedisStore) CreateBarrier(ctx context.Context, kind string, phase types.Phase, batchID, jobID int64, members []string, ttl time.Duration) error {
	if len(members) == 0 {
		return nil
	}
	key := keyBarrier(kind, string(phase), batchID, jobID)
	ms := make([]any, len(members))
	for i, m := range members {
		ms[i] = m
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, ms...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("creating %s barrier for batch %d job %d phase %s: %w", kind, batchID, jobID, phase, err)
	}
	return nil
}

func (s *RedisStore) RemoveBarrierMember(ctx context.Context, kind string, phase types.Phase, batchID, jobID int64, hostname string) error {
	key := keyBarrier(kind, string(phase), batchID, jobID)
	if err := s.client.SRem(ctx, key, hostname).Err(); err != nil {
		return fmt.Errorf("removing %s from %s barrier: %w", hostname, kind, err)
	}
	return nil
}

func (s *RedisStore) BarrierMembers(ctx context.Context, kind string, phase types.Phase, batchID, jobID int64) ([]string, error) {
	key := keyBarrier(kind, string(phase), batchID, jobID)
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing %s barrier members: %w", kind, err)
	}
	return members, nil
}

// --- Read-request queues ---

func (s *RedisStore) AddReadRequests(ctx context.Context, hostIP string, workerID int, requests []types.ReadRequest) error {
	if len(requests) == 0 {
		return nil
	}
	queueKey := keyReadRequestQueue(hostIP, workerID)
	encoded := make([]any, len(requests))
	for i, r := range requests {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling read request: %w", err)
		}
		encoded[i] = data
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, keyReadRequestQueueNames(hostIP), queueKey)
	pipe.RPush(ctx, queueKey, encoded...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueuing read requests for %s worker %d: %w", hostIP, workerID, err)
	}
	return nil
}

func (s *RedisStore) BlockingPopReadRequest(ctx context.Context, hostIP string, workerID int, timeout time.Duration) (types.ReadRequest, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, keyReadRequestQueue(hostIP, workerID)).Result()
	if errors.Is(err, redis.Nil) {
		return types.ReadRequest{}, false, nil
	}
	if err != nil {
		return types.ReadRequest{}, false, fmt.Errorf("popping read request for %s worker %d: %w", hostIP, workerID, err)
	}
	var req types.ReadRequest
	if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
		return types.ReadRequest{}, false, fmt.Errorf("decoding read request: %w", err)
	}
	return req, true, nil
}

func (s *RedisStore) ReadRequestQueueNames(ctx context.Context, hostIP string) ([]string, error) {
	names, err := s.client.SMembers(ctx, keyReadRequestQueueNames(hostIP)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing read-request queues for %s: %w", hostIP, err)
	}
	return names, nil
}

func (s *RedisStore) ReadRequestQueueLength(ctx context.Context, hostIP string, workerID int) (int64, error) {
	n, err := s.client.LLen(ctx, keyReadRequestQueue(hostIP, workerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("measuring read-request queue depth for %s worker %d: %w", hostIP, workerID, err)
	}
	return n, nil
}

func (s *RedisStore) FlushReadRequestQueue(ctx context.Context, hostIP string, workerID int) error {
	queueKey := keyReadRequestQueue(hostIP, workerID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, queueKey)
	pipe.SRem(ctx, keyReadRequestQueueNames(hostIP), queueKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flushing read-request queue for %s worker %d: %w", hostIP, workerID, err)
	}
	return nil
}

// --- Failure reports ---

func (s *RedisStore) ReportFailure(ctx context.Context, report types.FailureReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling failure report: %w", err)
	}
	if err := s.client.RPush(ctx, keyNodeFailureReports, data).Err(); err != nil {
		return fmt.Errorf("enqueuing failure report: %w", err)
	}
	return nil
}

func (s *RedisStore) DrainFailureReports(ctx context.Context) ([]types.FailureReport, error) {
	var out []types.FailureReport
	for {
		raw, err := s.client.LPop(ctx, keyNodeFailureReports).Result()
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("draining failure reports: %w", err)
		}
		var report types.FailureReport
		if err := json.Unmarshal([]byte(raw), &report); err != nil {
			return nil, fmt.Errorf("decoding failure report: %w", err)
		}
		out = append(out, report)
	}
}

// --- Ping/liveness round trip ---

func (s *RedisStore) PushPingRequest(ctx context.Context, hostname string) error {
	if err := s.client.RPush(ctx, keyPingRequest(hostname), "ping").Err(); err != nil {
		return fmt.Errorf("pushing ping request for %s: %w", hostname, err)
	}
	return nil
}

func (s *RedisStore) BlockingWaitForPingRequest(ctx context.Context, hostname string, timeout time.Duration) (bool, error) {
	_, err := s.client.BLPop(ctx, timeout, keyPingRequest(hostname)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("waiting for ping request for %s: %w", hostname, err)
	}
	return true, nil
}

func (s *RedisStore) PushPingReply(ctx context.Context, hostname string, unreachable []string) error {
	data, err := json.Marshal(unreachable)
	if err != nil {
		return fmt.Errorf("marshaling ping reply for %s: %w", hostname, err)
	}
	if err := s.client.RPush(ctx, keyPingReply(hostname), data).Err(); err != nil {
		return fmt.Errorf("pushing ping reply for %s: %w", hostname, err)
	}
	return nil
}

func (s *RedisStore) BlockingPopPingReply(ctx context.Context, hostname string, timeout time.Duration) ([]string, bool, error) {
	res, err := s.client.BLPop(ctx, timeout, keyPingReply(hostname)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("popping ping reply for %s: %w", hostname, err)
	}
	var unreachable []string
	if err := json.Unmarshal([]byte(res[1]), &unreachable); err != nil {
		return nil, false, fmt.Errorf("decoding ping reply for %s: %w", hostname, err)
	}
	return unreachable, true, nil
}

// --- Recovery ---

func (s *RedisStore) AddRecoveryPartitionRange(ctx context.Context, jobID int64, r types.RecoveryPartitionRange) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling recovery range for job %d: %w", jobID, err)
	}
	if err := s.client.RPush(ctx, keyRecoveringPartitions(jobID), data).Err(); err != nil {
		return fmt.Errorf("recording recovery range for job %d: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) RecoveringPartitions(ctx context.Context, jobID int64) ([]types.RecoveryPartitionRange, error) {
	raw, err := s.client.LRange(ctx, keyRecoveringPartitions(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing recovery ranges for job %d: %w", jobID, err)
	}
	out := make([]types.RecoveryPartitionRange, 0, len(raw))
	for _, v := range raw {
		var r types.RecoveryPartitionRange
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("decoding recovery range for job %d: %w", jobID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func parseInt64Slice(raw []string) ([]int64, error) {
	out := make([]int64, len(raw))
	for i, v := range raw {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing id %q: %w", v, err)
		}
		out[i] = id
	}
	return out, nil
}
