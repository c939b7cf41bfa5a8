package store

import "fmt"

// Key names follow spec.md §4.1 verbatim. Keeping them in one file makes the
// schema auditable without hunting through every method.
const (
	keyNodes           = "nodes"
	keyDeadNodes       = "dead_nodes"
	keyIPv4Address     = "ipv4_address"     // hash: hostname -> ip
	keyHostnameByIP    = "hostname"         // hash: ip -> hostname
	keyInterfaces      = "interfaces"       // hash: hostname -> json([]string)
	keyJobQueue        = "job_queue"
	keyNextJobID       = "next_job_id"
	keyNextBatchID     = "next_batch_id"
	keyCoordinatorJobID = "coordinator_job_id" // hash: name -> id
	keyIncompleteBatches = "incomplete_batches"
	keyFailedBatches     = "failed_batches"
	keyDiskBoundaryLists = "disk_backed_boundary_lists" // hash: job_id -> path
	keyNodeFailureReports = "node_failure_reports"
)

func keyNodeInputDisks(host string) string        { return fmt.Sprintf("node_io_disks:%s", host) }
func keyNodeLocalDisks(host string) string         { return fmt.Sprintf("node_local_disks:%s", host) }
func keyFailedLocalDisks(host string) string       { return fmt.Sprintf("failed_local_disks:%s", host) }
func keyKeepalive(host string) string              { return fmt.Sprintf("keepalive:%s", host) }
func keyJobInfo(id int64) string                   { return fmt.Sprintf("job_info:%d", id) }
func keyJobParams(id int64) string                 { return fmt.Sprintf("job_params:%d", id) }
func keyRecoveryInfo(id int64) string              { return fmt.Sprintf("recovery_info:%d", id) }
func keyBatchJobs(id int64) string                 { return fmt.Sprintf("batch_jobs:%d", id) }
func keyBatchRemaining(id int64) string            { return fmt.Sprintf("batch_remaining:%d", id) }
func keyBatchQueue(host string) string             { return fmt.Sprintf("batch_queue:%s", host) }
func keyPhaseCompletedNodes(phase, bid string) string {
	return fmt.Sprintf("%s_completed_nodes:batch_%s", phase, bid)
}
func keyRunningNodes(bid, phase string) string { return fmt.Sprintf("running_nodes:batch_%s:%s", bid, phase) }
func keyBarrier(kind, phase string, bid, jobID int64) string {
	return fmt.Sprintf("barrier:%s:%s:%d:%d", kind, phase, bid, jobID)
}
func keyReadRequestQueueNames(ip string) string { return fmt.Sprintf("read_requests:%s", ip) }
func keyReadRequestQueue(ip string, workerID int) string {
	return fmt.Sprintf("read_requests:%s:reader:%d", ip, workerID)
}
func keyPingRequest(host string) string         { return fmt.Sprintf("ping_request:%s", host) }
func keyPingReply(host string) string           { return fmt.Sprintf("ping_reply:%s", host) }
func keyRecoveringPartitions(jobID int64) string { return fmt.Sprintf("recovering_partitions:%d", jobID) }
func keyLogicalDiskCountsFiles(jobID int64) string {
	return fmt.Sprintf("logical_disk_counts_files:%d", jobID) // hash: hostname -> path
}
