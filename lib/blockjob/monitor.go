package blockjob

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/vmnode/vmcore/lib/qmp"
	"github.com/vmnode/vmcore/lib/vmerr"
)

// Detacher tears down a block node; satisfied by *blockdev.Graph.
type Detacher interface {
	Detach(nodeName string) error
}

// FsFreezer brackets a cross-VM cutover with a guest filesystem freeze, via
// the guest agent's guest-fsfreeze-freeze/-thaw RPCs.
type FsFreezer interface {
	Freeze() error
	Thaw() error
}

// VMControl pauses/resumes the VM as the freeze-alternative cutover method.
type VMControl interface {
	Stop() error
	Continue() error
}

const pollInterval = time.Second
const completeRetryBudget = 300

// Monitor tracks a set of in-flight block jobs for one VM and drives them
// to conclusion via the bounded polling protocol of spec §4.5.
type Monitor struct {
	vm       cmder
	detacher Detacher
	jobs     map[string]*Job
}

// NewMonitor returns a Monitor for one VM's QMP connection.
func NewMonitor(vm cmder, detacher Detacher) *Monitor {
	return &Monitor{vm: vm, detacher: detacher, jobs: make(map[string]*Job)}
}

// Track begins monitoring a job. The caller must have already issued the
// QMP command that started it (drive-mirror, block-commit, ...).
func (m *Monitor) Track(j *Job) {
	m.jobs[j.JobID] = j
}

// Tracked returns the currently tracked job ids.
func (m *Monitor) Tracked() []string {
	return lo.Keys(m.jobs)
}

// PollOnce issues one query-block-jobs and updates every tracked job's
// state, returning jobs that concluded this tick (already dismissed, target
// or source already detached per outcome) and any fatal error.
//
// Implements spec §4.5's per-id rules:
//   - absent from the reply + our completion command was accepted => success
//   - absent from the reply + completion mode auto => success
//   - absent from the reply otherwise => unexpected cancellation => error
//   - present and status=="concluded" => job-dismiss; on error, detach
//     target (or source, for a completed mirror) then return the error
//   - otherwise => update progress/ready/busy
func (m *Monitor) PollOnce() (concluded []*Job, err error) {
	ret, err := m.vm.Cmd(qmp.PeerQMP, "query-block-jobs", nil)
	if err != nil {
		m.cancelAllBestEffort()
		return nil, err
	}
	var infos []blockJobInfo
	if err := json.Unmarshal(ret, &infos); err != nil {
		m.cancelAllBestEffort()
		return nil, vmerr.Wrap(vmerr.ProtocolDecode, "query-block-jobs", err)
	}

	byDevice := make(map[string]blockJobInfo, len(infos))
	for _, info := range infos {
		byDevice[info.Device] = info
	}

	for id, job := range m.jobs {
		info, present := byDevice[job.DeviceID]
		if !present {
			if job.completionSent || job.Completion == ModeAuto {
				concluded = append(concluded, job)
				delete(m.jobs, id)
				continue
			}
			m.cancelAllBestEffort()
			return concluded, vmerr.New(vmerr.JobFailed, fmt.Sprintf("job %s disappeared unexpectedly", id))
		}

		if info.Status == "concluded" {
			if _, derr := m.vm.Cmd(qmp.PeerQMP, "job-dismiss", map[string]any{"id": job.JobID}); derr != nil {
				m.cancelAllBestEffort()
				return concluded, vmerr.Wrap(vmerr.JobFailed, "job-dismiss", derr)
			}
			delete(m.jobs, id)
			if info.Error != "" {
				m.detachOnFailure(job)
				return concluded, vmerr.New(vmerr.JobFailed, info.Error)
			}
			concluded = append(concluded, job)
			continue
		}

		job.ready = info.Ready
		job.busy = info.Busy
		job.offset = info.Offset
		job.length = info.Len
	}

	return concluded, nil
}

// detachOnFailure removes the node that must go when a job ends in error or
// is cancelled: the target node, except for a completed mirror where the
// source is the one to detach.
func (m *Monitor) detachOnFailure(j *Job) {
	node := j.DetachNodeName
	if node == "" {
		node = j.TargetNodeName
	}
	if node != "" && m.detacher != nil {
		m.detacher.Detach(node)
	}
}

// cancelAllBestEffort cancels every remaining tracked job. Per spec §4.5,
// any exception inside the monitor cancels all remaining tracked jobs
// before re-raising; cancellation itself is best-effort.
func (m *Monitor) cancelAllBestEffort() {
	for id, job := range m.jobs {
		m.vm.Cmd(qmp.PeerQMP, "block-job-cancel", map[string]any{"id": job.JobID})
		delete(m.jobs, id)
	}
}

// CancelAll cancels every currently tracked job regardless of ready state
// and stops tracking them, best-effort. Used when the operation the jobs
// were mirroring for (e.g. a migration cutover) has itself failed and the
// jobs must be abandoned rather than waited on.
func (m *Monitor) CancelAll() {
	m.cancelAllBestEffort()
}

// AllReady reports whether every tracked job has reported ready=true.
func (m *Monitor) AllReady() bool {
	for _, j := range m.jobs {
		if !j.ready {
			return false
		}
	}
	return true
}

// Complete drives every currently-tracked, ready job to conclusion per
// mode. For ModeSkip it is a no-op (the caller completes later). For
// ModeComplete/ModeCancel, "cannot be completed" responses are retried up
// to completeRetryBudget ticks by the caller's polling loop; Complete
// itself issues the command once per call.
func (m *Monitor) Complete(mode CompletionMode) error {
	if mode == ModeSkip || mode == ModeAuto {
		return nil
	}
	execute := "block-job-complete"
	if mode == ModeCancel {
		execute = "block-job-cancel"
	}
	for _, job := range m.jobs {
		if !job.ready {
			continue
		}
		if _, err := m.vm.Cmd(qmp.PeerQMP, execute, map[string]any{"id": job.JobID}); err != nil {
			if isCannotComplete(err) {
				continue // caller retries on next tick, up to its own budget
			}
			return vmerr.Wrap(vmerr.JobFailed, execute, err)
		}
		job.completionSent = true
		if mode == ModeComplete && job.Kind == KindMirror && job.SourceNodeName != "" {
			// once a mirror is completed the target is live; the source goes
			job.DetachNodeName = job.SourceNodeName
		}
	}
	return nil
}

func isCannotComplete(err error) bool {
	return err != nil && containsFold(err.Error(), "cannot be completed")
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if equalFold(s[i:i+len(substr)], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// CutoverCrossVM performs the atomic-from-the-guest's-perspective handoff
// used when the target node belongs to a different VM: freeze filesystems
// (or, absent a guest agent, suspend the VM), cancel the jobs, then thaw (or
// resume).
func (m *Monitor) CutoverCrossVM(freezer FsFreezer, vmctl VMControl) error {
	if freezer != nil {
		if err := freezer.Freeze(); err != nil {
			return vmerr.Wrap(vmerr.CommandError, "guest-fsfreeze-freeze", err)
		}
		defer freezer.Thaw()
	} else if vmctl != nil {
		if err := vmctl.Stop(); err != nil {
			return vmerr.Wrap(vmerr.CommandError, "stop", err)
		}
		defer vmctl.Continue()
	}
	return m.Complete(ModeCancel)
}

// RunBudgeted completes tracked ready jobs, retrying "cannot be completed"
// responses on a 1-second cadence up to the 300-tick budget from spec §4.5.
func (m *Monitor) RunBudgeted(mode CompletionMode) error {
	for tick := 0; tick < completeRetryBudget; tick++ {
		if err := m.Complete(mode); err != nil {
			return err
		}
		if len(m.jobs) == 0 {
			return nil
		}
		if _, err := m.PollOnce(); err != nil {
			return err
		}
		if len(m.jobs) == 0 {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return vmerr.New(vmerr.Timeout, "block job completion exceeded retry budget")
}
