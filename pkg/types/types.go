// Package types defines the core data model shared by the manager and
// its workers: activities, executions, workers, installations and
// autoscaling policies.
package types

import "time"

// ActivityStatus represents the lifecycle state of an activity.
type ActivityStatus string

const (
	// ActivityVerifying means the activity was submitted and the
	// installation fan-out has not finished on every worker yet.
	ActivityVerifying ActivityStatus = "verifying"
	// ActivityApproved means every worker reported a successful install.
	ActivityApproved ActivityStatus = "approved"
	// ActivityRejected means at least one worker failed to install it.
	ActivityRejected ActivityStatus = "rejected"
	// ActivityUninstalling means a delete was requested and the
	// uninstall fan-out is in flight.
	ActivityUninstalling ActivityStatus = "uninstalling"
	// ActivityError marks an activity that hit an unrecoverable error.
	ActivityError ActivityStatus = "error"
)

// Activity is a named unit of installable code that workers can run.
type Activity struct {
	ID             int64          `json:"id" gorm:"primaryKey;autoIncrement"`
	Name           string         `json:"name" gorm:"uniqueIndex;size:191"`
	ScriptLocation string         `json:"installationScriptLocation" gorm:"column:script_location"`
	Status         ActivityStatus `json:"status" gorm:"size:32"`
}

// InstallationStatus represents the install/uninstall progress of an
// activity on one worker.
type InstallationStatus string

const (
	InstallationNotifying   InstallationStatus = "notifyingInstallation"
	InstallationInstalled   InstallationStatus = "installed"
	InstallationUninstalled InstallationStatus = "uninstalled"
	InstallationError       InstallationStatus = "error"
)

// Installation is the join record tracking one activity on one worker.
type Installation struct {
	ID         int64              `json:"id" gorm:"primaryKey;autoIncrement"`
	ActivityID int64              `json:"activityId" gorm:"index"`
	WorkerID   int64              `json:"workerId" gorm:"index"`
	Status     InstallationStatus `json:"status" gorm:"size:32"`
	ErrorText  string             `json:"errorDescription,omitempty"`
}

// ExecutionStatus represents the state of one execution.
type ExecutionStatus string

const (
	ExecutionWaiting    ExecutionStatus = "waiting"
	ExecutionInProgress ExecutionStatus = "in progress"
	ExecutionFinished   ExecutionStatus = "finished"
	ExecutionTerminated ExecutionStatus = "terminated"
	ExecutionError      ExecutionStatus = "error"
	// ExecutionRejected marks queued executions whose activity was
	// rejected before they could run.
	ExecutionRejected ExecutionStatus = "activity rejected"
)

// Execution is one run request of an activity with a given input.
// IDs are assigned by a per-process monotonically increasing generator.
type Execution struct {
	ID           int64           `json:"id"`
	ActivityID   int64           `json:"activityId"`
	ActivityName string          `json:"name"`
	Input        string          `json:"input,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Stdout       string          `json:"stdout,omitempty"`
	Stderr       string          `json:"stderr,omitempty"`
	StartTime    time.Time       `json:"startTime,omitzero"`
	FinishTime   time.Time       `json:"finishTime,omitzero"`

	// WorkerIP is the address of the worker currently holding this
	// execution, empty while it is queued.
	WorkerIP string `json:"workerIP,omitempty"`

	// PredictedTime is the estimated wall-clock time until completion
	// in milliseconds, attached on admission when it can be computed.
	PredictedTime int64 `json:"predictedTime,omitempty"`
}

// Clone returns a shallow copy of the execution.
func (e *Execution) Clone() *Execution {
	c := *e
	return &c
}

// WorkerStatus represents the lifecycle state of a fleet node.
type WorkerStatus string

const (
	// WorkerLaunching means a row exists but provisioning has not
	// returned an instance id yet.
	WorkerLaunching WorkerStatus = "launching"
	// WorkerPending means the instance is starting and has not
	// registered with the manager yet.
	WorkerPending WorkerStatus = "pending"
	// WorkerReady means the node is idle and accepting work.
	WorkerReady WorkerStatus = "ready"
	// WorkerWorking means the node is running an execution or an
	// installation.
	WorkerWorking WorkerStatus = "working"
	// WorkerError means the node failed an RPC or missed its liveness
	// window; it is swept by the fleet controller.
	WorkerError WorkerStatus = "error"
	// WorkerTerminated means the node was shut down.
	WorkerTerminated WorkerStatus = "terminated"
)

// Worker is one node of the fleet.
type Worker struct {
	ID             int64        `json:"id" gorm:"primaryKey;autoIncrement"`
	Status         WorkerStatus `json:"status" gorm:"size:32;index"`
	LocalIP        string       `json:"localIP"`
	PublicIP       string       `json:"publicIP"`
	InstanceID     string       `json:"instanceId"`
	Manager        bool         `json:"isManager"`
	LastTimeWorked time.Time    `json:"lastTimeWorked"`
	LastTimeAlive  time.Time    `json:"lastTimeAlive"`
}

// Address returns the IP the manager should use to reach the worker.
func (w *Worker) Address() string {
	if w.PublicIP != "" {
		return w.PublicIP
	}
	return w.LocalIP
}

// Policy is a named, activatable autoscaling rule set. Rules is the
// raw comma-separated "name=value" list; the policy engine parses it.
type Policy struct {
	ID     int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	Name   string `json:"name" gorm:"uniqueIndex;size:191"`
	Active bool   `json:"active" gorm:"index"`
	Rules  string `json:"rules"`
}

// Well-known policy rule names.
const (
	RuleMinWorkers      = "minWorkers"
	RuleMaxWorkers      = "maxWorkers"
	RuleFixedWorkers    = "fixedWorkers"
	RuleTerminationTime = "terminationTime"
	RuleMaxWait         = "maxWait"
)
