// Package protocol defines the wire contract shared by the manager and
// its workers: the action-code table and the JSON request envelope.
package protocol

import "sort"

// Action codes. The numeric values are the wire contract; both manager
// and worker accept the same envelope shape.
const (
	ActionAck                  = 1
	ActionNewActivity          = 10
	ActionInstallActivity      = 11
	ActionUninstallActivity    = 12
	ActionReportActivity       = 13
	ActionGetActivityStatus    = 14
	ActionDeleteActivity       = 15
	ActionNewExecution         = 20
	ActionPerformExecution     = 21
	ActionGetExecutionStatus   = 22
	ActionGetExecutionProgress = 23
	ActionReportExecution      = 24
	ActionTerminateExecution   = 25
	ActionNewPolicy            = 30
	ActionDeletePolicy         = 31
	ActionApplyPolicy          = 32
	ActionResetPolicies        = 33
	ActionGetActivePolicy      = 34
	ActionGetPolicies          = 35
	ActionGetWorkers           = 50
)

type action struct {
	code int
	name string
}

// actions is kept sorted by code; Name resolves codes with a binary
// search over it.
var actions = []action{
	{ActionAck, "ACK"},
	{ActionNewActivity, "NEW_ACTIVITY"},
	{ActionInstallActivity, "INSTALL_ACTIVITY"},
	{ActionUninstallActivity, "UNINSTALL_ACTIVITY"},
	{ActionReportActivity, "REPORT_ACTIVITY"},
	{ActionGetActivityStatus, "GET_ACTIVITY_STATUS"},
	{ActionDeleteActivity, "DELETE_ACTIVITY"},
	{ActionNewExecution, "NEW_EXECUTION"},
	{ActionPerformExecution, "PERFORM_EXECUTION"},
	{ActionGetExecutionStatus, "GET_EXECUTION_STATUS"},
	{ActionGetExecutionProgress, "GET_EXECUTION_PROGRESS"},
	{ActionReportExecution, "REPORT_EXECUTION"},
	{ActionTerminateExecution, "TERMINATE_EXECUTION"},
	{ActionNewPolicy, "NEW_POLICY"},
	{ActionDeletePolicy, "DELETE_POLICY"},
	{ActionApplyPolicy, "APPLY_POLICY"},
	{ActionResetPolicies, "RESET_POLICIES"},
	{ActionGetActivePolicy, "GET_ACTIVE_POLICY"},
	{ActionGetPolicies, "GET_POLICIES"},
	{ActionGetWorkers, "GET_WORKERS"},
}

// NameUnknown is returned by Name for codes outside the table.
const NameUnknown = "UNKNOWN"

// Name returns the symbolic name of an action code, or NameUnknown if
// the code is not part of the protocol.
func Name(code int) string {
	i := sort.Search(len(actions), func(i int) bool {
		return actions[i].code >= code
	})
	if i < len(actions) && actions[i].code == code {
		return actions[i].name
	}
	return NameUnknown
}

// Known reports whether code is part of the protocol.
func Known(code int) bool {
	return Name(code) != NameUnknown
}
