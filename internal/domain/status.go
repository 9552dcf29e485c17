package domain

import "fmt"

// TaskStatus is the task lifecycle. The first three values mirror the stage
// statuses and are derived by rolling up stages; the rest are operator-driven
// verification and delivery states.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "not_started"
	TaskInProgress TaskStatus = "in_progress"
	TaskReady      TaskStatus = "ready"
	TaskVerified   TaskStatus = "verified"
	TaskDelivered  TaskStatus = "delivered"
	TaskClosed     TaskStatus = "closed"
)

// StageStatus is the per-stage lifecycle, a prefix of the task lifecycle.
type StageStatus string

const (
	StageNotStarted StageStatus = "not_started"
	StageInProgress StageStatus = "in_progress"
	StageReady      StageStatus = "ready"
)

// StageName identifies one unit of work in the fixed processing catalog.
type StageName string

const (
	StageIntake       StageName = "intake"
	StageApplication  StageName = "application"
	StageTransitDocs  StageName = "transit_docs"
	StageCertificate  StageName = "certificate"
	StageDeclaration  StageName = "declaration"
	StageInspection   StageName = "inspection"
	StageSubmission   StageName = "submission"
	StageMail         StageName = "mail"
	StageDriverNotice StageName = "driver_notice"
)

// StageCatalog is the ordered set of stages every task is created with.
// stage_order is assigned from the position in this slice.
var StageCatalog = []StageName{
	StageIntake,
	StageApplication,
	StageTransitDocs,
	StageCertificate,
	StageDeclaration,
	StageInspection,
	StageSubmission,
	StageMail,
	StageDriverNotice,
}

// ValidStageName reports whether name is part of the catalog.
func ValidStageName(name StageName) bool {
	for _, s := range StageCatalog {
		if s == name {
			return true
		}
	}
	return false
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskNotStarted, TaskInProgress, TaskReady, TaskVerified, TaskDelivered, TaskClosed:
		return TaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// OperatorTransitionAllowed reports whether the operator-driven task
// transition old -> next is legal. The rolled-up portion of the lifecycle
// (not_started..ready) is owned by the stage rollup and never set directly.
func OperatorTransitionAllowed(old, next TaskStatus) bool {
	switch old {
	case TaskReady:
		return next == TaskVerified
	case TaskVerified:
		return next == TaskDelivered
	case TaskDelivered:
		return next == TaskClosed
	}
	return false
}

// RollupTaskStatus derives a task's status from its stages. Progress begins
// as soon as any stage moves; the task is ready only when every stage is.
// Operator states beyond ready are preserved and never regressed by rollup.
func RollupTaskStatus(current TaskStatus, stages []TaskStage) TaskStatus {
	switch current {
	case TaskVerified, TaskDelivered, TaskClosed:
		return current
	}
	if len(stages) == 0 {
		return TaskNotStarted
	}
	ready := 0
	moved := 0
	for _, s := range stages {
		switch s.Status {
		case StageReady:
			ready++
			moved++
		case StageInProgress:
			moved++
		}
	}
	switch {
	case ready == len(stages):
		return TaskReady
	case moved > 0:
		return TaskInProgress
	default:
		return TaskNotStarted
	}
}
