// SPDX-License-Identifier: MIT

package model

// ReconcileReport summarises one reconciliation pass over the inbox tree.
type ReconcileReport struct {
	FilesScanned        int   `json:"filesScanned"`
	JobsCreated         int   `json:"jobsCreated"`
	PartialFilesDeleted int   `json:"partialFilesDeleted"`
	JobsReconciled      int   `json:"jobsReconciled"`
	DurationMs          int64 `json:"durationMs"`
}
