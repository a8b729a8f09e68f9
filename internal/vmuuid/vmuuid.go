// Package vmuuid normalizes the UUID a VM self-reports over the
// VMware extension (VM_VC_UUID) and mints the independent correlation
// IDs used to tie together log lines for one VM connection before
// (and after) its real UUID is known.
package vmuuid

import (
	"strings"

	"github.com/google/uuid"
)

// Normalize strips every space and hyphen from a VM-reported UUID,
// reducing it to the bare hex identifier used as the registry key.
// It does not validate UUID shape: a VM is identified by whatever
// self-reported value survives normalization, nothing more.
func Normalize(raw string) string {
	s := strings.ReplaceAll(raw, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// NewCorrelationID returns a fresh identifier for tagging the log
// lines of one VM connection. It is independent of, and never
// confused with, the VM's self-reported UUID that keys the session
// registry.
func NewCorrelationID() string {
	return uuid.NewString()
}
