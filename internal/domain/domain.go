// Package domain works out which execution domain the current process is in.
//
// The answer is recomputed on every call from the process identity so a
// freshly forked secondary process never inherits a stale value.
package domain

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/snapsvc/internal/component"
)

// DefaultSuffix marks a secondary-domain process identity.
const DefaultSuffix = ":snap_service_fork"

// EnvProcessName overrides the process identity.
const EnvProcessName = "SNAPSVC_PROCESS_NAME"

type Probe interface {
	Identity() string
}

// ProcessProbe reads $SNAPSVC_PROCESS_NAME, falling back to the executable name.
type ProcessProbe struct{}

func (ProcessProbe) Identity() string {
	if v := os.Getenv(EnvProcessName); v != "" {
		return v
	}
	if len(os.Args) == 0 {
		return ""
	}
	return filepath.Base(os.Args[0])
}

// Static is a fixed identity.
type Static string

func (s Static) Identity() string { return string(s) }

type Classifier struct {
	Probe  Probe
	Suffix string
}

func NewClassifier(p Probe, suffix string) *Classifier {
	if p == nil {
		p = ProcessProbe{}
	}
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return &Classifier{Probe: p, Suffix: suffix}
}

// Current returns the domain of this process.
func (c *Classifier) Current() component.Domain {
	if strings.HasSuffix(c.Probe.Identity(), c.Suffix) {
		return component.Secondary
	}
	return component.Primary
}

// IdentityFor builds the process identity a process in d should carry.
func (c *Classifier) IdentityFor(base string, d component.Domain) string {
	base = strings.TrimSuffix(base, c.Suffix)
	if d == component.Secondary {
		return base + c.Suffix
	}
	return base
}
