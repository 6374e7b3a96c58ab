package fleet

import (
	"time"
)

// Tag keys stamped on every managed instance. The application marker is the
// authoritative membership predicate; the environment tag partitions fleets
// managed by distinct deployments.
const (
	TagApplication = "ghr:Application"
	TagEnvironment = "ghr:environment"
	TagType        = "Type"
	TagOwner       = "Owner"
	TagCreatedBy   = "ghr:created_by"
	TagRunnerID    = "ghr:github_runner_id"
	TagOrphan      = "ghr:orphan"

	// ApplicationTagValue is the constant value of the application marker.
	ApplicationTagValue = "github-action-runner"
)

// Values of the Type tag.
const (
	TypeOrg  = "Org"
	TypeRepo = "Repo"
)

// Values of the ghr:created_by tag. The creator is always set explicitly by
// the caller (dispatcher vs pool loop), never derived from instance count.
const (
	CreatedByScaleUp = "scale-up"
	CreatedByPool    = "pool"
)

// Instance is the projection of a live cloud instance that the controller
// operates on. Instances are the sole durable representation of controller
// state; everything here is read back from EC2 tags.
type Instance struct {
	ID         string
	LaunchedAt time.Time
	Owner      string
	Type       string
	CreatedBy  string

	// RunnerID is the upstream runner id tag, empty until registration has
	// been observed. Once set it is never cleared.
	RunnerID string

	// Orphan reports whether the instance carries the orphan tag. Only the
	// scale-down reaper sets or clears it.
	Orphan bool
}

// ListFilter selects managed instances from the cloud inventory.
type ListFilter struct {
	Environment string

	// Owner restricts to a single owning scope when non-empty.
	Owner string

	// States are instance-state-name values; defaults to running and pending.
	States []string

	// OrphanOnly restricts the server-side query to orphan-tagged instances.
	OrphanOnly bool
}
