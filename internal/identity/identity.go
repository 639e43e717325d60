// Package identity builds and parses runner instance names and computes the
// health verdict that joins a cloud-side view of an instance with a
// platform-side view of the same runner.
package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/thpham/runnerfleet/internal/rferrors"
	"github.com/thpham/runnerfleet/internal/stringid"
)

// reactivity tags embedded in every InstanceID, kept as full words rather
// than single characters so `ps`/log output stays self-describing.
const (
	tagReactive    = "reactive"
	tagNonReactive = "non-reactive"
)

// InstanceID is the canonical name of a runner instance, shared by the
// cloud driver (as the VM name) and the platform driver (as the runner
// description/name). Its shape is <prefix>-<reactive|non-reactive>-<suffix>.
type InstanceID struct {
	prefix    string
	reactive  bool
	suffix    string
}

// BuildInstanceID constructs a fresh InstanceID owned by prefix.
func BuildInstanceID(prefix string, reactive bool) InstanceID {
	return InstanceID{
		prefix:   prefix,
		reactive: reactive,
		suffix:   stringid.Short(),
	}
}

// ParseInstanceID parses a previously-built name back into an InstanceID.
func ParseInstanceID(name string) (InstanceID, error) {
	cut := strings.LastIndex(name, "-")
	if cut < 0 {
		return InstanceID{}, fmt.Errorf("%q: %w", name, rferrors.ErrMalformedName)
	}
	rest := name[:cut]
	suffix := name[cut+1:]

	var reactive bool
	var prefix string
	switch {
	case strings.HasSuffix(rest, "-"+tagNonReactive):
		reactive = false
		prefix = strings.TrimSuffix(rest, "-"+tagNonReactive)
	case strings.HasSuffix(rest, "-"+tagReactive):
		reactive = true
		prefix = strings.TrimSuffix(rest, "-"+tagReactive)
	default:
		return InstanceID{}, fmt.Errorf("%q: %w", name, rferrors.ErrMalformedName)
	}
	if suffix == "" {
		return InstanceID{}, fmt.Errorf("%q: %w", name, rferrors.ErrMalformedName)
	}

	return InstanceID{prefix: prefix, reactive: reactive, suffix: suffix}, nil
}

// String renders the canonical <prefix>-<reactivity>-<suffix> name.
func (id InstanceID) String() string {
	tag := tagNonReactive
	if id.reactive {
		tag = tagReactive
	}
	return fmt.Sprintf("%s-%s-%s", id.prefix, tag, id.suffix)
}

// Prefix returns the manager prefix this instance was created under.
func (id InstanceID) Prefix() string { return id.prefix }

// Reactive reports whether this instance was created to serve a single
// reactive job rather than as part of the base population.
func (id InstanceID) Reactive() bool { return id.reactive }

// Owns reports whether this InstanceID belongs to the manager namespaced
// by prefix. Every cloud/platform enumeration must filter through Owns
// before acting on an instance, so a manager never touches an instance it
// did not create.
func (id InstanceID) Owns(prefix string) bool {
	return id.prefix == prefix
}

// PlatformKind identifies which platform backend issued a runner's
// credential and should be consulted for its health.
type PlatformKind string

const (
	PlatformHostedVCS     PlatformKind = "hostedvcs"
	PlatformJobDispatcher PlatformKind = "jobdispatcher"
)

// RunnerMetadata carries the platform-specific identifiers needed to look a
// runner up again after its credential was issued.
type RunnerMetadata struct {
	Kind     PlatformKind
	RunnerID int64
	BaseURL  string
}

// RunnerIdentity is the join key between a cloud instance and a platform
// runner: the same InstanceID is used as both the VM name and the runner's
// registered name/description.
type RunnerIdentity struct {
	InstanceID InstanceID
	Metadata   RunnerMetadata
}

// CloudStatus enumerates the lifecycle states the cloud driver reports for
// an instance.
type CloudStatus string

const (
	CloudBuilding CloudStatus = "BUILDING"
	CloudActive   CloudStatus = "ACTIVE"
	CloudStopped  CloudStatus = "STOPPED"
	CloudError    CloudStatus = "ERROR"
	CloudDeleted  CloudStatus = "DELETED"
	CloudUnknown  CloudStatus = "UNKNOWN"
)

// CloudRunnerInstance is the cloud driver's view of an instance.
type CloudRunnerInstance struct {
	InstanceID InstanceID
	ServerID   string
	Status     CloudStatus
	CreatedAt  time.Time
	SSHAddress string
}

// PlatformRunnerState enumerates the lifecycle states the platform driver
// reports for a registered runner.
type PlatformRunnerState string

const (
	PlatformIdle    PlatformRunnerState = "IDLE"
	PlatformBusy    PlatformRunnerState = "BUSY"
	PlatformOffline PlatformRunnerState = "OFFLINE"
)

// PlatformRunnerHealth is the platform driver's view of a registered runner.
// Deletable reports that the platform has already released the runner (it
// will accept no further jobs) even though it may still answer health
// queries; a deletable runner is always reaped regardless of State.
type PlatformRunnerHealth struct {
	Identity    RunnerIdentity
	State       PlatformRunnerState
	Deletable   bool
	ContactedAt time.Time
}

// HealthVerdict is the outcome of joining a cloud instance's state with its
// platform runner's state and age.
type HealthVerdict string

const (
	Healthy   HealthVerdict = "HEALTHY"
	Unhealthy HealthVerdict = "UNHEALTHY"
	Unknown   HealthVerdict = "UNKNOWN"
)

// GraceConfig bounds how long a freshly-created instance is given before
// the absence of a platform registration (or contact) counts against it.
type GraceConfig struct {
	StartupGrace time.Duration // time allowed before first platform contact
	BuildGrace   time.Duration // time allowed for the cloud instance to leave BUILDING
}

// JoinHealth implements the cloud x platform x age join table: an instance
// is Healthy while it is within grace and still booting, or once it is
// actually online; Unhealthy once it has had enough time to reach a working
// state and hasn't, or once the platform has released it; Unknown only for
// a cloud status or platform state it does not recognise. A platform query that failed
// transiently is never represented here — callers must short-circuit to
// Unknown themselves rather than pass a nil platform for that case, since
// nil here means "not yet registered", not "couldn't ask".
func JoinHealth(cloud CloudRunnerInstance, platform *PlatformRunnerHealth, age time.Duration, cfg GraceConfig) HealthVerdict {
	switch cloud.Status {
	case CloudError, CloudDeleted:
		return Unhealthy
	case CloudBuilding:
		if age > cfg.BuildGrace {
			return Unhealthy
		}
		return Healthy
	case CloudUnknown:
		return Unknown
	case CloudStopped:
		return Unhealthy
	case CloudActive:
		if platform != nil && platform.Deletable {
			return Unhealthy
		}
		if platform == nil {
			if age > cfg.StartupGrace {
				return Unhealthy
			}
			return Healthy
		}
		switch platform.State {
		case PlatformBusy, PlatformIdle:
			return Healthy
		case PlatformOffline:
			if age > cfg.StartupGrace {
				return Unhealthy
			}
			return Healthy
		default:
			return Unknown
		}
	default:
		return Unknown
	}
}
