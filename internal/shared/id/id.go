// Package id mints the identifiers the host hands out.
//
// Every ID is a ULID behind a short kind prefix (inst_*, pol_*, log_*) so
// IDs sort by creation time and stay readable in logs and event streams.
package id

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind is the prefix that names what an ID refers to
type Kind string

const (
	KindInstance Kind = "inst"
	KindRequest  Kind = "req"
	KindPolicy   Kind = "pol"
	KindAudit    Kind = "log"
	KindEvent    Kind = "evt"
)

type (
	// InstanceID identifies one runtime instance of an app
	InstanceID string
	// RequestID identifies a shell API request or a trace span
	RequestID string
	// PolicyID identifies a security policy
	PolicyID string
	// AuditID identifies an audit log entry
	AuditID string
	// EventID identifies a bus event or security event
	EventID string
)

func (v InstanceID) String() string { return string(v) }
func (v RequestID) String() string  { return string(v) }
func (v PolicyID) String() string   { return string(v) }
func (v AuditID) String() string    { return string(v) }
func (v EventID) String() string    { return string(v) }

// Source mints ULIDs. IDs from one source are strictly increasing, even
// within the same millisecond.
type Source struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewSource creates a source backed by crypto/rand
func NewSource() *Source {
	return &Source{entropy: ulid.Monotonic(rand.Reader, 0), now: time.Now}
}

var shared = NewSource()

// Next returns a fresh ULID
func (s *Source) Next() ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy)
}

// Mint returns a fresh ID of the given kind
func (s *Source) Mint(kind Kind) string {
	return string(kind) + "_" + s.Next().String()
}

// NewInstanceID mints an instance ID
func NewInstanceID() InstanceID { return InstanceID(shared.Mint(KindInstance)) }

// NewRequestID mints a request ID
func NewRequestID() RequestID { return RequestID(shared.Mint(KindRequest)) }

// NewPolicyID mints a policy ID
func NewPolicyID() PolicyID { return PolicyID(shared.Mint(KindPolicy)) }

// NewAuditID mints an audit log ID
func NewAuditID() AuditID { return AuditID(shared.Mint(KindAudit)) }

// NewEventID mints an event ID
func NewEventID() EventID { return EventID(shared.Mint(KindEvent)) }

// Split separates a minted ID into its kind and ULID
func Split(s string) (Kind, ulid.ULID, error) {
	kind, raw, found := strings.Cut(s, "_")
	if !found {
		kind, raw = "", s
	}
	u, err := ulid.Parse(raw)
	return Kind(kind), u, err
}

// CreatedAt returns the time encoded in an ID
func CreatedAt(s string) (time.Time, error) {
	_, u, err := Split(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
