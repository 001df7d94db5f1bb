package actionsync

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
	ErrNoCredential        = errors.New("no credential for workspace")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

type IntentStatus string

const (
	IntentPending IntentStatus = "pending"
	IntentSynced  IntentStatus = "synced"
	IntentFailed  IntentStatus = "failed"
)

func (s IntentStatus) Valid() bool {
	switch s {
	case IntentPending, IntentSynced, IntentFailed:
		return true
	default:
		return false
	}
}

// ActionLike is the only action that is mirrored to an external platform.
// Analytics facts are append-only, so toggles such as unlike have no
// idempotency key that could order them against an earlier like.
const ActionLike = "like"

const PlatformYouTube = "youtube"

// Metadata is an open key-value payload stored alongside intents and
// analytics facts. Well-known keys have typed accessors.
type Metadata map[string]any

const (
	MetadataActorName     = "actor_name"
	MetadataActorEmail    = "actor_email"
	MetadataPostID        = "post_id"
	MetadataCorrelationID = "correlation_id"
)

func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	value, ok := m[key].(string)
	if !ok {
		return ""
	}
	return value
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Metadata) encode() (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMetadata(raw string) (Metadata, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Metadata{}, nil
	}
	var out Metadata
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = Metadata{}
	}
	return out, nil
}

// SyncIntent is one obligation to apply Action to ExternalEntityID on behalf
// of UserID in WorkspaceID. At most one exists per natural key.
type SyncIntent struct {
	ID               string       `json:"id"`
	WorkspaceID      string       `json:"workspaceId"`
	UserID           string       `json:"userId"`
	ExternalEntityID string       `json:"externalEntityId"`
	Action           string       `json:"action"`
	Platform         string       `json:"platform"`
	Status           IntentStatus `json:"status"`
	AttemptCount     int          `json:"attemptCount"`
	LastAttemptAt    *time.Time   `json:"lastAttemptAt,omitempty"`
	LastError        *string      `json:"lastError,omitempty"`
	Metadata         Metadata     `json:"metadata,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

func (i SyncIntent) Key() IntentKey {
	return IntentKey{
		WorkspaceID:      i.WorkspaceID,
		UserID:           i.UserID,
		ExternalEntityID: i.ExternalEntityID,
		Action:           i.Action,
	}
}

// Exhausted reports whether a failed intent has used up its attempts.
func (i SyncIntent) Exhausted(maxAttempts int) bool {
	return i.Status == IntentFailed && maxAttempts > 0 && i.AttemptCount >= maxAttempts
}

type IntentKey struct {
	WorkspaceID      string
	UserID           string
	ExternalEntityID string
	Action           string
}

func (k IntentKey) String() string {
	return k.WorkspaceID + "|" + k.UserID + "|" + k.ExternalEntityID + "|" + k.Action
}

type CreateIntentRequest struct {
	WorkspaceID      string
	UserID           string
	ExternalEntityID string
	Action           string
	Platform         string
	Metadata         Metadata
}

func (r CreateIntentRequest) normalize() (CreateIntentRequest, error) {
	r.WorkspaceID = strings.TrimSpace(r.WorkspaceID)
	r.UserID = strings.TrimSpace(r.UserID)
	r.ExternalEntityID = strings.TrimSpace(r.ExternalEntityID)
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
	r.Platform = strings.ToLower(strings.TrimSpace(r.Platform))
	if r.WorkspaceID == "" || r.UserID == "" || r.ExternalEntityID == "" || r.Action == "" {
		return CreateIntentRequest{}, ErrInvalidInput
	}
	if r.Platform == "" {
		r.Platform = PlatformYouTube
	}
	r.Metadata = r.Metadata.Clone()
	return r, nil
}

// Outcome is the result of one external attempt.
type Outcome struct {
	Status IntentStatus
	Detail string
}

func Synced() Outcome {
	return Outcome{Status: IntentSynced}
}

func Failed(detail string) Outcome {
	return Outcome{Status: IntentFailed, Detail: truncateDetail(detail)}
}

func (o Outcome) validate() error {
	if o.Status != IntentSynced && o.Status != IntentFailed {
		return ErrInvalidInput
	}
	return nil
}

func (o Outcome) lastError() *string {
	if o.Status == IntentSynced {
		return nil
	}
	detail := o.Detail
	if detail == "" {
		detail = "unknown failure"
	}
	return &detail
}

const maxErrorDetailBytes = 1000

func truncateDetail(detail string) string {
	detail = strings.TrimSpace(detail)
	if len(detail) <= maxErrorDetailBytes {
		return detail
	}
	return detail[:maxErrorDetailBytes] + "..."
}

type RetryQuery struct {
	MaxAttempts   int
	RetryInterval time.Duration
	Limit         int
}

// retryLimit is the batch size exactly as configured; only a missing limit
// falls back to the default.
func (q RetryQuery) retryLimit() int {
	if q.Limit <= 0 {
		return DefaultBatchLimit
	}
	return q.Limit
}

type IntentFilter struct {
	WorkspaceID string
	Status      IntentStatus
	Limit       int
}

// Policy holds the retry knobs shared by the executor and the sweeper.
type Policy struct {
	MaxAttempts    int
	RetryInterval  time.Duration
	BatchLimit     int
	Workers        int
	AttemptTimeout time.Duration
}

const (
	DefaultMaxAttempts    = 5
	DefaultRetryInterval  = 300 * time.Second
	DefaultBatchLimit     = 50
	DefaultSweepWorkers   = 4
	DefaultAttemptTimeout = 30 * time.Second
)

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		RetryInterval:  DefaultRetryInterval,
		BatchLimit:     DefaultBatchLimit,
		Workers:        DefaultSweepWorkers,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// Normalize fills zero or negative fields with defaults.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = DefaultRetryInterval
	}
	if p.BatchLimit <= 0 {
		p.BatchLimit = DefaultBatchLimit
	}
	if p.Workers <= 0 {
		p.Workers = DefaultSweepWorkers
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	return p
}

func (p Policy) retryQuery() RetryQuery {
	return RetryQuery{
		MaxAttempts:   p.MaxAttempts,
		RetryInterval: p.RetryInterval,
		Limit:         p.BatchLimit,
	}
}
