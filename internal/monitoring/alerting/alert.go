package alerting

import "time"

// Severity is the ordered alert severity.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Rank returns the ordinal position of the severity, info lowest.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Type is the closed set of alert kinds.
type Type string

const (
	TypeServiceDown            Type = "service_down"
	TypePerformanceDegradation Type = "performance_degradation"
	TypeHighErrorRate          Type = "high_error_rate"
	TypeSlowRequest            Type = "slow_request"
	TypeAPIError               Type = "api_error"
	TypeDatabaseError          Type = "database_error"
	TypeExternalAPIError       Type = "external_api_error"
	TypeHighMemoryUsage        Type = "high_memory_usage"
	TypeHighCPUUsage           Type = "high_cpu_usage"
	TypeSecurityIncident       Type = "security_incident"
	TypeWebSocketError         Type = "websocket_error"
	TypeQuotaExceeded          Type = "quota_exceeded"
)

// Alert is one incident record. Alerts are only ever appended and
// resolved, never deleted; reads filter by time window.
type Alert struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	Severity   Severity          `json:"severity"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Timestamp  time.Time         `json:"timestamp"`
	Source     string            `json:"source"`
	Tags       map[string]string `json:"tags,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	Resolved   bool              `json:"resolved"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy string            `json:"resolved_by,omitempty"`
}

// EscalationRule triggers when enough alerts of one type pile up inside a
// time window. Actions are opaque identifiers executed elsewhere.
type EscalationRule struct {
	AlertType Type
	Severity  Severity
	Count     int
	Window    time.Duration
	Actions   []string
}
