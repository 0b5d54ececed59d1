package tool

// RiskLevel indicates the potential impact of a tool execution.
type RiskLevel int

const (
	RiskNone     RiskLevel = iota // Purely informational
	RiskLow                       // Reversible changes
	RiskMedium                    // May require cleanup
	RiskHigh                      // Difficult to reverse
	RiskCritical                  // Irreversible
)

// String returns the string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Annotations describe tool behavior for gateway policy.
type Annotations struct {
	ReadOnly    bool      `json:"read_only"`
	Destructive bool      `json:"destructive"`
	Idempotent  bool      `json:"idempotent"`
	RiskLevel   RiskLevel `json:"risk_level"`
}

// DefaultAnnotations returns annotations with safe defaults.
func DefaultAnnotations() Annotations {
	return Annotations{RiskLevel: RiskLow}
}

// CanRetry returns true if the tool can be safely retried on failure.
func (a Annotations) CanRetry() bool {
	return a.Idempotent || a.ReadOnly
}
