package abuse

// Combine folds reason severities into a verdict severity: the maximum
// reason severity, raised one step when two or more reasons are HIGH or
// above. The result never exceeds CRITICAL.
func Combine(reasons []Reason) Severity {
	sev := SeverityNone
	high := 0
	for _, r := range reasons {
		if r.Severity > sev {
			sev = r.Severity
		}
		if r.Severity >= SeverityHigh {
			high++
		}
	}
	if high >= 2 && sev < SeverityCritical {
		sev++
	}
	return sev
}

// ActionFor maps a severity to an action. A MEDIUM severity becomes BLOCK
// once the actor's prior offenses reach threshold.
func ActionFor(sev Severity, priorOffenses int64, threshold int) Action {
	switch {
	case sev >= SeverityCritical:
		return ActionBan
	case sev == SeverityHigh:
		return ActionBlock
	case sev == SeverityMedium:
		if threshold > 0 && priorOffenses >= int64(threshold) {
			return ActionBlock
		}
		return ActionThrottle
	default:
		return ActionAllow
	}
}
