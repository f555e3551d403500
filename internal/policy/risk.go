package policy

// RiskLevel classifies how risky a candidate change is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// riskRank orders risk levels so MaxRisk can compare them.
func riskRank(r RiskLevel) int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if riskRank(a) >= riskRank(b) {
		return a
	}
	return b
}

// DiffRisk classifies a diff by its total changed lines using the policy's
// thresholds.
func (p *Policy) DiffRisk(files []ChangedFile) RiskLevel {
	total := TotalLines(files)
	switch {
	case p.HighRiskLines > 0 && total >= p.HighRiskLines:
		return RiskHigh
	case p.MediumRiskLines > 0 && total >= p.MediumRiskLines:
		return RiskMedium
	default:
		return RiskLow
	}
}
