package incident

// DeriveSeverity maps an event type and confidence to a severity.
//
//	fire, weapon     >=0.8 high,   >=0.5 medium, else moderate
//	fight, accident  >=0.5 medium, else moderate
//	fall, theft      >=0.8 medium, else moderate
func DeriveSeverity(t EventType, confidence float64) Severity {
	switch t {
	case EventFire, EventWeapon:
		switch {
		case confidence >= 0.8:
			return SeverityHigh
		case confidence >= 0.5:
			return SeverityMedium
		}
	case EventFight, EventAccident:
		if confidence >= 0.5 {
			return SeverityMedium
		}
	case EventFall, EventTheft:
		if confidence >= 0.8 {
			return SeverityMedium
		}
	}
	return SeverityModerate
}
