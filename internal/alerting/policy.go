package alerting

import (
	"fmt"
	"time"

	"github.com/labqc/labqc-server/internal/domain"
)

// DefaultPolicies returns the per-severity escalation policies. Sites
// override recipients and timings through configuration; the structural
// semantics are fixed: only panic omits EscalationTime and instead takes the
// immediate emergency path at creation.
func DefaultPolicies() map[domain.AlertLevel]domain.EscalationPolicy {
	return map[domain.AlertLevel]domain.EscalationPolicy{
		domain.LevelInfo: {
			Level:              domain.LevelInfo,
			NotificationDelay:  10 * time.Minute,
			Channels:           []domain.ChannelKind{domain.ChannelEMR},
			Recipients:         Recipients("lab-techs"),
			ResponseTimeTarget: 4 * time.Hour,
		},
		domain.LevelWarning: {
			Level:              domain.LevelWarning,
			NotificationDelay:  5 * time.Minute,
			Channels:           []domain.ChannelKind{domain.ChannelEmail, domain.ChannelEMR},
			Recipients:         Recipients("lab-techs", "lab-supervisors"),
			ResponseTimeTarget: time.Hour,
			EscalationTime:     2 * time.Hour,
		},
		domain.LevelCritical: {
			Level:              domain.LevelCritical,
			NotificationDelay:  time.Minute,
			Channels:           []domain.ChannelKind{domain.ChannelEmail, domain.ChannelSMS, domain.ChannelEMR},
			Recipients:         Recipients("ordering-physician", "lab-supervisors", "on-call-physician"),
			ResponseTimeTarget: 15 * time.Minute,
			EscalationTime:     30 * time.Minute,
			Actions:            []string{"flag_in_emr"},
		},
		domain.LevelPanic: {
			Level:              domain.LevelPanic,
			NotificationDelay:  0,
			Channels:           []domain.ChannelKind{domain.ChannelPager, domain.ChannelSMS, domain.ChannelChat, domain.ChannelEmail, domain.ChannelEMR},
			Recipients:         Recipients("ordering-physician", "on-call-physician", "rapid-response-team"),
			ResponseTimeTarget: 5 * time.Minute,
			// No EscalationTime: panic escalates immediately at creation.
			Actions: []string{"flag_in_emr", "activate_emergency_protocol"},
		},
	}
}

// Recipients builds the three recipient tiers from up to three group names.
// Missing tiers fall back to the previous one.
func Recipients(groups ...string) domain.Recipients {
	r := domain.Recipients{}
	if len(groups) > 0 {
		r.Primary = []string{groups[0]}
	}
	if len(groups) > 1 {
		r.Escalation = []string{groups[1]}
	} else {
		r.Escalation = r.Primary
	}
	if len(groups) > 2 {
		r.Emergency = []string{groups[2]}
	} else {
		r.Emergency = r.Escalation
	}
	return r
}

// ValidatePolicies checks the structural invariants of a policy set
func ValidatePolicies(policies map[domain.AlertLevel]domain.EscalationPolicy) error {
	for _, level := range []domain.AlertLevel{domain.LevelInfo, domain.LevelWarning, domain.LevelCritical, domain.LevelPanic} {
		p, ok := policies[level]
		if !ok {
			return fmt.Errorf("missing escalation policy for level %s", level)
		}
		if len(p.Channels) == 0 {
			return fmt.Errorf("policy %s declares no channels", level)
		}
		if len(p.Recipients.Primary) == 0 {
			return fmt.Errorf("policy %s declares no primary recipients", level)
		}
	}
	if policies[domain.LevelPanic].EscalationTime != 0 {
		return fmt.Errorf("panic policy must not declare an escalation time")
	}
	if policies[domain.LevelPanic].NotificationDelay != 0 {
		return fmt.Errorf("panic policy must not delay notification")
	}
	return nil
}
