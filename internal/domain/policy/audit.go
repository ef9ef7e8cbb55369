package policy

import (
	"context"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/shared/types"
)

// recordMatch audits a matched rule. Critical rules also raise a
// security event.
func (e *Engine) recordMatch(ctx context.Context, p types.Policy, rule types.PolicyRule, secCtx *types.SecurityContext) {
	if e.metrics != nil {
		e.metrics.RecordPolicyMatch(string(rule.Action.Type))
	}

	var userID, sessionID, appID, ip, ua string
	if secCtx != nil {
		userID, sessionID, appID = secCtx.UserID, secCtx.SessionID, secCtx.AppID
		ip, ua = secCtx.IPAddress, secCtx.UserAgent
	}
	details := map[string]any{
		"policy_name": p.Name,
		"policy_type": string(p.Type),
		"rule_id":     rule.ID,
		"rule_action": string(rule.Action.Type),
		"reason":      rule.Message,
		"matched":     true,
	}

	e.logger.Debug("Policy rule matched",
		zap.String("policy_id", p.ID),
		zap.String("rule_id", rule.ID),
		zap.String("action", string(rule.Action.Type)),
		zap.String("user_id", userID))

	if e.audit != nil {
		entry := types.AuditLog{
			ID:        id.NewAuditID().String(),
			UserID:    userID,
			SessionID: sessionID,
			AppID:     appID,
			Action:    "policy_evaluation",
			Resource:  "policy:" + p.ID,
			Details:   details,
			IPAddress: ip,
			UserAgent: ua,
			Result:    types.AuditSuccess,
			Severity:  rule.Severity,
			Timestamp: e.now(),
		}
		if err := e.audit.InsertAuditLog(ctx, entry); err != nil {
			e.logger.Error("Failed to save audit log", zap.String("policy_id", p.ID), zap.Error(err))
		}
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.SecurityAudit, AppID: appID, Payload: withKind("policy_match", p.ID, details)})
	}

	if rule.Severity != types.SeverityCritical {
		return
	}
	e.logger.Error("Critical policy rule matched",
		zap.String("policy_id", p.ID),
		zap.String("rule_id", rule.ID),
		zap.String("user_id", userID))

	event := types.SecurityEvent{
		ID:          id.NewAuditID().String(),
		Type:        "policy_violation",
		Severity:    types.SeverityCritical,
		UserID:      userID,
		SessionID:   sessionID,
		AppID:       appID,
		Description: rule.Message,
		Details:     details,
		Timestamp:   e.now(),
	}
	if e.audit != nil {
		if err := e.audit.InsertSecurityEvent(ctx, event); err != nil {
			e.logger.Error("Failed to log security event", zap.Error(err))
		}
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.SecurityEvent, AppID: appID, Payload: withKind("policy_violation", p.ID, details)})
	}
}

func withKind(kind, policyID string, details map[string]any) map[string]any {
	out := make(map[string]any, len(details)+2)
	for k, v := range details {
		out[k] = v
	}
	out["kind"] = kind
	out["policy_id"] = policyID
	return out
}
