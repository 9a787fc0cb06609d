package command

import (
	"context"
	"fmt"
	"math"

	"github.com/roastops/roastd/pkg/models"
)

// runGates evaluates the fixed pipeline: governor, constraint, state, rate.
// The first failure short-circuits; the returned reason is nil when every
// gate passed. Gates never return business failures as errors — an error
// here means the pipeline itself could not run (storage, provider I/O).
func (s *Service) runGates(ctx context.Context, p *models.CommandProposal) (*models.RejectionReason, error) {
	if reason, err := s.governorGate(ctx, p); reason != nil || err != nil {
		return reason, err
	}
	if reason := constraintGate(p.Command); reason != nil {
		return reason, nil
	}
	if reason, err := s.stateGate(ctx, p.Command); reason != nil || err != nil {
		return reason, err
	}
	return s.rateGate(ctx, p)
}

func (s *Service) governorGate(ctx context.Context, p *models.CommandProposal) (*models.RejectionReason, error) {
	if s.governor == nil {
		return nil, nil
	}

	in := GovernorInput{
		CommandType: p.Command.Type,
		TargetValue: p.Command.TargetValue,
		MachineID:   p.Command.MachineID,
		SessionID:   p.SessionID,
		Actor:       p.Actor,
		Proposer:    p.Proposer,
	}
	var err error
	if in.RecentFailureRate, err = s.recentFailureRate(ctx, p.Command.MachineID); err != nil {
		return nil, err
	}
	if p.SessionID != "" {
		inSession, err := s.repo.ListBySession(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		in.CommandsInSession = len(inSession)
	}

	decision, err := s.governor.Evaluate(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("governor evaluation: %w", err)
	}
	if decision.Action != models.GovernorBlock {
		return nil, nil
	}

	code := models.ReasonOutOfScope
	if len(decision.Reasons) > 0 {
		code = decision.Reasons[0]
	}
	return &models.RejectionReason{
		Code:    code,
		Message: fmt.Sprintf("governor blocked %s", p.Command.Type),
		Details: map[string]any{"decidedBy": decision.DecidedBy, "reasons": decision.Reasons},
	}, nil
}

// constraintGate enforces per-command value constraints and the type-level
// hard caps. Value-less commands must not carry a target value.
func constraintGate(cmd models.Command) *models.RejectionReason {
	if !cmd.Type.HasValue() {
		if cmd.TargetValue != nil {
			return constraintViolation(
				fmt.Sprintf("%s does not accept a targetValue", cmd.Type), nil)
		}
		return nil
	}
	if cmd.TargetValue == nil {
		return constraintViolation(
			fmt.Sprintf("%s requires a targetValue", cmd.Type), nil)
	}

	v := *cmd.TargetValue
	if cmd.Constraints.MinValue != nil && v < *cmd.Constraints.MinValue {
		return constraintViolation(
			fmt.Sprintf("targetValue %v below minValue %v", v, *cmd.Constraints.MinValue),
			map[string]any{"targetValue": v, "minValue": *cmd.Constraints.MinValue})
	}
	if cmd.Constraints.MaxValue != nil && v > *cmd.Constraints.MaxValue {
		return constraintViolation(
			fmt.Sprintf("targetValue %v above maxValue %v", v, *cmd.Constraints.MaxValue),
			map[string]any{"targetValue": v, "maxValue": *cmd.Constraints.MaxValue})
	}
	if min, max, ok := cmd.Type.ValueRange(); ok && (v < min || v > max) {
		return constraintViolation(
			fmt.Sprintf("targetValue %v outside %s range [%v,%v]", v, cmd.Type, min, max),
			map[string]any{"targetValue": v, "min": min, "max": max})
	}
	return nil
}

func (s *Service) stateGate(ctx context.Context, cmd models.Command) (*models.RejectionReason, error) {
	if s.state == nil {
		return nil, nil
	}
	state, err := s.state.CurrentState(ctx, cmd.MachineID)
	if err != nil {
		return nil, fmt.Errorf("reading machine state: %w", err)
	}

	require := append([]string{}, cmd.Constraints.RequireStates...)
	forbid := append([]string{}, cmd.Constraints.ForbiddenStates...)
	switch cmd.Type {
	case models.CommandCharge:
		require = append(require, "drumRotating")
	case models.CommandDrop:
		require = append(require, "roastInProgress")
	case models.CommandPreheat:
		forbid = append(forbid, "roastInProgress")
	}

	for _, flag := range require {
		if !state[flag] {
			return &models.RejectionReason{
				Code:    models.ReasonStateGuard,
				Message: fmt.Sprintf("required state %q is not set", flag),
				Details: map[string]any{"flag": flag},
			}, nil
		}
	}
	for _, flag := range forbid {
		if state[flag] {
			return &models.RejectionReason{
				Code:    models.ReasonStateGuard,
				Message: fmt.Sprintf("forbidden state %q is set", flag),
				Details: map[string]any{"flag": flag},
			}, nil
		}
	}
	return nil, nil
}

// rateGate enforces minimum intervals, daily counts, and ramp rate against
// a snapshot of the machine's recent same-type commands.
func (s *Service) rateGate(ctx context.Context, p *models.CommandProposal) (*models.RejectionReason, error) {
	if s.recent == nil {
		return nil, nil
	}
	c := p.Command.Constraints
	if c.MinIntervalSeconds == nil && c.MaxDailyCount == nil && c.RampRate == nil {
		return nil, nil
	}

	prior, err := s.recent.RecentAdmitted(ctx, p.Command.MachineID, p.Command.Type, s.cfg.RecentCommandsLimit)
	if err != nil {
		return nil, fmt.Errorf("reading recent commands: %w", err)
	}
	if len(prior) == 0 {
		return nil, nil
	}
	last := prior[0]
	sinceLast := p.CreatedAt.Sub(last.CreatedAt).Seconds()

	if c.MinIntervalSeconds != nil && sinceLast < *c.MinIntervalSeconds {
		return &models.RejectionReason{
			Code: models.ReasonRateLimit,
			Message: fmt.Sprintf("only %.1fs since previous %s, minimum is %.1fs",
				sinceLast, p.Command.Type, *c.MinIntervalSeconds),
			Details: map[string]any{"sinceSeconds": sinceLast, "minIntervalSeconds": *c.MinIntervalSeconds},
		}, nil
	}

	if c.MaxDailyCount != nil {
		y, m, d := p.CreatedAt.Date()
		count := 0
		for _, prev := range prior {
			py, pm, pd := prev.CreatedAt.Date()
			if py == y && pm == m && pd == d {
				count++
			}
		}
		if count >= *c.MaxDailyCount {
			return &models.RejectionReason{
				Code: models.ReasonRateLimit,
				Message: fmt.Sprintf("daily count %d reached for %s (max %d)",
					count, p.Command.Type, *c.MaxDailyCount),
				Details: map[string]any{"count": count, "maxDailyCount": *c.MaxDailyCount},
			}, nil
		}
	}

	if c.RampRate != nil && p.Command.TargetValue != nil && last.Command.TargetValue != nil && sinceLast > 0 {
		ramp := math.Abs(*p.Command.TargetValue-*last.Command.TargetValue) / sinceLast
		if ramp > *c.RampRate {
			return &models.RejectionReason{
				Code: models.ReasonRampRate,
				Message: fmt.Sprintf("ramp %.2f/s exceeds limit %.2f/s",
					ramp, *c.RampRate),
				Details: map[string]any{"rampPerSecond": ramp, "rampRate": *c.RampRate},
			}, nil
		}
	}
	return nil, nil
}

// recentFailureRate derives failed / (completed + failed) over the
// machine's recent proposals, feeding the governor's context.
func (s *Service) recentFailureRate(ctx context.Context, machineID string) (float64, error) {
	recent, err := s.repo.ListByMachine(ctx, machineID)
	if err != nil {
		return 0, err
	}
	if len(recent) > s.cfg.RecentCommandsLimit {
		recent = recent[:s.cfg.RecentCommandsLimit]
	}
	var completed, failed int
	for _, p := range recent {
		switch p.Status {
		case models.ProposalCompleted:
			completed++
		case models.ProposalFailed:
			failed++
		}
	}
	if completed+failed == 0 {
		return 0, nil
	}
	return float64(failed) / float64(completed+failed), nil
}

func constraintViolation(msg string, details map[string]any) *models.RejectionReason {
	return &models.RejectionReason{
		Code:    models.ReasonConstraintViolation,
		Message: msg,
		Details: details,
	}
}
