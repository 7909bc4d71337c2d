// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"time"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/errors"
	"github.com/jllopis/relay/pkg/schema"
)

// ValidateRequest checks env against the target card. The skill must be
// declared (unsupported_skill) and the input must conform to the skill's
// input schema (contract_violation). Input is never coerced.
func ValidateRequest(env TaskEnvelope, card *agentcard.AgentCard) error {
	if card == nil {
		return errors.New(errors.KindRoutingUnresolved, "target card is unknown", nil).
			WithDetail("target_identity", env.TargetIdentity)
	}
	skill, ok := card.Skill(env.SkillID)
	if !ok {
		return errors.Newf(errors.KindUnsupportedSkill, "skill %q is not declared by %s", env.SkillID, card.Name).
			WithDetail("skill_id", env.SkillID).
			WithDetail("supported", card.SkillIDs())
	}
	if env.Input == nil {
		return errors.New(errors.KindContractViolation, "input is required and must be a JSON object", nil).
			WithDetail("skill_id", env.SkillID).
			WithDetail("direction", "input")
	}
	if err := schema.Validate(skill.InputSchema, env.Input); err != nil {
		return errors.New(errors.KindContractViolation, "input does not conform to input_schema", err).
			WithDetail("skill_id", env.SkillID).
			WithDetail("direction", "input")
	}
	return nil
}

// OK builds a successful result for env.
func OK(env TaskEnvelope, output map[string]any, started time.Time) TaskResult {
	if output == nil {
		output = map[string]any{}
	}
	result := resultFor(env, started)
	result.Status = StatusOK
	result.Output = output
	return result
}

// Failure builds an error result for env. Errors outside the taxonomy are
// reported as internal_error.
func Failure(env TaskEnvelope, err error, started time.Time) TaskResult {
	typed := errors.As(err)
	if typed == nil {
		typed = errors.New(errors.KindInternal, "unknown failure", nil)
	}
	result := resultFor(env, started)
	result.Status = StatusError
	result.Error = errorObject(typed)
	return result
}

// Err converts a failed result back into a typed error, or nil for ok results.
func (r TaskResult) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	if r.Error == nil {
		return errors.New(errors.KindInternal, "error result without error object", nil)
	}
	out := errors.New(errors.Kind(r.Error.Kind), r.Error.Message, nil)
	for k, v := range r.Error.Details {
		out.WithDetail(k, v)
	}
	if recoverable, ok := r.Error.Details[DetailRecoverable].(bool); ok {
		out.WithRecoverable(recoverable && out.Recoverable)
	}
	return out
}

// CheckOutput turns an ok result whose output fails the skill's output schema
// into a contract_violation. Other results are returned unchanged.
func CheckOutput(result TaskResult, card *agentcard.AgentCard) TaskResult {
	if result.Status != StatusOK {
		return result
	}
	skill, ok := card.Skill(result.SkillID)
	if !ok {
		return violation(result, errors.Newf(errors.KindContractViolation, "result names undeclared skill %q", result.SkillID))
	}
	if err := schema.Validate(skill.OutputSchema, result.Output); err != nil {
		return violation(result, errors.New(errors.KindContractViolation, "output does not conform to output_schema", err).
			WithDetail("skill_id", result.SkillID).
			WithDetail("direction", "output"))
	}
	return result
}

// Conforms reports whether a result is well formed: status is known, ok
// results carry output and no error, error results carry an error.
func Conforms(result TaskResult) bool {
	switch result.Status {
	case StatusOK:
		return result.Error == nil && result.Output != nil
	case StatusError:
		return result.Error != nil && result.Error.Kind != ""
	default:
		return false
	}
}

func violation(result TaskResult, err *errors.Error) TaskResult {
	result.Status = StatusError
	result.Output = nil
	result.Error = errorObject(err)
	return result
}

// DetailRecoverable marks, in an error object's details, a timeout or
// transport failure that must not be retried.
const DetailRecoverable = "recoverable"

func errorObject(err *errors.Error) *TaskError {
	details := copyDetails(err.Details)
	if !err.Recoverable && (err.Kind == errors.KindTimeout || err.Kind == errors.KindTransportError) {
		if details == nil {
			details = map[string]any{}
		}
		details[DetailRecoverable] = false
	}
	return &TaskError{
		Kind:    string(err.Kind),
		Message: message(err),
		Details: details,
	}
}

func message(err *errors.Error) string {
	if err.Err != nil {
		return err.Message + ": " + err.Err.Error()
	}
	return err.Message
}

func resultFor(env TaskEnvelope, started time.Time) TaskResult {
	var duration int64
	if !started.IsZero() {
		duration = time.Since(started).Milliseconds()
	}
	return TaskResult{
		SkillID:        env.SkillID,
		TargetIdentity: env.TargetIdentity,
		SourceIdentity: env.SourceIdentity,
		Metadata: ResultMetadata{
			CorrelationID: env.Metadata.CorrelationID,
			DurationMs:    duration,
		},
	}
}

func copyDetails(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
