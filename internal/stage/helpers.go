package stage

import (
	"encoding/json"

	"loom/internal/services"
)

// DecodePayload unmarshals a request payload into dst. On failure it returns
// a services.ErrValidation suitable for returning from Execute: malformed
// payloads are a permanent condition, not worth a retry.
func DecodePayload(req Request, dst any) error {
	if len(req.Payload) == 0 {
		return services.Wrap(
			services.ErrValidation, req.Stage, "decode payload",
			"payload missing; resubmit the job with stage inputs", nil)
	}
	if err := json.Unmarshal(req.Payload, dst); err != nil {
		return services.Wrap(
			services.ErrValidation, req.Stage, "decode payload",
			"payload is not valid JSON for this stage", err)
	}
	return nil
}

// DependencyRef returns the artifact reference recorded by an upstream
// stage. Handlers treat a missing reference as a validation failure since
// eligibility guarantees every dependency completed first.
func DependencyRef(req Request, dependency string) (string, error) {
	ref, ok := req.DependencyRefs[dependency]
	if !ok || ref == "" {
		return "", services.Wrap(
			services.ErrValidation, req.Stage, "resolve dependency",
			"missing result reference for dependency "+dependency, nil)
	}
	return ref, nil
}
