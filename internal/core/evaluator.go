package core

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// anonymousSubject buckets all callers without a subject ID together.
const anonymousSubject = "anonymous"

// Evaluate decides whether a flag is enabled for the given context.
//
// Evaluation is pure: the same inputs always produce the same result.
// Percentage rollouts bucket by a SHA-256 hash of "subjectID:flagName"
// truncated to 64 bits, so a subject keeps its bucket across calls,
// cache reloads, and processes. Time windows are inclusive at both bounds.
// An unknown flag type fails closed rather than erroring into a request
// path; the registry rejects unknown types at registration, so that branch
// should be unreachable.
func Evaluate(name string, flagType FlagType, value Value, evalCtx EvaluationContext) bool {
	switch flagType {
	case TypeBoolean:
		return value.Bool != nil && *value.Bool

	case TypePercentage:
		if value.Percent == nil {
			return false
		}
		return int(rolloutBucket(evalCtx.SubjectID, name)) < *value.Percent

	case TypeSegment:
		return segmentsIntersect(evalCtx.Segments, value.Segments)

	case TypeTimeWindow:
		now := evalCtx.Now
		if now.IsZero() {
			now = time.Now()
		}
		if value.Start != nil && now.Before(*value.Start) {
			return false
		}
		if value.End != nil && now.After(*value.End) {
			return false
		}
		return true

	default:
		return false
	}
}

// rolloutBucket returns a stable bucket in [0,100) for a subject and flag.
func rolloutBucket(subjectID, flagName string) uint64 {
	if subjectID == "" {
		subjectID = anonymousSubject
	}

	sum := sha256.Sum256([]byte(subjectID + ":" + flagName))
	return binary.BigEndian.Uint64(sum[:8]) % 100
}

func segmentsIntersect(have, want []string) bool {
	if len(have) == 0 || len(want) == 0 {
		return false
	}

	targets := make(map[string]struct{}, len(want))
	for _, segment := range want {
		targets[segment] = struct{}{}
	}

	for _, segment := range have {
		if _, ok := targets[segment]; ok {
			return true
		}
	}

	return false
}
