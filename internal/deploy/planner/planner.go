// Package planner computes rollout plans. It is pure: no I/O and no clock.
package planner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/qiniu/zerodeploy/internal/deploy/model"
)

// ParseBatchSize parses "2" (absolute) or "50%" (percentage of the role's hosts).
func ParseBatchSize(s string) (model.BatchSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return model.BatchSize{}, fmt.Errorf("%w: empty batch size", model.ErrInvalidBatchConfig)
	}
	if p, ok := strings.CutSuffix(s, "%"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return model.BatchSize{}, fmt.Errorf("%w: %q is not a percentage", model.ErrInvalidBatchConfig, s)
		}
		size := model.BatchSize{Percent: n}
		return size, validateSize(size)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return model.BatchSize{}, fmt.Errorf("%w: %q is not a count", model.ErrInvalidBatchConfig, s)
	}
	size := model.BatchSize{Count: n}
	return size, validateSize(size)
}

func validateSize(size model.BatchSize) error {
	switch {
	case size.Count != 0 && size.Percent != 0:
		return fmt.Errorf("%w: count and percentage are exclusive", model.ErrInvalidBatchConfig)
	case size.Percent > 100:
		return fmt.Errorf("%w: percentage %d%% exceeds 100%%", model.ErrInvalidBatchConfig, size.Percent)
	case size.Percent < 0, size.Count < 0, size.Count == 0 && size.Percent == 0:
		return fmt.Errorf("%w: batch size must be positive, got %s", model.ErrInvalidBatchConfig, size)
	}
	return nil
}

// BatchLen returns how many of n hosts go into each batch.
// Percentages round up with a floor of one; counts above n collapse to a single batch.
func BatchLen(size model.BatchSize, n int) int {
	if n == 0 {
		return 0
	}
	var k int
	if size.Percent > 0 {
		k = (n*size.Percent + 99) / 100
	} else {
		k = size.Count
	}
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

// Plan batches hosts for each role in roles order. Within a role hosts keep
// their registration order and a host appears at most once, so planning the
// same snapshot twice yields the same batches.
func Plan(hosts []model.Host, roles []string, size model.BatchSize, target model.Release) (model.RolloutPlan, error) {
	if err := validateSize(size); err != nil {
		return model.RolloutPlan{}, err
	}
	if target.IsZero() {
		return model.RolloutPlan{}, fmt.Errorf("%w: target release has no version", model.ErrInvalidBatchConfig)
	}

	plan := model.RolloutPlan{Release: target}
	seenRole := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if _, dup := seenRole[role]; dup {
			continue
		}
		seenRole[role] = struct{}{}

		members := RoleHosts(hosts, role)
		k := BatchLen(size, len(members))
		for start := 0; start < len(members); start += k {
			end := min(start+k, len(members))
			batch := model.Batch{
				Index:  len(plan.Batches),
				Role:   role,
				Hosts:  append([]model.Host(nil), members[start:end]...),
				Target: target,
			}
			plan.Batches = append(plan.Batches, batch)
		}
	}
	return plan, nil
}

// RoleHosts filters hosts belonging to role, deduplicated by address, order preserved.
func RoleHosts(hosts []model.Host, role string) []model.Host {
	var out []model.Host
	seen := make(map[string]struct{})
	for _, h := range hosts {
		if !h.HasRole(role) {
			continue
		}
		if _, dup := seen[h.Address]; dup {
			continue
		}
		seen[h.Address] = struct{}{}
		out = append(out, h)
	}
	return out
}
