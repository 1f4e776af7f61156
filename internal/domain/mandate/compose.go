package mandate

import "sort"

// FailClosedAuthority is the effective authority composed from zero policies:
// nothing is affordable and every tool is denied.
func FailClosedAuthority() Authority {
	zero := 0.0
	return Authority{
		MaxCostTotal:   &zero,
		MaxCostPerCall: new(float64),
		AllowedTools:   []string{},
		DeniedTools:    []string{"*"},
	}
}

// Compose merges an ordered list of authorities into one effective authority.
//
// Zero policies compose to the fail-closed authority. Numeric budgets,
// rate limits, execution limits, and model numeric fields take the MIN
// across policies that define them. AllowedTools is the INTERSECTION over
// defining policies, DeniedTools the UNION. Per-tool policies merge with
// AND on allowed and MIN on numeric fields. The deny-wins filter always
// runs last: any allowed entry matching a denied pattern is removed.
//
// Composition is pure and fails only on invalid glob patterns.
func Compose(authorities []Authority) (Authority, error) {
	if len(authorities) == 0 {
		return FailClosedAuthority(), nil
	}

	out := cloneAuthority(authorities[0])
	for _, a := range authorities[1:] {
		out = mergePair(out, a)
	}

	if err := applyDenyWins(&out); err != nil {
		return Authority{}, err
	}
	return out, nil
}

// mergePair merges two authorities field by field. Every field merge is
// associative, so folding left over N policies equals any other grouping.
func mergePair(a, b Authority) Authority {
	out := Authority{
		MaxCostTotal:     minFloat(a.MaxCostTotal, b.MaxCostTotal),
		MaxCostPerCall:   minFloat(a.MaxCostPerCall, b.MaxCostPerCall),
		MaxCognitionCost: minFloat(a.MaxCognitionCost, b.MaxCognitionCost),
		MaxExecutionCost: minFloat(a.MaxExecutionCost, b.MaxExecutionCost),
		RateLimit:        mergeRateLimit(a.RateLimit, b.RateLimit),
		AllowedTools:     intersectTools(a.AllowedTools, b.AllowedTools),
		DeniedTools:      unionTools(a.DeniedTools, b.DeniedTools),
		ToolPolicies:     mergeToolPolicies(a.ToolPolicies, b.ToolPolicies),
		ExecutionLimits:  mergeExecutionLimits(a.ExecutionLimits, b.ExecutionLimits),
		ModelConfig:      mergeModelConfig(a.ModelConfig, b.ModelConfig),
	}
	return out
}

// applyDenyWins validates all tool patterns and removes from AllowedTools any
// entry matching a denied pattern.
func applyDenyWins(a *Authority) error {
	for _, p := range a.DeniedTools {
		if err := ValidatePattern(p); err != nil {
			return err
		}
	}
	for _, p := range a.AllowedTools {
		if err := ValidatePattern(p); err != nil {
			return err
		}
	}
	if a.AllowedTools == nil || len(a.DeniedTools) == 0 {
		return nil
	}
	kept := make([]string, 0, len(a.AllowedTools))
	for _, tool := range a.AllowedTools {
		if !MatchAny(a.DeniedTools, tool) {
			kept = append(kept, tool)
		}
	}
	a.AllowedTools = kept
	return nil
}

// minFloat returns the lesser of two optional values; a nil side is
// undefined and defers to the other.
func minFloat(a, b *float64) *float64 {
	switch {
	case a == nil:
		return copyFloat(b)
	case b == nil:
		return copyFloat(a)
	case *a <= *b:
		return copyFloat(a)
	default:
		return copyFloat(b)
	}
}

func minInt(a, b *int) *int {
	switch {
	case a == nil:
		return copyInt(b)
	case b == nil:
		return copyInt(a)
	case *a <= *b:
		return copyInt(a)
	default:
		return copyInt(b)
	}
}

func minInt64(a, b *int64) *int64 {
	switch {
	case a == nil:
		return copyInt64(b)
	case b == nil:
		return copyInt64(a)
	case *a <= *b:
		return copyInt64(a)
	default:
		return copyInt64(b)
	}
}

func mergeRateLimit(a, b *RateLimit) *RateLimit {
	if a == nil {
		return copyRateLimit(b)
	}
	if b == nil {
		return copyRateLimit(a)
	}
	return &RateLimit{
		MaxCalls: min(a.MaxCalls, b.MaxCalls),
		WindowMs: min(a.WindowMs, b.WindowMs),
	}
}

// intersectTools intersects two whitelists. Nil means undefined (no
// whitelist) and defers to the other; an empty non-nil list intersects to
// empty (deny-all-by-whitelist). Result order is sorted for determinism.
func intersectTools(a, b []string) []string {
	if a == nil {
		return copyStrings(b)
	}
	if b == nil {
		return copyStrings(a)
	}
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(a))
	seen := make(map[string]struct{}, len(a))
	for _, t := range a {
		if _, ok := set[t]; !ok {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// unionTools unions two deny lists as a sorted set.
func unionTools(a, b []string) []string {
	if a == nil && b == nil {
		return nil
	}
	set := make(map[string]struct{}, len(a)+len(b))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// mergeToolPolicies merges per-tool sub-authorities for every tool mentioned
// on either side: AND on allowed, MIN on numeric fields and rate limits.
func mergeToolPolicies(a, b map[string]ToolPolicy) map[string]ToolPolicy {
	if a == nil && b == nil {
		return nil
	}
	out := make(map[string]ToolPolicy, len(a)+len(b))
	for name, tp := range a {
		out[name] = cloneToolPolicy(tp)
	}
	for name, tp := range b {
		existing, ok := out[name]
		if !ok {
			out[name] = cloneToolPolicy(tp)
			continue
		}
		out[name] = ToolPolicy{
			Allowed:        andBool(existing.Allowed, tp.Allowed),
			Cost:           minFloat(existing.Cost, tp.Cost),
			MaxCostPerCall: minFloat(existing.MaxCostPerCall, tp.MaxCostPerCall),
			RateLimit:      mergeRateLimit(existing.RateLimit, tp.RateLimit),
		}
	}
	return out
}

// andBool ANDs two optional booleans; a nil side defers to the other.
func andBool(a, b *bool) *bool {
	switch {
	case a == nil:
		return copyBool(b)
	case b == nil:
		return copyBool(a)
	default:
		v := *a && *b
		return &v
	}
}

func mergeExecutionLimits(a, b *ExecutionLimits) *ExecutionLimits {
	if a == nil {
		return cloneExecutionLimits(b)
	}
	if b == nil {
		return cloneExecutionLimits(a)
	}
	return &ExecutionLimits{
		MaxDurationMs:  minInt64(a.MaxDurationMs, b.MaxDurationMs),
		MaxRetries:     minInt(a.MaxRetries, b.MaxRetries),
		MaxConcurrency: minInt(a.MaxConcurrency, b.MaxConcurrency),
	}
}

func mergeModelConfig(a, b *ModelConfig) *ModelConfig {
	if a == nil {
		return cloneModelConfig(b)
	}
	if b == nil {
		return cloneModelConfig(a)
	}
	return &ModelConfig{
		AllowedModels: intersectTools(a.AllowedModels, b.AllowedModels),
		MaxTokens:     minInt(a.MaxTokens, b.MaxTokens),
		Temperature:   minFloat(a.Temperature, b.Temperature),
	}
}

// cloneAuthority deep-copies an authority so composition never aliases the
// stored policy versions.
func cloneAuthority(a Authority) Authority {
	out := Authority{
		MaxCostTotal:     copyFloat(a.MaxCostTotal),
		MaxCostPerCall:   copyFloat(a.MaxCostPerCall),
		MaxCognitionCost: copyFloat(a.MaxCognitionCost),
		MaxExecutionCost: copyFloat(a.MaxExecutionCost),
		RateLimit:        copyRateLimit(a.RateLimit),
		AllowedTools:     copyStrings(a.AllowedTools),
		DeniedTools:      copyStrings(a.DeniedTools),
		ExecutionLimits:  cloneExecutionLimits(a.ExecutionLimits),
		ModelConfig:      cloneModelConfig(a.ModelConfig),
	}
	if a.ToolPolicies != nil {
		out.ToolPolicies = make(map[string]ToolPolicy, len(a.ToolPolicies))
		for name, tp := range a.ToolPolicies {
			out.ToolPolicies[name] = cloneToolPolicy(tp)
		}
	}
	return out
}

func cloneToolPolicy(tp ToolPolicy) ToolPolicy {
	return ToolPolicy{
		Allowed:        copyBool(tp.Allowed),
		Cost:           copyFloat(tp.Cost),
		MaxCostPerCall: copyFloat(tp.MaxCostPerCall),
		RateLimit:      copyRateLimit(tp.RateLimit),
	}
}

func cloneExecutionLimits(e *ExecutionLimits) *ExecutionLimits {
	if e == nil {
		return nil
	}
	return &ExecutionLimits{
		MaxDurationMs:  copyInt64(e.MaxDurationMs),
		MaxRetries:     copyInt(e.MaxRetries),
		MaxConcurrency: copyInt(e.MaxConcurrency),
	}
}

func cloneModelConfig(m *ModelConfig) *ModelConfig {
	if m == nil {
		return nil
	}
	return &ModelConfig{
		AllowedModels: copyStrings(m.AllowedModels),
		MaxTokens:     copyInt(m.MaxTokens),
		Temperature:   copyFloat(m.Temperature),
	}
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyBool(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyRateLimit(r *RateLimit) *RateLimit {
	if r == nil {
		return nil
	}
	v := *r
	return &v
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
