package modelrouter

// downgrade returns the next step in the thinking chain:
// adaptive -> standard -> none, extended -> standard -> none. A request
// already at none cannot downgrade further.
func downgrade(t Thinking) (Thinking, bool) {
	switch t {
	case ThinkingAdaptive:
		return ThinkingStandard, true
	case ThinkingExtended:
		return ThinkingStandard, true
	case ThinkingStandard:
		return ThinkingNone, true
	default:
		return ThinkingNone, false
	}
}
