package wire

// TotalInputTokens sums the input-side token fields of a usage object:
// fresh input plus cache creation plus cache reads. This is the number the
// upstream counts against the context window.
func TotalInputTokens(usage Obj) int {
	if usage == nil {
		return 0
	}
	return usage.IntOr("input_tokens", 0) +
		usage.IntOr("cache_creation_input_tokens", 0) +
		usage.IntOr("cache_read_input_tokens", 0)
}

// MergeUsage overlays src's fields onto dst, overwriting on collision.
// Returns dst (or a new Obj when dst is nil) so callers can chain.
func MergeUsage(dst, src Obj) Obj {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = Obj{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
