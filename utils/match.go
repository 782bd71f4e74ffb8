package utils

// Match reports whether value matches pattern. Patterns are literal strings
// with an optional trailing '*' wildcard: "*" matches everything,
// "task*" matches "task" and "task_comment". Matching is exact otherwise.
func Match(value, pattern string) bool {
	if pattern == "*" {
		return true
	}
	n := len(pattern)
	if n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(value) >= len(prefix) && value[:len(prefix)] == prefix
	}
	return value == pattern
}
