package mail

import "strings"

// ParseRecipients splits a comma-joined address list. Entries are trimmed,
// blanks dropped, and duplicates (case-insensitive) removed keeping the first.
func ParseRecipients(toEmail string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(toEmail, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		key := strings.ToLower(addr)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, addr)
	}
	return out
}

// ReorderRecipients returns a copy of all with actual moved to the front and
// the rest in their original order. If actual is missing it is prepended.
func ReorderRecipients(all []string, actual string) []string {
	out := make([]string, 0, len(all)+1)
	out = append(out, actual)
	for _, addr := range all {
		if strings.EqualFold(addr, actual) {
			continue
		}
		out = append(out, addr)
	}
	return out
}
