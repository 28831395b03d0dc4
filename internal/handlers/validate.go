package handlers

// Arbitrary. Something low enough we won't hit message limit.
const maxAwayLength = 300

// isValidNick checks if a nickname is valid. n should be canonical.
func isValidNick(maxLen int, n string) bool {
	if len(n) == 0 || len(n) > maxLen {
		return false
	}

	// a-z, 0-9, _ and -. RFC is more lenient.
	for i, char := range n {
		if char >= 'a' && char <= 'z' {
			continue
		}

		if char >= '0' && char <= '9' || char == '-' {
			// No digits or dashes in first position.
			if i == 0 {
				return false
			}
			continue
		}

		if char == '_' {
			continue
		}

		return false
	}

	return true
}

// isValidUser checks if a user (USER command) is valid.
func isValidUser(maxLen int, u string) bool {
	if len(u) == 0 || len(u) > maxLen {
		return false
	}

	for _, char := range u {
		if char >= 'a' && char <= 'z' || char >= 'A' && char <= 'Z' {
			continue
		}

		if char >= '0' && char <= '9' || char == '_' || char == '-' {
			continue
		}

		return false
	}

	return true
}

func isValidRealName(s string) bool {
	// Arbitrary. Length only for now.
	return len(s) <= 64
}

func isNumericCommand(command string) bool {
	if command == "" {
		return false
	}
	for _, c := range command {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
