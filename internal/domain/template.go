package domain

import "strings"

// RenderTemplate substitutes lead fields into a step's message text.
// Only {name} is substituted; unknown placeholders are left as-is so a
// typo in an automation is visible instead of silently blanked.
func RenderTemplate(template string, lead *Lead) string {
	if lead == nil {
		return template
	}
	return strings.ReplaceAll(template, "{name}", lead.Name)
}

// AppendBookingLink attaches the client's booking CTA to a rendered
// message. The text is returned unchanged when no URL is configured.
func AppendBookingLink(text, bookingURL string) string {
	bookingURL = strings.TrimSpace(bookingURL)
	if bookingURL == "" {
		return text
	}
	return text + "\n\nBook a time here: " + bookingURL
}

// ContainsKeyword reports whether text contains any keyword as a
// case-insensitive substring. Empty keywords never match.
func ContainsKeyword(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}
