package digest

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// PreviewLength is the number of characters of a body shown in a digest.
const PreviewLength = 100

const timeLayout = "2006-01-02 15:04 UTC"

// Render formats a digest as plain text.
func Render(d *Digest) string {
	var b strings.Builder
	name := d.User.Name
	if name == "" {
		name = "there"
	}
	fmt.Fprintf(&b, "Hello %s, here are your latest mentions.\n", name)

	if len(d.Items) > 0 {
		fmt.Fprintf(&b, "\nPosts (%d):\n", len(d.Items))
		for _, e := range d.Items {
			b.WriteString("\n")
			fmt.Fprintf(&b, "%s (%s)\n", e.Title, sourceLabel(e.Source))
			if e.Body != "" {
				b.WriteString(Truncate(e.Body, PreviewLength))
				b.WriteString("\n")
			}
			writeFooter(&b, e)
		}
	}

	if len(d.Comments) > 0 {
		fmt.Fprintf(&b, "\nComments (%d):\n", len(d.Comments))
		for _, e := range d.Comments {
			b.WriteString("\n")
			body := Truncate(e.Body, PreviewLength)
			if body == "" {
				body = "No content available"
			}
			fmt.Fprintf(&b, "Comment (%s): %s\n", sourceLabel(e.Source), body)
			writeFooter(&b, e)
		}
	}
	return b.String()
}

func writeFooter(b *strings.Builder, e Entry) {
	if e.URL != "" {
		b.WriteString(e.URL)
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "by %s - %s\n", e.Author, e.Timestamp.UTC().Format(timeLayout))
}

func sourceLabel(s string) string {
	if s == "" {
		return "Unknown Source"
	}
	return s
}

// Truncate shortens s to at most n characters, appending "..." when cut.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
