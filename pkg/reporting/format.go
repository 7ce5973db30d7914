package reporting

import "strings"

// Section is one block of formatted output. A Section without items is a
// heading.
type Section struct {
	Title string
	Items []string
}

// IsHeading reports whether the section carries no content.
func (s Section) IsHeading() bool { return len(s.Items) == 0 }

// FormatOutput splits generated text into sections. "**" delimits
// sections; a section "Title: a - b" becomes a titled list with items a
// and b, and a section without a colon-separated body is a heading.
func FormatOutput(output string) []Section {
	var sections []Section
	for _, raw := range strings.Split(output, "**") {
		if strings.TrimSpace(raw) == "" {
			continue
		}

		title, content, _ := strings.Cut(raw, ":")
		title = strings.TrimSpace(title)
		content = strings.TrimSpace(content)
		if content == "" {
			sections = append(sections, Section{Title: title})
			continue
		}

		var items []string
		for _, item := range strings.Split(content, "-") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		sections = append(sections, Section{Title: title, Items: items})
	}
	return sections
}

// PlainText flattens output the way the PDF body prints it: section
// markers become line breaks.
func PlainText(output string) string {
	return strings.TrimSpace(strings.ReplaceAll(output, "**", "\n"))
}
