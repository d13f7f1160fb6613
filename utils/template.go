package utils

import "strings"

// RenderTemplate fills the {name} and {phone} placeholders of a campaign template
func RenderTemplate(template, name, phone string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	r := strings.NewReplacer(
		"{{name}}", name,
		"{{phone}}", phone,
		"{name}", name,
		"{phone}", phone,
	)
	return r.Replace(template)
}
