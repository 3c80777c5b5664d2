package http

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

// LoadTemplates parses the embedded page templates.
func LoadTemplates() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.html")
}

// page is the data shared by every template.
type page struct {
	Title  string
	Error  string
	Notice string

	Username string
	Email    string
	LinkedID string

	Theme         string
	Notifications bool
	Language      string
	Data          []dataItem
}

type dataItem struct {
	ID      string
	Payload string
}

var notices = map[string]string{
	"linked":          "External id linked.",
	"link-unchanged":  "That id is already linked.",
	"prefs-saved":     "Preferences saved.",
	"data-added":      "Data added.",
	"account-deleted": "Your account and all related data were deleted.",
}
