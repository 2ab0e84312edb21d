package workflow

import "fmt"

type Template string

const (
	TemplateAwaitingApproval Template = "awaiting_approval"
	TemplateApproved         Template = "approved"
	TemplateDeclined         Template = "declined"
	TemplateAwaitingEdit     Template = "awaiting_edit"
	TemplateStatusChanged    Template = "status_changed"
)

// Links are site-relative; the dispatcher resolves them against its base URL.
type Links struct {
	PageCMS   string `json:"pageCms"`
	StageSite string `json:"stageSite"`
	LiveSite  string `json:"liveSite"`
	// Diff is empty when the page has never been published.
	Diff string `json:"diff,omitempty"`
}

type Notification struct {
	Template  Template
	Subject   string
	Sender    Member
	Recipient Member
	Page      Page
	Request   Request
	Reason    string
	Links     Links
}

func Subject(template Template, kind RequestKind, pageTitle string) string {
	switch template {
	case TemplateAwaitingApproval:
		return fmt.Sprintf("Page %q is awaiting %s approval", pageTitle, kind.Label())
	case TemplateApproved:
		return fmt.Sprintf("The %s of page %q has been approved", kind.Label(), pageTitle)
	case TemplateDeclined:
		return fmt.Sprintf("The %s of page %q has been declined", kind.Label(), pageTitle)
	case TemplateAwaitingEdit:
		return fmt.Sprintf("Page %q needs changes before it can be approved", pageTitle)
	default:
		return fmt.Sprintf("The workflow status of the %q page has changed", pageTitle)
	}
}

func BuildLinks(page Page, draftVersion int, liveVersion *int) Links {
	links := Links{
		PageCMS:   "admin/show/" + page.ID,
		StageSite: page.Link() + "?stage=Stage",
		LiveSite:  page.Link() + "?stage=Live",
	}
	if liveVersion != nil {
		links.Diff = fmt.Sprintf("admin/compareversions/%s/?From=%d&To=%d", page.ID, draftVersion, *liveVersion)
	}
	return links
}
