package updater

import (
	"github.com/yairfalse/amisync/internal/history"
	"github.com/yairfalse/amisync/internal/provider/aws"
)

// Action is what a run did with one launch template.
type Action string

const (
	ActionNoVersion     Action = "no_version"
	ActionNoImage       Action = "no_image"
	ActionImageAlias    Action = "image_alias"
	ActionImageNotFound Action = "image_not_found"
	ActionNoSourceTag   Action = "no_source_tag"
	ActionNoCandidates  Action = "no_candidates"
	ActionUpToDate      Action = "up_to_date"
	ActionWouldUpdate   Action = "would_update"
	ActionUpdated       Action = "updated"
)

// Skipped reports whether the template was left alone for lack of
// something to act on.
func (a Action) Skipped() bool {
	switch a {
	case ActionUpToDate, ActionWouldUpdate, ActionUpdated:
		return false
	}
	return true
}

// Outcome is the per-template record of a run.
type Outcome struct {
	TemplateID     string        `json:"template_id"`
	TemplateName   string        `json:"template_name"`
	Action         Action        `json:"action"`
	Reason         string        `json:"reason,omitempty"`
	CurrentImage   string        `json:"current_image,omitempty"`
	SourceInstance string        `json:"source_instance,omitempty"`
	LatestImage    string        `json:"latest_image,omitempty"`
	Version        int64         `json:"version,omitempty"` // created version, when updated
	Refreshes      []aws.Refresh `json:"refreshes,omitempty"`
}

func toHistory(outcomes []Outcome) []history.Outcome {
	if len(outcomes) == 0 {
		return nil
	}
	out := make([]history.Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, history.Outcome{
			TemplateID:   o.TemplateID,
			TemplateName: o.TemplateName,
			Action:       string(o.Action),
			Reason:       o.Reason,
			CurrentImage: o.CurrentImage,
			LatestImage:  o.LatestImage,
			Version:      o.Version,
		})
	}
	return out
}
