package app

import (
	"context"

	"cmsworkflow/internal/workflow"
)

type ActionState struct {
	Offered bool `json:"offered"`
	Enabled bool `json:"enabled"`
}

// PageActions lists what a member may do with a page in the CMS. Members who
// can publish act directly; everyone else goes through requests.
type PageActions struct {
	CanEdit            bool        `json:"canEdit"`
	CanPublish         bool        `json:"canPublish"`
	Publish            ActionState `json:"publish"`
	Unpublish          ActionState `json:"unpublish"`
	RequestPublication ActionState `json:"requestPublication"`
	RequestRemoval     ActionState `json:"requestRemoval"`
}

func (s *Service) PageActions(ctx context.Context, member workflow.Member, page workflow.Page) (PageActions, error) {
	var actions PageActions

	canEdit, err := s.gate.CanEdit(ctx, page, &member)
	if err != nil {
		return PageActions{}, err
	}
	canPublish, err := s.gate.CanPublish(ctx, page, &member)
	if err != nil {
		return PageActions{}, err
	}
	actions.CanEdit = canEdit
	actions.CanPublish = canPublish

	if canPublish {
		actions.Publish = ActionState{Offered: true, Enabled: true}
		actions.Unpublish = ActionState{Offered: page.IsLive, Enabled: page.IsLive}
		return actions, nil
	}
	if !canEdit {
		return actions, nil
	}

	differ, err := s.versions.StagesDiffer(page.ID)
	if err != nil {
		return PageActions{}, err
	}
	if !differ {
		return actions, nil
	}
	canRequest, err := s.gate.CanCreatePublicationRequest(ctx, page, &member)
	if err != nil {
		return PageActions{}, err
	}

	draft, err := s.versions.LatestDraftVersion(ctx, page.ID)
	if err != nil {
		return PageActions{}, err
	}
	if draft > 1 {
		actions.RequestPublication = ActionState{Offered: true, Enabled: canRequest}
	}
	if page.IsLive {
		actions.RequestRemoval = ActionState{Offered: true, Enabled: canRequest}
	}
	return actions, nil
}

func (s *Service) requirePublisher(ctx context.Context, member workflow.Member, page workflow.Page) error {
	canPublish, err := s.gate.CanPublish(ctx, page, &member)
	if err != nil {
		return err
	}
	if !canPublish {
		return workflow.ErrRequestNotPermitted
	}
	return nil
}
