package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cmsworkflow/internal/gitrepo"
	"cmsworkflow/internal/workflow"
)

const draftVersionLimit = 20

type PageWorkflow struct {
	Page           workflow.Page      `json:"page"`
	OpenRequest    *workflow.Request  `json:"openRequest"`
	OpenHistory    []workflow.Change  `json:"openHistory"`
	ClosedRequests []workflow.Request `json:"closedRequests"`
	// DraftVersions lists the newest saved drafts first.
	DraftVersions []gitrepo.CommitInfo `json:"draftVersions"`
	Actions       PageActions          `json:"actions"`
}

type PublishResult struct {
	Version int              `json:"version"`
	Outcome workflow.Outcome `json:"-"`
}

func (s *Service) PageWorkflow(ctx context.Context, session Session, pageID string) (PageWorkflow, error) {
	page, err := s.page(ctx, pageID)
	if err != nil {
		return PageWorkflow{}, err
	}
	open, err := s.workflow.OpenRequest(ctx, page.ID)
	if err != nil {
		return PageWorkflow{}, err
	}
	view := PageWorkflow{Page: page, OpenRequest: open, OpenHistory: []workflow.Change{}}
	if open != nil {
		if view.OpenHistory, err = s.workflow.History(ctx, open.ID); err != nil {
			return PageWorkflow{}, err
		}
	}
	if view.ClosedRequests, err = s.workflow.ClosedRequests(ctx, page.ID); err != nil {
		return PageWorkflow{}, err
	}
	if view.DraftVersions, err = s.versions.History(page.ID, gitrepo.DraftBranch, draftVersionLimit); err != nil {
		return PageWorkflow{}, fmt.Errorf("read draft versions: %w", err)
	}
	if view.Actions, err = s.PageActions(ctx, session.Member, page); err != nil {
		return PageWorkflow{}, err
	}
	return view, nil
}

func (s *Service) RequestPublication(ctx context.Context, session Session, pageID string, publisherIDs []string) (workflow.Outcome, error) {
	page, publishers, err := s.requestTargets(ctx, pageID, publisherIDs)
	if err != nil {
		return workflow.Outcome{}, err
	}
	return s.workflow.RequestPublication(ctx, page, session.Member, publishers)
}

func (s *Service) RequestDeletion(ctx context.Context, session Session, pageID string, publisherIDs []string) (workflow.Outcome, error) {
	page, publishers, err := s.requestTargets(ctx, pageID, publisherIDs)
	if err != nil {
		return workflow.Outcome{}, err
	}
	return s.workflow.RequestDeletion(ctx, page, session.Member, publishers)
}

func (s *Service) requestTargets(ctx context.Context, pageID string, publisherIDs []string) (workflow.Page, []workflow.Member, error) {
	page, err := s.page(ctx, pageID)
	if err != nil {
		return workflow.Page{}, nil, err
	}
	publishers := make([]workflow.Member, 0, len(publisherIDs))
	for _, id := range publisherIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		member, err := s.store.Member(ctx, id)
		if err != nil {
			return workflow.Page{}, nil, err
		}
		publishers = append(publishers, member)
	}
	return page, publishers, nil
}

// Publish promotes the draft of a page to live and approves its open
// publication request, if any. An open deletion request stays open.
func (s *Service) Publish(ctx context.Context, session Session, pageID string) (PublishResult, error) {
	page, err := s.page(ctx, pageID)
	if err != nil {
		return PublishResult{}, err
	}
	if err := s.requirePublisher(ctx, session.Member, page); err != nil {
		return PublishResult{}, err
	}

	commit, err := s.versions.Publish(page.ID, session.Member.Name())
	if err != nil {
		return PublishResult{}, fmt.Errorf("publish page: %w", err)
	}
	if err := s.store.SetPageLive(ctx, page.ID, true); err != nil {
		return PublishResult{}, err
	}
	page.IsLive = true

	outcome, err := s.workflow.OnApprove(ctx, page, session.Member, workflow.KindPublication)
	if err != nil {
		return PublishResult{}, err
	}
	s.logger.Info("page published",
		zap.String("page_id", page.ID),
		zap.String("member_id", session.Member.ID),
		zap.Int("version", commit.Version),
	)
	return PublishResult{Version: commit.Version, Outcome: outcome}, nil
}

// Unpublish removes a page from the live site and approves its open
// deletion request, if any. An open publication request stays open.
func (s *Service) Unpublish(ctx context.Context, session Session, pageID string) (workflow.Outcome, error) {
	page, err := s.page(ctx, pageID)
	if err != nil {
		return workflow.Outcome{}, err
	}
	if err := s.requirePublisher(ctx, session.Member, page); err != nil {
		return workflow.Outcome{}, err
	}

	if err := s.versions.Unpublish(page.ID); err != nil {
		return workflow.Outcome{}, fmt.Errorf("unpublish page: %w", err)
	}
	if err := s.store.SetPageLive(ctx, page.ID, false); err != nil {
		return workflow.Outcome{}, err
	}
	page.IsLive = false

	outcome, err := s.workflow.OnApprove(ctx, page, session.Member, workflow.KindDeletion)
	if err != nil {
		return workflow.Outcome{}, err
	}
	s.logger.Info("page unpublished", zap.String("page_id", page.ID), zap.String("member_id", session.Member.ID))
	return outcome, nil
}

func (s *Service) Decline(ctx context.Context, session Session, pageID, reason string) (workflow.Outcome, error) {
	page, err := s.page(ctx, pageID)
	if err != nil {
		return workflow.Outcome{}, err
	}
	return s.workflow.Decline(ctx, page, session.Member, strings.TrimSpace(reason))
}

func (s *Service) RequestEdit(ctx context.Context, session Session, pageID, reason string) (workflow.Outcome, error) {
	page, err := s.page(ctx, pageID)
	if err != nil {
		return workflow.Outcome{}, err
	}
	return s.workflow.RequestEdit(ctx, page, session.Member, strings.TrimSpace(reason))
}

func (s *Service) AwaitingPublication(ctx context.Context, session Session) ([]workflow.RequestReportRow, error) {
	return s.reports.OpenRequestsForPublisher(ctx, workflow.KindPublication, session.Member.ID)
}

// AwaitingDeletion only lists removal requests still waiting for a decision.
func (s *Service) AwaitingDeletion(ctx context.Context, session Session) ([]workflow.RequestReportRow, error) {
	return s.reports.OpenRequestsForPublisher(ctx, workflow.KindDeletion, session.Member.ID, workflow.StatusAwaitingApproval)
}

func (s *Service) MyRequests(ctx context.Context, session Session, kind workflow.RequestKind) ([]workflow.RequestReportRow, error) {
	return s.reports.OpenRequestsForAuthor(ctx, kind, session.Member.ID)
}

func (s *Service) ScheduledDeletions(ctx context.Context, window workflow.DateRange) ([]workflow.ScheduledDeletion, error) {
	return s.reports.PagesScheduledForDeletion(ctx, window)
}
