package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"cmsworkflow/internal/auth"
	"cmsworkflow/internal/config"
	"cmsworkflow/internal/gitrepo"
	"cmsworkflow/internal/rbac"
	"cmsworkflow/internal/workflow"
)

const (
	AuthorsGroupCode    = "site-content-authors"
	PublishersGroupCode = "site-content-publishers"
	AdminsGroupCode     = "administrators"
)

type Session struct {
	Token     string
	Member    workflow.Member
	JTI       string
	ExpiresAt time.Time
}

type SavePageInput struct {
	ParentID   string           `json:"parentId"`
	Title      string           `json:"title"`
	URLSegment string           `json:"urlSegment"`
	Body       json.RawMessage  `json:"body,omitempty"`
	ExpiresAt  *time.Time       `json:"expiresAt,omitempty"`
	Policy     *workflow.Policy `json:"policy,omitempty"`
	// Links replaces the set of pages this page links to.
	Links []string `json:"links,omitempty"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	Page(ctx context.Context, pageID string) (workflow.Page, error)
	SavePage(ctx context.Context, page workflow.Page) error
	SetPageLive(ctx context.Context, pageID string, live bool) error
	Member(ctx context.Context, memberID string) (workflow.Member, error)
	EnsureGroup(ctx context.Context, code, title string, sortOrder int) (workflow.Group, error)
	GrantPermission(ctx context.Context, groupID string, code rbac.Permission) error
	Check(ctx context.Context, memberID string, key rbac.Permission) (bool, error)
}

type versionService interface {
	EnsurePageRepo(pageID string, initial gitrepo.Content, author string) error
	SaveDraft(pageID string, content gitrepo.Content, author, message string) (gitrepo.CommitInfo, error)
	HeadContent(pageID, branchName string) (gitrepo.Content, error)
	History(pageID, branchName string, limit int) ([]gitrepo.CommitInfo, error)
	Publish(pageID, author string) (gitrepo.CommitInfo, error)
	Unpublish(pageID string) error
	LatestDraftVersion(ctx context.Context, pageID string) (int, error)
	StagesDiffer(pageID string) (bool, error)
}

// workflowEngine is the subset of *workflow.Coordinator the service drives.
type workflowEngine interface {
	RequestPublication(ctx context.Context, page workflow.Page, author workflow.Member, publishers []workflow.Member) (workflow.Outcome, error)
	RequestDeletion(ctx context.Context, page workflow.Page, author workflow.Member, publishers []workflow.Member) (workflow.Outcome, error)
	OnApprove(ctx context.Context, page workflow.Page, publisher workflow.Member, kind workflow.RequestKind) (workflow.Outcome, error)
	Decline(ctx context.Context, page workflow.Page, publisher workflow.Member, reason string) (workflow.Outcome, error)
	RequestEdit(ctx context.Context, page workflow.Page, publisher workflow.Member, reason string) (workflow.Outcome, error)
	OpenRequest(ctx context.Context, pageID string) (*workflow.Request, error)
	ClosedRequests(ctx context.Context, pageID string) ([]workflow.Request, error)
	History(ctx context.Context, requestID string) ([]workflow.Change, error)
}

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

type Service struct {
	cfg      config.Config
	store    dataStore
	versions versionService
	workflow workflowEngine
	gate     *workflow.Gate
	reports  *workflow.Reports
	logger   *zap.Logger
	checks   map[string]ReadinessCheck

	defaultEditorGroupIDs    []string
	defaultPublisherGroupIDs []string
}

func New(cfg config.Config, dataStore dataStore, versions versionService, coordinator *workflow.Coordinator, reports *workflow.Reports, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		versions: versions,
		workflow: coordinator,
		gate:     coordinator.Gate(),
		reports:  reports,
		logger:   logger,
		checks:   map[string]ReadinessCheck{"database": dataStore.Ping},
	}
}

// AddReadinessCheck registers an extra dependency reported by /api/ready.
func (s *Service) AddReadinessCheck(name string, check ReadinessCheck) {
	s.checks[name] = check
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready runs every readiness check and returns the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.checks))
	for name, check := range s.checks {
		results[name] = check(ctx)
	}
	return results
}

// Bootstrap creates the default author, publisher and administrator groups
// and grants their permissions. It is safe to run on every start.
func (s *Service) Bootstrap(ctx context.Context) error {
	authors, err := s.store.EnsureGroup(ctx, AuthorsGroupCode, "Content Authors", 1)
	if err != nil {
		return err
	}
	publishers, err := s.store.EnsureGroup(ctx, PublishersGroupCode, "Content Publishers", 2)
	if err != nil {
		return err
	}
	admins, err := s.store.EnsureGroup(ctx, AdminsGroupCode, "Administrators", 0)
	if err != nil {
		return err
	}

	for _, group := range []workflow.Group{authors, publishers} {
		for _, permission := range []rbac.Permission{rbac.PermissionCMSAccess, rbac.PermissionAssetAccess} {
			if err := s.store.GrantPermission(ctx, group.ID, permission); err != nil {
				return err
			}
		}
	}
	if err := s.store.GrantPermission(ctx, admins.ID, rbac.PermissionAdmin); err != nil {
		return err
	}

	s.defaultEditorGroupIDs = []string{authors.ID, publishers.ID}
	s.defaultPublisherGroupIDs = []string{publishers.ID}
	s.logger.Info("default groups ready",
		zap.String("authors", authors.ID),
		zap.String("publishers", publishers.ID),
		zap.String("administrators", admins.ID),
	)
	return nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	member, err := s.store.Member(ctx, claims.Subject)
	if errors.Is(err, workflow.ErrMemberNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		Member:    member,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// SavePage creates or updates a page and records its content as a new draft.
// Pages saved without editor or publisher groups receive the default groups.
func (s *Service) SavePage(ctx context.Context, session Session, pageID string, input SavePageInput) (workflow.Page, error) {
	pageID = strings.TrimSpace(pageID)
	title := strings.TrimSpace(input.Title)
	if pageID == "" || title == "" {
		return workflow.Page{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "page id and title are required", nil)
	}

	existing, err := s.store.Page(ctx, pageID)
	isNew := errors.Is(err, workflow.ErrPageNotFound)
	if err != nil && !isNew {
		return workflow.Page{}, err
	}

	canEdit, err := s.gate.CanEdit(ctx, existing, &session.Member)
	if err != nil {
		return workflow.Page{}, err
	}
	if !canEdit {
		return workflow.Page{}, domainError(http.StatusForbidden, "FORBIDDEN", "You cannot edit this page", nil)
	}

	page := existing
	page.ID = pageID
	page.ParentID = input.ParentID
	page.Title = title
	page.URLSegment = strings.Trim(strings.TrimSpace(input.URLSegment), "/")
	if page.URLSegment == "" {
		page.URLSegment = pageID
	}
	if input.ExpiresAt != nil {
		expires := input.ExpiresAt.UTC()
		page.ExpiresAt = &expires
	}
	if input.Policy != nil {
		policy, err := s.authorizePolicyChange(ctx, session.Member, existing, isNew, *input.Policy)
		if err != nil {
			return workflow.Page{}, err
		}
		page.Policy = policy
	}
	if isNew && page.Policy.CanPublishType == rbac.AccessUnset {
		page.Policy.CanPublishType = rbac.DefaultPublishAccess
	}
	if len(page.Policy.EditorGroupIDs) == 0 {
		page.Policy.EditorGroupIDs = append([]string(nil), s.defaultEditorGroupIDs...)
	}
	if len(page.Policy.PublisherGroupIDs) == 0 {
		page.Policy.PublisherGroupIDs = append([]string(nil), s.defaultPublisherGroupIDs...)
	}

	page.LinkedPageIDs = linkTargets(page.ID, input.Links)

	content := gitrepo.Content{Title: page.Title, URLSegment: page.URLSegment, Body: input.Body}
	if err := s.recordDraft(page.ID, content, session.Member.Name(), isNew); err != nil {
		return workflow.Page{}, fmt.Errorf("save page draft: %w", err)
	}
	if err := s.store.SavePage(ctx, page); err != nil {
		return workflow.Page{}, err
	}

	s.logger.Info("page saved",
		zap.String("page_id", page.ID),
		zap.String("member_id", session.Member.ID),
		zap.Bool("created", isNew),
	)
	return s.store.Page(ctx, page.ID)
}

// recordDraft writes content to the page repository before the page row is
// stored. A repository left behind by a create whose row was never stored is
// reused, with content committed on top when it differs.
func (s *Service) recordDraft(pageID string, content gitrepo.Content, author string, isNew bool) error {
	if !isNew {
		_, err := s.versions.SaveDraft(pageID, content, author, "Save draft")
		return err
	}
	if err := s.versions.EnsurePageRepo(pageID, content, author); err != nil {
		return err
	}
	head, err := s.versions.HeadContent(pageID, gitrepo.DraftBranch)
	if err != nil {
		return err
	}
	if !gitrepo.HasChanges(head, content) {
		return nil
	}
	_, err = s.versions.SaveDraft(pageID, content, author, "Save draft")
	return err
}

func linkTargets(pageID string, links []string) []string {
	seen := map[string]bool{pageID: true}
	targets := make([]string, 0, len(links))
	for _, link := range links {
		link = strings.TrimSpace(link)
		if link == "" || seen[link] {
			continue
		}
		seen[link] = true
		targets = append(targets, link)
	}
	return targets
}

// authorizePolicyChange requires SITETREE_GRANT_ACCESS, and on existing pages
// the right to publish, before access settings may change.
func (s *Service) authorizePolicyChange(ctx context.Context, member workflow.Member, existing workflow.Page, isNew bool, policy workflow.Policy) (workflow.Policy, error) {
	publishType, err := rbac.ParseAccessType(string(policy.CanPublishType))
	if err != nil {
		return workflow.Policy{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	editType, err := rbac.ParseAccessType(string(policy.CanEditType))
	if err != nil {
		return workflow.Policy{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	policy.CanPublishType = publishType
	policy.CanEditType = editType

	canGrant, err := s.store.Check(ctx, member.ID, rbac.PermissionGrantAccess)
	if err != nil {
		return workflow.Policy{}, err
	}
	if !canGrant {
		return workflow.Policy{}, domainError(http.StatusForbidden, "FORBIDDEN", "You cannot change page access settings", nil)
	}
	if !isNew {
		canPublish, err := s.gate.CanPublish(ctx, existing, &member)
		if err != nil {
			return workflow.Policy{}, err
		}
		if !canPublish {
			return workflow.Policy{}, domainError(http.StatusForbidden, "FORBIDDEN", "You cannot change page access settings", nil)
		}
	}
	return policy, nil
}

func (s *Service) page(ctx context.Context, pageID string) (workflow.Page, error) {
	page, err := s.store.Page(ctx, pageID)
	if err != nil {
		return workflow.Page{}, err
	}
	return page, nil
}
