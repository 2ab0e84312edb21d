package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"cmsworkflow/internal/util"
)

type Deps struct {
	Repository  Repository
	Versions    VersionStore
	Permissions PermissionChecker
	Groups      GroupMembership
	Members     MemberDirectory
	Notifier    Notifier
	Cache       OpenRequestCache
	Archiver    Archiver
	Recorder    Recorder
	Logger      *zap.Logger
	Now         func() time.Time
}

// Outcome is the result of a coordinator operation. Warnings holds
// *NotificationError values for messages that could not be delivered; the
// operation itself succeeded.
type Outcome struct {
	Request  *Request
	Warnings []error
}

// Coordinator creates and transitions workflow requests. All writes for a
// page go through one locked transaction, so a page never has more than one
// open request.
type Coordinator struct {
	repo     Repository
	versions VersionStore
	members  MemberDirectory
	notifier Notifier
	cache    OpenRequestCache
	archiver Archiver
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	resolver *PublisherResolver
	gate     *Gate
}

func NewCoordinator(deps Deps) *Coordinator {
	c := &Coordinator{
		repo:     deps.Repository,
		versions: deps.Versions,
		members:  deps.Members,
		notifier: deps.Notifier,
		cache:    deps.Cache,
		archiver: deps.Archiver,
		recorder: deps.Recorder,
		logger:   deps.Logger,
		tracer:   otel.Tracer("cmsworkflow/workflow"),
		now:      deps.Now,
		resolver: NewPublisherResolver(deps.Permissions, deps.Groups),
	}
	if c.cache == nil {
		c.cache = nopCache{}
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	c.gate = NewGate(deps.Permissions, deps.Groups, c.OpenRequest)
	return c
}

func (c *Coordinator) Gate() *Gate {
	return c.gate
}

func (c *Coordinator) Resolver() *PublisherResolver {
	return c.resolver
}

// RequestPublication opens, or resubmits, a publication request for page on
// behalf of author. When publishers is empty they are resolved from the
// page policy.
func (c *Coordinator) RequestPublication(ctx context.Context, page Page, author Member, publishers []Member) (Outcome, error) {
	return c.submit(ctx, KindPublication, page, author, publishers)
}

func (c *Coordinator) RequestDeletion(ctx context.Context, page Page, author Member, publishers []Member) (Outcome, error) {
	return c.submit(ctx, KindDeletion, page, author, publishers)
}

func (c *Coordinator) submit(ctx context.Context, kind RequestKind, page Page, author Member, publishers []Member) (outcome Outcome, err error) {
	ctx, span := c.tracer.Start(ctx, "workflow.request_"+string(kind), trace.WithAttributes(
		attribute.String("page.id", page.ID),
		attribute.String("member.id", author.ID),
	))
	defer func() { endSpan(span, err) }()

	if len(publishers) == 0 {
		publishers, err = c.resolver.ResolvePublishers(ctx, page)
		if err != nil {
			return Outcome{}, err
		}
	}
	publishers = uniqueMembers(publishers)
	if len(publishers) == 0 {
		return Outcome{}, ErrNoPublishersAvailable
	}

	allowed, err := c.gate.CanCreatePublicationRequest(ctx, page, &author)
	if err != nil {
		return Outcome{}, err
	}
	if !allowed {
		return Outcome{}, ErrRequestNotPermitted
	}

	publisherIDs := memberIDs(publishers)
	var saved Request
	statusChanged := false
	err = c.repo.WithPageLock(ctx, page.ID, func(tx Tx) error {
		open, err := tx.OpenRequest(ctx, page.ID)
		if err != nil {
			return fmt.Errorf("load open request: %w", err)
		}
		// The cached check above may be stale; this one runs under the lock.
		if !allowsRequest(open, author) {
			return ErrRequestNotPermitted
		}

		now := c.now()
		if open == nil {
			request := Request{
				ID:        util.NewID("wfr"),
				PageID:    page.ID,
				Kind:      kind,
				Status:    StatusAwaitingApproval,
				AuthorID:  author.ID,
				CreatedAt: now,
				UpdatedAt: now,
			}
			request.AddPublishers(publisherIDs)
			if err := tx.InsertRequest(ctx, request); err != nil {
				return err
			}
			if err := c.appendChange(ctx, tx, request, author); err != nil {
				return err
			}
			if err := tx.AddPublishers(ctx, request.ID, publisherIDs); err != nil {
				return err
			}
			saved = request
			statusChanged = true
			return nil
		}

		if open.Kind != kind {
			return ErrRequestKindConflict
		}
		request := *open
		request.AuthorID = author.ID
		request.AddPublishers(publisherIDs)
		changed, err := request.Transition(StatusAwaitingApproval)
		if err != nil {
			return err
		}
		request.UpdatedAt = now
		if changed {
			if err := c.appendChange(ctx, tx, request, author); err != nil {
				return err
			}
		}
		if err := tx.UpdateRequest(ctx, request); err != nil {
			return err
		}
		if err := tx.AddPublishers(ctx, request.ID, publisherIDs); err != nil {
			return err
		}
		saved = request
		statusChanged = changed
		return nil
	})
	if err != nil {
		return Outcome{}, c.persistError(err)
	}
	c.invalidate(ctx, page.ID)
	if statusChanged {
		c.recorder.Transition(kind, saved.Status)
	}
	c.logger.Info("workflow request submitted",
		zap.String("request_id", saved.ID),
		zap.String("page_id", page.ID),
		zap.String("kind", string(kind)),
		zap.String("author_id", author.ID),
		zap.Int("publishers", len(publishers)),
	)

	warnings := c.notify(ctx, TemplateAwaitingApproval, author, publishers, page, saved, "")
	return Outcome{Request: &saved, Warnings: warnings}, nil
}

// OnApprove closes the open request of page as approved by publisher once
// the change of the given kind has been carried out. It is a no-op returning
// a nil request when the page has no open request, or when the open request
// is of the other kind; that request stays open for its own decision.
func (c *Coordinator) OnApprove(ctx context.Context, page Page, publisher Member, kind RequestKind) (outcome Outcome, err error) {
	ctx, span := c.tracer.Start(ctx, "workflow.approve", trace.WithAttributes(
		attribute.String("page.id", page.ID),
		attribute.String("member.id", publisher.ID),
		attribute.String("request.kind", string(kind)),
	))
	defer func() { endSpan(span, err) }()

	sameKind := func(open Request) error {
		if open.Kind != kind {
			return errLeaveOpen
		}
		return nil
	}
	saved, found, err := c.resolve(ctx, page, publisher, StatusApproved, sameKind)
	if err != nil || !found {
		return Outcome{}, err
	}
	warnings := c.notifyAuthor(ctx, TemplateApproved, publisher, page, saved, "")
	return Outcome{Request: &saved, Warnings: warnings}, nil
}

// Decline closes the open request of page as declined. Only members who can
// publish the page may decline.
func (c *Coordinator) Decline(ctx context.Context, page Page, publisher Member, reason string) (outcome Outcome, err error) {
	ctx, span := c.tracer.Start(ctx, "workflow.decline", trace.WithAttributes(
		attribute.String("page.id", page.ID),
		attribute.String("member.id", publisher.ID),
	))
	defer func() { endSpan(span, err) }()

	if err := c.requirePublisher(ctx, page, publisher); err != nil {
		return Outcome{}, err
	}
	saved, found, err := c.resolve(ctx, page, publisher, StatusDeclined, nil)
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		return Outcome{}, ErrNoOpenRequest
	}
	warnings := c.notifyAuthor(ctx, TemplateDeclined, publisher, page, saved, reason)
	return Outcome{Request: &saved, Warnings: warnings}, nil
}

// RequestEdit sends an awaiting-approval request back to its author.
func (c *Coordinator) RequestEdit(ctx context.Context, page Page, publisher Member, reason string) (outcome Outcome, err error) {
	ctx, span := c.tracer.Start(ctx, "workflow.request_edit", trace.WithAttributes(
		attribute.String("page.id", page.ID),
		attribute.String("member.id", publisher.ID),
	))
	defer func() { endSpan(span, err) }()

	if err := c.requirePublisher(ctx, page, publisher); err != nil {
		return Outcome{}, err
	}
	awaitingApproval := func(open Request) error {
		if open.Status != StatusAwaitingApproval {
			return ErrInvalidTransition
		}
		return nil
	}
	saved, found, err := c.resolve(ctx, page, publisher, StatusAwaitingEdit, awaitingApproval)
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		return Outcome{}, ErrNoOpenRequest
	}
	warnings := c.notifyAuthor(ctx, TemplateAwaitingEdit, publisher, page, saved, reason)
	return Outcome{Request: &saved, Warnings: warnings}, nil
}

func (c *Coordinator) requirePublisher(ctx context.Context, page Page, member Member) error {
	allowed, err := c.gate.CanPublish(ctx, page, &member)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrRequestNotPermitted
	}
	return nil
}

// errLeaveOpen makes a resolve guard skip the open request without failing.
var errLeaveOpen = errors.New("leave request open")

// resolve moves the open request of page to next on behalf of a publisher.
func (c *Coordinator) resolve(ctx context.Context, page Page, publisher Member, next RequestStatus, guard func(Request) error) (Request, bool, error) {
	var saved Request
	found := false
	changed := false
	err := c.repo.WithPageLock(ctx, page.ID, func(tx Tx) error {
		open, err := tx.OpenRequest(ctx, page.ID)
		if err != nil {
			return fmt.Errorf("load open request: %w", err)
		}
		if open == nil {
			return nil
		}
		if guard != nil {
			err := guard(*open)
			if errors.Is(err, errLeaveOpen) {
				return nil
			}
			if err != nil {
				return err
			}
		}
		found = true

		request := *open
		request.PublisherID = publisher.ID
		changed, err = request.Transition(next)
		if err != nil {
			return err
		}
		request.UpdatedAt = c.now()
		if changed {
			if err := c.appendChange(ctx, tx, request, publisher); err != nil {
				return err
			}
		}
		if err := tx.UpdateRequest(ctx, request); err != nil {
			return err
		}
		saved = request
		return nil
	})
	if err != nil {
		return Request{}, false, c.persistError(err)
	}
	if !found {
		return Request{}, false, nil
	}

	c.invalidate(ctx, page.ID)
	if changed {
		c.recorder.Transition(saved.Kind, saved.Status)
	}
	c.logger.Info("workflow request resolved",
		zap.String("request_id", saved.ID),
		zap.String("page_id", page.ID),
		zap.String("status", string(saved.Status)),
		zap.String("publisher_id", publisher.ID),
	)
	if saved.Status.IsTerminal() {
		c.archive(ctx, saved)
	}
	return saved, true, nil
}

// OpenRequest returns the open request of a page, or nil when there is none.
func (c *Coordinator) OpenRequest(ctx context.Context, pageID string) (*Request, error) {
	cached, hit, generation, err := c.cache.Get(ctx, pageID)
	cacheable := err == nil
	if err != nil {
		c.logger.Warn("open request cache read failed", zap.String("page_id", pageID), zap.Error(err))
	} else if hit {
		c.recorder.CacheLookup(true)
		return cached, nil
	}
	c.recorder.CacheLookup(false)

	open, err := c.repo.OpenRequest(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("load open request: %w", err)
	}
	if !cacheable {
		return open, nil
	}
	// A commit between the read above and this write has advanced the
	// generation, and Set drops the stale value.
	if err := c.cache.Set(ctx, pageID, open, generation); err != nil {
		c.logger.Warn("open request cache write failed", zap.String("page_id", pageID), zap.Error(err))
	}
	return open, nil
}

func (c *Coordinator) ClosedRequests(ctx context.Context, pageID string) ([]Request, error) {
	requests, err := c.repo.ClosedRequests(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("load closed requests: %w", err)
	}
	return requests, nil
}

func (c *Coordinator) History(ctx context.Context, requestID string) ([]Change, error) {
	changes, err := c.repo.History(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("load request history: %w", err)
	}
	return changes, nil
}

func (c *Coordinator) appendChange(ctx context.Context, tx Tx, request Request, actor Member) error {
	draft, err := c.versions.LatestDraftVersion(ctx, request.PageID)
	if err != nil {
		return fmt.Errorf("read draft version: %w", err)
	}
	live, err := c.versions.LatestLiveVersion(ctx, request.PageID)
	if err != nil {
		return fmt.Errorf("read live version: %w", err)
	}
	_, err = tx.AppendChange(ctx, Change{
		RequestID:        request.ID,
		AuthorID:         actor.ID,
		Status:           request.Status,
		PageDraftVersion: draft,
		PageLiveVersion:  live,
		CreatedAt:        c.now(),
	})
	return err
}

func (c *Coordinator) persistError(err error) error {
	if errors.Is(err, ErrPersistenceConflict) {
		c.recorder.Conflict()
	}
	return err
}

func (c *Coordinator) invalidate(ctx context.Context, pageID string) {
	if err := c.cache.Invalidate(ctx, pageID); err != nil {
		c.logger.Warn("open request cache invalidation failed", zap.String("page_id", pageID), zap.Error(err))
	}
}

func (c *Coordinator) archive(ctx context.Context, request Request) {
	if c.archiver == nil {
		return
	}
	history, err := c.repo.History(ctx, request.ID)
	if err == nil {
		err = c.archiver.ArchiveRequest(ctx, request, history)
	}
	if err != nil {
		c.logger.Warn("archive closed request failed", zap.String("request_id", request.ID), zap.Error(err))
	}
}

func (c *Coordinator) notifyAuthor(ctx context.Context, template Template, sender Member, page Page, request Request, reason string) []error {
	if c.notifier == nil {
		return nil
	}
	author, err := c.members.Member(ctx, request.AuthorID)
	if err != nil {
		c.recorder.Notification(template, err)
		c.logger.Warn("workflow notification skipped",
			zap.String("template", string(template)),
			zap.String("recipient_id", request.AuthorID),
			zap.Error(err),
		)
		return []error{&NotificationError{Template: template, RecipientID: request.AuthorID, Err: err}}
	}
	return c.notify(ctx, template, sender, []Member{author}, page, request, reason)
}

func (c *Coordinator) notify(ctx context.Context, template Template, sender Member, recipients []Member, page Page, request Request, reason string) []error {
	if c.notifier == nil || len(recipients) == 0 {
		return nil
	}
	links := c.links(ctx, page)
	subject := Subject(template, request.Kind, page.Title)

	var warnings []error
	for _, recipient := range recipients {
		err := c.notifier.Send(ctx, Notification{
			Template:  template,
			Subject:   subject,
			Sender:    sender,
			Recipient: recipient,
			Page:      page,
			Request:   request,
			Reason:    reason,
			Links:     links,
		})
		c.recorder.Notification(template, err)
		if err != nil {
			c.logger.Warn("workflow notification failed",
				zap.String("template", string(template)),
				zap.String("request_id", request.ID),
				zap.String("recipient_id", recipient.ID),
				zap.Error(err),
			)
			warnings = append(warnings, &NotificationError{Template: template, RecipientID: recipient.ID, Err: err})
		}
	}
	return warnings
}

func (c *Coordinator) links(ctx context.Context, page Page) Links {
	draft, err := c.versions.LatestDraftVersion(ctx, page.ID)
	if err != nil {
		c.logger.Warn("read draft version for links failed", zap.String("page_id", page.ID), zap.Error(err))
		return BuildLinks(page, 0, nil)
	}
	live, err := c.versions.LatestLiveVersion(ctx, page.ID)
	if err != nil {
		c.logger.Warn("read live version for links failed", zap.String("page_id", page.ID), zap.Error(err))
		live = nil
	}
	return BuildLinks(page, draft, live)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
