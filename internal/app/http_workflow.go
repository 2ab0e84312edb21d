package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"cmsworkflow/internal/workflow"
)

func (s *HTTPServer) handleSavePage(w http.ResponseWriter, r *http.Request, session Session) {
	var body SavePageInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	page, err := s.service.SavePage(r.Context(), session, mux.Vars(r)["pageID"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": page})
}

func (s *HTTPServer) handlePageWorkflow(w http.ResponseWriter, r *http.Request, session Session) {
	view, err := s.service.PageWorkflow(r.Context(), session, mux.Vars(r)["pageID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type requestBody struct {
	PublisherIDs []string `json:"publisherIds"`
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *HTTPServer) handleRequestPublication(w http.ResponseWriter, r *http.Request, session Session) {
	var body requestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	outcome, err := s.service.RequestPublication(r.Context(), session, mux.Vars(r)["pageID"], body.PublisherIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOutcome(w, http.StatusCreated, outcome, nil)
}

func (s *HTTPServer) handleRequestDeletion(w http.ResponseWriter, r *http.Request, session Session) {
	var body requestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	outcome, err := s.service.RequestDeletion(r.Context(), session, mux.Vars(r)["pageID"], body.PublisherIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOutcome(w, http.StatusCreated, outcome, nil)
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request, session Session) {
	result, err := s.service.Publish(r.Context(), session, mux.Vars(r)["pageID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOutcome(w, http.StatusOK, result.Outcome, map[string]any{"liveVersion": result.Version})
}

func (s *HTTPServer) handleUnpublish(w http.ResponseWriter, r *http.Request, session Session) {
	outcome, err := s.service.Unpublish(r.Context(), session, mux.Vars(r)["pageID"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOutcome(w, http.StatusOK, outcome, nil)
}

func (s *HTTPServer) handleDecline(w http.ResponseWriter, r *http.Request, session Session) {
	var body reasonBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	outcome, err := s.service.Decline(r.Context(), session, mux.Vars(r)["pageID"], body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOutcome(w, http.StatusOK, outcome, nil)
}

func (s *HTTPServer) handleRequestEdit(w http.ResponseWriter, r *http.Request, session Session) {
	var body reasonBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	outcome, err := s.service.RequestEdit(r.Context(), session, mux.Vars(r)["pageID"], body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeOutcome(w, http.StatusOK, outcome, nil)
}

func (s *HTTPServer) handleAwaitingPublication(w http.ResponseWriter, r *http.Request, session Session) {
	rows, err := s.service.AwaitingPublication(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (s *HTTPServer) handleAwaitingDeletion(w http.ResponseWriter, r *http.Request, session Session) {
	rows, err := s.service.AwaitingDeletion(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (s *HTTPServer) handleMyRequests(w http.ResponseWriter, r *http.Request, session Session) {
	kind, ok := parseKindQuery(r.URL.Query().Get("kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_KIND", "kind must be publication or deletion", nil)
		return
	}
	rows, err := s.service.MyRequests(r.Context(), session, kind)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (s *HTTPServer) handleScheduledDeletions(w http.ResponseWriter, r *http.Request, session Session) {
	var window workflow.DateRange
	for _, bound := range []struct {
		param  string
		target **time.Time
	}{
		{param: "start", target: &window.Start},
		{param: "end", target: &window.End},
	} {
		raw := strings.TrimSpace(r.URL.Query().Get(bound.param))
		if raw == "" {
			continue
		}
		parsed, ok := parseDateQuery(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_DATE", bound.param+" must be a date or RFC 3339 timestamp", nil)
			return
		}
		*bound.target = &parsed
	}

	items, err := s.service.ScheduledDeletions(r.Context(), window)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeOutcome(w http.ResponseWriter, status int, outcome workflow.Outcome, extra map[string]any) {
	payload := map[string]any{
		"request":  outcome.Request,
		"warnings": warningPayload(outcome.Warnings),
	}
	for key, value := range extra {
		payload[key] = value
	}
	writeJSON(w, status, payload)
}

func parseKindQuery(value string) (workflow.RequestKind, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "publication":
		return workflow.KindPublication, true
	case "deletion", "removal":
		return workflow.KindDeletion, true
	default:
		return "", false
	}
}

func parseDateQuery(value string) (time.Time, bool) {
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed.UTC(), true
	}
	if parsed, err := time.Parse("2006-01-02", value); err == nil {
		return parsed.UTC(), true
	}
	return time.Time{}, false
}
