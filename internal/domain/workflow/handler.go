package workflow

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthrec/labentry/internal/domain/catalog"
	"github.com/healthrec/labentry/internal/domain/entry"
	"github.com/healthrec/labentry/internal/labapi"
	"github.com/healthrec/labentry/internal/platform/attachments"
	"github.com/healthrec/labentry/internal/platform/auth"
	"github.com/healthrec/labentry/internal/platform/history"
	"github.com/healthrec/labentry/internal/platform/session"
	"github.com/healthrec/labentry/pkg/pagination"
)

// Handler exposes the report-entry workflow over HTTP.
type Handler struct {
	sessions *session.Store
	att      *attachments.Store
	client   Client
	recorder history.Recorder
	logger   zerolog.Logger
	formOpts []entry.FormOption
}

// NewHandler creates a workflow handler. recorder may be nil when no
// submission history backend is configured.
func NewHandler(sessions *session.Store, att *attachments.Store, client Client, recorder history.Recorder, logger zerolog.Logger, formOpts ...entry.FormOption) *Handler {
	return &Handler{
		sessions: sessions,
		att:      att,
		client:   client,
		recorder: recorder,
		logger:   logger,
		formOpts: formOpts,
	}
}

// RegisterRoutes mounts workflow routes on the supplied Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/entry-sessions", h.handleCreateSession)
	g.GET("/entry-sessions", h.handleListSessions)
	g.GET("/entry-sessions/:id", h.handleGetSession)
	g.DELETE("/entry-sessions/:id", h.handleCloseSession)

	g.POST("/entry-sessions/:id/test-type", h.handleSelectTestType)
	g.POST("/entry-sessions/:id/catalog/group", h.handleSelectGroup)
	g.POST("/entry-sessions/:id/catalog/parameter", h.handleSelectParameter)

	g.POST("/entry-sessions/:id/selection/toggle", h.handleToggle)
	g.POST("/entry-sessions/:id/selection/toggle-group", h.handleToggleGroup)

	g.PUT("/entry-sessions/:id/drafts/:key", h.handleUpdateDraft)
	g.POST("/entry-sessions/:id/drafts/:key/report", h.handleUploadReport)
	g.DELETE("/entry-sessions/:id/drafts/:key", h.handleRemoveCard)

	g.PUT("/entry-sessions/:id/envelope", h.handleUpdateEnvelope)
	g.POST("/entry-sessions/:id/envelope/prescription", h.handleUploadPrescription)

	g.POST("/entry-sessions/:id/save", h.handleSave)

	g.GET("/submissions", h.handleListSubmissions)
}

// sessionResponse is the JSON shape for session metadata.
type sessionResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{ID: s.ID, CreatedAt: s.CreatedAt}
}

// resolve returns the caller's session or an HTTP error. Sessions belonging
// to other subjects read as not found.
func (h *Handler) resolve(c echo.Context) (*session.Session, *Session, error) {
	stored := h.sessions.Get(c.Param("id"))
	if stored == nil || stored.Subject != auth.SubjectFromContext(c.Request().Context()) {
		return nil, nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	ws, ok := stored.Value.(*Session)
	if !ok {
		return nil, nil, echo.NewHTTPError(http.StatusInternalServerError, "corrupt session state")
	}
	return stored, ws, nil
}

func (h *Handler) handleCreateSession(c echo.Context) error {
	subject := auth.SubjectFromContext(c.Request().Context())
	if subject == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no authenticated subject")
	}

	ws := NewSession(h.client, h.att, h.formOpts...)
	stored := h.sessions.Create(subject, ws)

	// A failed catalog load still yields a usable session; the client can
	// retry by re-selecting a test type once the upstream recovers.
	if err := ws.Open(c.Request().Context()); err != nil {
		h.logger.Warn().Err(err).Str("session_id", stored.ID).Msg("catalog load failed on session open")
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"session": toSessionResponse(stored),
		"view":    ws.Snapshot(""),
	})
}

func (h *Handler) handleListSessions(c echo.Context) error {
	subject := auth.SubjectFromContext(c.Request().Context())
	p := pagination.FromContext(c)

	all := h.sessions.BySubject(subject)
	total := len(all)
	offset := p.Offset
	if offset > total {
		offset = total
	}
	end := offset + p.Limit
	if end > total {
		end = total
	}

	items := make([]sessionResponse, 0, end-offset)
	for _, s := range all[offset:end] {
		items = append(items, toSessionResponse(s))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) handleGetSession(c echo.Context) error {
	_, ws, err := h.resolve(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ws.Snapshot(c.QueryParam("search")))
}

func (h *Handler) handleCloseSession(c echo.Context) error {
	stored, _, err := h.resolve(c)
	if err != nil {
		return err
	}
	h.sessions.Delete(stored.ID)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) handleSelectTestType(c echo.Context) error {
	_, ws, err := h.resolve(c)
	if err != nil {
		return err
	}

	var req struct {
		TestID int64 `json:"test_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := ws.Selector.SelectTestType(c.Request().Context(), req.TestID); err != nil {
		if errors.Is(err, catalog.ErrUnknownTestType) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, "failed to load test groups")
	}
	return c.JSON(http.StatusOK, ws.Selector.Snapshot(""))
}

func (h *Handler) handleSelectGroup(c echo.Context) error {
	_, ws, err := h.resolve(c)
	if err != nil {
		return err
	}

	var req struct {
		GroupID int64 `json:"group_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := ws.Selector.SelectGroup(req.GroupID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, ws.Selector.Snapshot(""))
}

func (h *Handler) handleSelectParameter(c echo.Context) error {
	_, ws, err := h.resolve(c)
	if err != nil {
		return err
	}

	var req struct {
		ParameterID int64 `json:"parameter_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ws.Selector.SelectParameter(req.ParameterID)
	return c.JSON(http.StatusOK, ws.Selector.Snapshot(""))
}

func (h *Handler) handleToggle(c echo.Context) error {
	_, ws, err := h.resolve(c)
	if err != nil {
		return err
	}

	var req struct {
		GroupID     int64 `json:"group_id"`
		ParameterID int64 `json:"parameter_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	key, selected, err := ws.Toggle(c.Request().Context(), req.GroupID, req.ParameterID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"key":      key,
		"selected": selected,
		"form":     ws.Form.Snapshot(),
	})
}

func (h *Handler) handleToggleGroup(c echo.Context) error {
	_, ws, err := h.resolve(c)
	if err != nil {
		return err
	}

	var req struct {
		GroupID int64 `json:"group_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := ws.ToggleGroup(c.Request().Context(), req.GroupID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, ws.Form.Snapshot())
}

func (h *Handler) handleUpdateDraft(c echo.Context) error {
	_, ws, err := h.resolve(c)
	if err != nil {
		return err
	}
	key := c.Param("key")
	if !ws.Set.Contains(key) {
		return echo.NewHTTPError(http.StatusNotFound, "parameter not selected")
	}

	var req struct {
		Value       *string `json:"value"`
		Description *string `json:"description"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Value != nil {
		ws.Form.SetValue(key, *req.Value)
	}
	if req.Description != nil {
		ws.Form.SetDescription(key, *req.Description)
	}
	return c.JSON(http.StatusOK, ws.Form.Snapshot())
}

func (h *Handler) handleUploadReport(c echo.Context) error {
	stored, ws, err := h.resolve(c)
	if err != nil {
		return err
	}
	key := c.Param("key")
	if !ws.Set.Contains(key) {
		return echo.NewHTTPError(http.StatusNotFound, "parameter not selected")
	}

	meta, err := h.stageUpload(c, stored.ID)
	if err != nil {
		return err
	}
	ws.Form.SetAttachment(c.Request().Context(), key, meta.ID)
	return c.JSON(http.StatusCreated, meta)
}

func (h *Handler) handleRemoveCard(c echo.Context) error {
	_, ws, err := h.resolve(c)
	if err != nil {
		return err
	}
	key := c.Param("key")
	if !ws.Set.Contains(key) {
		return echo.NewHTTPError(http.StatusNotFound, "parameter not selected")
	}
	ws.Form.RemoveCard(c.Request().Context(), key)
	return c.JSON(http.StatusOK, ws.Form.Snapshot())
}

func (h *Handler) handleUpdateEnvelope(c echo.Context) error {
	_, ws, err := h.resolve(c)
	if err != nil {
		return err
	}

	var req struct {
		DateOfTest string `json:"date_of_test"`
		LabName    string `json:"lab_name"`
		DoctorName string `json:"doctor_name"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	env := entry.Envelope{LabName: req.LabName, DoctorName: req.DoctorName}
	if req.DateOfTest != "" {
		date, err := time.Parse(labapi.WireDateLayout, req.DateOfTest)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date_of_test must use the dd.mm.yyyy format")
		}
		env.TestDate = date
	}
	ws.Form.SetEnvelope(env)
	return c.JSON(http.StatusOK, ws.Form.Snapshot())
}

func (h *Handler) handleUploadPrescription(c echo.Context) error {
	stored, ws, err := h.resolve(c)
	if err != nil {
		return err
	}
	meta, err := h.stageUpload(c, stored.ID)
	if err != nil {
		return err
	}
	ws.Form.SetPrescription(c.Request().Context(), meta.ID)
	return c.JSON(http.StatusCreated, meta)
}

// stageUpload reads the multipart "file" field into the staging store,
// scoped to the session.
func (h *Handler) stageUpload(c echo.Context, owner string) (*attachments.Metadata, error) {
	file, err := c.FormFile("file")
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	src, err := file.Open()
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to open uploaded file")
	}
	defer src.Close()

	meta, err := h.att.Put(c.Request().Context(), owner, file.Filename, file.Header.Get("Content-Type"), src)
	if err != nil {
		switch {
		case errors.Is(err, attachments.ErrFileTooLarge):
			return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, attachments.ErrInvalidContentType):
			return nil, echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
		case errors.Is(err, attachments.ErrMissingFileName):
			return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		default:
			return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	// Staged files are bound to drafts by ID; the ID must belong to this
	// session before the form may reference it.
	if !h.att.Owned(c.Request().Context(), owner, meta.ID) {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "staged file not owned by session")
	}
	return meta, nil
}

func (h *Handler) handleSave(c echo.Context) error {
	stored, ws, err := h.resolve(c)
	if err != nil {
		return err
	}

	before := ws.Form.Snapshot()
	saveErr := ws.Form.Save(c.Request().Context())

	h.record(c, stored, before, saveErr)

	if saveErr != nil {
		switch {
		case errors.Is(saveErr, entry.ErrSaveInFlight):
			return echo.NewHTTPError(http.StatusConflict, saveErr.Error())
		case errors.Is(saveErr, entry.ErrNothingSelected):
			return echo.NewHTTPError(http.StatusBadRequest, saveErr.Error())
		}
		var subErr *labapi.SubmissionError
		if errors.As(saveErr, &subErr) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"message": subErr.Message})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{"message": labapi.GenericSaveMessage})
	}
	return c.JSON(http.StatusOK, ws.Form.Snapshot())
}

// record writes the submission attempt to the history backend. Failures are
// logged and never surfaced; the audit trail must not break saves.
func (h *Handler) record(c echo.Context, stored *session.Session, before entry.State, saveErr error) {
	if h.recorder == nil || errors.Is(saveErr, entry.ErrSaveInFlight) || errors.Is(saveErr, entry.ErrNothingSelected) {
		return
	}

	sub := &history.Submission{
		Subject:     stored.Subject,
		Role:        auth.RoleFromContext(c.Request().Context()),
		SessionID:   stored.ID,
		TestDate:    before.Envelope.TestDate,
		LabName:     before.Envelope.LabName,
		DoctorName:  before.Envelope.DoctorName,
		RecordCount: len(before.Cards),
		Accepted:    saveErr == nil,
	}
	if saveErr != nil {
		var subErr *labapi.SubmissionError
		if errors.As(saveErr, &subErr) {
			sub.Error = subErr.Message
		} else {
			sub.Error = labapi.GenericSaveMessage
		}
	}
	if err := h.recorder.Record(c.Request().Context(), sub); err != nil {
		h.logger.Error().Err(err).Str("session_id", stored.ID).Msg("recording submission history failed")
	}
}

func (h *Handler) handleListSubmissions(c echo.Context) error {
	if h.recorder == nil {
		return c.JSON(http.StatusOK, pagination.NewResponse([]*history.Submission{}, 0, pagination.DefaultLimit, 0))
	}

	subject := auth.SubjectFromContext(c.Request().Context())
	p := pagination.FromContext(c)

	items, total, err := h.recorder.ListBySubject(c.Request().Context(), subject, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list submissions")
	}
	if items == nil {
		items = []*history.Submission{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}
