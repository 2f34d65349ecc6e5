package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// EventNotifier accepts domain events, either starting runs in process or forwarding them to workers.
type EventNotifier interface {
	Notify(ctx context.Context, event *models.Event) ([]*models.AutomationRun, error)
}

// RunService queries and cancels runs.
type RunService interface {
	Run(ctx context.Context, runID string) (*models.AutomationRun, error)
	NodeRuns(ctx context.Context, runID string) ([]*models.AutomationNodeRun, error)
	Runs(ctx context.Context, filter models.RunFilter) ([]*models.AutomationRun, error)
	Cancel(ctx context.Context, runID string) (*models.AutomationRun, error)
}

type APIHandlers struct {
	definitions *services.Definitions
	triggers    *services.Triggers
	runs        RunService
	notifier    EventNotifier
	persistence persistence.Persistence
	registry    *registry.Registry
	validator   *validator.Validate
}

func NewAPIHandlers(
	definitions *services.Definitions,
	triggers *services.Triggers,
	runs RunService,
	notifier EventNotifier,
	persistence persistence.Persistence,
	registry *registry.Registry,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		definitions: definitions,
		triggers:    triggers,
		runs:        runs,
		notifier:    notifier,
		persistence: persistence,
		registry:    registry,
		validator:   validator,
	}
}

// Register mounts every route on the router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)
	router.Get("/node-types", h.GetNodeTypes)

	a := router.Group("/automations")
	a.Get("/", h.GetAutomations)
	a.Post("/", h.CreateAutomation)
	a.Get("/:id", h.GetAutomation)
	a.Post("/:id/activate", h.ActivateAutomation)
	a.Post("/:id/deactivate", h.DeactivateAutomation)
	a.Get("/:id/versions", h.GetVersions)
	a.Post("/:id/versions", h.CreateVersion)
	a.Post("/:id/publish", h.PublishVersion)
	a.Get("/:id/published", h.GetPublishedVersion)
	a.Get("/:id/triggers", h.GetTriggers)

	t := router.Group("/triggers")
	t.Post("/", h.CreateTrigger)
	t.Patch("/:id", h.UpdateTrigger)

	router.Post("/events", h.SubmitEvent)

	r := router.Group("/runs")
	r.Get("/", h.GetRuns)
	r.Get("/:id", h.GetRun)
	r.Get("/:id/nodes", h.GetNodeRuns)
	r.Post("/:id/cancel", h.CancelRun)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK
	persistenceCheck := "ok"

	err := h.persistence.HealthCheck(c.Context())
	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		persistenceCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"persistence": persistenceCheck,
			"node_types":  len(h.registry.Types()),
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetNodeTypes(c fiber.Ctx) error {
	types := make([]NodeTypeResponse, 0)

	for _, nodeType := range h.registry.Types() {
		factory, ok := h.registry.Factory(nodeType)
		if !ok {
			continue
		}

		types = append(types, NodeTypeResponse{
			ID:          factory.ID(),
			Name:        factory.Name(),
			Description: factory.Description(),
			Schema:      factory.Schema(),
		})
	}

	return c.JSON(types)
}

func (h *APIHandlers) GetAutomations(c fiber.Ctx) error {
	workspaceID := c.Query("workspace_id")
	if workspaceID == "" {
		return badRequest(c, "workspace_id is required")
	}

	automations, err := h.definitions.ListAutomations(c.Context(), workspaceID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"automations": automations})
}

func (h *APIHandlers) CreateAutomation(c fiber.Ctx) error {
	var req CreateAutomationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	automation, err := h.definitions.CreateAutomation(c.Context(), req.WorkspaceID, req.Name, req.Description)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(automation)
}

func (h *APIHandlers) GetAutomation(c fiber.Ctx) error {
	automation, err := h.definitions.Automation(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(automation)
}

func (h *APIHandlers) ActivateAutomation(c fiber.Ctx) error {
	automation, err := h.definitions.Activate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(automation)
}

func (h *APIHandlers) DeactivateAutomation(c fiber.Ctx) error {
	automation, err := h.definitions.Deactivate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(automation)
}

func (h *APIHandlers) GetVersions(c fiber.Ctx) error {
	versions, err := h.definitions.Versions(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"versions": versions})
}

func (h *APIHandlers) CreateVersion(c fiber.Ctx) error {
	var req CreateVersionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	version, err := h.definitions.CreateVersion(c.Context(), c.Params("id"), req.Definition, req.CreatedBy)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(version)
}

func (h *APIHandlers) PublishVersion(c fiber.Ctx) error {
	var req PublishRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	automation, err := h.definitions.Publish(c.Context(), c.Params("id"), req.VersionID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(automation)
}

func (h *APIHandlers) GetPublishedVersion(c fiber.Ctx) error {
	version, err := h.definitions.GetPublished(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(version)
}

func (h *APIHandlers) GetTriggers(c fiber.Ctx) error {
	triggers, err := h.triggers.ListByAutomation(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"triggers": triggers})
}

func (h *APIHandlers) CreateTrigger(c fiber.Ctx) error {
	var req CreateTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	trigger, err := h.triggers.Create(c.Context(), &models.AutomationTrigger{
		AutomationID: req.AutomationID,
		WorkspaceID:  req.WorkspaceID,
		EventKey:     req.EventKey,
		Scope:        req.Scope,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(trigger)
}

func (h *APIHandlers) UpdateTrigger(c fiber.Ctx) error {
	var req UpdateTriggerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	trigger, err := h.triggers.SetActive(c.Context(), c.Params("id"), *req.IsActive)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(trigger)
}

func (h *APIHandlers) SubmitEvent(c fiber.Ctx) error {
	var event models.Event
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	runs, err := h.notifier.Notify(c.Context(), &event)
	if err != nil {
		return handleServiceError(c, err)
	}

	if runs == nil {
		runs = []*models.AutomationRun{}
	}

	return c.Status(fiber.StatusAccepted).JSON(EventAcceptedResponse{EventID: event.ID, Runs: runs})
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	filter, err := parseRunFilter(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	runs, err := h.runs.Runs(c.Context(), *filter)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"runs": runs})
}

// parseRunFilter reads the run listing filters from the query string.
func parseRunFilter(c fiber.Ctx) (*models.RunFilter, error) {
	filter := &models.RunFilter{
		AutomationID: c.Query("automation_id"),
		WorkspaceID:  c.Query("workspace_id"),
		Limit:        100,
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		filter.Limit = limit
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.RunStatus(statusStr)
		filter.Status = &status
	}

	return filter, nil
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.runs.Run(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) GetNodeRuns(c fiber.Ctx) error {
	nodeRuns, err := h.runs.NodeRuns(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"nodes": nodeRuns})
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	run, err := h.runs.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}
