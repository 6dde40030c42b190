package main

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowengine/common/bootstrap"
	"github.com/lyzr/flowengine/internal/broker"
	"github.com/lyzr/flowengine/internal/codec"
	"github.com/lyzr/flowengine/internal/node"
	"github.com/lyzr/flowengine/internal/outbox"
	"github.com/lyzr/flowengine/internal/parser"
)

// admin is the engine's minimal management surface: health/readiness plus
// the definition upload/list/start boundary. These routes exist so an
// engine can be driven without separate tooling.
type admin struct {
	components *bootstrap.Components
	defs       *outbox.DefinitionStore
	broker     broker.Broker
	inTopic    string
}

func newAdmin(components *bootstrap.Components, defs *outbox.DefinitionStore, b broker.Broker, inTopic string) *admin {
	return &admin{components: components, defs: defs, broker: b, inTopic: inTopic}
}

// registerAdminRoutes registers all engine routes
func registerAdminRoutes(e *echo.Echo, a *admin) {
	e.GET("/health", a.health)
	e.GET("/ready", a.ready)
	e.POST("/api/v1/definitions", a.uploadDefinition)
	e.GET("/api/v1/definitions", a.listDefinitions)
	e.POST("/api/v1/workflows/:name/:version/start", a.startWorkflow)
}

func (a *admin) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "engine",
	})
}

func (a *admin) ready(c echo.Context) error {
	if err := a.components.Health(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// uploadDefinition accepts a raw YAML or JSON DSL document, validates it by
// fully parsing it, and stores it under its own (name, version).
func (a *admin) uploadDefinition(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read body"})
	}

	def, err := parser.ParseBytes(raw)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	if err := a.defs.Put(c.Request().Context(), def.Name, def.Version, raw); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusCreated, map[string]string{
		"name":    def.Name,
		"version": def.Version,
	})
}

func (a *admin) listDefinitions(c echo.Context) error {
	records, err := a.defs.List(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	out := make([]map[string]string, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]string{"id": r.ID, "name": r.Name, "version": r.Version})
	}
	return c.JSON(http.StatusOK, map[string]any{"definitions": out})
}

// startWorkflow seeds a fresh root instance with the posted JSON input and
// publishes the resulting Message to workflows-in, where a consumer picks
// it up like any other continuation.
func (a *admin) startWorkflow(c echo.Context) error {
	name := c.Param("name")
	version := c.Param("version")

	input := map[string]any{}
	if err := c.Bind(&input); err != nil && err != echo.ErrUnsupportedMediaType {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON input"})
	}

	ctx := c.Request().Context()
	def, err := parser.Parse(ctx, a.defs, name, version)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, outbox.ErrNotFound) {
			status = http.StatusNotFound
		}
		return c.JSON(status, map[string]string{"error": err.Error()})
	}

	root := node.NewInstance(def.Root, input)
	root.WorkflowID = uuid.New().String()

	msg, err := codec.Build(name, version, map[node.Position]*node.Instance{node.Root: root}, node.Root)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	encoded, err := codec.Encode(msg)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	if err := a.broker.Publish(ctx, a.inTopic, encoded); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"workflow_id": root.WorkflowID,
		"name":        name,
		"version":     version,
	})
}
