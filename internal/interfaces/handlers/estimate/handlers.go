package estimate

import (
	"errors"
	"net/url"
	"strconv"

	estimatesvc "chiffrage-backend/internal/application/estimate"
	"chiffrage-backend/internal/middleware"
	"chiffrage-backend/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Handlers exposes the structure and pricing engine over HTTP.
type Handlers struct {
	Service *estimatesvc.Service
}

var errInvalidID = errors.New("invalid identifier")

func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidID
	}
	return id, nil
}

// fail renders an engine error with the status of its class.
func fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch estimatesvc.Class(err) {
	case estimatesvc.ErrNotFound:
		status = fiber.StatusNotFound
	case estimatesvc.ErrConflict, estimatesvc.ErrBusy:
		status = fiber.StatusConflict
	case estimatesvc.ErrInvalid:
		status = fiber.StatusBadRequest
	}
	if status == fiber.StatusInternalServerError {
		log.Error().Err(err).Str("trace_id", middleware.GetTraceID(c)).Str("path", c.Path()).Msg("estimate request failed")
		return response.Error(c, "Internal server error", status, nil)
	}
	return response.Error(c, err.Error(), status, nil)
}

func badID(c *fiber.Ctx, name string) error {
	return response.Error(c, "Invalid "+name, fiber.StatusBadRequest, nil)
}

// GET /api/v1/projects/:project_id/structure
func (h *Handlers) GetStructure(c *fiber.Ctx) error {
	projectID, err := paramID(c, "project_id")
	if err != nil {
		return badID(c, "project_id")
	}
	tree, err := h.Service.GetStructure(c.UserContext(), projectID)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Structure retrieved", tree, nil)
}

type createOuvrageBody struct {
	LotID       int64   `json:"lot_id"`
	LotLabel    string  `json:"lot_label"`
	Name        string  `json:"name"`
	Designation *string `json:"designation"`
}

// POST /api/v1/projects/:project_id/ouvrages
func (h *Handlers) CreateOuvrage(c *fiber.Ctx) error {
	projectID, err := paramID(c, "project_id")
	if err != nil {
		return badID(c, "project_id")
	}
	var body createOuvrageBody
	if err := c.BodyParser(&body); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	o, err := h.Service.CreateOuvrage(c.UserContext(), projectID, estimatesvc.CreateOuvrageInput{
		Lot:         estimatesvc.LotRef{ID: body.LotID, Label: body.LotLabel},
		Name:        body.Name,
		Designation: body.Designation,
	})
	if err != nil {
		return fail(c, err)
	}
	return response.SuccessCreated(c, "Ouvrage created", o, nil)
}

type duplicateOuvrageBody struct {
	Name        string  `json:"name"`
	Designation *string `json:"designation"`
}

// POST /api/v1/projects/:project_id/ouvrages/:id/duplicate
func (h *Handlers) DuplicateOuvrage(c *fiber.Ctx) error {
	projectID, err := paramID(c, "project_id")
	if err != nil {
		return badID(c, "project_id")
	}
	sourceID, err := paramID(c, "id")
	if err != nil {
		return badID(c, "ouvrage id")
	}
	var body duplicateOuvrageBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
		}
	}
	o, err := h.Service.DuplicateOuvrage(c.UserContext(), projectID, sourceID, estimatesvc.DuplicateOuvrageInput{
		Name:        body.Name,
		Designation: body.Designation,
	})
	if err != nil {
		return fail(c, err)
	}
	return response.SuccessCreated(c, "Ouvrage duplicated", o, nil)
}

// DELETE /api/v1/ouvrages/:id
func (h *Handlers) DeleteOuvrage(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return badID(c, "ouvrage id")
	}
	if err := h.Service.DeleteOuvrage(c.UserContext(), id); err != nil {
		return fail(c, err)
	}
	return response.NoContent(c)
}

type createBlocBody struct {
	OuvrageID   *int64  `json:"ouvrage_id"`
	Name        string  `json:"name"`
	Unit        string  `json:"unit"`
	Quantity    float64 `json:"quantity"`
	Designation *string `json:"designation"`
}

// POST /api/v1/projects/:project_id/blocs
func (h *Handlers) CreateBloc(c *fiber.Ctx) error {
	projectID, err := paramID(c, "project_id")
	if err != nil {
		return badID(c, "project_id")
	}
	var body createBlocBody
	if err := c.BodyParser(&body); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	b, err := h.Service.CreateBloc(c.UserContext(), projectID, estimatesvc.CreateBlocInput{
		OuvrageID:   body.OuvrageID,
		Name:        body.Name,
		Unit:        body.Unit,
		Quantity:    body.Quantity,
		Designation: body.Designation,
	})
	if err != nil {
		return fail(c, err)
	}
	return response.SuccessCreated(c, "Bloc created", b, nil)
}

// PATCH /api/v1/blocs/:id/move
func (h *Handlers) MoveBloc(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return badID(c, "bloc id")
	}
	var body struct {
		OuvrageID int64 `json:"ouvrage_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.OuvrageID <= 0 {
		return response.Error(c, "ouvrage_id is required", fiber.StatusBadRequest, nil)
	}
	b, err := h.Service.MoveBloc(c.UserContext(), id, body.OuvrageID)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Bloc moved", b, nil)
}

// DELETE /api/v1/blocs/:id
func (h *Handlers) DeleteBloc(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return badID(c, "bloc id")
	}
	if err := h.Service.DeleteBloc(c.UserContext(), id); err != nil {
		return fail(c, err)
	}
	return response.NoContent(c)
}

type addArticleBody struct {
	OuvrageID        *int64  `json:"ouvrage_id"`
	BlocID           *int64  `json:"bloc_id"`
	CatalogArticleID *int64  `json:"catalog_article_id"`
	Name             string  `json:"name"`
	Unit             string  `json:"unit"`
	Quantity         float64 `json:"quantity"`
	UnitPrice        float64 `json:"unit_price"`
	TaxRate          float64 `json:"tax_rate"`
	Location         string  `json:"location"`
	Description      string  `json:"description"`
	Designation      *string `json:"designation"`
}

// POST /api/v1/projects/:project_id/articles
func (h *Handlers) AddArticle(c *fiber.Ctx) error {
	projectID, err := paramID(c, "project_id")
	if err != nil {
		return badID(c, "project_id")
	}
	var body addArticleBody
	if err := c.BodyParser(&body); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	a, err := h.Service.AddArticle(c.UserContext(), projectID, estimatesvc.AddArticleInput{
		OuvrageID:        body.OuvrageID,
		BlocID:           body.BlocID,
		CatalogArticleID: body.CatalogArticleID,
		Name:             body.Name,
		Unit:             body.Unit,
		Quantity:         body.Quantity,
		UnitPrice:        body.UnitPrice,
		TaxRate:          body.TaxRate,
		Location:         body.Location,
		Description:      body.Description,
		Designation:      body.Designation,
	})
	if err != nil {
		return fail(c, err)
	}
	return response.SuccessCreated(c, "Article added", a, nil)
}

type updateArticleBody struct {
	Name        *string  `json:"name"`
	Unit        *string  `json:"unit"`
	Quantity    *float64 `json:"quantity"`
	UnitPrice   *float64 `json:"unit_price"`
	TaxRate     *float64 `json:"tax_rate"`
	Location    *string  `json:"location"`
	Description *string  `json:"description"`
	Designation *string  `json:"designation"`
}

// PATCH /api/v1/articles/:id
func (h *Handlers) UpdateArticle(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return badID(c, "article id")
	}
	var body updateArticleBody
	if err := c.BodyParser(&body); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	a, err := h.Service.UpdateArticle(c.UserContext(), id, estimatesvc.ArticleUpdate(body))
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Article updated", a, nil)
}

// DELETE /api/v1/articles/:id
func (h *Handlers) DeleteArticle(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return badID(c, "article id")
	}
	if err := h.Service.DeleteArticle(c.UserContext(), id); err != nil {
		return fail(c, err)
	}
	return response.NoContent(c)
}

// DELETE /api/v1/projects/:project_id/lots/:lot_ref
func (h *Handlers) DeleteLot(c *fiber.Ctx) error {
	projectID, err := paramID(c, "project_id")
	if err != nil {
		return badID(c, "project_id")
	}
	raw, err := url.PathUnescape(c.Params("lot_ref"))
	if err != nil {
		return badID(c, "lot_ref")
	}
	ref := estimatesvc.ParseLotRef(raw)
	if err := h.Service.DeleteLot(c.UserContext(), projectID, ref); err != nil {
		return fail(c, err)
	}
	return response.NoContent(c)
}

type renumberBody struct {
	LotID            *int64 `json:"lot_id"`
	TargetOuvrageID  *int64 `json:"target_ouvrage_id"`
	StartDesignation string `json:"start_designation"`
}

// POST /api/v1/projects/:project_id/renumber
func (h *Handlers) Renumber(c *fiber.Ctx) error {
	projectID, err := paramID(c, "project_id")
	if err != nil {
		return badID(c, "project_id")
	}
	var body renumberBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
		}
	}
	if err := h.Service.Renumber(c.UserContext(), projectID, estimatesvc.RenumberOptions(body)); err != nil {
		return fail(c, err)
	}
	tree, err := h.Service.GetStructure(c.UserContext(), projectID)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Project renumbered", tree, nil)
}

// POST /api/v1/projects/:project_id/recalculate
func (h *Handlers) Recalculate(c *fiber.Ctx) error {
	projectID, err := paramID(c, "project_id")
	if err != nil {
		return badID(c, "project_id")
	}
	p, err := h.Service.Recalculate(c.UserContext(), projectID)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Project totals recalculated", p, nil)
}

// Register mounts the estimate routes on r.
func (h *Handlers) Register(r fiber.Router) {
	projects := r.Group("/projects/:project_id")
	projects.Get("/structure", h.GetStructure)
	projects.Post("/ouvrages", h.CreateOuvrage)
	projects.Post("/ouvrages/:id/duplicate", h.DuplicateOuvrage)
	projects.Post("/blocs", h.CreateBloc)
	projects.Post("/articles", h.AddArticle)
	projects.Post("/renumber", h.Renumber)
	projects.Post("/recalculate", h.Recalculate)
	projects.Delete("/lots/:lot_ref", h.DeleteLot)

	r.Delete("/ouvrages/:id", h.DeleteOuvrage)
	r.Patch("/blocs/:id/move", h.MoveBloc)
	r.Delete("/blocs/:id", h.DeleteBloc)
	r.Patch("/articles/:id", h.UpdateArticle)
	r.Delete("/articles/:id", h.DeleteArticle)
}
