package medication

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chromylcl/pharmacy-agentic-ai/pkg/pagination"
)

type Handler struct {
	catalog Catalog
}

func NewHandler(catalog Catalog) *Handler {
	return &Handler{catalog: catalog}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/catalog/products", h.ListProducts)
	api.GET("/catalog/products/:name", h.GetProduct)
}

// ListProducts returns one page of the catalog, optionally filtered by
// category and a case-insensitive name fragment.
func (h *Handler) ListProducts(c echo.Context) error {
	items, err := h.catalog.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	category := c.QueryParam("category")
	q := strings.ToLower(strings.TrimSpace(c.QueryParam("q")))
	out := make([]Medicine, 0, len(items))
	for _, m := range items {
		if category != "" && !strings.EqualFold(m.Category, category) {
			continue
		}
		if q != "" && !strings.Contains(Key(m.Name), q) {
			continue
		}
		out = append(out, m)
	}

	p := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Slice(out, p), len(out), p, c.Request().URL))
}

func (h *Handler) GetProduct(c echo.Context) error {
	m, err := h.catalog.Lookup(c.Request().Context(), c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "medicine not found")
	}
	return c.JSON(http.StatusOK, m)
}
