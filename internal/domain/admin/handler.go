package admin

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/admin")
	g.GET("/inventory", h.ListInventory)
	g.GET("/low-stock", h.ListLowStock)
	g.GET("/refill-alerts", h.ListRefillAlerts)
	g.GET("/dashboard", h.GetDashboard)
}

func threshold(c echo.Context) (int, error) {
	raw := c.QueryParam("threshold")
	if raw == "" {
		return DefaultLowStockThreshold, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "threshold must be a positive integer")
	}
	return n, nil
}

func (h *Handler) ListInventory(c echo.Context) error {
	items, err := h.svc.Inventory(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListLowStock(c echo.Context) error {
	n, err := threshold(c)
	if err != nil {
		return err
	}
	items, err := h.svc.LowStock(c.Request().Context(), n)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListRefillAlerts(c echo.Context) error {
	alerts, err := h.svc.RefillAlerts(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, alerts)
}

func (h *Handler) GetDashboard(c echo.Context) error {
	n, err := threshold(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Dashboard(c.Request().Context(), n)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, d)
}
