package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pharmalink/internal/model"
	"github.com/mmeshcher/pharmalink/internal/service"
)

type createOrderItemRequest struct {
	MedicationID int64 `json:"medicationId"`
	Quantity     int   `json:"quantity"`
}

type createOrderRequest struct {
	PharmacyID      int64                    `json:"pharmacyId"`
	Items           []createOrderItemRequest `json:"items"`
	DeliveryAddress string                   `json:"deliveryAddress"`
	DeliveryMethod  string                   `json:"deliveryMethod"`
	PaymentMethod   string                   `json:"paymentMethod"`
	Notes           string                   `json:"notes"`
}

type updateOrderRequest struct {
	Status *string `json:"status"`
	Notes  *string `json:"notes"`
}

type orderItemResponse struct {
	ID             uuid.UUID       `json:"id"`
	MedicationID   int64           `json:"medicationId"`
	MedicationName string          `json:"medicationName"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	TotalPrice     decimal.Decimal `json:"totalPrice"`
	Currency       string          `json:"currency"`
}

type locationResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type pharmacyResponse struct {
	ID       int64             `json:"id"`
	Name     string            `json:"name"`
	Address  string            `json:"address"`
	Phone    string            `json:"phone,omitempty"`
	Email    string            `json:"email,omitempty"`
	Location *locationResponse `json:"location,omitempty"`
}

type orderResponse struct {
	ID              uuid.UUID           `json:"id"`
	OrderNumber     string              `json:"orderNumber"`
	Status          string              `json:"status"`
	TotalAmount     decimal.Decimal     `json:"totalAmount"`
	AmountPaid      *decimal.Decimal    `json:"amountPaid,omitempty"`
	Currency        string              `json:"currency"`
	DeliveryAddress string              `json:"deliveryAddress,omitempty"`
	DeliveryMethod  string              `json:"deliveryMethod"`
	PaymentMethod   string              `json:"paymentMethod"`
	PaymentStatus   string              `json:"paymentStatus"`
	Notes           string              `json:"notes,omitempty"`
	ItemCount       int                 `json:"itemCount"`
	Items           []orderItemResponse `json:"items,omitempty"`
	Pharmacy        *pharmacyResponse   `json:"pharmacy,omitempty"`
	CreatedAt       string              `json:"createdAt"`
	UpdatedAt       string              `json:"updatedAt"`
}

type createOrderResponse struct {
	OrderID     uuid.UUID           `json:"orderId"`
	OrderNumber string              `json:"orderNumber"`
	Status      string              `json:"status"`
	TotalAmount decimal.Decimal     `json:"totalAmount"`
	Currency    string              `json:"currency"`
	Items       []orderItemResponse `json:"items"`
}

type paginationResponse struct {
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"hasMore"`
	Page       int  `json:"page"`
	TotalPages int  `json:"totalPages"`
}

type orderListResponse struct {
	Data       []orderResponse    `json:"data"`
	Pagination paginationResponse `json:"pagination"`
}

func toItemResponses(items []model.OrderItem) []orderItemResponse {
	resp := make([]orderItemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, orderItemResponse{
			ID:             it.ID,
			MedicationID:   it.MedicationID,
			MedicationName: it.MedicationName,
			Quantity:       it.Quantity,
			UnitPrice:      it.UnitPrice,
			TotalPrice:     it.TotalPrice,
			Currency:       it.Currency,
		})
	}
	return resp
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		OrderNumber:     o.OrderNumber,
		Status:          string(o.Status),
		TotalAmount:     o.TotalAmount,
		Currency:        o.Currency,
		DeliveryAddress: o.DeliveryAddress,
		DeliveryMethod:  o.DeliveryMethod,
		PaymentMethod:   o.PaymentMethod,
		PaymentStatus:   string(o.PaymentStatus),
		Notes:           o.Notes,
		ItemCount:       o.ItemCount,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       o.UpdatedAt.Format(time.RFC3339),
	}
	if o.AmountPaid.Valid {
		paid := o.AmountPaid.Decimal
		resp.AmountPaid = &paid
	}
	if len(o.Items) > 0 {
		resp.Items = toItemResponses(o.Items)
	}
	if ph := o.Pharmacy; ph != nil {
		resp.Pharmacy = &pharmacyResponse{
			ID:      ph.ID,
			Name:    ph.Name,
			Address: ph.Address,
			Phone:   ph.Phone,
			Email:   ph.Email,
		}
		if ph.Latitude != nil && ph.Longitude != nil {
			resp.Pharmacy.Location = &locationResponse{Latitude: *ph.Latitude, Longitude: *ph.Longitude}
		}
	}
	return resp
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id", nil)
		return uuid.Nil, false
	}
	return id, true
}

// CreateOrder оформляет заказ текущего пользователя и резервирует остатки.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := service.CreateOrderInput{
		PharmacyID:      req.PharmacyID,
		DeliveryAddress: req.DeliveryAddress,
		DeliveryMethod:  req.DeliveryMethod,
		PaymentMethod:   req.PaymentMethod,
		Notes:           req.Notes,
		Items:           make([]service.CreateOrderItem, 0, len(req.Items)),
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, service.CreateOrderItem{MedicationID: it.MedicationID, Quantity: it.Quantity})
	}

	order, err := h.orders.Create(r.Context(), userID, in)
	if err != nil {
		h.writeServiceError(w, "create order", err)
		return
	}

	writeJSON(w, http.StatusOK, createOrderResponse{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
		Items:       toItemResponses(order.Items),
	})
}

func queryInt(r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ListOrders возвращает страницу заказов текущего пользователя.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be an integer", nil)
		return
	}
	offset, ok := queryInt(r, "offset")
	if !ok {
		writeError(w, http.StatusBadRequest, "offset must be an integer", nil)
		return
	}

	page, err := h.orders.List(r.Context(), userID, service.ListOrdersInput{
		Status: model.OrderStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.writeServiceError(w, "list orders", err)
		return
	}

	pageSize := page.Limit
	if pageSize <= 0 {
		pageSize = service.DefaultPageLimit
	}

	resp := orderListResponse{
		Data: make([]orderResponse, 0, len(page.Orders)),
		Pagination: paginationResponse{
			Total:      page.Total,
			Limit:      pageSize,
			Offset:     page.Offset,
			HasMore:    page.Offset+len(page.Orders) < page.Total,
			Page:       page.Offset/pageSize + 1,
			TotalPages: (page.Total + pageSize - 1) / pageSize,
		},
	}
	for i := range page.Orders {
		resp.Data = append(resp.Data, toOrderResponse(&page.Orders[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает заказ с позициями и данными аптеки.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.Get(r.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(w, "get order", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// UpdateOrder меняет статус или заметки заказа.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req updateOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := service.UpdateOrderInput{Notes: req.Notes}
	if req.Status != nil {
		st := model.OrderStatus(*req.Status)
		in.Status = &st
	}

	order, err := h.orders.Update(r.Context(), userID, orderID, in)
	if err != nil {
		h.writeServiceError(w, "update order", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// CancelOrder отменяет заказ и возвращает позиции в остаток.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.Cancel(r.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(w, "cancel order", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}
