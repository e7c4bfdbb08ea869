package orders

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/storebot/api/responses"
	"github.com/angelmondragon/storebot/api/validators"
	internalorders "github.com/angelmondragon/storebot/internal/orders"
	"github.com/angelmondragon/storebot/pkg/db/models"
	"github.com/angelmondragon/storebot/pkg/enums"
	pkgerrors "github.com/angelmondragon/storebot/pkg/errors"
	"github.com/angelmondragon/storebot/pkg/logger"
	"github.com/angelmondragon/storebot/pkg/money"
	"github.com/angelmondragon/storebot/pkg/pagination"
)

const maxReasonLength = 500

// Reader is the read side of the order ledger used by the admin API.
type Reader interface {
	Get(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	List(ctx context.Context, status *enums.OrderStatus, userID *int64, params pagination.Params) (*internalorders.ListResult, error)
	Stats(ctx context.Context) (*internalorders.Stats, error)
}

// Fulfiller applies operator-driven transitions.
type Fulfiller interface {
	MarkShipped(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	MarkDelivered(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	Cancel(ctx context.Context, orderID uuid.UUID, cause enums.TransitionCause) (*models.Order, error)
}

type lineItemView struct {
	ProductID      string `json:"product_id"`
	Variant        string `json:"variant,omitempty"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type historyView struct {
	From       *enums.OrderStatus    `json:"from,omitempty"`
	To         enums.OrderStatus     `json:"to"`
	Cause      enums.TransitionCause `json:"cause"`
	EventID    *string               `json:"event_id,omitempty"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// OrderView is the JSON shape of an order.
type OrderView struct {
	ID              uuid.UUID         `json:"id"`
	UserID          int64             `json:"user_id"`
	Status          enums.OrderStatus `json:"status"`
	Currency        enums.Currency    `json:"currency"`
	TotalCents      int64             `json:"total_cents"`
	Total           string            `json:"total"`
	PaymentIntentID *string           `json:"payment_intent_id,omitempty"`
	ProviderStatus  *string           `json:"provider_status,omitempty"`
	CartCleared     bool              `json:"cart_cleared"`
	Items           []lineItemView    `json:"items,omitempty"`
	History         []historyView     `json:"history,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type listResponse struct {
	Orders     []OrderView `json:"orders"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// NewOrderView flattens an order for API responses.
func NewOrderView(o *models.Order) OrderView {
	view := OrderView{
		ID:              o.ID,
		UserID:          o.UserID,
		Status:          o.Status,
		Currency:        o.Currency,
		TotalCents:      o.TotalCents,
		Total:           money.Format(o.TotalCents, o.Currency),
		PaymentIntentID: o.PaymentIntentID,
		ProviderStatus:  o.ProviderStatus,
		CartCleared:     o.CartCleared,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, item := range o.Items {
		view.Items = append(view.Items, lineItemView{
			ProductID:      item.ProductID,
			Variant:        item.Variant,
			Name:           item.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			LineTotalCents: item.LineTotalCents,
		})
	}
	for _, ev := range o.History {
		view.History = append(view.History, historyView{
			From:       ev.FromStatus,
			To:         ev.ToStatus,
			Cause:      ev.Cause,
			EventID:    ev.EventID,
			OccurredAt: ev.OccurredAt,
		})
	}
	return view
}

// List returns orders newest first, filtered by status and user.
func List(svc Reader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params := pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		}

		var status *enums.OrderStatus
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			parsed, err := enums.ParseOrderStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter"))
				return
			}
			status = &parsed
		}

		var userID *int64
		if raw := strings.TrimSpace(r.URL.Query().Get("user_id")); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed <= 0 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid user_id filter"))
				return
			}
			userID = &parsed
		}

		page, err := svc.List(r.Context(), status, userID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := listResponse{Orders: make([]OrderView, 0, len(page.Orders)), NextCursor: page.NextCursor}
		for i := range page.Orders {
			out.Orders = append(out.Orders, NewOrderView(&page.Orders[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

// Detail returns one order with items and status history.
func Detail(svc Reader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewOrderView(order))
	}
}

// Stats returns counts per status and paid revenue per currency.
func Stats(svc Reader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		stats, err := svc.Stats(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, stats)
	}
}

// MarkShipped moves a paid order to shipped.
func MarkShipped(svc Fulfiller, logg *logger.Logger) http.HandlerFunc {
	return fulfill(svc, logg, func(ctx context.Context, id uuid.UUID, _ *http.Request) (*models.Order, error) {
		return svc.MarkShipped(ctx, id)
	})
}

// MarkDelivered moves a shipped order to delivered.
func MarkDelivered(svc Fulfiller, logg *logger.Logger) http.HandlerFunc {
	return fulfill(svc, logg, func(ctx context.Context, id uuid.UUID, _ *http.Request) (*models.Order, error) {
		return svc.MarkDelivered(ctx, id)
	})
}

// Cancel cancels an unpaid order on behalf of an operator. The body is optional.
func Cancel(svc Fulfiller, logg *logger.Logger) http.HandlerFunc {
	return fulfill(svc, logg, func(ctx context.Context, id uuid.UUID, r *http.Request) (*models.Order, error) {
		var req cancelRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				return nil, err
			}
		}
		if reason := validators.SanitizeString(req.Reason, maxReasonLength); reason != "" && logg != nil {
			logg.Info(logg.WithField(ctx, "reason", reason), "operator cancel requested")
		}
		return svc.Cancel(ctx, id, enums.CauseAdminCancel)
	})
}

func fulfill(svc Fulfiller, logg *logger.Logger, apply func(ctx context.Context, id uuid.UUID, r *http.Request) (*models.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithOrderID(ctx, orderID.String())
		}
		order, err := apply(ctx, orderID, r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewOrderView(order))
	}
}

func parseOrderID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order id")
	}
	return id, nil
}
