// handler.go provides the HTTP and websocket API of the order engine.
//
// Routes:
//   - POST /api/orders/execute: submit an order, returns {"orderId": ...}
//   - GET /api/orders/execute/{id}: websocket stream of an order's status
//   - GET /api/orders/stream: websocket; the first frame is an order submission
//   - GET /api/orders/{id}: current stored state of an order
//   - GET /health: liveness of the API process
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/tims-exe/dex-order-engine/internal/domain/entity"
	"github.com/tims-exe/dex-order-engine/internal/ports/inbound"
)

// HandlerConfig holds configuration for the API handler.
type HandlerConfig struct {
	// AllowedOrigins for CORS and websocket upgrades. Empty allows all.
	AllowedOrigins []string

	// MaxBodyBytes caps request bodies and inbound websocket frames.
	MaxBodyBytes int64

	// FirstFrameTimeout bounds the wait for the submission frame on
	// /api/orders/stream.
	FirstFrameTimeout time.Duration

	// Websocket tunes the status stream connections.
	Websocket WebsocketConfig

	// Logger for the handler.
	Logger *slog.Logger
}

// HandlerConfigDefaults returns a config with default values.
func HandlerConfigDefaults() HandlerConfig {
	return HandlerConfig{
		MaxBodyBytes:      1 << 16,
		FirstFrameTimeout: 30 * time.Second,
		Websocket:         WebsocketConfigDefaults(),
		Logger:            slog.Default(),
	}
}

// Handler implements HTTP handlers for the API.
type Handler struct {
	intake   inbound.OrderIntake
	relay    inbound.StatusRelay
	config   HandlerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler.
func NewHandler(config HandlerConfig, intake inbound.OrderIntake, relay inbound.StatusRelay) (*Handler, error) {
	if intake == nil {
		return nil, fmt.Errorf("order intake is required")
	}
	if relay == nil {
		return nil, fmt.Errorf("status relay is required")
	}

	defaults := HandlerConfigDefaults()
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if config.FirstFrameTimeout <= 0 {
		config.FirstFrameTimeout = defaults.FirstFrameTimeout
	}
	config.Websocket = config.Websocket.withDefaults()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	h := &Handler{
		intake: intake,
		relay:  relay,
		config: config,
		logger: config.Logger.With("component", "http-api"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h, nil
}

// RegisterRoutes registers the HTTP routes with the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders/execute", h.SubmitOrder)
	mux.HandleFunc("GET /api/orders/execute/{id}", h.StreamOrder)
	mux.HandleFunc("GET /api/orders/stream", h.SubmitAndStream)
	mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
	mux.HandleFunc("GET /health", h.Health)
}

// Routes returns the API wrapped in the CORS middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedOrigins: h.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

// orderRequest accepts amount as a JSON number or string.
type orderRequest struct {
	TokenIn   string          `json:"tokenIn"`
	TokenOut  string          `json:"tokenOut"`
	Amount    json.RawMessage `json:"amount"`
	OrderType string          `json:"orderType"`
}

func (r orderRequest) toInbound() (inbound.OrderRequest, error) {
	amount, err := rawAmount(r.Amount)
	if err != nil {
		return inbound.OrderRequest{}, err
	}
	return inbound.OrderRequest{
		TokenIn:   r.TokenIn,
		TokenOut:  r.TokenOut,
		Amount:    amount,
		OrderType: r.OrderType,
	}, nil
}

func rawAmount(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", &entity.ValidationError{Field: "amount", Reason: "malformed string"}
		}
		return s, nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return "", &entity.ValidationError{Field: "amount", Reason: "not a number"}
	}
	return d.String(), nil
}

func decodeOrderRequest(data []byte) (inbound.OrderRequest, error) {
	var body orderRequest
	if err := json.Unmarshal(data, &body); err != nil {
		return inbound.OrderRequest{}, &entity.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	return body.toInbound()
}

type submitResponse struct {
	OrderID string `json:"orderId"`
}

// SubmitOrder handles POST /api/orders/execute.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		h.respondError(w, http.StatusBadRequest, "request body too large or unreadable")
		return
	}

	req, err := decodeOrderRequest(buf.Bytes())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	id, err := h.intake.Submit(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, submitResponse{OrderID: id})
}

type orderResponse struct {
	OrderID       string           `json:"orderId"`
	TokenIn       string           `json:"tokenIn"`
	TokenOut      string           `json:"tokenOut"`
	Amount        decimal.Decimal  `json:"amount"`
	OrderType     entity.OrderType `json:"orderType"`
	Status        string           `json:"status"`
	SelectedDex   string           `json:"selectedDex,omitempty"`
	TxHash        string           `json:"txHash,omitempty"`
	ExecutedPrice *decimal.Decimal `json:"executedPrice,omitempty"`
	ErrorMessage  string           `json:"errorMessage,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// GetOrder handles GET /api/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.intake.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, orderResponse{
		OrderID:       order.ID,
		TokenIn:       order.TokenIn,
		TokenOut:      order.TokenOut,
		Amount:        order.Amount,
		OrderType:     order.OrderType,
		Status:        string(order.Status),
		SelectedDex:   order.SelectedDex,
		TxHash:        order.TxHash,
		ExecutedPrice: order.ExecutedPrice,
		ErrorMessage:  order.ErrorMessage,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
	})
}

// StreamOrder handles GET /api/orders/execute/{id}.
func (h *Handler) StreamOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(ws, h.config.Websocket, h.config.MaxBodyBytes, h.logger)
	conn.start()

	if err := h.relay.Attach(r.Context(), conn, id); err != nil {
		h.logger.Error("status stream failed", "orderId", id, "error", err)
	}
}

// SubmitAndStream handles GET /api/orders/stream: the client's first frame is
// an order submission, after which the order's status is streamed back.
func (h *Handler) SubmitAndStream(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(ws, h.config.Websocket, h.config.MaxBodyBytes, h.logger)
	data, err := conn.readFirst(h.config.FirstFrameTimeout)
	if err != nil {
		h.logger.Debug("no submission frame received", "error", err)
		_ = conn.Close()
		return
	}
	conn.start()

	ctx := r.Context()
	req, err := decodeOrderRequest(data)
	var order *entity.Order
	if err == nil {
		order, err = h.intake.Prepare(req)
	}
	if err != nil {
		_ = conn.Send(entity.ErrorFrame{Error: err.Error()})
		_ = conn.Close()
		return
	}

	place := func(ctx context.Context) error { return h.intake.Place(ctx, order) }
	if err := h.relay.AttachNew(ctx, conn, order, place); err != nil {
		h.logger.Error("submit-then-stream failed", "orderId", order.ID, "error", err)
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var ve *entity.ValidationError
	switch {
	case errors.As(err, &ve):
		h.respondError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, entity.ErrOrderNotFound):
		h.respondError(w, http.StatusNotFound, "Order not found")
	default:
		h.logger.Error("request failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	respondJSON(w, h.logger, status, data)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
