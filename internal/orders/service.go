package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/pricing"
)

const metricsEntity = "order"

// Repository persists orders. UpdateStatus must be a single conditional write returning
// ErrStatusMismatch when the stored status differs from expected.
type Repository interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, orderID string) (*Order, error)
	UpdateStatus(ctx context.Context, orderID string, expected, next Status) (*Order, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Order, error)
}

// Notifier receives order events after the transition is committed. Implementations must not block
// for long and have no way to fail the caller.
type Notifier interface {
	NotifyOrder(ctx context.Context, event Event, order Order)
}

// TransitionRecorder counts committed transitions.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, entity, from, to string) error
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the notification port.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithRecorder sets the transition metrics recorder.
func WithRecorder(r TransitionRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.nowFunc = now }
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// Service implements the order lifecycle.
type Service struct {
	repo     Repository
	notifier Notifier
	recorder TransitionRecorder
	logger   *zap.Logger
	nowFunc  func() time.Time
	newID    func() string
	inflight singleflight.Group
}

// NewService wires an order lifecycle service over repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		logger:  zap.NewNop(),
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder prices the cart and persists a pending order owned by actor.
func (s *Service) CreateOrder(ctx context.Context, actor domain.Actor, cmd CreateOrderCommand) (Order, error) {
	if !actor.Authenticated() {
		return Order{}, fmt.Errorf("%w: checkout requires a signed-in user", domain.ErrUnauthorized)
	}
	total, err := pricing.Total(cmd.Cart)
	if err != nil {
		return Order{}, err
	}
	if strings.TrimSpace(cmd.ContactEmail) == "" {
		return Order{}, fmt.Errorf("%w: contact email is required", domain.ErrInvalidInput)
	}
	if err := cmd.Shipment.validate(); err != nil {
		return Order{}, err
	}

	id := strings.TrimSpace(cmd.OrderID)
	if id == "" {
		id = s.newID()
	}
	now := s.nowFunc().UTC()
	order := Order{
		ID:           id,
		OwnerID:      actor.ID,
		ContactEmail: strings.TrimSpace(cmd.ContactEmail),
		Shipment:     cmd.Shipment,
		Total:        total,
		Items:        append(pricing.Cart(nil), cmd.Cart...),
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, order); err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("owner_id", order.OwnerID),
		zap.String("total", order.Total.String()),
		zap.Int("items", len(order.Items)),
	)
	return order, nil
}

// Get returns an order visible to actor.
func (s *Service) Get(ctx context.Context, orderID string, actor domain.Actor) (Order, error) {
	o, err := s.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !actor.Owns(o.OwnerID) && !actor.Can(domain.CapOrdersView) {
		return Order{}, s.denied(actor, "view", orderID)
	}
	return o, nil
}

// ListMine returns the actor's own orders.
func (s *Service) ListMine(ctx context.Context, actor domain.Actor) ([]Order, error) {
	if !actor.Authenticated() {
		return nil, fmt.Errorf("%w: sign-in required", domain.ErrUnauthorized)
	}
	list, err := s.repo.ListByOwner(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return list, nil
}

// ConfirmPayment moves a pending order to paid. Repeated confirmations of a paid or shipped order
// succeed without notifying again; concurrent calls for one order in this process share one attempt.
func (s *Service) ConfirmPayment(ctx context.Context, orderID string, actor domain.Actor) (Order, error) {
	if !actor.Can(domain.CapPaymentsConfirm) {
		return Order{}, s.denied(actor, "confirm_payment", orderID)
	}
	// callers joining the attempt must not inherit the first caller's cancellation
	attemptCtx := context.WithoutCancel(ctx)
	v, err, shared := s.inflight.Do("confirm:"+orderID, func() (any, error) {
		return s.confirmPayment(attemptCtx, orderID)
	})
	if shared {
		s.logger.Debug("payment confirmation collapsed", zap.String("order_id", orderID))
	}
	if err != nil {
		return Order{}, err
	}
	return v.(Order), nil
}

func (s *Service) confirmPayment(ctx context.Context, orderID string) (Order, error) {
	o, err := s.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	switch o.Status {
	case StatusPaid, StatusShipped:
		s.logger.Info("payment already confirmed", zap.String("order_id", orderID), zap.String("status", o.Status.String()))
		return o, nil
	case StatusCancelled:
		return Order{}, s.illegal(orderID, o.Status, StatusPaid)
	}

	updated, err := s.repo.UpdateStatus(ctx, orderID, StatusPending, StatusPaid)
	if errors.Is(err, ErrStatusMismatch) {
		current, loadErr := s.load(ctx, orderID)
		if loadErr != nil {
			return Order{}, loadErr
		}
		if current.Status == StatusPaid || current.Status == StatusShipped {
			s.logger.Info("payment confirmed by concurrent caller", zap.String("order_id", orderID))
			return current, nil
		}
		return Order{}, s.illegal(orderID, current.Status, StatusPaid)
	}
	if err != nil {
		return Order{}, fmt.Errorf("confirm payment: %w", err)
	}

	s.committed(ctx, *updated, StatusPending, EventPaymentConfirmed)
	return *updated, nil
}

// MarkShipped moves a paid order to shipped. Requires fulfilment authority.
func (s *Service) MarkShipped(ctx context.Context, orderID string, actor domain.Actor) (Order, error) {
	if !actor.Can(domain.CapOrdersFulfill) {
		return Order{}, s.denied(actor, "mark_shipped", orderID)
	}
	o, err := s.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := shippable(o); err != nil {
		s.logger.Warn("ship rejected", zap.String("order_id", orderID), zap.String("status", o.Status.String()), zap.Error(err))
		return Order{}, err
	}

	updated, err := s.repo.UpdateStatus(ctx, orderID, StatusPaid, StatusShipped)
	if errors.Is(err, ErrStatusMismatch) {
		current, loadErr := s.load(ctx, orderID)
		if loadErr != nil {
			return Order{}, loadErr
		}
		if err := shippable(current); err != nil {
			return Order{}, err
		}
		return Order{}, s.illegal(orderID, current.Status, StatusShipped)
	}
	if err != nil {
		return Order{}, fmt.Errorf("mark shipped: %w", err)
	}

	s.committed(ctx, *updated, StatusPaid, EventShipped)
	return *updated, nil
}

func shippable(o Order) error {
	if o.Status == StatusShipped {
		return fmt.Errorf("%w: order %s", domain.ErrAlreadyShipped, o.ID)
	}
	return checkTransition(o.Status, StatusShipped)
}

// Cancel moves a pending order to cancelled. The owner or a caller holding orders.cancel may cancel.
func (s *Service) Cancel(ctx context.Context, orderID string, actor domain.Actor) (Order, error) {
	o, err := s.load(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !actor.Owns(o.OwnerID) && !actor.Can(domain.CapOrdersCancel) {
		return Order{}, s.denied(actor, "cancel", orderID)
	}
	if err := checkTransition(o.Status, StatusCancelled); err != nil {
		s.logger.Warn("cancel rejected", zap.String("order_id", orderID), zap.String("status", o.Status.String()))
		return Order{}, err
	}

	updated, err := s.repo.UpdateStatus(ctx, orderID, StatusPending, StatusCancelled)
	if errors.Is(err, ErrStatusMismatch) {
		current, loadErr := s.load(ctx, orderID)
		if loadErr != nil {
			return Order{}, loadErr
		}
		return Order{}, s.illegal(orderID, current.Status, StatusCancelled)
	}
	if err != nil {
		return Order{}, fmt.Errorf("cancel order: %w", err)
	}

	s.committed(ctx, *updated, StatusPending, "")
	return *updated, nil
}

func (s *Service) load(ctx context.Context, orderID string) (Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", domain.ErrInvalidInput)
	}
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return Order{}, fmt.Errorf("load order: %w", err)
	}
	if o == nil {
		return Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	return *o, nil
}

// committed runs the post-transition side effects. Neither can fail the transition.
func (s *Service) committed(ctx context.Context, o Order, from Status, event Event) {
	s.logger.Info("order status changed",
		zap.String("order_id", o.ID),
		zap.String("from", from.String()),
		zap.String("to", o.Status.String()),
	)
	if s.recorder != nil {
		if err := s.recorder.RecordTransition(ctx, metricsEntity, from.String(), o.Status.String()); err != nil {
			s.logger.Warn("record transition metric", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	if event != "" && s.notifier != nil {
		s.notifier.NotifyOrder(ctx, event, o)
	}
}

func (s *Service) illegal(orderID string, from, to Status) error {
	err := checkTransition(from, to)
	if err == nil {
		err = fmt.Errorf("%w: order %s -> %s", domain.ErrIllegalTransition, from, to)
	}
	s.logger.Warn("illegal order transition",
		zap.String("order_id", orderID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	return err
}

func (s *Service) denied(actor domain.Actor, action, orderID string) error {
	s.logger.Warn("order action denied",
		zap.String("order_id", orderID),
		zap.String("action", action),
		zap.String("actor", actor.ID),
	)
	return fmt.Errorf("%w: %s on order %s", domain.ErrUnauthorized, action, orderID)
}
