package offers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
)

const metricsEntity = "offer"

// Repository persists offers. Conditional writes return ErrStatusMismatch when their guard fails.
type Repository interface {
	Create(ctx context.Context, offer Offer) error
	Get(ctx context.Context, offerID string) (*Offer, error)
	UpdateContent(ctx context.Context, offerID, ownerID string, c Content) (*Offer, error)
	UpdateStatus(ctx context.Context, offerID string, expected, next Status, opts ...StatusOption) (*Offer, error)
	Delete(ctx context.Context, offerID string) (*Offer, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Offer, error)
	ListByStatus(ctx context.Context, status Status) ([]Offer, error)
}

// TransitionRecorder counts committed transitions.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, entity, from, to string) error
}

// Option configures a Service.
type Option func(*Service)

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

// WithIDGenerator overrides offer id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// Service implements the resale offer lifecycle.
type Service struct {
	repo     Repository
	recorder TransitionRecorder
	logger   *zap.Logger
	policy   *bluemonday.Policy
	nowFunc  func() time.Time
	newID    func() string
}

// NewService wires an offer lifecycle service over repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		logger:  zap.NewNop(),
		policy:  bluemonday.StrictPolicy(),
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOffer validates the submission and stores it as waiting, owned by actor.
func (s *Service) CreateOffer(ctx context.Context, actor domain.Actor, cmd CreateOfferCommand) (Offer, error) {
	if !actor.Authenticated() {
		return Offer{}, fmt.Errorf("%w: sign-in required to submit an offer", domain.ErrUnauthorized)
	}
	content, err := s.clean(cmd)
	if err != nil {
		return Offer{}, err
	}

	now := s.nowFunc().UTC()
	offer := Offer{
		ID:          s.newID(),
		OwnerID:     actor.ID,
		Title:       content.Title,
		Description: content.Description,
		Price:       content.Price,
		Images:      content.Images,
		Status:      StatusWaiting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Create(ctx, offer); err != nil {
		return Offer{}, fmt.Errorf("create offer: %w", err)
	}

	s.logger.Info("offer created",
		zap.String("offer_id", offer.ID),
		zap.String("owner_id", offer.OwnerID),
		zap.String("price", offer.Price.String()),
		zap.Int("images", len(offer.Images)),
	)
	return offer, nil
}

// UpdateOffer applies an owner edit. Only the owner may edit, and only while the offer is waiting.
func (s *Service) UpdateOffer(ctx context.Context, offerID string, actor domain.Actor, update OfferUpdate) (Offer, error) {
	o, err := s.load(ctx, offerID)
	if err != nil {
		return Offer{}, err
	}
	if !actor.Owns(o.OwnerID) {
		return Offer{}, s.denied(actor, "update", offerID)
	}
	if !Editable(o.Status) {
		return Offer{}, s.frozen(offerID, o.Status)
	}
	content, err := s.clean(update.apply(o))
	if err != nil {
		return Offer{}, err
	}

	updated, err := s.repo.UpdateContent(ctx, offerID, actor.ID, content)
	if errors.Is(err, ErrStatusMismatch) {
		current, loadErr := s.load(ctx, offerID)
		if loadErr != nil {
			return Offer{}, loadErr
		}
		if !actor.Owns(current.OwnerID) {
			return Offer{}, s.denied(actor, "update", offerID)
		}
		return Offer{}, s.frozen(offerID, current.Status)
	}
	if err != nil {
		return Offer{}, fmt.Errorf("update offer: %w", err)
	}

	s.logger.Info("offer updated", zap.String("offer_id", offerID), zap.String("price", updated.Price.String()))
	return *updated, nil
}

// Decide records an operator review of a waiting offer: accept moves it to expedition, deny ends it.
func (s *Service) Decide(ctx context.Context, offerID string, actor domain.Actor, decision Decision) (Offer, error) {
	if !actor.Can(domain.CapOffersReview) {
		return Offer{}, s.denied(actor, "decide", offerID)
	}
	d, err := ParseDecision(string(decision))
	if err != nil {
		return Offer{}, err
	}
	target, err := d.target()
	if err != nil {
		return Offer{}, err
	}
	return s.transition(ctx, offerID, StatusWaiting, target)
}

// ConfirmShipment is the owner declaring the cards were posted. Legal only from expedition.
func (s *Service) ConfirmShipment(ctx context.Context, offerID string, actor domain.Actor, trackingNumber string) (Offer, error) {
	o, err := s.load(ctx, offerID)
	if err != nil {
		return Offer{}, err
	}
	if !actor.Owns(o.OwnerID) {
		return Offer{}, s.denied(actor, "confirm_shipment", offerID)
	}
	if err := checkTransition(o.Status, StatusSended); err != nil {
		return Offer{}, s.illegal(offerID, o.Status, StatusSended)
	}
	return s.transition(ctx, offerID, StatusExpedition, StatusSended, WithTrackingNumber(strings.TrimSpace(trackingNumber)))
}

// ConfirmPayout is the operator confirming receipt and payment of a sended offer.
func (s *Service) ConfirmPayout(ctx context.Context, offerID string, actor domain.Actor) (Offer, error) {
	if !actor.Can(domain.CapOffersPayout) {
		return Offer{}, s.denied(actor, "confirm_payout", offerID)
	}
	return s.transition(ctx, offerID, StatusSended, StatusPaid)
}

// DeleteOffer hard-deletes the offer in any status. The removed record is written to the audit log.
func (s *Service) DeleteOffer(ctx context.Context, offerID string, actor domain.Actor) (Offer, error) {
	if !actor.Can(domain.CapOffersDelete) {
		return Offer{}, s.denied(actor, "delete", offerID)
	}
	if strings.TrimSpace(offerID) == "" {
		return Offer{}, fmt.Errorf("%w: offer id is required", domain.ErrInvalidInput)
	}
	removed, err := s.repo.Delete(ctx, offerID)
	if err != nil {
		return Offer{}, fmt.Errorf("delete offer: %w", err)
	}
	if removed == nil {
		return Offer{}, fmt.Errorf("%w: offer %s", domain.ErrNotFound, offerID)
	}

	fields := []zap.Field{
		zap.String("offer_id", removed.ID),
		zap.String("owner_id", removed.OwnerID),
		zap.String("status", removed.Status.String()),
		zap.String("price", removed.Price.String()),
		zap.String("tracking_number", removed.TrackingNumber),
		zap.String("actor", actor.ID),
	}
	if IsTerminal(removed.Status) {
		s.logger.Warn("terminal offer deleted", fields...)
	} else {
		s.logger.Info("offer deleted", fields...)
	}
	return *removed, nil
}

// Get returns an offer visible to actor.
func (s *Service) Get(ctx context.Context, offerID string, actor domain.Actor) (Offer, error) {
	o, err := s.load(ctx, offerID)
	if err != nil {
		return Offer{}, err
	}
	if !actor.Owns(o.OwnerID) && !actor.Can(domain.CapOffersView) {
		return Offer{}, s.denied(actor, "view", offerID)
	}
	return o, nil
}

// ListMine returns the actor's own offers.
func (s *Service) ListMine(ctx context.Context, actor domain.Actor) ([]Offer, error) {
	if !actor.Authenticated() {
		return nil, fmt.Errorf("%w: sign-in required", domain.ErrUnauthorized)
	}
	list, err := s.repo.ListByOwner(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return list, nil
}

// ListByStatus is the back-office review queue.
func (s *Service) ListByStatus(ctx context.Context, actor domain.Actor, status Status) ([]Offer, error) {
	if !actor.Can(domain.CapOffersView) {
		return nil, s.denied(actor, "list", "*")
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	list, err := s.repo.ListByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return list, nil
}

// transition performs a guarded from -> to write and classifies a lost race by re-reading.
func (s *Service) transition(ctx context.Context, offerID string, from, to Status, opts ...StatusOption) (Offer, error) {
	o, err := s.load(ctx, offerID)
	if err != nil {
		return Offer{}, err
	}
	if o.Status != from {
		return Offer{}, s.illegal(offerID, o.Status, to)
	}

	updated, err := s.repo.UpdateStatus(ctx, offerID, from, to, opts...)
	if errors.Is(err, ErrStatusMismatch) {
		current, loadErr := s.load(ctx, offerID)
		if loadErr != nil {
			return Offer{}, loadErr
		}
		return Offer{}, s.illegal(offerID, current.Status, to)
	}
	if err != nil {
		return Offer{}, fmt.Errorf("update offer status: %w", err)
	}

	s.logger.Info("offer status changed",
		zap.String("offer_id", offerID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if s.recorder != nil {
		if err := s.recorder.RecordTransition(ctx, metricsEntity, from.String(), to.String()); err != nil {
			s.logger.Warn("record transition metric", zap.String("offer_id", offerID), zap.Error(err))
		}
	}
	return *updated, nil
}

// clean trims the content, strips markup from the description and enforces the submission rules.
func (s *Service) clean(c Content) (Content, error) {
	out := Content{
		Title:       strings.TrimSpace(c.Title),
		Description: strings.TrimSpace(s.policy.Sanitize(c.Description)),
		Price:       c.Price,
	}
	for _, img := range c.Images {
		if img = strings.TrimSpace(img); img != "" {
			out.Images = append(out.Images, img)
		}
	}
	if !out.Price.IsPositive() {
		return Content{}, fmt.Errorf("%w: offer price must be positive, got %s", domain.ErrInvalidAmount, out.Price)
	}
	if !out.Price.Equal(out.Price.Round(2)) {
		return Content{}, fmt.Errorf("%w: offer price has more than two decimals, got %s", domain.ErrInvalidAmount, out.Price)
	}
	if out.Title == "" {
		return Content{}, fmt.Errorf("%w: title is required", domain.ErrInvalidOffer)
	}
	if len(out.Images) == 0 {
		return Content{}, fmt.Errorf("%w: at least one image is required", domain.ErrInvalidOffer)
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, offerID string) (Offer, error) {
	if strings.TrimSpace(offerID) == "" {
		return Offer{}, fmt.Errorf("%w: offer id is required", domain.ErrInvalidInput)
	}
	o, err := s.repo.Get(ctx, offerID)
	if err != nil {
		return Offer{}, fmt.Errorf("load offer: %w", err)
	}
	if o == nil {
		return Offer{}, fmt.Errorf("%w: offer %s", domain.ErrNotFound, offerID)
	}
	return *o, nil
}

func (s *Service) frozen(offerID string, status Status) error {
	s.logger.Warn("offer edit rejected", zap.String("offer_id", offerID), zap.String("status", status.String()))
	return fmt.Errorf("%w: offer %s is %s and can no longer be edited", domain.ErrIllegalTransition, offerID, status)
}

func (s *Service) illegal(offerID string, from, to Status) error {
	s.logger.Warn("illegal offer transition",
		zap.String("offer_id", offerID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	return fmt.Errorf("%w: offer %s -> %s", domain.ErrIllegalTransition, from, to)
}

func (s *Service) denied(actor domain.Actor, action, offerID string) error {
	s.logger.Warn("offer action denied",
		zap.String("offer_id", offerID),
		zap.String("action", action),
		zap.String("actor", actor.ID),
	)
	return fmt.Errorf("%w: %s on offer %s", domain.ErrUnauthorized, action, offerID)
}
