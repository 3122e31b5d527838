package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/domain"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/pricing"
	"github.com/imrishuroy/go-cardmarket-lifecycle/internal/testutil"
)

type recordedNotification struct {
	event Event
	order Order
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedNotification
}

func (n *recordingNotifier) NotifyOrder(ctx context.Context, event Event, order Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedNotification{event: event, order: order})
}

func (n *recordingNotifier) count(event Event) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.event == event {
			c++
		}
	}
	return c
}

type recordingRecorder struct {
	transitions []string
}

func (r *recordingRecorder) RecordTransition(ctx context.Context, entity, from, to string) error {
	r.transitions = append(r.transitions, entity+":"+from+"->"+to)
	return nil
}

var (
	customer = domain.Actor{ID: "user-1", Roles: []domain.Role{domain.RoleCustomer}}
	stranger = domain.Actor{ID: "user-9", Roles: []domain.Role{domain.RoleCustomer}}
	ops      = domain.Actor{ID: "staff-1", Roles: []domain.Role{domain.RoleOps}}
	gateway  = domain.GatewayActor
)

type fixture struct {
	dynamo   *testutil.MemoryDynamo
	svc      *Service
	notifier *recordingNotifier
	recorder *recordingRecorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dynamo := newTestDynamo()
	notifier := &recordingNotifier{}
	recorder := &recordingRecorder{}
	ids := 0
	svc := NewService(NewStore(dynamo, ordersTable),
		WithNotifier(notifier),
		WithRecorder(recorder),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string {
			ids++
			return "order-" + string(rune('0'+ids))
		}),
	)
	return fixture{dynamo: dynamo, svc: svc, notifier: notifier, recorder: recorder}
}

func checkoutCommand(cart pricing.Cart) CreateOrderCommand {
	return CreateOrderCommand{
		ContactEmail: "ash@example.com",
		Shipment: Shipment{
			RecipientName: "Ash Ketchum",
			Street:        "1 Route 1",
			City:          "Pallet Town",
			PostalCode:    "00001",
			Country:       "JP",
		},
		Cart: cart,
	}
}

func line(price string, qty int64) pricing.LineItem {
	return pricing.LineItem{Title: "card", UnitPrice: decimal.RequireFromString(price), Quantity: qty}
}

func (f fixture) pendingOrder(t *testing.T) Order {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), customer, checkoutCommand(pricing.Cart{line("35", 2), line("10", 1)}))
	require.NoError(t, err)
	return o
}

func TestCreateOrder_TotalsCartAndStartsPending(t *testing.T) {
	f := newFixture(t)

	o := f.pendingOrder(t)
	require.Equal(t, StatusPending, o.Status)
	require.True(t, o.Total.Equal(decimal.NewFromInt(80)), "total %s", o.Total)
	require.Equal(t, "user-1", o.OwnerID)

	stored, err := f.svc.Get(context.Background(), o.ID, customer)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.True(t, stored.Total.Equal(o.Total))
}

func TestCreateOrder_UsesPreassignedID(t *testing.T) {
	f := newFixture(t)

	cmd := checkoutCommand(pricing.Cart{line("5", 1)})
	cmd.OrderID = "order-fixed"
	o, err := f.svc.CreateOrder(context.Background(), customer, cmd)
	require.NoError(t, err)
	require.Equal(t, "order-fixed", o.ID)
}

func TestCreateOrder_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, customer, checkoutCommand(pricing.Cart{}))
	require.ErrorIs(t, err, domain.ErrInvalidCart)

	_, err = f.svc.CreateOrder(ctx, customer, checkoutCommand(pricing.Cart{line("0", 1)}))
	require.ErrorIs(t, err, domain.ErrInvalidCart)

	_, err = f.svc.CreateOrder(ctx, customer, checkoutCommand(pricing.Cart{line("5", 0)}))
	require.ErrorIs(t, err, domain.ErrInvalidCart)

	cmd := checkoutCommand(pricing.Cart{line("5", 1)})
	cmd.Shipment.City = ""
	_, err = f.svc.CreateOrder(ctx, customer, cmd)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.CreateOrder(ctx, domain.Actor{}, checkoutCommand(pricing.Cart{line("5", 1)}))
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	require.Equal(t, 0, f.dynamo.Calls("PutItem"), "nothing persisted for rejected carts")
}

func TestConfirmPayment_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	first, err := f.svc.ConfirmPayment(ctx, o.ID, gateway)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, first.Status)

	second, err := f.svc.ConfirmPayment(ctx, o.ID, gateway)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, second.Status)

	require.Equal(t, 1, f.notifier.count(EventPaymentConfirmed))
	require.Equal(t, []string{"order:pending->paid"}, f.recorder.transitions)
}

func TestConfirmPayment_AfterShippedSucceedsSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	_, err := f.svc.ConfirmPayment(ctx, o.ID, gateway)
	require.NoError(t, err)
	_, err = f.svc.MarkShipped(ctx, o.ID, ops)
	require.NoError(t, err)

	again, err := f.svc.ConfirmPayment(ctx, o.ID, gateway)
	require.NoError(t, err)
	require.Equal(t, StatusShipped, again.Status)
	require.Equal(t, 1, f.notifier.count(EventPaymentConfirmed))
}

func TestConfirmPayment_CancelledIsIllegal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	_, err := f.svc.Cancel(ctx, o.ID, customer)
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, o.ID, gateway)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
	require.Equal(t, 0, f.notifier.count(EventPaymentConfirmed))
}

func TestConfirmPayment_RequiresAuthority(t *testing.T) {
	f := newFixture(t)
	o := f.pendingOrder(t)

	_, err := f.svc.ConfirmPayment(context.Background(), o.ID, customer)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestConfirmPayment_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConfirmPayment(context.Background(), "order-missing", gateway)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConfirmPayment_LosesRaceWithoutSecondNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	// A competing confirmation commits between our read and our conditional write.
	raced := false
	f.dynamo.BeforeUpdate = func(in *dyn.UpdateItemInput) {
		if raced {
			return
		}
		raced = true
		f.dynamo.Seed(ordersTable, withStatus(f.dynamo.Item(ordersTable, o.ID), StatusPaid))
	}

	got, err := f.svc.ConfirmPayment(ctx, o.ID, gateway)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	require.Equal(t, 0, f.notifier.count(EventPaymentConfirmed), "the winner notifies, not us")
}

func TestConfirmPayment_ConcurrentCallsNotifyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.ConfirmPayment(ctx, o.ID, gateway)
			assert.NoError(t, err)
			assert.Equal(t, StatusPaid, got.Status)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, f.notifier.count(EventPaymentConfirmed))
}

// contextRepo reports the caller's cancellation the way the DynamoDB client does.
type contextRepo struct {
	Repository
}

func (r contextRepo) UpdateStatus(ctx context.Context, orderID string, expected, next Status) (*Order, error) {
	o, err := r.Repository.UpdateStatus(ctx, orderID, expected, next)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return o, err
}

func TestConfirmPayment_SharedAttemptSurvivesCallerCancellation(t *testing.T) {
	dynamo := newTestDynamo()
	notifier := &recordingNotifier{}
	svc := NewService(contextRepo{NewStore(dynamo, ordersTable)}, WithNotifier(notifier))
	o, err := svc.CreateOrder(context.Background(), customer, checkoutCommand(pricing.Cart{line("35", 2)}))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	dynamo.BeforeUpdate = func(*dyn.UpdateItemInput) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	first, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var firstErr, secondErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, firstErr = svc.ConfirmPayment(first, o.ID, gateway)
	}()
	<-entered
	go func() {
		defer wg.Done()
		_, secondErr = svc.ConfirmPayment(context.Background(), o.ID, gateway)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)
	wg.Wait()

	require.NoError(t, secondErr)
	require.NoError(t, firstErr)
	require.Equal(t, 1, notifier.count(EventPaymentConfirmed))
	stored, err := svc.Get(context.Background(), o.ID, customer)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, stored.Status)
}

func TestMarkShipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	_, err := f.svc.MarkShipped(ctx, o.ID, ops)
	require.ErrorIs(t, err, domain.ErrIllegalTransition, "pending orders cannot skip paid")

	_, err = f.svc.ConfirmPayment(ctx, o.ID, gateway)
	require.NoError(t, err)

	_, err = f.svc.MarkShipped(ctx, o.ID, customer)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	shipped, err := f.svc.MarkShipped(ctx, o.ID, ops)
	require.NoError(t, err)
	require.Equal(t, StatusShipped, shipped.Status)
	require.Equal(t, 1, f.notifier.count(EventShipped))

	_, err = f.svc.MarkShipped(ctx, o.ID, ops)
	require.ErrorIs(t, err, domain.ErrAlreadyShipped)
	require.Equal(t, 1, f.notifier.count(EventShipped))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.pendingOrder(t)
	_, err := f.svc.Cancel(ctx, o.ID, stranger)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	cancelled, err := f.svc.Cancel(ctx, o.ID, customer)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, o.ID, customer)
	require.ErrorIs(t, err, domain.ErrIllegalTransition, "cancelled is terminal")

	paid := f.pendingOrder(t)
	_, err = f.svc.ConfirmPayment(ctx, paid.ID, gateway)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, paid.ID, gateway)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestCancel_ShippedOrderIsIllegal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	_, err := f.svc.ConfirmPayment(ctx, o.ID, gateway)
	require.NoError(t, err)
	_, err = f.svc.MarkShipped(ctx, o.ID, ops)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, o.ID, customer)
	require.ErrorIs(t, err, domain.ErrIllegalTransition)

	stored, err := f.svc.Get(ctx, o.ID, ops)
	require.NoError(t, err)
	require.Equal(t, StatusShipped, stored.Status)
}

func TestGet_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.pendingOrder(t)

	_, err := f.svc.Get(ctx, o.ID, stranger)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.Get(ctx, o.ID, ops)
	require.NoError(t, err)

	mine, err := f.svc.ListMine(ctx, customer)
	require.NoError(t, err)
	require.Len(t, mine, 1)
}

func withStatus(item map[string]types.AttributeValue, s Status) map[string]types.AttributeValue {
	item["status"] = &types.AttributeValueMemberS{Value: string(s)}
	return item
}
