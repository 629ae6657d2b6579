package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"appointment-service/internal/audit"
	"appointment-service/internal/gateway"
	"appointment-service/internal/identity"
	"appointment-service/internal/models"
	"appointment-service/internal/store"
	"appointment-service/internal/store/memstore"

	"github.com/stretchr/testify/require"
)

const (
	testKeySecret     = "key_secret"
	testWebhookSecret = "webhook_secret"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProcessor struct {
	mu          sync.Mutex
	orders      int
	refunds     []string
	failOrders  bool
	failRefunds bool
}

func (f *fakeProcessor) CreateOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOrders {
		return nil, fmt.Errorf("%w: connection refused", gateway.ErrGatewayUnavailable)
	}
	f.orders++
	return &gateway.Order{ID: fmt.Sprintf("order_%d", f.orders), Status: "created"}, nil
}

func (f *fakeProcessor) Refund(ctx context.Context, paymentID string, amountMinor int64, notes map[string]string) (*gateway.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRefunds {
		return nil, fmt.Errorf("%w: timeout", gateway.ErrGatewayUnavailable)
	}
	id := fmt.Sprintf("rfnd_%d", len(f.refunds)+1)
	f.refunds = append(f.refunds, paymentID)
	return &gateway.Refund{ID: id, AmountMinor: amountMinor}, nil
}

func (f *fakeProcessor) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refunds)
}

type recordingSink struct {
	mu     sync.Mutex
	events []*models.DomainEvent
}

func (r *recordingSink) Emit(ctx context.Context, e *models.DomainEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func (r *recordingSink) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAuditor) Record(ctx context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingAuditor) withSeverity(severity string) []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Entry
	for _, e := range r.entries {
		if e.Severity == severity {
			out = append(out, e)
		}
	}
	return out
}

type memCache struct {
	mu  sync.Mutex
	m   map[string]string
	ttl map[string]time.Duration
}

func (c *memCache) GetIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok, nil
}

func (c *memCache) SetIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *memCache) ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m["event:"+eventID]; ok {
		return false, nil
	}
	c.m["event:"+eventID] = "1"
	c.ttl["event:"+eventID] = ttl
	return true, nil
}

func (c *memCache) ConfirmEvent(ctx context.Context, eventID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m["event:"+eventID] = "1"
	c.ttl["event:"+eventID] = ttl
	return nil
}

// ForgetEvent fails on a done context the way a network client would
func (c *memCache) ForgetEvent(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, "event:"+eventID)
	delete(c.ttl, "event:"+eventID)
	return nil
}

func (c *memCache) eventTTL(eventID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl["event:"+eventID]
}

type fixture struct {
	t          *testing.T
	ctx        context.Context
	clock      *testClock
	st         *memstore.Store
	policy     Policy
	proc       *fakeProcessor
	sink       *recordingSink
	auditor    *recordingAuditor
	cache      *memCache
	signer     *gateway.Signer
	slots      *SlotService
	wallet     *WalletService
	booking    *BookingService
	settlement *SettlementService
	doctor     *models.Doctor
	patient    *models.Patient
}

// fixtureNow is a Saturday; 2025-06-01 is the following day.
var fixtureNow = time.Date(2025, 5, 31, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		clock:   &testClock{now: fixtureNow},
		proc:    &fakeProcessor{},
		sink:    &recordingSink{},
		auditor: &recordingAuditor{},
		cache:   &memCache{m: map[string]string{}, ttl: map[string]time.Duration{}},
		signer:  gateway.NewSigner(testKeySecret, testWebhookSecret),
	}
	f.st = memstore.New(memstore.WithClock(f.clock.Now))
	f.policy = DefaultPolicy()
	f.policy.Now = f.clock.Now

	f.slots = NewSlotService(f.st, f.policy)
	f.wallet = NewWalletService(f.st, f.policy, f.sink, f.auditor)
	f.booking = NewBookingService(BookingDeps{
		Store:       f.st,
		Slots:       f.slots,
		Wallet:      f.wallet,
		Processor:   f.proc,
		Events:      f.sink,
		Audit:       f.auditor,
		Idempotency: f.cache,
	}, f.policy)
	f.settlement = NewSettlementService(SettlementDeps{
		Store:     f.st,
		Slots:     f.slots,
		Wallet:    f.wallet,
		Processor: f.proc,
		Signer:    f.signer,
		Events:    f.sink,
		Audit:     f.auditor,
		Dedup:     f.cache,
	}, f.policy)

	f.doctor = f.addDoctor(1000)
	f.patient = f.addPatient()
	return f
}

func (f *fixture) addDoctor(fee int64) *models.Doctor {
	d := &models.Doctor{Name: "Dr. Rao", Specialization: "General", ConsultationFee: fee, IsAvailable: true}
	require.NoError(f.t, f.st.CreateDoctor(f.ctx, d))
	return d
}

func (f *fixture) addPatient() *models.Patient {
	p := &models.Patient{Name: "Asha", Phone: "9999999999"}
	require.NoError(f.t, f.st.CreatePatient(f.ctx, p))
	return p
}

// addSlot creates a 30 minute slot starting at start
func (f *fixture) addSlot(doctorID int64, start time.Time) *models.Slot {
	slot := &models.Slot{
		DoctorID: doctorID,
		SlotDate: store.CivilDate(start),
		StartAt:  start,
		EndAt:    start.Add(30 * time.Minute),
	}
	err := f.st.WithTx(f.ctx, func(tx store.Tx) error {
		ok, err := tx.InsertSlot(f.ctx, slot)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("slot at %s already exists", start)
		}
		return nil
	})
	require.NoError(f.t, err)
	return slot
}

func (f *fixture) slotIn(d time.Duration) *models.Slot {
	return f.addSlot(f.doctor.ID, f.clock.Now().Add(d))
}

func (f *fixture) bookReq(patientID int64, slot *models.Slot, method string) *BookingRequest {
	return &BookingRequest{
		PatientID:     patientID,
		DoctorID:      slot.DoctorID,
		SlotID:        slot.ID,
		Date:          slot.SlotDate.Format(store.DateLayout),
		PaymentMethod: method,
	}
}

func (f *fixture) book(slot *models.Slot, method string) *BookingResult {
	f.t.Helper()
	res, err := f.booking.Book(f.ctx, f.bookReq(f.patient.ID, slot, method))
	require.NoError(f.t, err)
	return res
}

// bookAndPay books an advance appointment and settles it through the client callback
func (f *fixture) bookAndPay(slot *models.Slot) *BookingResult {
	f.t.Helper()
	res := f.book(slot, models.PaymentMethodAdvance)
	_, err := f.settlement.VerifyAndSettle(f.ctx, f.settleReq(res.PaymentOrder.OrderID, "pay_"+res.Appointment.ID))
	require.NoError(f.t, err)
	return res
}

func (f *fixture) settleReq(orderID, paymentID string) *SettleRequest {
	return &SettleRequest{
		OrderID:   orderID,
		PaymentID: paymentID,
		Signature: f.signer.PaymentSignature(orderID, paymentID),
	}
}

func (f *fixture) webhook(event, orderID, paymentID string) []byte {
	return []byte(fmt.Sprintf(`{"event":%q,"payload":{"payment":{"entity":{"id":%q,"order_id":%q,"status":"captured"}}}}`,
		event, paymentID, orderID))
}

func (f *fixture) patientPrincipal() identity.Principal {
	return identity.Principal{UserID: f.patient.ID, Role: models.RolePatient}
}

func (f *fixture) appointment(id string) *models.Appointment {
	a, err := f.st.GetAppointment(f.ctx, id)
	require.NoError(f.t, err)
	return a
}

func (f *fixture) payment(appointmentID string) *models.Payment {
	p, err := f.st.GetPaymentByAppointmentID(f.ctx, appointmentID)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) slot(id int64) *models.Slot {
	s, err := f.st.GetSlot(f.ctx, id)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) walletOf(doctorID int64) *models.Wallet {
	w, err := f.st.GetWalletByDoctorID(f.ctx, doctorID)
	require.NoError(f.t, err)
	return w
}
