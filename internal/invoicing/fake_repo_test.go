package invoicing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-billing/internal/audit"
	"github.com/odyssey-erp/odyssey-billing/internal/ledger"
	"github.com/odyssey-erp/odyssey-billing/internal/numbering"
)

// memState is the whole fake database.
type memState struct {
	invoices   map[int64]Invoice
	tenants    map[int64]string
	clients    map[int64]int64 // client id -> tenant id
	configs    map[int64]numbering.Config
	counters   map[string]int64
	heads      map[int64]ledger.Head
	entries    []ledger.Entry
	deliveries map[int64]DeliveryLog
	seq        int64
}

func (s *memState) next() int64 {
	s.seq++
	return s.seq
}

// fakeRepo mirrors the row locks the store takes: a transaction holds the
// invoice, ledger head, numbering config and counter rows it touched until it
// ends. mu only guards the maps.
type fakeRepo struct {
	mu    sync.Mutex
	rows  map[string]*sync.Mutex
	state *memState
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[string]*sync.Mutex{}, state: &memState{
		invoices:   map[int64]Invoice{},
		tenants:    map[int64]string{},
		clients:    map[int64]int64{},
		configs:    map[int64]numbering.Config{},
		counters:   map[string]int64{},
		heads:      map[int64]ledger.Head{},
		deliveries: map[int64]DeliveryLog{},
	}}
}

func (r *fakeRepo) addTenant(tenantID int64, taxID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.tenants[tenantID] = taxID
}

func (r *fakeRepo) addClient(tenantID, clientID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.clients[clientID] = tenantID
}

func (r *fakeRepo) tamper(fn func(s *memState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
}

func (r *fakeRepo) invoice(id int64) Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv := r.state.invoices[id]
	inv.Lines = append([]Line(nil), inv.Lines...)
	return inv
}

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.invoices)
}

func (r *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &fakeTx{r: r, held: map[string]*sync.Mutex{}}
	err := fn(ctx, tx)
	tx.finish(err != nil)
	return err
}

func (r *fakeRepo) rowLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[key]
	if !ok {
		m = &sync.Mutex{}
		r.rows[key] = m
	}
	return m
}

func (r *fakeRepo) Get(ctx context.Context, tenantID, id int64) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.state.invoices[id]
	if !ok || inv.TenantID != tenantID {
		return nil, ErrNotFound
	}
	inv.Lines = append([]Line(nil), inv.Lines...)
	return &inv, nil
}

func (r *fakeRepo) List(ctx context.Context, filter ListFilter) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for _, inv := range r.state.invoices {
		if inv.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != nil && inv.Status != *filter.Status {
			continue
		}
		if filter.From != nil && inv.IssueDate.Before(*filter.From) {
			continue
		}
		if filter.To != nil && inv.IssueDate.After(*filter.To) {
			continue
		}
		inv.Lines = nil
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *fakeRepo) ClientExists(ctx context.Context, tenantID, clientID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.state.clients[clientID]
	return ok && owner == tenantID, nil
}

func (r *fakeRepo) Parties(ctx context.Context, tenantID, clientID int64) (Parties, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Parties{
		IssuerName:  fmt.Sprintf("Tenant %d", tenantID),
		IssuerTaxID: r.state.tenants[tenantID],
		ClientName:  fmt.Sprintf("Client %d", clientID),
		ClientTaxID: "A00000000",
	}, nil
}

func (r *fakeRepo) NumberingConfig(ctx context.Context, tenantID int64) (numbering.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg, ok := r.state.configs[tenantID]; ok {
		return cfg, nil
	}
	return numbering.DefaultConfig(tenantID), nil
}

func (r *fakeRepo) LedgerSnapshot(ctx context.Context, tenantID int64) (ledger.Head, []ledger.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	taxID, ok := r.state.tenants[tenantID]
	if !ok {
		return ledger.Head{}, nil, ErrNotFound
	}
	head, ok := r.state.heads[tenantID]
	if !ok {
		head = ledger.Head{TenantID: tenantID}
	}
	head.IssuerTaxID = taxID
	var entries []ledger.Entry
	for _, e := range r.state.entries {
		if e.TenantID == tenantID {
			entries = append(entries, e)
		}
	}
	return head, entries, nil
}

func (r *fakeRepo) LedgerTenants(ctx context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, h := range r.state.heads {
		if !h.Halted() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *fakeRepo) HaltLedger(ctx context.Context, tenantID int64, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	head := r.state.heads[tenantID]
	head.TenantID = tenantID
	if head.HaltedAt == nil {
		head.HaltedAt = &at
		head.HaltReason = reason
	}
	r.state.heads[tenantID] = head
	return nil
}

func (r *fakeRepo) ResumeLedger(ctx context.Context, tenantID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	head, ok := r.state.heads[tenantID]
	if !ok {
		return nil
	}
	head.HaltedAt = nil
	head.HaltReason = ""
	r.state.heads[tenantID] = head
	return nil
}

func (r *fakeRepo) SetArchivePath(ctx context.Context, tenantID, id int64, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.state.invoices[id]
	if !ok || inv.TenantID != tenantID {
		return ErrNotFound
	}
	inv.ArchivePath = &path
	r.state.invoices[id] = inv
	return nil
}

func (r *fakeRepo) InsertDeliveryLog(ctx context.Context, log DeliveryLog) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.ID = r.state.next()
	r.state.deliveries[log.ID] = log
	return log.ID, nil
}

func (r *fakeRepo) GetDeliveryLog(ctx context.Context, tenantID, id int64) (*DeliveryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log, ok := r.state.deliveries[id]
	if !ok || log.TenantID != tenantID {
		return nil, ErrDeliveryNotFound
	}
	return &log, nil
}

func (r *fakeRepo) UpdateDeliveryLog(ctx context.Context, id int64, status DeliveryStatus, messageID, errMsg string, sentAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.state.deliveries[id]
	log.Status = status
	log.MessageID = messageID
	log.Error = errMsg
	log.SentAt = sentAt
	r.state.deliveries[id] = log
	return nil
}

// fakeTx writes to the live state and keeps an undo log for rollback.
type fakeTx struct {
	r    *fakeRepo
	held map[string]*sync.Mutex
	undo []func(s *memState)
}

func (t *fakeTx) lock() func() {
	t.r.mu.Lock()
	return t.r.mu.Unlock
}

// acquire takes a row lock until the transaction ends. It must not be called
// while holding r.mu.
func (t *fakeTx) acquire(key string) {
	if _, ok := t.held[key]; ok {
		return
	}
	m := t.r.rowLock(key)
	m.Lock()
	t.held[key] = m
}

func (t *fakeTx) finish(rollback bool) {
	if rollback {
		t.r.mu.Lock()
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i](t.r.state)
		}
		t.r.mu.Unlock()
	}
	for _, m := range t.held {
		m.Unlock()
	}
	t.held = nil
}

// The keep helpers run under r.mu before a write.
func (t *fakeTx) keepInvoice(id int64) {
	prev, existed := t.r.state.invoices[id]
	prev.Lines = append([]Line(nil), prev.Lines...)
	t.undo = append(t.undo, func(s *memState) {
		if existed {
			s.invoices[id] = prev
		} else {
			delete(s.invoices, id)
		}
	})
}

func (t *fakeTx) keepConfig(tenantID int64) {
	prev, existed := t.r.state.configs[tenantID]
	t.undo = append(t.undo, func(s *memState) {
		if existed {
			s.configs[tenantID] = prev
		} else {
			delete(s.configs, tenantID)
		}
	})
}

func (t *fakeTx) keepCounter(key string) {
	prev, existed := t.r.state.counters[key]
	t.undo = append(t.undo, func(s *memState) {
		if existed {
			s.counters[key] = prev
		} else {
			delete(s.counters, key)
		}
	})
}

func (t *fakeTx) keepHead(tenantID int64) {
	prev, existed := t.r.state.heads[tenantID]
	t.undo = append(t.undo, func(s *memState) {
		if existed {
			s.heads[tenantID] = prev
		} else {
			delete(s.heads, tenantID)
		}
	})
}

func (t *fakeTx) LockInvoice(ctx context.Context, tenantID, id int64) (*Invoice, error) {
	t.acquire(fmt.Sprintf("invoice|%d", id))
	defer t.lock()()
	inv, ok := t.r.state.invoices[id]
	if !ok || inv.TenantID != tenantID {
		return nil, ErrNotFound
	}
	inv.Lines = append([]Line(nil), inv.Lines...)
	return &inv, nil
}

func (t *fakeTx) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	defer t.lock()()
	if inv.Number != nil {
		for _, other := range t.r.state.invoices {
			if other.TenantID == inv.TenantID && other.Number != nil && *other.Number == *inv.Number {
				return 0, ErrAlreadyRectified
			}
		}
	}
	inv.ID = t.r.state.next()
	inv.Lines = nil
	t.keepInvoice(inv.ID)
	t.r.state.invoices[inv.ID] = inv
	return inv.ID, nil
}

func (t *fakeTx) UpdateDraft(ctx context.Context, inv Invoice) error {
	defer t.lock()()
	cur, ok := t.r.state.invoices[inv.ID]
	if !ok || cur.Status != StatusDraft {
		return ErrNotDraft
	}
	inv.Lines = cur.Lines
	t.keepInvoice(inv.ID)
	t.r.state.invoices[inv.ID] = inv
	return nil
}

func (t *fakeTx) DeleteInvoice(ctx context.Context, tenantID, id int64) error {
	defer t.lock()()
	cur, ok := t.r.state.invoices[id]
	if !ok || cur.TenantID != tenantID || cur.Status != StatusDraft {
		return ErrNotFound
	}
	t.keepInvoice(id)
	delete(t.r.state.invoices, id)
	return nil
}

func (t *fakeTx) DeleteLines(ctx context.Context, invoiceID int64) error {
	defer t.lock()()
	inv, ok := t.r.state.invoices[invoiceID]
	if !ok {
		return nil
	}
	t.keepInvoice(invoiceID)
	inv.Lines = nil
	t.r.state.invoices[invoiceID] = inv
	return nil
}

func (t *fakeTx) InsertLine(ctx context.Context, line Line) (int64, error) {
	defer t.lock()()
	inv, ok := t.r.state.invoices[line.InvoiceID]
	if !ok {
		return 0, errors.New("fake: line for unknown invoice")
	}
	line.ID = t.r.state.next()
	t.keepInvoice(line.InvoiceID)
	inv.Lines = append(append([]Line(nil), inv.Lines...), line)
	t.r.state.invoices[line.InvoiceID] = inv
	return line.ID, nil
}

func (t *fakeTx) UpdateLineTotal(ctx context.Context, lineID int64, total decimal.Decimal) error {
	defer t.lock()()
	for id, inv := range t.r.state.invoices {
		for i := range inv.Lines {
			if inv.Lines[i].ID == lineID {
				t.keepInvoice(id)
				inv.Lines = append([]Line(nil), inv.Lines...)
				inv.Lines[i].LineTotal = total
				t.r.state.invoices[id] = inv
				return nil
			}
		}
	}
	return errors.New("fake: unknown line")
}

func (t *fakeTx) MarkValidated(ctx context.Context, inv Invoice) error {
	defer t.lock()()
	cur, ok := t.r.state.invoices[inv.ID]
	if !ok || cur.Status != StatusDraft {
		return ErrAlreadyValidated
	}
	t.keepInvoice(inv.ID)
	cur.Status = StatusValidated
	cur.Number = inv.Number
	cur.Partition = inv.Partition
	cur.Correlative = inv.Correlative
	cur.IssueDate = inv.IssueDate
	cur.Subtotal = inv.Subtotal
	cur.VATTotal = inv.VATTotal
	cur.Total = inv.Total
	cur.VATNote = inv.VATNote
	cur.UpdatedAt = inv.UpdatedAt
	t.r.state.invoices[inv.ID] = cur
	return nil
}

func (t *fakeTx) MarkVoid(ctx context.Context, tenantID, id int64) error {
	defer t.lock()()
	cur, ok := t.r.state.invoices[id]
	if !ok || cur.Status != StatusValidated {
		return ErrNotValidated
	}
	t.keepInvoice(id)
	cur.Status = StatusVoid
	t.r.state.invoices[id] = cur
	return nil
}

func (t *fakeTx) SetLedgerHash(ctx context.Context, id int64, hash string, at time.Time) error {
	defer t.lock()()
	t.keepInvoice(id)
	cur := t.r.state.invoices[id]
	cur.LedgerHash = &hash
	cur.HashGeneratedAt = &at
	t.r.state.invoices[id] = cur
	return nil
}

func (t *fakeTx) LatestValidatedDate(ctx context.Context, tenantID int64) (*time.Time, error) {
	defer t.lock()()
	var latest *time.Time
	for _, inv := range t.r.state.invoices {
		if inv.TenantID != tenantID || inv.Status == StatusDraft {
			continue
		}
		if latest == nil || inv.IssueDate.After(*latest) {
			d := inv.IssueDate
			latest = &d
		}
	}
	return latest, nil
}

func (t *fakeTx) NumberExists(ctx context.Context, tenantID int64, number string) (bool, error) {
	defer t.lock()()
	for _, inv := range t.r.state.invoices {
		if inv.TenantID == tenantID && inv.Number != nil && *inv.Number == number {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeTx) LockNumberingConfig(ctx context.Context, tenantID int64) (numbering.Config, error) {
	t.acquire(fmt.Sprintf("config|%d", tenantID))
	defer t.lock()()
	cfg, ok := t.r.state.configs[tenantID]
	if !ok {
		t.keepConfig(tenantID)
		cfg = numbering.DefaultConfig(tenantID)
		t.r.state.configs[tenantID] = cfg
	}
	return cfg, nil
}

func (t *fakeTx) SaveNumberingConfig(ctx context.Context, cfg numbering.Config) error {
	t.acquire(fmt.Sprintf("config|%d", cfg.TenantID))
	defer t.lock()()
	t.keepConfig(cfg.TenantID)
	t.r.state.configs[cfg.TenantID] = cfg
	return nil
}

func (t *fakeTx) NextCorrelative(ctx context.Context, tenantID int64, scheme numbering.Scheme, partition string) (int64, error) {
	key := fmt.Sprintf("%d|%s|%s", tenantID, scheme, partition)
	t.acquire("counter|" + key)
	defer t.lock()()
	t.keepCounter(key)
	if last, ok := t.r.state.counters[key]; ok {
		t.r.state.counters[key] = last + 1
		return last + 1, nil
	}
	var seed int64
	for _, inv := range t.r.state.invoices {
		if inv.TenantID == tenantID && inv.Status != StatusDraft && inv.Partition != nil &&
			*inv.Partition == partition && inv.Correlative != nil && *inv.Correlative > seed {
			seed = *inv.Correlative
		}
	}
	t.r.state.counters[key] = seed + 1
	return seed + 1, nil
}

func (t *fakeTx) LockHead(ctx context.Context, tenantID int64) (ledger.Head, error) {
	t.acquire(fmt.Sprintf("head|%d", tenantID))
	defer t.lock()()
	taxID, ok := t.r.state.tenants[tenantID]
	if !ok {
		return ledger.Head{}, ErrNotFound
	}
	head, ok := t.r.state.heads[tenantID]
	if !ok {
		head = ledger.Head{TenantID: tenantID}
		t.keepHead(tenantID)
		t.r.state.heads[tenantID] = head
	}
	head.IssuerTaxID = taxID
	return head, nil
}

func (t *fakeTx) LatestEntry(ctx context.Context, tenantID int64) (*ledger.Entry, error) {
	defer t.lock()()
	for i := len(t.r.state.entries) - 1; i >= 0; i-- {
		if t.r.state.entries[i].TenantID == tenantID {
			e := t.r.state.entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (t *fakeTx) InsertEntry(ctx context.Context, e ledger.Entry) (int64, error) {
	defer t.lock()()
	e.ID = t.r.state.next()
	id := e.ID
	t.undo = append(t.undo, func(s *memState) {
		for i := range s.entries {
			if s.entries[i].ID == id {
				s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
				return
			}
		}
	})
	t.r.state.entries = append(t.r.state.entries, e)
	return e.ID, nil
}

func (t *fakeTx) AdvanceHead(ctx context.Context, tenantID, entryID int64, hash string) error {
	defer t.lock()()
	t.keepHead(tenantID)
	head := t.r.state.heads[tenantID]
	head.LastEntryID = entryID
	head.LastHash = hash
	t.r.state.heads[tenantID] = head
	return nil
}

// memAudit collects recorded events.
type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) Record(ctx context.Context, ev audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Action)
	}
	return out
}

var (
	_ Repository   = (*fakeRepo)(nil)
	_ TxRepository = (*fakeTx)(nil)
)
