package payment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/blackbook-billing/internal/models"
	"github.com/magabrotheeeer/blackbook-billing/internal/storage"
)

// memStore реализует хранилище в памяти с той же семантикой, что у PostgreSQL:
// не больше одной SUCCESS на ссылку, блокировка строки учётной записи,
// откат изменений транзакции при ошибке.
type memStore struct {
	mu       sync.Mutex
	accounts map[int64]models.Account
	attempts []models.PaymentAttempt
	locks    map[int64]*sync.Mutex
	commits  int

	// txErr возвращается из WithinAccountTx до вызова fn.
	txErr error
	// hideSuccess заставляет HasSuccess в транзакции не видеть чужой SUCCESS.
	hideSuccess bool
	// beforeTx вызывается под блокировкой строки до fn.
	beforeTx func()
}

func newMemStore(accounts ...models.Account) *memStore {
	m := &memStore{
		accounts: make(map[int64]models.Account),
		locks:    make(map[int64]*sync.Mutex),
	}
	for _, a := range accounts {
		m.accounts[a.TelegramID] = a
	}
	return m
}

func (m *memStore) account(id int64) models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id]
}

func (m *memStore) setAccount(a models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.TelegramID] = a
}

func (m *memStore) statuses(reference string) []models.PaymentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []models.PaymentStatus
	for _, p := range m.attempts {
		if p.Reference == reference {
			res = append(res, p.Status)
		}
	}
	return res
}

func (m *memStore) successLocked(reference string, except uuid.UUID) bool {
	for _, p := range m.attempts {
		if p.Reference == reference && p.Status == models.PaymentSuccess && p.ID != except {
			return true
		}
	}
	return false
}

func (m *memStore) FindSuccessful(_ context.Context, reference string) (models.PaymentAttempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.attempts {
		if p.Reference == reference && p.Status == models.PaymentSuccess {
			return p, true, nil
		}
	}
	return models.PaymentAttempt{}, false, nil
}

func (m *memStore) InsertAttempt(_ context.Context, p models.PaymentAttempt) (models.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status == models.PaymentSuccess && m.successLocked(p.Reference, uuid.Nil) {
		return models.PaymentAttempt{}, storage.ErrDuplicateSuccess
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.attempts = append(m.attempts, p)
	return p, nil
}

func (m *memStore) FinalizeAttempt(_ context.Context, id uuid.UUID, status models.PaymentStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalizeLocked(id, status, reason)
}

func (m *memStore) finalizeLocked(id uuid.UUID, status models.PaymentStatus, reason string) error {
	for i := range m.attempts {
		if m.attempts[i].ID != id {
			continue
		}
		if m.attempts[i].Status != models.PaymentPending {
			return storage.ErrAttemptNotPending
		}
		if status == models.PaymentSuccess && m.successLocked(m.attempts[i].Reference, id) {
			return storage.ErrDuplicateSuccess
		}
		m.attempts[i].Status = status
		m.attempts[i].Reason = reason
		m.attempts[i].UpdatedAt = time.Now()
		return nil
	}
	return storage.ErrAttemptNotPending
}

func (m *memStore) DeleteAttempt(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.attempts {
		if p.ID == id && p.Status == models.PaymentPending {
			m.attempts = append(m.attempts[:i], m.attempts[i+1:]...)
			return nil
		}
	}
	return storage.ErrAttemptNotPending
}

func (m *memStore) ListAttempts(_ context.Context, f models.PaymentFilter) ([]models.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []models.PaymentAttempt
	for _, p := range m.attempts {
		if f.AccountIdentity != nil && p.AccountIdentity != *f.AccountIdentity {
			continue
		}
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		res = append(res, p)
	}
	return res, nil
}

func (m *memStore) ListPendingBefore(_ context.Context, before time.Time, _ int) ([]models.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []models.PaymentAttempt
	for _, p := range m.attempts {
		if p.Status == models.PaymentPending && p.CreatedAt.Before(before) {
			res = append(res, p)
		}
	}
	return res, nil
}

func (m *memStore) rowLock(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *memStore) WithinAccountTx(ctx context.Context, telegramID int64, fn func(tx storage.AccountTx) error) error {
	if m.txErr != nil {
		return m.txErr
	}
	l := m.rowLock(telegramID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	acc, ok := m.accounts[telegramID]
	m.mu.Unlock()
	if !ok {
		return storage.ErrAccountNotFound
	}
	if m.beforeTx != nil {
		m.beforeTx()
	}

	tx := &memTx{store: m, acc: acc}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range tx.finals {
		if err := m.finalizeLocked(f.id, f.status, f.reason); err != nil {
			return err
		}
	}
	if tx.saved != nil {
		m.accounts[telegramID] = *tx.saved
	}
	m.commits++
	return nil
}

type memFinal struct {
	id     uuid.UUID
	status models.PaymentStatus
	reason string
}

type memTx struct {
	store  *memStore
	acc    models.Account
	saved  *models.Account
	finals []memFinal
}

func (t *memTx) Account() models.Account {
	return t.acc
}

func (t *memTx) HasSuccess(_ context.Context, reference string) (bool, error) {
	if t.store.hideSuccess {
		return false, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.successLocked(reference, uuid.Nil), nil
}

func (t *memTx) SaveSubscription(_ context.Context, acc models.Account) error {
	// Поля модерации в транзакции подписки не пишутся.
	acc.IsVerified = t.acc.IsVerified
	acc.State = t.acc.State
	t.saved = &acc
	t.acc = acc
	return nil
}

func (t *memTx) FinalizeAttempt(_ context.Context, id uuid.UUID, status models.PaymentStatus, reason string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, p := range t.store.attempts {
		if p.ID != id {
			continue
		}
		if p.Status != models.PaymentPending {
			return storage.ErrAttemptNotPending
		}
		if status == models.PaymentSuccess && t.store.successLocked(p.Reference, id) {
			return storage.ErrDuplicateSuccess
		}
		t.finals = append(t.finals, memFinal{id: id, status: status, reason: reason})
		return nil
	}
	return storage.ErrAttemptNotPending
}
