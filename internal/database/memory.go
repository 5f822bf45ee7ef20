package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/custodia/depositd/internal/models"
)

// MemoryStore is an in-process store with the same semantics as DB.
// It backs DB_DRIVER=memory in test mode and the package tests.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	nextID   int64
	deposits map[string]*models.DepositRecord
	users    map[string]*models.User
}

// NewMemoryStore creates an empty store using the wall clock
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		deposits: make(map[string]*models.DepositRecord),
		users:    make(map[string]*models.User),
	}
}

// SetClock replaces the time source used for created/updated stamps
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutUser inserts or replaces a user aggregate
func (m *MemoryStore) PutUser(user *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := user.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.users[c.ID] = c
}

// DeleteUser removes a user aggregate
func (m *MemoryStore) DeleteUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
}

// ==================== Deposits ====================

func (m *MemoryStore) CreateDepositIfAbsent(_ context.Context, rec *models.DepositRecord) (*models.DepositRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.deposits[rec.TxHash]; ok {
		return existing.Clone(), false, nil
	}

	m.nextID++
	now := m.now()
	stored := rec.Clone()
	stored.ID = m.nextID
	stored.Status = models.DepositStatusDetected
	stored.BalanceCredited = false
	stored.RetryCount = 0
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.deposits[rec.TxHash] = stored
	return stored.Clone(), true, nil
}

func (m *MemoryStore) GetDeposit(_ context.Context, txHash string) (*models.DepositRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.deposits[txHash]; ok {
		return rec.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryStore) TransitionDeposit(_ context.Context, rec *models.DepositRecord, to models.DepositStatus, mutate func(*models.DepositRecord)) error {
	if err := models.ValidateTransition(rec.Status, to); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.deposits[rec.TxHash]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != rec.Status {
		return fmt.Errorf("%w: %s expected %s", ErrStatusConflict, models.ShortHash(rec.TxHash), rec.Status)
	}

	next := rec.Clone()
	if mutate != nil {
		mutate(next)
	}
	stored.Status = to
	stored.Error = cloneString(next.Error)
	stored.RetryCount = next.RetryCount
	stored.LastRetryAt = next.LastRetryAt
	stored.GasTxRef = cloneString(next.GasTxRef)
	stored.SweepTxRef = cloneString(next.SweepTxRef)
	stored.DustTxRef = cloneString(next.DustTxRef)
	stored.UpdatedAt = m.now()

	*rec = *stored.Clone()
	return nil
}

func (m *MemoryStore) CreditDeposit(_ context.Context, txHash, userID string, entry models.LedgerEntry, unswept bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.deposits[txHash]
	if !ok {
		return false, ErrNotFound
	}
	if rec.BalanceCredited {
		return false, nil
	}
	user, ok := m.users[userID]
	if !ok {
		return false, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}

	user.Wallet.ApplyCredit(entry)
	if unswept {
		user.Wallet.UnsweptFunds = user.Wallet.UnsweptFunds.Add(entry.Amount)
	}
	rec.BalanceCredited = true
	rec.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) MarkDepositCredited(_ context.Context, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.deposits[txHash]
	if !ok {
		return ErrNotFound
	}
	rec.BalanceCredited = true
	rec.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetDustTxRef(_ context.Context, txHash, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.deposits[txHash]
	if !ok {
		return ErrNotFound
	}
	rec.DustTxRef = &ref
	rec.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ListRetryCandidates(_ context.Context, staleBefore time.Time, maxRetries, limit int) ([]models.DepositRecord, error) {
	return m.selectDeposits(func(r *models.DepositRecord) bool {
		if r.BalanceCredited || r.RetryCount >= maxRetries {
			return false
		}
		return r.Status == models.DepositStatusFailed ||
			(r.Status == models.DepositStatusDetected && r.CreatedAt.Before(staleBefore))
	}, false, limit, 0), nil
}

func (m *MemoryStore) ListOpenDeposits(_ context.Context, userID string) ([]models.DepositRecord, error) {
	return m.selectDeposits(func(r *models.DepositRecord) bool {
		return r.UserID == userID && !r.Status.Terminal()
	}, false, 0, 0), nil
}

func (m *MemoryStore) ListDepositsByUser(_ context.Context, userID string, limit, offset int) ([]models.DepositRecord, error) {
	return m.selectDeposits(func(r *models.DepositRecord) bool {
		return r.UserID == userID
	}, true, limit, offset), nil
}

func (m *MemoryStore) selectDeposits(match func(*models.DepositRecord) bool, newestFirst bool, limit, offset int) []models.DepositRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.DepositRecord, 0)
	for _, rec := range m.deposits {
		if match(rec) {
			out = append(out, *rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})

	if offset > 0 {
		if offset >= len(out) {
			return out[:0]
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ==================== Users ====================

func (m *MemoryStore) CreateUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		m.users[userID] = &models.User{
			ID:        userID,
			CreatedAt: m.now(),
			Wallet:    models.WalletState{DepositStatus: models.WalletDepositNone},
		}
	}
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, userID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[userID]; ok {
		return user.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryStore) GetUserByDepositAddress(_ context.Context, address string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.HasDepositAddress() && strings.EqualFold(*user.DepositAddress, address) {
			return user.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListUsersWithDepositAddress(_ context.Context) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.User, 0)
	for _, user := range m.users {
		if user.HasDepositAddress() {
			out = append(out, *user.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetDepositAddress(_ context.Context, userID, address, encryptedKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return false, ErrNotFound
	}
	if user.DepositAddress != nil {
		return false, nil
	}
	user.DepositAddress = &address
	user.EncryptedPrivateKey = &encryptedKey
	return true, nil
}

func (m *MemoryStore) SetWalletDepositStatus(_ context.Context, userID string, status models.WalletDepositStatus) error {
	return m.updateUser(userID, func(u *models.User) {
		u.Wallet.DepositStatus = status
	})
}

func (m *MemoryStore) RecordSweep(_ context.Context, userID string, amount decimal.Decimal, at time.Time) error {
	return m.updateUser(userID, func(u *models.User) {
		u.Wallet.TotalSwept = u.Wallet.TotalSwept.Add(amount)
		t := at
		u.Wallet.LastSweepAt = &t
	})
}

func (m *MemoryStore) updateUser(userID string, fn func(*models.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	fn(user)
	return nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
