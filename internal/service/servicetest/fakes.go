// Package servicetest holds in-process fakes for the chain provider and key
// storage, shared by the service, worker and api tests.
package servicetest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/custodia/depositd/internal/blockchain/evm"
	"github.com/custodia/depositd/internal/config"
	"github.com/custodia/depositd/internal/models"
)

// MasterAddress is the treasury address used by Config
const MasterAddress = "0x00000000000000000000000000000000000000aa"

// TokenContract is the token contract used by Config
const TokenContract = "0xdac17f958d2ee523a2206206994597c13d831ec7"

// Config returns a valid test-mode configuration with a 100 USDT sweep threshold
func Config() *config.Config {
	return &config.Config{
		Env: "test",
		Server: config.ServerConfig{
			Port: 8080,
		},
		Database: config.DatabaseConfig{
			Driver: config.DriverMemory,
		},
		Provider: config.ProviderConfig{
			Mode:           config.ModeTest,
			RPCEndpoint:    "http://localhost:8545",
			NetworkFamily:  "ethereum",
			NetworkAliases: []string{"eth"},
			Timeout:        time.Second,
		},
		Token: config.TokenConfig{
			Symbol:   "USDT",
			Contract: TokenContract,
			Decimals: 6,
		},
		MasterWallet: config.MasterWalletConfig{
			Address:    MasterAddress,
			PrivateKey: strings.Repeat("1", 64),
		},
		Security: config.SecurityConfig{
			KeyEncryptionKey: []byte(strings.Repeat("k", 32)),
		},
		Sweep: config.SweepConfig{
			Threshold:            decimal.NewFromInt(100),
			MinDepositProduction: decimal.NewFromInt(1),
			MinDepositTest:       decimal.RequireFromString("0.000001"),
			GasFundingAmount:     decimal.RequireFromString("0.003"),
			DustThreshold:        decimal.RequireFromString("0.0005"),
		},
		Retry: config.RetryConfig{
			Interval:   time.Minute,
			MaxRetries: 3,
			StaleAfter: 5 * time.Minute,
			BatchSize:  20,
		},
		Reconciler: config.ReconcilerConfig{
			Concurrency: 2,
		},
	}
}

// Signer is an address-only signer; transactions pass through unsigned
type Signer struct {
	Addr common.Address
}

func (s Signer) Address() common.Address { return s.Addr }

func (s Signer) Sign(tx *types.Transaction, _ *big.Int) (*types.Transaction, error) {
	return tx, nil
}

// Transfer is one recorded provider send
type Transfer struct {
	From     string
	To       string
	Amount   decimal.Decimal
	Contract string
}

// Provider records sends and returns scripted failures
type Provider struct {
	mu sync.Mutex

	Native  []Transfer
	Token   []Transfer
	Queries int

	// NativeBalance is returned for every deposit address
	NativeBalance decimal.Decimal

	GasErr     error
	TokenErr   error
	DustErr    error
	BalanceErr error

	generated int
}

// NewProvider returns a provider that reports enough leftover gas to reclaim
func NewProvider() *Provider {
	return &Provider{NativeBalance: decimal.RequireFromString("0.002")}
}

// GenerateAddress derives a deterministic address; the "key" is the address itself
func (p *Provider) GenerateAddress(_ context.Context) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generated++
	addr := common.BigToAddress(big.NewInt(int64(0x1000 + p.generated))).Hex()
	return addr, "key:" + addr, nil
}

func (p *Provider) GetNativeBalance(_ context.Context, _ string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Queries++
	if p.BalanceErr != nil {
		return decimal.Zero, p.BalanceErr
	}
	return p.NativeBalance, nil
}

func (p *Provider) SendNative(_ context.Context, from evm.Signer, to string, amount decimal.Decimal) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fromMaster := strings.EqualFold(from.Address().Hex(), MasterAddress)
	if fromMaster && p.GasErr != nil {
		return "", p.GasErr
	}
	if !fromMaster && p.DustErr != nil {
		return "", p.DustErr
	}

	p.Native = append(p.Native, Transfer{From: from.Address().Hex(), To: to, Amount: amount})
	return fmt.Sprintf("0xnative%d", len(p.Native)), nil
}

func (p *Provider) SendToken(_ context.Context, from evm.Signer, to string, amount decimal.Decimal, contract string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TokenErr != nil {
		return "", p.TokenErr
	}
	p.Token = append(p.Token, Transfer{From: from.Address().Hex(), To: to, Amount: amount, Contract: contract})
	return fmt.Sprintf("0xtoken%d", len(p.Token)), nil
}

// Counts returns the number of native and token sends so far
func (p *Provider) Counts() (native, token int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Native), len(p.Token)
}

// Fail sets the scripted errors under the lock
func (p *Provider) Fail(gas, token, dust error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GasErr, p.TokenErr, p.DustErr = gas, token, dust
}

// Keys resolves every user to a signer for its own deposit address
type Keys struct {
	Err error
}

func (k *Keys) Resolve(_ context.Context, user *models.User) (evm.Signer, error) {
	if k.Err != nil {
		return nil, k.Err
	}
	if !user.HasDepositAddress() {
		return nil, fmt.Errorf("user %s has no deposit key", user.ID)
	}
	return Signer{Addr: common.HexToAddress(*user.DepositAddress)}, nil
}

// Encrypter marks keys as sealed without encrypting them
type Encrypter struct{}

func (Encrypter) Encrypt(plaintext string) (string, error) {
	return "sealed:" + plaintext, nil
}

// MasterSigner is the signer of MasterAddress
func MasterSigner() evm.Signer {
	return Signer{Addr: common.HexToAddress(MasterAddress)}
}

// User builds a user owning address with an empty wallet
func User(id, address string) *models.User {
	key := "sealed:key:" + address
	return &models.User{
		ID:                  id,
		DepositAddress:      &address,
		EncryptedPrivateKey: &key,
		Wallet: models.WalletState{
			DepositStatus: models.WalletDepositNone,
			Balances:      models.Balances{},
		},
	}
}

// Clock is a settable time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
