package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// NativeDecimals is the precision of the chain's native asset (wei)
const NativeDecimals int32 = 18

// Config holds the settings of the chain provider client
type Config struct {
	RPCEndpoint   string
	TokenDecimals int32
}

// Client wraps Ethereum client functionality behind a circuit breaker
type Client struct {
	ethClient     *ethclient.Client
	erc20         abi.ABI
	breaker       *gobreaker.CircuitBreaker
	tokenDecimals int32
	logger        *zap.Logger
}

// NewClient dials the RPC endpoint and prepares the ERC-20 ABI
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	// Connect to RPC endpoint
	ethClient, err := ethclient.Dial(cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", cfg.RPCEndpoint, err)
	}

	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	logger = logger.Named("evm")
	cbSettings := gobreaker.Settings{
		Name:        "ChainRPC",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Chain RPC circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	logger.Info("EVM client initialized", zap.Int32("token_decimals", cfg.TokenDecimals))

	return &Client{
		ethClient:     ethClient,
		erc20:         parsed,
		breaker:       gobreaker.NewCircuitBreaker(cbSettings),
		tokenDecimals: cfg.TokenDecimals,
		logger:        logger,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.ethClient.Close()
}

// GenerateAddress creates a fresh custodial key pair.
// The private key is returned hex encoded without 0x prefix.
func (c *Client) GenerateAddress(_ context.Context) (string, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	return address.Hex(), common.Bytes2Hex(crypto.FromECDSA(key)), nil
}

// GetNativeBalance returns the native balance of an address in whole units
func (c *Client) GetNativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid address: %s", address)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.ethClient.BalanceAt(ctx, common.HexToAddress(address), nil)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance: %w", err)
	}
	return FromSmallestUnit(result.(*big.Int), NativeDecimals), nil
}

// SendNative transfers native asset from the signer to `to`
func (c *Client) SendNative(ctx context.Context, from Signer, to string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("invalid recipient: %s", to)
	}
	value, err := ToSmallestUnit(amount, NativeDecimals)
	if err != nil {
		return "", err
	}

	hash, err := c.signAndSend(ctx, from, common.HexToAddress(to), nil, value)
	if err != nil {
		return "", fmt.Errorf("native transfer failed: %w", err)
	}
	return hash.Hex(), nil
}

// SendToken transfers `amount` of the ERC-20 token at `contract` from the signer to `to`
func (c *Client) SendToken(ctx context.Context, from Signer, to string, amount decimal.Decimal, contract string) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("invalid recipient: %s", to)
	}
	if !common.IsHexAddress(contract) {
		return "", fmt.Errorf("invalid token contract: %s", contract)
	}
	value, err := ToSmallestUnit(amount, c.tokenDecimals)
	if err != nil {
		return "", err
	}

	data, err := c.erc20.Pack("transfer", common.HexToAddress(to), value)
	if err != nil {
		return "", fmt.Errorf("failed to encode transfer call: %w", err)
	}

	hash, err := c.signAndSend(ctx, from, common.HexToAddress(contract), data, big.NewInt(0))
	if err != nil {
		return "", fmt.Errorf("token transfer failed: %w", err)
	}
	return hash.Hex(), nil
}

// signAndSend creates, signs, and sends a legacy transaction through the breaker
func (c *Client) signAndSend(
	ctx context.Context,
	from Signer,
	to common.Address,
	data []byte,
	value *big.Int,
) (common.Hash, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		chainID, err := c.ethClient.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get chain ID: %w", err)
		}

		nonce, err := c.ethClient.PendingNonceAt(ctx, from.Address())
		if err != nil {
			return nil, fmt.Errorf("failed to get nonce: %w", err)
		}

		gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}

		gasLimit, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
			From:  from.Address(),
			To:    &to,
			Data:  data,
			Value: value,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}

		// Add 20% buffer
		gasLimit = gasLimit * 120 / 100

		tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
		signedTx, err := from.Sign(tx, chainID)
		if err != nil {
			return nil, fmt.Errorf("failed to sign transaction: %w", err)
		}

		if err := c.ethClient.SendTransaction(ctx, signedTx); err != nil {
			return nil, fmt.Errorf("failed to send transaction: %w", err)
		}

		c.logger.Info("Transaction sent",
			zap.String("tx_hash", signedTx.Hash().Hex()),
			zap.String("from", from.Address().Hex()),
			zap.String("to", to.Hex()),
			zap.Uint64("nonce", nonce),
			zap.Uint64("gas_limit", gasLimit))

		return signedTx.Hash(), nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return result.(common.Hash), nil
}

// Signer signs transactions for a single address
type Signer interface {
	Address() common.Address
	Sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner is a Signer backed by an in-memory ECDSA key
type KeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewKeySigner parses a hex private key (0x prefix optional)
func NewKeySigner(privateKeyHex string) (*KeySigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}

	return &KeySigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
	}, nil
}

// Address returns the signer's address
func (s *KeySigner) Address() common.Address {
	return s.address
}

// Sign signs tx for the given chain
func (s *KeySigner) Sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}
