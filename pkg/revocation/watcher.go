// Package revocation watches the membership token contract for transfers
// and re-runs the balance check for every open view of the affected
// accounts.
//
// A holder who sends their token away is relocked without reloading the
// page, and a buyer whose checkout completes is unlocked as soon as the
// mint or transfer lands.
package revocation

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/maybehotcarl/gatedblog/pkg/nftcheck"
)

// Event signatures (keccak256)
var (
	// TransferSingle(address indexed operator, address indexed from, address indexed to, uint256 id, uint256 value)
	transferSingleSig = common.HexToHash("0xc3d58168c5ae7397731d063d5bbf3d657854427343f4c083240f7aacaa2d0f62")
	// TransferBatch(address indexed operator, address indexed from, address indexed to, uint256[] ids, uint256[] values)
	transferBatchSig = common.HexToHash("0x4a39dc06d4c0dbc64b70af90fd698a233a518aa5d07e595d983b8c0526c8f7fb")
	// Transfer(address indexed from, address indexed to, uint256 indexed tokenId)
	transferSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c2a11628f55a4df523b3ef")
)

// Rechecker re-queries the balance of every view connected to an account.
type Rechecker interface {
	Recheck(account common.Address) int
}

// Config selects which transfers are relevant.
type Config struct {
	Contract common.Address
	Standard nftcheck.Standard
	TokenID  int64 // ERC-1155 only
	// RetryDelay is the pause before resubscribing after an error. Default 10s.
	RetryDelay time.Duration
}

// Watcher monitors transfer events of the membership contract.
type Watcher struct {
	filterer  ethereum.LogFilterer
	closer    func()
	contract  common.Address
	standard  nftcheck.Standard
	tokenID   *big.Int
	retry     time.Duration
	rechecker Rechecker
	eventABI  abi.ABI

	// stopCtx is cancelled by Stop and ends every running Start.
	stopCtx   context.Context
	stop      context.CancelFunc
	closeOnce sync.Once
}

const erc1155EventABI = `[{
	"anonymous": false,
	"inputs": [
		{"indexed": true, "name": "operator", "type": "address"},
		{"indexed": true, "name": "from", "type": "address"},
		{"indexed": true, "name": "to", "type": "address"},
		{"indexed": false, "name": "id", "type": "uint256"},
		{"indexed": false, "name": "value", "type": "uint256"}
	],
	"name": "TransferSingle",
	"type": "event"
},{
	"anonymous": false,
	"inputs": [
		{"indexed": true, "name": "operator", "type": "address"},
		{"indexed": true, "name": "from", "type": "address"},
		{"indexed": true, "name": "to", "type": "address"},
		{"indexed": false, "name": "ids", "type": "uint256[]"},
		{"indexed": false, "name": "values", "type": "uint256[]"}
	],
	"name": "TransferBatch",
	"type": "event"
}]`

// NewWatcher dials a WebSocket Ethereum RPC endpoint (wss://) and creates
// a watcher on it.
func NewWatcher(wsURL string, cfg Config, rechecker Rechecker) (*Watcher, error) {
	client, err := ethclient.Dial(wsURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	w, err := NewWatcherWithFilterer(client, cfg, rechecker)
	if err != nil {
		client.Close()
		return nil, err
	}
	w.closer = client.Close
	return w, nil
}

// NewWatcherWithFilterer creates a watcher on an existing log source.
func NewWatcherWithFilterer(filterer ethereum.LogFilterer, cfg Config, rechecker Rechecker) (*Watcher, error) {
	parsedABI, err := abi.JSON(strings.NewReader(erc1155EventABI))
	if err != nil {
		return nil, err
	}
	retry := cfg.RetryDelay
	if retry <= 0 {
		retry = 10 * time.Second
	}
	stopCtx, stop := context.WithCancel(context.Background())
	return &Watcher{
		filterer:  filterer,
		contract:  cfg.Contract,
		standard:  cfg.Standard,
		tokenID:   big.NewInt(cfg.TokenID),
		retry:     retry,
		rechecker: rechecker,
		eventABI:  parsedABI,
		stopCtx:   stopCtx,
		stop:      stop,
	}, nil
}

// Start begins watching for transfer events. Blocks until ctx is cancelled
// or Stop is called, including a Stop that ran before Start.
// Automatically resubscribes on errors.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unhook := context.AfterFunc(w.stopCtx, cancel)
	defer unhook()

	for {
		err := w.subscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("[revocation] Subscription error, reconnecting in %s: %v", w.retry, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.retry):
		}
	}
}

// Stop cancels the watcher and closes its connection. Safe to call more
// than once and from any goroutine.
func (w *Watcher) Stop() {
	w.stop()
	w.closeOnce.Do(func() {
		if w.closer != nil {
			w.closer()
		}
	})
}

func (w *Watcher) topics() []common.Hash {
	if w.standard == nftcheck.ERC721 {
		return []common.Hash{transferSig}
	}
	return []common.Hash{transferSingleSig, transferBatchSig}
}

func (w *Watcher) subscribe(ctx context.Context) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{w.contract},
		Topics:    [][]common.Hash{w.topics()},
	}

	logs := make(chan types.Log)
	sub, err := w.filterer.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	log.Printf("[revocation] Watching %s for %s transfers", w.contract.Hex(), w.standard)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case vLog := <-logs:
			w.handleLog(vLog)
		}
	}
}

func (w *Watcher) handleLog(vLog types.Log) {
	if len(vLog.Topics) == 0 {
		return
	}

	var from, to common.Address
	switch vLog.Topics[0] {
	case transferSingleSig, transferBatchSig:
		// [sig, operator, from, to]
		if len(vLog.Topics) < 4 {
			return
		}
		from = common.BytesToAddress(vLog.Topics[2].Bytes())
		to = common.BytesToAddress(vLog.Topics[3].Bytes())
		if !w.involvesToken(vLog) {
			return
		}

	case transferSig:
		// [sig, from, to, tokenId]; ERC-20 Transfer has only 3 topics
		if len(vLog.Topics) < 4 {
			return
		}
		from = common.BytesToAddress(vLog.Topics[1].Bytes())
		to = common.BytesToAddress(vLog.Topics[2].Bytes())
		log.Printf("[revocation] Transfer: from=%s to=%s tokenId=%s",
			truncAddr(from), truncAddr(to), vLog.Topics[3].Big())

	default:
		return
	}

	for _, addr := range []common.Address{from, to} {
		if addr == (common.Address{}) {
			continue
		}
		w.rechecker.Recheck(addr)
	}
}

// involvesToken reports whether an ERC-1155 event moved the gated token id.
func (w *Watcher) involvesToken(vLog types.Log) bool {
	switch vLog.Topics[0] {
	case transferSingleSig:
		if len(vLog.Data) < 32 {
			return false
		}
		id := new(big.Int).SetBytes(vLog.Data[:32])
		log.Printf("[revocation] TransferSingle: from=%s to=%s tokenId=%s",
			truncAddr(common.BytesToAddress(vLog.Topics[2].Bytes())),
			truncAddr(common.BytesToAddress(vLog.Topics[3].Bytes())), id)
		return id.Cmp(w.tokenID) == 0

	case transferBatchSig:
		values, err := w.eventABI.Unpack("TransferBatch", vLog.Data)
		if err != nil || len(values) < 1 {
			log.Printf("[revocation] Could not decode TransferBatch: %v", err)
			return false
		}
		ids, ok := values[0].([]*big.Int)
		if !ok {
			return false
		}
		for _, id := range ids {
			if id.Cmp(w.tokenID) == 0 {
				return true
			}
		}
	}
	return false
}

func truncAddr(addr common.Address) string {
	hex := addr.Hex()
	if len(hex) > 10 {
		return hex[:6] + "..." + hex[len(hex)-4:]
	}
	return hex
}
