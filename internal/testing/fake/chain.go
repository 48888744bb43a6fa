package fake

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/xerrors"
)

// ChainID is the identifier of the fake ledger.
var ChainID = big.NewInt(1337)

// Handler is the function executed when a method of a contract is called. The
// state must only be modified when commit is true, which is the case when the
// call comes from a transaction.
type Handler func(from common.Address, args []interface{}, commit bool) ([]interface{}, error)

// Contract is a fake smart contract made of handlers bound to ABI methods.
type Contract struct {
	methods  map[string]abi.Method
	handlers map[string]Handler
}

// NewContract returns an empty contract.
func NewContract() *Contract {
	return &Contract{
		methods:  make(map[string]abi.Method),
		handlers: make(map[string]Handler),
	}
}

// Handle binds the handler to the method.
func (c *Contract) Handle(method abi.Method, h Handler) {
	key := string(method.ID)

	c.methods[key] = method
	c.handlers[key] = h
}

func (c *Contract) execute(from common.Address, data []byte, commit bool) ([]byte, error) {
	if len(data) < 4 {
		return nil, Revert("missing selector")
	}

	method, found := c.methods[string(data[:4])]
	if !found {
		return nil, Revert("unknown selector")
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, Revert(err.Error())
	}

	out, err := c.handlers[string(data[:4])](from, args, commit)
	if err != nil {
		return nil, err
	}

	return method.Outputs.Pack(out...)
}

// RevertError is the error of the node RPC when an execution reverted. It
// carries the standard Error(string) revert data.
//
// - implements rpc.DataError
type RevertError struct {
	reason string
}

// Revert returns a revert error with the reason.
func Revert(reason string) RevertError {
	return RevertError{reason: reason}
}

// Error implements error.
func (e RevertError) Error() string {
	return "execution reverted: " + e.reason
}

// ErrorData implements rpc.DataError. It returns the hex-encoded revert data.
func (e RevertError) ErrorData() interface{} {
	typ, _ := abi.NewType("string", "", nil)

	packed, _ := abi.Arguments{{Type: typ}}.Pack(e.reason)

	selector := crypto.Keccak256([]byte("Error(string)"))[:4]

	return hexutil.Encode(append(selector, packed...))
}

// Ledger is a fake ledger node that executes the calls on in-memory
// contracts.
//
// - implements chain.Client
type Ledger struct {
	sync.Mutex

	contracts map[common.Address]*Contract
	receipts  map[common.Hash]*types.Receipt
	pending   []*types.Receipt
	nonces    map[common.Address]uint64
	logs      []types.Log
	subs      map[*subscription]struct{}
	block     uint64

	// Manual holds the receipts of the transactions until Mine is called.
	Manual bool
	// FailReceipt marks the receipts as failed.
	FailReceipt bool

	ErrCall    error
	ErrSend    error
	ErrReceipt error
	ErrSub     error

	Calls      *Call
	Sends      *Call
	Subscribes *Call
}

// NewLedger returns a new empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		contracts: make(map[common.Address]*Contract),
		receipts:  make(map[common.Hash]*types.Receipt),
		nonces:    make(map[common.Address]uint64),
		subs:      make(map[*subscription]struct{}),
		Calls:      &Call{},
		Sends:      &Call{},
		Subscribes: &Call{},
	}
}

// NewBadLedger returns a ledger that fails every request.
func NewBadLedger() *Ledger {
	l := NewLedger()
	l.ErrCall = fakeErr
	l.ErrSend = fakeErr
	l.ErrReceipt = fakeErr
	l.ErrSub = fakeErr

	return l
}

// Deploy sets the contract at the address.
func (l *Ledger) Deploy(addr common.Address, c *Contract) {
	l.Lock()
	l.contracts[addr] = c
	l.Unlock()
}

// CallContract implements chain.Client. It executes without committing.
func (l *Ledger) CallContract(ctx context.Context, msg ethereum.CallMsg,
	_ *big.Int) ([]byte, error) {

	l.Lock()
	defer l.Unlock()

	l.Calls.Add(msg)

	if l.ErrCall != nil {
		return nil, l.ErrCall
	}

	if msg.To == nil {
		return nil, xerrors.New("missing recipient")
	}

	c, found := l.contracts[*msg.To]
	if !found {
		// Calling an account without code returns no data.
		return []byte{}, nil
	}

	return c.execute(msg.From, msg.Data, false)
}

// EstimateGas implements chain.Client.
func (l *Ledger) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000 + uint64(len(msg.Data))*16, nil
}

// SuggestGasPrice implements chain.Client.
func (l *Ledger) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

// PendingNonceAt implements chain.Client.
func (l *Ledger) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	l.Lock()
	defer l.Unlock()

	return l.nonces[addr], nil
}

// ChainID implements chain.Client.
func (l *Ledger) ChainID(ctx context.Context) (*big.Int, error) {
	return ChainID, nil
}

// SendTransaction implements chain.Client. The transaction is executed and
// the state is committed on success.
func (l *Ledger) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	l.Lock()
	defer l.Unlock()

	if l.ErrSend != nil {
		return l.ErrSend
	}

	from, err := types.Sender(types.LatestSignerForChainID(ChainID), tx)
	if err != nil {
		return xerrors.Errorf("invalid sender: %v", err)
	}

	if tx.Nonce() != l.nonces[from] {
		return xerrors.Errorf("nonce too low: %d != %d", tx.Nonce(), l.nonces[from])
	}

	l.nonces[from]++
	l.Sends.Add(tx)

	status := types.ReceiptStatusSuccessful

	c, found := l.contracts[*tx.To()]
	if found {
		_, err = c.execute(from, tx.Data(), true)
		if err != nil {
			status = types.ReceiptStatusFailed
		}
	}

	if l.FailReceipt {
		status = types.ReceiptStatusFailed
	}

	receipt := &types.Receipt{
		Status: status,
		TxHash: tx.Hash(),
	}

	if l.Manual {
		l.pending = append(l.pending, receipt)
		return nil
	}

	l.mine(receipt)

	return nil
}

// Mine makes the receipts of the pending transactions available.
func (l *Ledger) Mine() {
	l.Lock()
	defer l.Unlock()

	for _, receipt := range l.pending {
		l.mine(receipt)
	}

	l.pending = nil
}

func (l *Ledger) mine(receipt *types.Receipt) {
	l.block++
	receipt.BlockNumber = new(big.Int).SetUint64(l.block)

	l.receipts[receipt.TxHash] = receipt
}

// TransactionReceipt implements chain.Client.
func (l *Ledger) TransactionReceipt(ctx context.Context,
	hash common.Hash) (*types.Receipt, error) {

	l.Lock()
	defer l.Unlock()

	if l.ErrReceipt != nil {
		return nil, l.ErrReceipt
	}

	receipt := l.receipts[hash]
	if receipt == nil {
		return nil, ethereum.NotFound
	}

	return receipt, nil
}

// BlockNumber implements chain.Client. It returns the number of the last
// block.
func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	l.Lock()
	defer l.Unlock()

	if l.ErrCall != nil {
		return 0, l.ErrCall
	}

	return l.block, nil
}

// FilterLogs implements chain.Client.
func (l *Ledger) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	l.Lock()
	defer l.Unlock()

	var res []types.Log

	for _, log := range l.logs {
		if match(q, log) {
			res = append(res, log)
		}
	}

	return res, nil
}

// SubscribeFilterLogs implements chain.Client. The logs emitted after the
// subscription and matching the query are delivered on the channel.
func (l *Ledger) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery,
	ch chan<- types.Log) (ethereum.Subscription, error) {

	l.Lock()
	defer l.Unlock()

	l.Subscribes.Add(q)

	if l.ErrSub != nil {
		return nil, l.ErrSub
	}

	sub := &subscription{
		query: q,
		logs:  make(chan types.Log, 64),
		fail:  make(chan error, 1),
	}

	l.subs[sub] = struct{}{}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer func() {
			l.Lock()
			delete(l.subs, sub)
			l.Unlock()
		}()

		for {
			select {
			case <-quit:
				return nil
			case err := <-sub.fail:
				return err
			case log := <-sub.logs:
				select {
				case ch <- log:
				case <-quit:
					return nil
				}
			}
		}
	}), nil
}

// Emit publishes the log to the subscribers.
func (l *Ledger) Emit(log types.Log) {
	l.Lock()
	defer l.Unlock()

	l.block++
	log.BlockNumber = l.block
	l.logs = append(l.logs, log)

	for sub := range l.subs {
		if match(sub.query, log) {
			sub.logs <- log
		}
	}
}

// DropSubscriptions terminates the active subscriptions with an error, as
// when the connection to the node is lost.
func (l *Ledger) DropSubscriptions() {
	l.Lock()
	defer l.Unlock()

	for sub := range l.subs {
		select {
		case sub.fail <- xerrors.New("connection lost"):
		default:
		}
	}
}

// Subscriptions returns the number of active subscriptions.
func (l *Ledger) Subscriptions() int {
	l.Lock()
	defer l.Unlock()

	return len(l.subs)
}

// String implements fmt.Stringer.
func (l *Ledger) String() string {
	return fmt.Sprintf("fake.Ledger(%d)", ChainID)
}

type subscription struct {
	query ethereum.FilterQuery
	logs  chan types.Log
	fail  chan error
}

func match(q ethereum.FilterQuery, log types.Log) bool {
	if q.FromBlock != nil && log.BlockNumber < q.FromBlock.Uint64() {
		return false
	}

	if q.ToBlock != nil && log.BlockNumber > q.ToBlock.Uint64() {
		return false
	}

	if len(q.Addresses) > 0 {
		found := false
		for _, addr := range q.Addresses {
			found = found || addr == log.Address
		}

		if !found {
			return false
		}
	}

	for i, topics := range q.Topics {
		if len(topics) == 0 {
			continue
		}

		if i >= len(log.Topics) {
			return false
		}

		found := false
		for _, topic := range topics {
			found = found || topic == log.Topics[i]
		}

		if !found {
			return false
		}
	}

	return true
}
