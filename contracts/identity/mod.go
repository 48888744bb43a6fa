// Package identity implements the adapter of the identity registry contract.
//
// The registry maps a user handle to the account that registered it:
//
//	registerId(string)
//	removeId(string)
//	getId(string) returns (string)
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.dedis.ch/ballot/core/chain"
	"golang.org/x/crypto/sha3"
	"golang.org/x/xerrors"
)

const defaultConfirmTimeout = 30 * time.Second

// Gateway is the part of the contract call gateway used by the registry.
type Gateway interface {
	Call(ctx context.Context, addr common.Address, fn string,
		inputs []chain.Value, outputs []string) ([]interface{}, error)

	Send(ctx context.Context, addr common.Address, fn string,
		inputs []chain.Value, outputs []string) (chain.Submission, error)

	WaitMined(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// Hash returns the keccak digest of a handle, as used by the ballot contract
// to refer to the owner of a ballot.
func Hash(handle string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(handle))

	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	return digest
}

// Registry is the adapter of the identity registry contract.
type Registry struct {
	gw      Gateway
	addr    common.Address
	timeout time.Duration
}

// NewRegistry returns the adapter of the registry deployed at the address.
func NewRegistry(gw Gateway, addr common.Address, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}

	return &Registry{
		gw:      gw,
		addr:    addr,
		timeout: timeout,
	}
}

// Register registers the handle and waits for the confirmation.
func (r *Registry) Register(ctx context.Context, handle string) error {
	err := r.send(ctx, "registerId", handle)
	if err != nil {
		return xerrors.Errorf("failed to register '%s': %w", handle, err)
	}

	return nil
}

// Remove removes the handle and waits for the confirmation.
func (r *Registry) Remove(ctx context.Context, handle string) error {
	err := r.send(ctx, "removeId", handle)
	if err != nil {
		return xerrors.Errorf("failed to remove '%s': %w", handle, err)
	}

	return nil
}

// Lookup returns the identity registered for the handle. The boolean is
// false when the handle is not registered.
func (r *Registry) Lookup(ctx context.Context, handle string) (string, bool, error) {
	values, err := r.gw.Call(ctx, r.addr, "getId",
		[]chain.Value{chain.String(handle)}, []string{"string"})
	if err != nil {
		return "", false, xerrors.Errorf("failed to lookup '%s': %w", handle, err)
	}

	id, ok := values[0].(string)
	if !ok {
		return "", false, xerrors.Errorf("%w: unexpected result %T", chain.ErrEncoding, values[0])
	}

	return id, id != "", nil
}

// String implements fmt.Stringer.
func (r *Registry) String() string {
	return fmt.Sprintf("identity.Registry(%s)", r.addr.Hex())
}

func (r *Registry) send(ctx context.Context, fn, handle string) error {
	sub, err := r.gw.Send(ctx, r.addr, fn, []chain.Value{chain.String(handle)}, nil)
	if err != nil {
		return err
	}

	_, err = r.gw.WaitMined(ctx, sub.Hash, r.timeout)
	if err != nil {
		return err
	}

	return nil
}
