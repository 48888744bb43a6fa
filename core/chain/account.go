package chain

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"
)

// Account is a ledger account able to sign transactions.
type Account struct {
	Address common.Address

	key *ecdsa.PrivateKey
}

// NewAccount returns the account of the private key.
func NewAccount(key *ecdsa.PrivateKey) *Account {
	return &Account{
		Address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}
}

// AccountFromHex returns the account of a hex-encoded secp256k1 private key,
// with or without the 0x prefix.
func AccountFromHex(hexkey string) (*Account, error) {
	hexkey = strings.TrimPrefix(strings.TrimSpace(hexkey), "0x")

	key, err := crypto.HexToECDSA(hexkey)
	if err != nil {
		return nil, xerrors.Errorf("invalid account key: %v", err)
	}

	return NewAccount(key), nil
}

// String implements fmt.Stringer. It only prints the address.
func (a *Account) String() string {
	return a.Address.Hex()
}
