package controller

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"go.dedis.ch/ballot/cli"
	"go.dedis.ch/ballot/cli/node"
	"go.dedis.ch/ballot/core/types"
	"go.dedis.ch/ballot/crypto/blind"
	"golang.org/x/xerrors"
)

const actionTimeout = 10 * time.Second

// pubkeyAction is an action to print the public key of a ballot.
//
// - implements node.ActionTemplate
type pubkeyAction struct{}

// Execute implements node.ActionTemplate.
func (pubkeyAction) Execute(req node.Context) error {
	signer, err := getSigner(req.Injector)
	if err != nil {
		return err
	}

	id, err := ballotID(req.Flags)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	pubkey, err := signer.PublicKey(ctx, id)
	if err != nil {
		return xerrors.Errorf("failed to get public key: %w", err)
	}

	fmt.Fprint(req.Out, hex.EncodeToString(pubkey.Bytes()))

	return nil
}

// commitAction is an action to draw a nonce from the pool of the daemon.
//
// - implements node.ActionTemplate
type commitAction struct{}

// Execute implements node.ActionTemplate. It prints the identifier of the
// nonce followed by its commitment.
func (commitAction) Execute(req node.Context) error {
	var pool *blind.NoncePool

	err := req.Injector.Resolve(&pool)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	commitment, err := pool.Commit()
	if err != nil {
		return xerrors.Errorf("failed to commit: %v", err)
	}

	fmt.Fprintf(req.Out, "%s %s", commitment.ID, hex.EncodeToString(commitment.R))

	return nil
}

// signAction is an action to sign a blinded message. The nonce is consumed
// even when the signature fails so that it can never be used twice.
//
// - implements node.ActionTemplate
type signAction struct{}

// Execute implements node.ActionTemplate.
func (signAction) Execute(req node.Context) error {
	signer, err := getSigner(req.Injector)
	if err != nil {
		return err
	}

	var pool *blind.NoncePool

	err = req.Injector.Resolve(&pool)
	if err != nil {
		return xerrors.Errorf("injector: %v", err)
	}

	id, err := ballotID(req.Flags)
	if err != nil {
		return err
	}

	blinded, err := hex.DecodeString(req.Flags.String("blinded"))
	if err != nil {
		return xerrors.Errorf("%w: blinded message: %v", blind.ErrInvalidInput, err)
	}

	nonce, err := pool.Take(req.Flags.String("nonce"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	sig, err := signer.Sign(ctx, blind.Request{
		BallotID:       id,
		BlindedMessage: blinded,
		Nonce:          nonce,
	})
	if err != nil {
		return xerrors.Errorf("failed to sign: %w", err)
	}

	fmt.Fprint(req.Out, hex.EncodeToString(sig))

	return nil
}

// verifyAction is an action to verify an unblinded signature against the key
// of a ballot.
//
// - implements node.ActionTemplate
type verifyAction struct{}

// Execute implements node.ActionTemplate. It returns an error when the
// signature does not match.
func (verifyAction) Execute(req node.Context) error {
	signer, err := getSigner(req.Injector)
	if err != nil {
		return err
	}

	id, err := ballotID(req.Flags)
	if err != nil {
		return err
	}

	suite := signer.Suite()

	buf, err := hex.DecodeString(req.Flags.String("signature"))
	if err != nil {
		return xerrors.Errorf("%w: signature: %v", blind.ErrInvalidInput, err)
	}

	s, err := suite.Scalar(buf)
	if err != nil {
		return xerrors.Errorf("signature: %w", err)
	}

	buf, err = hex.DecodeString(req.Flags.String("point"))
	if err != nil {
		return xerrors.Errorf("%w: point: %v", blind.ErrInvalidInput, err)
	}

	f, err := suite.Point(buf)
	if err != nil {
		return xerrors.Errorf("point: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	pubkey, err := signer.PublicKey(ctx, id)
	if err != nil {
		return xerrors.Errorf("failed to get public key: %w", err)
	}

	m := blind.HashMessage(suite, []byte(req.Flags.String("message")))

	if !blind.Verify(suite, pubkey, m, blind.Signature{S: s, F: f}) {
		return xerrors.New("invalid signature")
	}

	fmt.Fprint(req.Out, "valid signature")

	return nil
}

func getSigner(inj node.Injector) (*blind.Signer, error) {
	var signer *blind.Signer

	err := inj.Resolve(&signer)
	if err != nil {
		return nil, xerrors.Errorf("injector: %v", err)
	}

	return signer, nil
}

// ballotID returns the identifier of the ballot flag, or the zero identifier
// when it is not set.
func ballotID(flags cli.Flags) (types.ID, error) {
	value := flags.String("ballot")
	if value == "" {
		return types.ID{}, nil
	}

	return types.ParseID(value)
}
