package transfer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/external"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer signs transactions for a single sender. Keys never live in this process.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// ClefSigner delegates signing to an external Clef instance.
type ClefSigner struct {
	ext     *external.ExternalSigner
	account accounts.Account
}

func NewClefSigner(endpoint string, from common.Address) (*ClefSigner, error) {
	ext, err := external.NewExternalSigner(endpoint)
	if err != nil {
		return nil, fmt.Errorf("clef connect: %w", err)
	}
	return &ClefSigner{ext: ext, account: accounts.Account{Address: from}}, nil
}

func (s *ClefSigner) Address() common.Address { return s.account.Address }

func (s *ClefSigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return s.ext.SignTx(s.account, tx, chainID)
}
