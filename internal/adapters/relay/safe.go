package relay

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ExpectedSafeAddress computes the CREATE2 address of the Safe the factory
// deploys for signer:
//
//	keccak256(0xff ++ factory ++ keccak256(pad(signer)) ++ initCodeHash)[12:]
//
// Pure computation — the orchestrator uses it to predict the Safe address
// before deployment, and the result never changes afterwards.
func ExpectedSafeAddress(factory common.Address, initCodeHash common.Hash, signer common.Address) common.Address {
	salt := crypto.Keccak256Hash(common.LeftPadBytes(signer.Bytes(), 32))

	var buf []byte
	buf = append(buf, 0xff)
	buf = append(buf, factory.Bytes()...)
	buf = append(buf, salt.Bytes()...)
	buf = append(buf, initCodeHash.Bytes()...)
	return common.BytesToAddress(crypto.Keccak256(buf)[12:])
}
