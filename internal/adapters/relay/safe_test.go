package relay

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

var (
	testFactory  = common.HexToAddress("0xaaCFeEa03eb1561C4e67d661e40682Bd20E3541b")
	testInitHash = common.HexToHash("0x1c5f6c1be9afc8bb0861c1d4cbd1a361f2c5bbf3f7e1b4dcb1a06d1c6b8e9d00")
)

func TestExpectedSafeAddress_Deterministic(t *testing.T) {
	signer := common.HexToAddress("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf")

	a := ExpectedSafeAddress(testFactory, testInitHash, signer)
	b := ExpectedSafeAddress(testFactory, testInitHash, signer)

	assert.Equal(t, a, b)
	assert.NotEqual(t, common.Address{}, a)
	assert.NotEqual(t, signer, a)
}

func TestExpectedSafeAddress_VariesPerSigner(t *testing.T) {
	a := ExpectedSafeAddress(testFactory, testInitHash, common.HexToAddress("0x01"))
	b := ExpectedSafeAddress(testFactory, testInitHash, common.HexToAddress("0x02"))
	assert.NotEqual(t, a, b)
}

func TestExpectedSafeAddress_VariesPerFactory(t *testing.T) {
	signer := common.HexToAddress("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf")
	other := common.HexToAddress("0x0000000000000000000000000000000000000001")

	a := ExpectedSafeAddress(testFactory, testInitHash, signer)
	b := ExpectedSafeAddress(other, testInitHash, signer)
	assert.NotEqual(t, a, b)
}
