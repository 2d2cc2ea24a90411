package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/ghaph/auto-middleman/internal/domain"
)

// LitecoinParams carries the address version bytes Litecoin mainnet uses on
// top of the Bitcoin wire format. Only the fields address encoding touches
// are filled in.
var LitecoinParams = chaincfg.Params{
	Name:             "litecoin",
	PubKeyHashAddrID: 0x30,
	ScriptHashAddrID: 0x32,
	PrivateKeyID:     0xb0,
	Bech32HRPSegwit:  "ltc",
	HDCoinType:       2,
}

// ChainParams returns the address parameters for a UTXO asset.
func ChainParams(crypto domain.CryptoType) *chaincfg.Params {
	if crypto == domain.LTC {
		return &LitecoinParams
	}
	return &chaincfg.MainNetParams
}

// Keypair is one derived per-transaction wallet.
type Keypair struct {
	Crypto  domain.CryptoType
	Index   uint32
	PrivKey *btcec.PrivateKey
	Address string
}

// Deriver derives per-transaction keypairs from the seed pool. The path is
// m/44'/{coin}'/0'/0/{index} with the BIP44 coin type of the asset.
type Deriver struct {
	registry *Registry
}

// NewDeriver creates a deriver backed by the account registry.
func NewDeriver(registry *Registry) *Deriver {
	return &Deriver{registry: registry}
}

// Derive produces the keypair and address for (account, crypto, index).
func (d *Deriver) Derive(acc Account, crypto domain.CryptoType, index uint32) (*Keypair, error) {
	seed := d.registry.Seed(acc)

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + crypto.CoinType(),
		hdkeychain.HardenedKeyStart,
		0,
		index,
	}
	child := master
	for _, step := range path {
		child, err = child.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("derive path step %d: %w", step, err)
		}
	}

	privKey, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract private key: %w", err)
	}

	address, err := addressFor(privKey, crypto)
	if err != nil {
		return nil, err
	}

	return &Keypair{
		Crypto:  crypto,
		Index:   index,
		PrivKey: privKey,
		Address: address,
	}, nil
}

func addressFor(privKey *btcec.PrivateKey, crypto domain.CryptoType) (string, error) {
	if crypto == domain.ETH {
		return ethcrypto.PubkeyToAddress(privKey.ToECDSA().PublicKey).Hex(), nil
	}

	pubKeyHash := btcutil.Hash160(privKey.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, ChainParams(crypto))
	if err != nil {
		return "", fmt.Errorf("encode %s address: %w", crypto, err)
	}
	return addr.EncodeAddress(), nil
}
