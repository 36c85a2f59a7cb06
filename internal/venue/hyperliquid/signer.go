package hyperliquid

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const signatureChainID = "0x66eee"

type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	mainnet bool
}

func NewSigner(hexKey string, mainnet bool) (*Signer, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey), mainnet: mainnet}, nil
}

func (s *Signer) Address() common.Address { return s.address }

// SignL1 signs an exchange action through the phantom agent scheme.
func (s *Signer) SignL1(action any, nonce uint64, vault *common.Address) (signature, error) {
	payload, err := encodeAction(action)
	if err != nil {
		return signature{}, err
	}
	digest, err := agentDigest(actionHash(payload, nonce, vault), s.mainnet)
	if err != nil {
		return signature{}, err
	}
	return s.sign(digest)
}

func (s *Signer) SignClassTransfer(action *usdClassTransferAction) (signature, error) {
	if action == nil {
		return signature{}, errors.New("transfer action is required")
	}
	if action.SignatureChainID == "" {
		action.SignatureChainID = signatureChainID
	}
	if action.HyperliquidChain == "" {
		action.HyperliquidChain = "Testnet"
		if s.mainnet {
			action.HyperliquidChain = "Mainnet"
		}
	}
	digest, err := classTransferDigest(*action)
	if err != nil {
		return signature{}, err
	}
	return s.sign(digest)
}

func (s *Signer) sign(digest []byte) (signature, error) {
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return signature{}, err
	}
	if len(sig) != 65 {
		return signature{}, fmt.Errorf("unexpected signature length %d", len(sig))
	}
	return signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: int(sig[64]) + 27,
	}, nil
}

func actionHash(payload []byte, nonce uint64, vault *common.Address) []byte {
	buf := bytes.NewBuffer(append([]byte(nil), payload...))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	buf.Write(n[:])
	if vault == nil {
		buf.WriteByte(0x00)
	} else {
		buf.WriteByte(0x01)
		buf.Write(vault.Bytes())
	}
	return crypto.Keccak256(buf.Bytes())
}

var eip712Domain = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

func agentDigest(hash []byte, mainnet bool) ([]byte, error) {
	source := "b"
	if mainnet {
		source = "a"
	}
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712Domain,
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(1337),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutil.Encode(hash),
		},
	}
	return typedDigest(td)
}

func classTransferDigest(action usdClassTransferAction) ([]byte, error) {
	var chainID math.HexOrDecimal256
	if err := chainID.UnmarshalText([]byte(action.SignatureChainID)); err != nil {
		return nil, err
	}
	const primary = "HyperliquidTransaction:UsdClassTransfer"
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712Domain,
			primary: {
				{Name: "hyperliquidChain", Type: "string"},
				{Name: "amount", Type: "string"},
				{Name: "toPerp", Type: "bool"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              "HyperliquidSignTransaction",
			Version:           "1",
			ChainId:           &chainID,
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"hyperliquidChain": action.HyperliquidChain,
			"amount":           action.Amount,
			"toPerp":           action.ToPerp,
			"nonce":            strconv.FormatUint(action.Nonce, 10),
		},
	}
	return typedDigest(td)
}

func typedDigest(td apitypes.TypedData) ([]byte, error) {
	domainHash, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}
