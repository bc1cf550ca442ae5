package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of a bech32 identity string.
type AddressPrefix string

// PktPrefix is the prefix used by every party identity, including escrow
// accounts themselves.
const PktPrefix AddressPrefix = "pkt"

// Address represents a 20-byte identity with a human-readable prefix. The
// encoded string is the canonical identity of a launcher, courier, recipient
// or escrow account; there is no separate internal user id.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: b}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("address payload must be 20 bytes, got %d", len(conv))
	}
	if prefix != string(PktPrefix) {
		return Address{}, fmt.Errorf("unsupported address prefix %q", prefix)
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	addrBytes := ethcrypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(PktPrefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// --- Request signing ---

// RequestDigest computes the canonical signable payload for an authenticated
// API call: the route ("METHOD /path"), the nonce, and every payload field as
// "key=value" sorted by key, joined with newlines, hashed with keccak256.
// Binding the route keeps a signature minted for one endpoint from authorizing
// a different one that happens to share field names. Both the client and the
// authenticator must derive the digest from the exact same inputs.
func RequestDigest(route string, nonce uint64, fields map[string]string) [32]byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(route)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatUint(nonce, 10))
	for _, k := range keys {
		b.WriteByte('\n')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	var out [32]byte
	copy(out[:], ethcrypto.Keccak256([]byte(b.String())))
	return out
}

// RequestRoute builds the canonical route component of a request digest from
// an HTTP method and path.
func RequestRoute(method, path string) string {
	return method + " " + path
}

// SignRequest produces the 65-byte recoverable signature over a request
// digest. Used by clients and tests; the service itself never signs.
func (k *PrivateKey) SignRequest(digest [32]byte) ([]byte, error) {
	return ethcrypto.Sign(digest[:], k.PrivateKey)
}

// RecoverIdentity returns the identity address that produced the signature
// over the digest. Signature must be 65 bytes (r || s || v).
func RecoverIdentity(digest [32]byte, sig []byte) (Address, error) {
	if len(sig) != 65 {
		return Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	pubKey, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return (&PublicKey{pubKey}).Address(), nil
}
