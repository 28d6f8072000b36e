// Package token keeps the fungible balances the settlement engine moves:
// the option token, the payment token, and the underlying. Balances are
// tracked double-entry against an external issuance account per asset, so
// the book stays zero-sum and total supply falls out of the bookkeeping.
package token

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope separates holder accounts from the external issuance
// boundary.
type AccountScope uint8

const (
	ScopeHolder AccountScope = iota
	ScopeIssuance
)

// AssetID maps asset symbols to numeric ids for compact keys.
type AssetID uint16

// The three settlement assets. Symbols are fixed per deployment.
const (
	AssetOption     AssetID = 1
	AssetPayment    AssetID = 2
	AssetUnderlying AssetID = 3

	SymbolOption     = "OPT"
	SymbolPayment    = "PAY"
	SymbolUnderlying = "UND"
)

var (
	assetToID = map[string]AssetID{
		SymbolOption:     AssetOption,
		SymbolPayment:    AssetPayment,
		SymbolUnderlying: AssetUnderlying,
	}
	idToAsset = map[AssetID]string{
		AssetOption:     SymbolOption,
		AssetPayment:    SymbolPayment,
		AssetUnderlying: SymbolUnderlying,
	}
)

// GetAssetID resolves a symbol to its id.
func GetAssetID(symbol string) (AssetID, bool) {
	id, ok := assetToID[symbol]
	return id, ok
}

// GetAssetName resolves an id to its symbol.
func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// SinkAddress is the unspendable address redeemed option tokens move to.
// Funds parked here stay inside total supply but out of circulation.
var SinkAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

// AccountKey identifies a balance bucket.
type AccountKey struct {
	Scope   AccountScope
	Address common.Address
	AssetID AssetID
}

// HolderKey builds the key for a holder's balance of an asset.
func HolderKey(addr common.Address, asset AssetID) AccountKey {
	return AccountKey{Scope: ScopeHolder, Address: addr, AssetID: asset}
}

// IssuanceKey builds the external issuance boundary key for an asset.
func IssuanceKey(asset AssetID) AccountKey {
	return AccountKey{Scope: ScopeIssuance, AssetID: asset}
}

// AccountPath renders the key for storage and logging.
func (k AccountKey) AccountPath() string {
	asset, _ := GetAssetName(k.AssetID)
	switch k.Scope {
	case ScopeHolder:
		return fmt.Sprintf("holder:%s:%s", k.Address.Hex(), asset)
	case ScopeIssuance:
		return fmt.Sprintf("issuance:%s", asset)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath, used when restoring
// state from a snapshot.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 3 && parts[0] == "holder":
		id, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("token: unknown asset in path %q", path)
		}
		if !common.IsHexAddress(parts[1]) {
			return AccountKey{}, fmt.Errorf("token: bad address in path %q", path)
		}
		return HolderKey(common.HexToAddress(parts[1]), id), nil
	case len(parts) == 2 && parts[0] == "issuance":
		id, ok := GetAssetID(parts[1])
		if !ok {
			return AccountKey{}, fmt.Errorf("token: unknown asset in path %q", path)
		}
		return IssuanceKey(id), nil
	}
	return AccountKey{}, fmt.Errorf("token: malformed account path %q", path)
}
