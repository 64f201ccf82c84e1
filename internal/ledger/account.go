package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeDebt AccountSubType = iota

	// System sub-types (per opportunity)
	SubTypePoolYes
	SubTypePoolNo
	SubTypeSettlement

	// System sub-types (global)
	SubTypeFees

	// External sub-types
	SubTypeCollateralIn
	SubTypeCollateralOut
	SubTypeCreditLine
)

// AssetID maps collateral token symbols to numeric IDs
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
		"USDT": 2,
		"DAI":  3,
		"WETH": 4,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
		2: "USDT",
		3: "DAI",
		4: "WETH",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking.
// EntityID holds the owner address for user accounts and the big-endian
// opportunity id for per-opportunity system accounts.
type AccountKey struct {
	Scope    AccountScope
	EntityID [20]byte
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(owner common.Address, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewOpportunityAccountKey creates a key for an opportunity's pool or settlement account
func NewOpportunityAccountKey(opportunityID uint64, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [20]byte
	binary.BigEndian.PutUint64(entityID[12:], opportunityID)
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for global system accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// OpportunityID decodes the entity of a per-opportunity account.
func (k AccountKey) OpportunityID() uint64 {
	return binary.BigEndian.Uint64(k.EntityID[12:])
}

func (k AccountKey) isOpportunityScoped() bool {
	switch k.SubType {
	case SubTypePoolYes, SubTypePoolNo, SubTypeSettlement:
		return k.Scope == AccountScopeSystem
	}
	return false
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", common.Address(k.EntityID).Hex(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		if k.isOpportunityScoped() {
			return fmt.Sprintf("system:opportunity:%d:%s:%s", k.OpportunityID(), k.subTypeName(), assetName)
		}
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeDebt:
		return "debt"
	case SubTypePoolYes:
		return "pool_yes"
	case SubTypePoolNo:
		return "pool_no"
	case SubTypeSettlement:
		return "settlement"
	case SubTypeFees:
		return "fees"
	case SubTypeCollateralIn:
		return "collateral_in"
	case SubTypeCollateralOut:
		return "collateral_out"
	case SubTypeCreditLine:
		return "credit_line"
	default:
		return "unknown"
	}
}
