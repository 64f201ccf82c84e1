package ledger

import (
	"encoding/binary"
	"fmt"

	"LeverLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// batchNamespace seeds deterministic batch ids so a replay regenerates the
// same journal ids as the original run.
var batchNamespace = uuid.MustParse("6c1f9c1e-4f7e-5b7a-9a53-0e4b1f6d2a11")

// BatchHeader carries the command context stamped on every journal.
type BatchHeader struct {
	EventRef  string
	Sequence  int64
	Timestamp int64 // epoch microseconds
}

// JournalGenerator creates balanced journal batches from command effects.
// Zero-amount legs are skipped, so a batch may come back empty.
type JournalGenerator struct {
	assetID AssetID
}

func NewJournalGenerator(assetID AssetID) *JournalGenerator {
	return &JournalGenerator{assetID: assetID}
}

func (jg *JournalGenerator) AssetID() AssetID {
	return jg.assetID
}

func (jg *JournalGenerator) newBatch(h BatchHeader, legs int) *Batch {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(h.Sequence))
	return &Batch{
		BatchID:   uuid.NewSHA1(batchNamespace, append([]byte(h.EventRef), seq[:]...)),
		EventRef:  h.EventRef,
		Sequence:  h.Sequence,
		Timestamp: h.Timestamp,
		Journals:  make([]Journal, 0, legs),
	}
}

func (jg *JournalGenerator) add(b *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte{byte(len(b.Journals))}),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       jg.assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

func (jg *JournalGenerator) poolAccount(opportunityID uint64, side event.Side) (AccountKey, error) {
	switch side {
	case event.SideYes:
		return NewOpportunityAccountKey(opportunityID, SubTypePoolYes, jg.assetID), nil
	case event.SideNo:
		return NewOpportunityAccountKey(opportunityID, SubTypePoolNo, jg.assetID), nil
	default:
		return AccountKey{}, fmt.Errorf("no pool account for side %s", side)
	}
}

func (jg *JournalGenerator) external(subType AccountSubType) AccountKey {
	return NewExternalAccountKey(subType, jg.assetID)
}

func (jg *JournalGenerator) fees() AccountKey {
	return NewSystemAccountKey(SubTypeFees, jg.assetID)
}

// GenerateLiquiditySeed moves the creator's seed into both pools.
// external:collateral_in -> pool_yes, pool_no
func (jg *JournalGenerator) GenerateLiquiditySeed(h BatchHeader, opportunityID uint64, yes, no int64) (*Batch, error) {
	b := jg.newBatch(h, 2)
	in := jg.external(SubTypeCollateralIn)
	jg.add(b, NewOpportunityAccountKey(opportunityID, SubTypePoolYes, jg.assetID), in, yes, JournalTypeLiquiditySeed)
	jg.add(b, NewOpportunityAccountKey(opportunityID, SubTypePoolNo, jg.assetID), in, no, JournalTypeLiquiditySeed)
	return b, nil
}

// GenerateTrade records a trader-funded trade and its fee.
// external:collateral_in -> pool_side (amount), -> system:fees (fee)
func (jg *JournalGenerator) GenerateTrade(h BatchHeader, opportunityID uint64, side event.Side, amount, fee int64) (*Batch, error) {
	pool, err := jg.poolAccount(opportunityID, side)
	if err != nil {
		return nil, err
	}
	b := jg.newBatch(h, 2)
	in := jg.external(SubTypeCollateralIn)
	jg.add(b, pool, in, amount, JournalTypeTradeCollateral)
	jg.add(b, jg.fees(), in, fee, JournalTypeTradeFee)
	return b, nil
}

// GenerateBorrow records a borrowed level: the pool receives the borrow and the
// owner's debt account carries the liability.
// user:debt -> pool_side
func (jg *JournalGenerator) GenerateBorrow(h BatchHeader, owner common.Address, opportunityID uint64, side event.Side, borrow int64) (*Batch, error) {
	pool, err := jg.poolAccount(opportunityID, side)
	if err != nil {
		return nil, err
	}
	b := jg.newBatch(h, 1)
	jg.add(b, pool, NewUserAccountKey(owner, SubTypeDebt, jg.assetID), borrow, JournalTypeBorrow)
	return b, nil
}

// GenerateLiquidation writes cleared debt off against the credit line and pays
// the liquidator's incentive out of the fee account.
// external:credit_line -> user:debt (debt cleared)
// system:fees -> external:collateral_out (incentive)
func (jg *JournalGenerator) GenerateLiquidation(h BatchHeader, owner common.Address, debtCleared, incentive int64) (*Batch, error) {
	b := jg.newBatch(h, 2)
	jg.add(b, NewUserAccountKey(owner, SubTypeDebt, jg.assetID), jg.external(SubTypeCreditLine), debtCleared, JournalTypeDebtWriteOff)
	jg.add(b, jg.external(SubTypeCollateralOut), jg.fees(), incentive, JournalTypeLiquidationIncentive)
	return b, nil
}

// GenerateSettlementLock drains both pools into the settlement account.
// pool_yes, pool_no -> settlement
func (jg *JournalGenerator) GenerateSettlementLock(h BatchHeader, opportunityID uint64, liquidityYes, liquidityNo int64) (*Batch, error) {
	b := jg.newBatch(h, 2)
	settlement := NewOpportunityAccountKey(opportunityID, SubTypeSettlement, jg.assetID)
	jg.add(b, settlement, NewOpportunityAccountKey(opportunityID, SubTypePoolYes, jg.assetID), liquidityYes, JournalTypeSettlementLock)
	jg.add(b, settlement, NewOpportunityAccountKey(opportunityID, SubTypePoolNo, jg.assetID), liquidityNo, JournalTypeSettlementLock)
	return b, nil
}

// GenerateClaim pays a claim out of the settlement account.
// settlement -> external:collateral_out (net), -> system:fees (fee)
func (jg *JournalGenerator) GenerateClaim(h BatchHeader, opportunityID uint64, net, fee int64) (*Batch, error) {
	if net < 0 || fee < 0 {
		return nil, fmt.Errorf("negative claim legs: net=%d fee=%d", net, fee)
	}
	b := jg.newBatch(h, 2)
	settlement := NewOpportunityAccountKey(opportunityID, SubTypeSettlement, jg.assetID)
	jg.add(b, jg.external(SubTypeCollateralOut), settlement, net, JournalTypeSettlementPayout)
	jg.add(b, jg.fees(), settlement, fee, JournalTypeSettlementFee)
	return b, nil
}
